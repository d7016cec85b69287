package repository

import (
	"context"
	"testing"
	"time"

	"waveplay/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB creates an in-memory SQLite database for testing
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(&model.PlayHistory{}); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}
	return db
}

func TestPlayHistoryRecordAndRecent(t *testing.T) {
	repo := NewGormPlayHistoryRepository(setupTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"1", "2", "1"} {
		err := repo.Record(ctx, &model.PlayHistory{
			TrackID:  id,
			Title:    "t" + id,
			Cause:    "manual",
			PlayedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	recent, err := repo.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].TrackID != "1" || recent[1].TrackID != "2" {
		t.Errorf("recent = %+v", recent)
	}

	count, err := repo.CountByTrack(ctx, "1")
	if err != nil || count != 2 {
		t.Errorf("count = %d, err = %v", count, err)
	}
}

func TestPlayHistoryDefaultsAndCleanup(t *testing.T) {
	repo := NewGormPlayHistoryRepository(setupTestDB(t))
	ctx := context.Background()

	old := &model.PlayHistory{TrackID: "old", PlayedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &model.PlayHistory{TrackID: "fresh"}
	if err := repo.Record(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := repo.Record(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.PlayedAt.IsZero() || fresh.ID == 0 {
		t.Errorf("fresh entry not populated: %+v", fresh)
	}

	n, err := repo.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("deleted = %d, err = %v", n, err)
	}
	recent, _ := repo.Recent(ctx, 0)
	if len(recent) != 1 || recent[0].TrackID != "fresh" {
		t.Errorf("recent = %+v", recent)
	}
}
