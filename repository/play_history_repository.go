package repository

import (
	"context"
	"time"

	"waveplay/model"

	"gorm.io/gorm"
)

// PlayHistoryRepository 播放记录数据访问接口
type PlayHistoryRepository interface {
	Record(ctx context.Context, entry *model.PlayHistory) error
	Recent(ctx context.Context, limit int) ([]*model.PlayHistory, error)
	CountByTrack(ctx context.Context, trackID string) (int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// gormPlayHistoryRepository GORM 实现
type gormPlayHistoryRepository struct {
	db *gorm.DB
}

// NewGormPlayHistoryRepository 创建 GORM 播放记录仓库
func NewGormPlayHistoryRepository(db *gorm.DB) PlayHistoryRepository {
	return &gormPlayHistoryRepository{db: db}
}

// Record 写入一条播放记录
func (r *gormPlayHistoryRepository) Record(ctx context.Context, entry *model.PlayHistory) error {
	if entry.PlayedAt.IsZero() {
		entry.PlayedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// Recent 最近的播放记录，按时间倒序
func (r *gormPlayHistoryRepository) Recent(ctx context.Context, limit int) ([]*model.PlayHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var entries []*model.PlayHistory
	err := r.db.WithContext(ctx).
		Order("played_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// CountByTrack 某首歌的播放次数
func (r *gormPlayHistoryRepository) CountByTrack(ctx context.Context, trackID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.PlayHistory{}).
		Where("track_id = ?", trackID).
		Count(&count).Error
	return count, err
}

// DeleteBefore 清理早于指定时间的记录
func (r *gormPlayHistoryRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("played_at < ?", before).
		Delete(&model.PlayHistory{})
	return result.RowsAffected, result.Error
}
