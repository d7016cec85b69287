package db

import (
	"testing"

	"waveplay/config"
)

func TestDialector(t *testing.T) {
	for _, driver := range []string{"mysql", "sqlite", ""} {
		d, err := Dialector(&config.Config{DBDriver: driver, SQLitePath: ":memory:"})
		if err != nil || d == nil {
			t.Errorf("%q: dialector = %v, err = %v", driver, d, err)
		}
	}
	if _, err := Dialector(&config.Config{DBDriver: "oracle"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestConnectSQLiteAndMigrate(t *testing.T) {
	cfg := &config.Config{DBDriver: "sqlite", SQLitePath: ":memory:"}
	if err := ConnectGormDB(cfg); err != nil {
		t.Fatal(err)
	}
	defer CloseGormDB()

	if err := AutoMigrateModels(); err != nil {
		t.Fatal(err)
	}
	if !GormDB.Migrator().HasTable("play_history") {
		t.Error("play_history table missing")
	}
}
