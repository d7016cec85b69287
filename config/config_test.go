package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RENDER_PIXELS_PER_SECOND", "")
	os.Unsetenv("RENDER_PIXELS_PER_SECOND")

	cfg := fromEnv()

	if cfg.PixelsPerSecond != 50 || cfg.BarWidth != 2 || cfg.BarGap != 1 {
		t.Errorf("unexpected render defaults: %+v", cfg)
	}
	if cfg.EQTimeoutDesktop != 100*time.Millisecond {
		t.Errorf("EQTimeoutDesktop = %v, want 100ms", cfg.EQTimeoutDesktop)
	}
}

func TestEQTimeoutFollowsPlatform(t *testing.T) {
	t.Setenv("PLATFORM_CONSTRAINED", "true")
	t.Setenv("EQ_TIMEOUT_CONSTRAINED_MS", "25")

	cfg := fromEnv()

	if got := cfg.EQTimeout(); got != 25*time.Millisecond {
		t.Errorf("EQTimeout() = %v, want 25ms", got)
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("RENDER_BAR_WIDTH", "wide")
	t.Setenv("REDIS_DB", "x")

	cfg := fromEnv()

	if cfg.BarWidth != 2 {
		t.Errorf("BarWidth = %v, want fallback 2", cfg.BarWidth)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("RedisDB = %v, want fallback 0", cfg.RedisDB)
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("EQ_TIMEOUT_DESKTOP_MS=100\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EQ_TIMEOUT_DESKTOP_MS", "100")

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	got := make(chan time.Duration, 4)
	w.OnReload(func(cfg *Config) { got <- cfg.EQTimeoutDesktop })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(path, []byte("EQ_TIMEOUT_DESKTOP_MS=150\n"), 0644); err != nil {
		t.Fatal(err)
	}

	// 一次写入可能触发多个事件，截断时读到的可能还是旧值
	deadline := time.After(3 * time.Second)
	for {
		select {
		case d := <-got:
			if d == 150*time.Millisecond {
				return
			}
		case <-deadline:
			t.Fatal("watcher did not report the new timeout")
		}
	}
}
