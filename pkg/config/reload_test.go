package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pageforge/pageforge/pkg/config"
	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

func startReloadManager(t *testing.T, path, dir string) *config.ReloadManager {
	t.Helper()
	rm := config.NewReloadManager(path, dir, logger.Discard())
	rm.SetDebouncePeriod(20 * time.Millisecond)
	if err := rm.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	t.Cleanup(func() { _ = rm.StopWatching() })
	return rm
}

// editUntil rewrites path with a newer mtime until done receives
func editUntil[T any](t *testing.T, path, content string, done chan T) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for i := 1; time.Now().Before(deadline); i++ {
		writeFile(t, path, fmt.Sprintf("%s# rev %d\n", content, i))
		future := time.Now().Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(path, future, future); err != nil {
			t.Fatal(err)
		}
		select {
		case v := <-done:
			return v
		case <-time.After(200 * time.Millisecond):
		}
	}
	t.Fatal("callback not invoked")
	var zero T
	return zero
}

func TestReloadManager_ReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pages.config.yaml")
	writeFile(t, path, "data:\n  title: First\n")

	rm := startReloadManager(t, path, tmpDir)
	got := make(chan *types.Config, 1)
	rm.AddCallback(func(cfg *types.Config, err error) {
		if err != nil {
			t.Errorf("unexpected reload error: %v", err)
			return
		}
		select {
		case got <- cfg:
		default:
		}
	})

	cfg := editUntil(t, path, "data:\n  title: Second\n", got)
	if cfg.Data["title"] != "Second" {
		t.Errorf("expected reloaded data, got %v", cfg.Data)
	}
}

func TestReloadManager_InvalidFileReportsError(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pages.config.yaml")
	writeFile(t, path, "build:\n  src: src\n")

	rm := startReloadManager(t, path, tmpDir)
	errs := make(chan error, 1)
	rm.AddCallback(func(cfg *types.Config, err error) {
		if cfg != nil {
			t.Error("invalid config must not be delivered")
		}
		select {
		case errs <- err:
		default:
		}
	})

	if err := editUntil(t, path, "server:\n  port: 0\n", errs); err == nil {
		t.Error("expected error for invalid configuration")
	}
}

func TestReloadManager_IgnoresOtherFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pages.config.yaml")
	writeFile(t, path, "build:\n  src: src\n")

	rm := startReloadManager(t, path, tmpDir)
	calls := make(chan struct{}, 1)
	rm.AddCallback(func(*types.Config, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
	})

	writeFile(t, filepath.Join(tmpDir, "notes.yaml"), "x: 1\n")
	select {
	case <-calls:
		t.Error("unrelated file must not trigger a reload")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestReloadManager_StartStop(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "pages.config.yaml")
	writeFile(t, path, "build:\n  src: src\n")

	rm := config.NewReloadManager(path, tmpDir, logger.Discard())
	if err := rm.StartWatching(); err != nil {
		t.Fatalf("StartWatching failed: %v", err)
	}
	if err := rm.StartWatching(); err == nil {
		t.Error("expected error when already watching")
	}
	if err := rm.StopWatching(); err != nil {
		t.Errorf("StopWatching failed: %v", err)
	}
	if err := rm.StopWatching(); err != nil {
		t.Errorf("second StopWatching should be a no-op: %v", err)
	}
}
