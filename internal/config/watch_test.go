package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReloadsOnDocumentWrite(t *testing.T) {
	dir := t.TempDir()
	mgr := NewManager(dir, FlagOverrides{})
	if err := mgr.Load(); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	if mgr.Get().Server.Port != 0 {
		t.Fatalf("expected default port 0, got %d", mgr.Get().Server.Port)
	}

	var lastErr error
	w, err := NewWatcher(mgr, func(err error) { lastErr = err })
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	doc := "server:\n  port: 4444\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(doc), 0644); err != nil {
		t.Fatalf("write doc: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.Get().Server.Port == 4444 {
			if lastErr != nil {
				t.Fatalf("unexpected reload error: %v", lastErr)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("config was not hot-reloaded within the deadline")
}
