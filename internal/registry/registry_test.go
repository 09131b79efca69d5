package registry

import (
	"context"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/instance"
	"github.com/anselm-vey/roost/internal/ptysession"
)

func cfg(cmd []string) instance.Config {
	return instance.Config{
		Command:        cmd,
		Rows:           24,
		Cols:           80,
		MaxBufferBytes: 1 << 20,
		HangTimeout:    time.Minute,
	}
}

func TestSlugDeterministic(t *testing.T) {
	a := Slug("fixed-id-1")
	b := Slug("fixed-id-1")
	if a != b {
		t.Fatalf("expected deterministic slug, got %q and %q", a, b)
	}
	if Slug("fixed-id-1") == Slug("fixed-id-2") {
		t.Fatal("expected different ids to usually produce different slugs")
	}
}

func TestSpawnGetListKill(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()

	act, err := reg.Spawn(ctx, "", cfg([]string{"/bin/sh", "-c", "sleep 2"}))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	info, err := act.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	got, err := reg.Get(info.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != act {
		t.Fatal("Get returned a different actor than Spawn created")
	}

	infos := reg.List(ctx)
	if len(infos) != 1 {
		t.Fatalf("expected 1 instance in List, got %d", len(infos))
	}

	if err := reg.Kill(ctx, info.ID, ptysession.Polite); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-act.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("instance did not exit after Kill")
	}
}

func TestGetUnknownID(t *testing.T) {
	reg := New(nil)
	if _, err := reg.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown id")
	}
}

func TestShutdownStopsAll(t *testing.T) {
	reg := New(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := reg.Spawn(ctx, "", cfg([]string{"/bin/sh", "-c", "sleep 5"})); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	if err := reg.Shutdown(ctx, 500*time.Millisecond); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
