package instance

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/ptysession"
	"github.com/anselm-vey/roost/internal/rerr"
)

func testConfig(cmd []string) Config {
	return Config{
		Command:        cmd,
		Rows:           24,
		Cols:           80,
		MaxBufferBytes: 1 << 20,
		HangTimeout:    time.Minute,
	}
}

func startActor(t *testing.T, cmd []string) *Actor {
	t.Helper()
	a := New("inst-1", "test", testConfig(cmd), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a
}

func TestWriteLockMutualExclusion(t *testing.T) {
	a := startActor(t, []string{"/bin/sh", "-c", "sleep 2"})
	defer a.Stop(context.Background(), ptysession.Forceful)

	ctx := context.Background()
	if err := a.AcquireLock(ctx, "alice", "driving", 0); err != nil {
		t.Fatalf("alice acquire: %v", err)
	}
	if err := a.AcquireLock(ctx, "bob", "driving", 0); !rerr.Is(err, rerr.KindLockHeldBy) {
		t.Fatalf("expected LockHeldBy for bob, got %v", err)
	}
	if err := a.WriteInput(ctx, "bob", []byte("x")); !rerr.Is(err, rerr.KindLockDenied) {
		t.Fatalf("expected LockDenied for bob's write, got %v", err)
	}
	if err := a.WriteInput(ctx, "alice", []byte("x")); err != nil {
		t.Fatalf("alice write should succeed: %v", err)
	}
	if err := a.ReleaseLock(ctx, "bob", false); !rerr.Is(err, rerr.KindForbidden) {
		t.Fatalf("expected Forbidden for bob's release, got %v", err)
	}
	if err := a.ReleaseLock(ctx, "alice", false); err != nil {
		t.Fatalf("alice release: %v", err)
	}
	if err := a.AcquireLock(ctx, "bob", "driving", 0); err != nil {
		t.Fatalf("bob acquire after release: %v", err)
	}
}

func TestLockSoftExpiryAutoReleases(t *testing.T) {
	a := startActor(t, []string{"/bin/sh", "-c", "sleep 2"})
	defer a.Stop(context.Background(), ptysession.Forceful)

	ctx := context.Background()
	if err := a.AcquireLock(ctx, "alice", "driving", 10*time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := a.AcquireLock(ctx, "bob", "driving", 0); err != nil {
		t.Fatalf("expected bob to acquire after soft expiry, got %v", err)
	}
}

func TestSubscribeAtomicWithKeyframe(t *testing.T) {
	a := startActor(t, []string{"/bin/sh", "-c", "printf hello; sleep 2"})
	defer a.Stop(context.Background(), ptysession.Forceful)

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := a.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		_ = info
		res, err := a.Subscribe(ctx)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if strings.Contains(string(res.Keyframe), "hello") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("keyframe never reflected child output within deadline")
}

func TestStopIsIdempotent(t *testing.T) {
	a := startActor(t, []string{"/bin/sh", "-c", "exit 0"})
	ctx := context.Background()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not become done after child exit")
	}

	if err := a.Stop(ctx, ptysession.Polite); err != nil {
		t.Fatalf("stop on terminal instance should be a no-op, got %v", err)
	}
	info, err := a.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot on terminal instance: %v", err)
	}
	if info.Phase != Stopped {
		t.Fatalf("expected Stopped phase, got %v", info.Phase)
	}
}
