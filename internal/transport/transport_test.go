package transport

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/broadcast"
	"github.com/anselm-vey/roost/internal/registry"
	"github.com/anselm-vey/roost/internal/statedetector"
)

func setup(t *testing.T) (*Client, context.CancelFunc) {
	t.Helper()

	hub := broadcast.New()
	reg := registry.New(hub.LifecycleFunc)

	sock := filepath.Join(t.TempDir(), "roost.sock")
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(reg, sock, cancel, SpawnDefaults{
		MaxBufferBytes: 4 << 20,
		HangTimeout:    30 * time.Second,
		Patterns:       statedetector.DefaultPatterns(),
	})

	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := os.Stat(sock); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		srv.ListenAndServe(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("control socket did not start in time")
	}

	client := NewClient(sock)
	return client, func() {
		cancel()
		reg.Shutdown(context.Background(), time.Second)
	}
}

func TestSpawnAndList(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	inst, err := client.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 2"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if inst.ID == "" {
		t.Fatal("expected non-empty instance id")
	}

	list, err := client.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != inst.ID {
		t.Fatalf("expected one instance with id %s, got %+v", inst.ID, list)
	}
}

func TestSpawnRequiresCommand(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	_, err := client.Spawn(SpawnRequest{})
	if err == nil {
		t.Fatal("expected error for missing command")
	}
	statusErr, ok := err.(*StatusError)
	if !ok || statusErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestKillUnknownInstanceNotFound(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	err := client.Kill("nonexistent", false)
	if err == nil {
		t.Fatal("expected error killing unknown instance")
	}
	statusErr, ok := err.(*StatusError)
	if !ok || statusErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}

func TestKillStopsInstance(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	inst, err := client.Spawn(SpawnRequest{Command: []string{"/bin/sh", "-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := client.Kill(inst.ID, false); err != nil {
		t.Fatalf("kill: %v", err)
	}
}

func TestShutdownInvokesRequestStop(t *testing.T) {
	client, cleanup := setup(t)
	defer cleanup()

	if err := client.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// requestStop cancels the server's context, which makes ListenAndServe
	// shut down and remove the socket file.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(client.socketPath); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket file still present: requestStop was not invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
