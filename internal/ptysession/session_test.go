package ptysession

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestSpawnEchoAndExit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := Spawn(ctx, []string{"/bin/sh", "-c", "echo hello && exit 0"}, ".", []string{"TERM=xterm", "PATH=/usr/bin:/bin"}, 24, 80)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var collected bytes.Buffer
	var reason ExitReason
	timeout := time.After(4 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-sess.OutputStream():
			if !ok {
				break loop
			}
			switch ev.Kind {
			case EventData:
				collected.Write(ev.Data)
			case EventExited:
				reason = ev.Reason
			}
		case <-timeout:
			t.Fatal("timed out waiting for child output")
		}
	}

	if !bytes.Contains(collected.Bytes(), []byte("hello")) {
		t.Fatalf("expected output to contain %q, got %q", "hello", collected.String())
	}
	if !reason.Normal || reason.Code != 0 {
		t.Fatalf("expected normal exit code 0, got %+v", reason)
	}
}

func TestKillPoliteEscalatesOnUnresponsiveChild(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, err := Spawn(ctx, []string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}, ".", []string{"PATH=/usr/bin:/bin"}, 24, 80)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	killDone := make(chan error, 1)
	go func() { killDone <- sess.Kill(ctx, Polite) }()

	select {
	case <-sess.Done():
	case <-time.After(8 * time.Second):
		t.Fatal("expected polite kill to escalate to SIGKILL and terminate the child")
	}
}
