// Package ptysession implements the PTY Session (L2): owning one child
// process attached to its own pseudo-terminal pair, isolating the rest of
// the system from operating-system PTY quirks.
//
// Grounded on the reference's internal/egg/server.go RunSession/readPTY/
// shutdown/cleanup (github.com/creack/pty for allocation, SIGTERM-then-
// SIGKILL escalation with a grace period). The reference's sandbox
// construction, network-domain proxying and rlimit hooks are product-
// specific hardening with no corresponding operation in spec.md's L2
// contract and are not carried here (see DESIGN.md). Input backpressure
// uses golang.org/x/time/rate, the same package the reference uses for
// per-user bandwidth metering (internal/relay/bandwidth.go), applied here
// to one session's inbound buffer instead of a per-user network quota.
package ptysession

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/time/rate"
)

// KillMode selects how Kill escalates.
type KillMode int

const (
	Polite KillMode = iota
	Forceful
)

// gracePeriod is how long Kill(Polite) waits for voluntary exit before
// escalating to SIGKILL.
const gracePeriod = 5 * time.Second

// backpressureBurst / backpressureRate bound the inbound write buffer
// admitted per second before WriteInput starts failing with
// ErrInputBackpressure instead of blocking the caller.
const (
	backpressureRate  = 1 << 20 // bytes/sec sustained
	backpressureBurst = 1 << 18 // bytes burst
)

// ExitReason describes why a child exited. Never itself an error.
type ExitReason struct {
	Normal bool
	Code   int
	Signal string
	Detail string
}

// EventKind tags an Event from OutputStream.
type EventKind int

const (
	EventData EventKind = iota
	EventExited
)

// Event is one item from a Session's OutputStream: either raw output
// bytes, or the single terminal Exited sentinel.
type Event struct {
	Kind   EventKind
	Data   []byte
	Reason ExitReason
}

// Session owns one child process attached to a pseudo-terminal.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu   sync.Mutex
	rows int
	cols int

	limiter *rate.Limiter

	out  chan Event
	done chan struct{}

	exitOnce   sync.Once
	exitReason ExitReason
}

// Spawn starts command (argv[0] is the binary) attached to a new PTY of
// the given initial size, with cwd and env as given.
func Spawn(ctx context.Context, command []string, cwd string, env []string, rows, cols int) (*Session, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("spawn: %w: empty command", ErrSpawnFailed)
	}
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("spawn %q: %w: %v", command[0], ErrPtyAllocationFailed, err)
	}

	s := &Session{
		cmd:     cmd,
		ptmx:    ptmx,
		rows:    rows,
		cols:    cols,
		limiter: rate.NewLimiter(rate.Limit(backpressureRate), backpressureBurst),
		out:     make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.waitLoop()
	return s, nil
}

func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.out <- Event{Kind: EventData, Data: chunk}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	reason := ExitReason{}
	if err == nil {
		reason.Normal = true
		reason.Code = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		reason.Code = exitErr.ExitCode()
		reason.Normal = reason.Code == 0
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			reason.Signal = ws.Signal().String()
		}
	} else {
		reason.Detail = err.Error()
	}
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.exitReason = reason
		s.mu.Unlock()
		close(s.done)
	})
	s.out <- Event{Kind: EventExited, Reason: reason}
	close(s.out)
	s.ptmx.Close()
}

// WriteInput enqueues input bytes to the child. Non-blocking; fails with
// ErrInputBackpressure if the outbound token bucket is saturated.
func (s *Session) WriteInput(p []byte) error {
	if !s.limiter.AllowN(time.Now(), len(p)) {
		return fmt.Errorf("write %d bytes: %w", len(p), ErrInputBackpressure)
	}
	_, err := s.ptmx.Write(p)
	return err
}

// SetViewport propagates a window-size change to the PTY.
func (s *Session) SetViewport(rows, cols int) error {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// OutputStream is a lazy, finite, non-restartable sequence of Events in
// strict arrival order, terminated by exactly one EventExited.
func (s *Session) OutputStream() <-chan Event {
	return s.out
}

// Kill escalates child termination per mode. Polite sends SIGTERM and
// waits up to gracePeriod for voluntary exit before escalating to
// SIGKILL; Forceful sends SIGKILL immediately. Idempotent: killing an
// already-exited session is a no-op.
func (s *Session) Kill(ctx context.Context, mode KillMode) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	if mode == Forceful {
		return s.cmd.Process.Signal(syscall.SIGKILL)
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(gracePeriod):
		return s.cmd.Process.Signal(syscall.SIGKILL)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed the moment the child process has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitReason returns the recorded exit reason; only meaningful after Done
// is closed.
func (s *Session) ExitReason() ExitReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitReason
}
