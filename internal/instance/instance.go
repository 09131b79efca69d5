// Package instance implements the Instance Actor (L5): the single
// authority for everything about one instance. All mutations to an
// instance's observable state flow through this actor's mailbox; readers
// take consistent snapshots.
//
// Grounded on the reference's internal/egg/server.go Session(stream)
// method, which already serializes Attach/Input/Resize/Detach handling
// through one goroutine per session (there, a gRPC bidirectional stream
// dispatch loop). This package generalizes that into a typed Go channel
// mailbox with no RPC transport at all, since the Instance Actor here is
// in-process (see DESIGN.md on the dropped gRPC dependency). The
// write-lock itself has no reference analogue — a PTY session in the
// reference has exactly one writer — and is built directly from spec.md
// §4.5's contract, following the reference's general rule that mutable
// state belongs to exactly one goroutine.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anselm-vey/roost/internal/outputbus"
	"github.com/anselm-vey/roost/internal/ptysession"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/anselm-vey/roost/internal/statedetector"
	"github.com/anselm-vey/roost/internal/vterm"
	"github.com/anselm-vey/roost/internal/wire"
)

// Phase is the instance lifecycle state machine (spec.md §3/§4.5):
// spawning → running → {stopped, failed}. Terminal states are absorbing.
type Phase int

const (
	Spawning Phase = iota
	Running
	Stopped
	Failed
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "spawning"
	}
}

// WriteLock is spec.md §3's WriteLock value. A nil *WriteLock means
// unlocked.
type WriteLock struct {
	Holder     string
	Label      string
	AcquiredAt time.Time
	Expiry     time.Time
}

// Config configures one instance at Spawn time.
type Config struct {
	Command        []string
	Cwd            string
	Env            []string
	Rows, Cols     int
	MaxBufferBytes int
	HangTimeout    time.Duration
	Patterns       []statedetector.HeuristicPattern
}

// Info is an instance metadata + state snapshot (spec.md §4.5's
// Snapshot() operation).
type Info struct {
	ID         string
	Name       string
	Command    []string
	Cwd        string
	Rows, Cols int
	Phase      Phase
	State      statedetector.State
	CreatedAt  time.Time
	ExitReason string
	Lock       *WriteLock
}

// LifecycleFunc is invoked by the actor on every observable mutation with
// a full snapshot of the changed entity, never a diff (spec.md §4.9). The
// Registry wires this to the Broadcast Hub.
type LifecycleFunc func(kind wire.LifecycleEventKind, identity string, snapshot map[string]any)

// SubscribeResult pairs a keyframe with the cursor it was synthesized
// atomically against (spec.md §4.5's Subscribe invariant).
type SubscribeResult struct {
	Keyframe   []byte
	Snapshot   vterm.Snapshot
	Subscriber *outputbus.Subscriber
	Cursor     outputbus.Cursor
}

// Actor is the Instance Actor (L5).
type Actor struct {
	id        string
	name      string
	cfg       Config
	createdAt time.Time

	vt       *vterm.VirtualTerminal
	bus      *outputbus.Bus
	detector *statedetector.Detector
	sess     *ptysession.Session

	mailbox chan any
	done    chan struct{}

	onLifecycle LifecycleFunc

	// Actor-owned state, touched only from the run loop.
	phase      Phase
	lock       *WriteLock
	exitReason string
	// state mirrors the detector's state as of its last transition, so
	// lifecycle snapshots built inside the detector's transition callback
	// never re-enter the detector's lock.
	state statedetector.State

	// finalMu/finalInfo cache the last Info computed before the run loop
	// exits, so Snapshot still answers after the mailbox stops draining.
	finalMu   sync.Mutex
	finalInfo *Info
}

// New constructs an Actor. Call Start to spawn the child and begin
// processing the mailbox.
func New(id, name string, cfg Config, onLifecycle LifecycleFunc) *Actor {
	return &Actor{
		id:          id,
		name:        name,
		cfg:         cfg,
		createdAt:   time.Now(),
		vt:          vterm.New(cfg.Rows, cfg.Cols),
		bus:         outputbus.New(cfg.MaxBufferBytes),
		mailbox:     make(chan any, 64),
		done:        make(chan struct{}),
		phase:       Spawning,
		state:       statedetector.Unknown,
		onLifecycle: onLifecycle,
	}
}

// Start spawns the child process and begins the actor's run loop. Returns
// rerr-tagged PtyAllocationFailed/SpawnFailed on failure.
func (a *Actor) Start(ctx context.Context) error {
	sess, err := ptysession.Spawn(ctx, a.cfg.Command, a.cfg.Cwd, a.cfg.Env, a.cfg.Rows, a.cfg.Cols)
	if err != nil {
		a.phase = Failed
		if errors.Is(err, ptysession.ErrPtyAllocationFailed) {
			return rerr.Wrap(rerr.KindPtyAllocationFailed, err)
		}
		return rerr.Wrap(rerr.KindSpawnFailed, err)
	}
	a.sess = sess
	a.detector = statedetector.New(a.cfg.HangTimeout, a.cfg.Patterns, a.onStateTransition)
	a.phase = Running
	a.emit(wire.EventInstanceSpawned)
	go a.run(ctx)
	return nil
}

func (a *Actor) onStateTransition(t statedetector.Transition) {
	a.state = t.To
	a.emit(wire.EventInstanceStateChanged)
}

func (a *Actor) emit(kind wire.LifecycleEventKind) {
	if a.onLifecycle == nil {
		return
	}
	a.onLifecycle(kind, a.id, a.snapshotMap())
}

func (a *Actor) snapshotMap() map[string]any {
	m := map[string]any{
		"id":          a.id,
		"name":        a.name,
		"phase":       a.phase.String(),
		"state":       a.state.String(),
		"created_at":  a.createdAt,
		"exit_reason": a.exitReason,
	}
	if a.lock != nil {
		m["lock_holder"] = a.lock.Holder
		m["lock_label"] = a.lock.Label
	}
	return m
}

// run is the actor's single goroutine: it is the sole mailbox processor
// and the sole Output Bus publisher, which is what makes Subscribe's
// (keyframe, cursor) pairing atomic with Publish.
func (a *Actor) run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer func() {
		info := a.computeInfo()
		a.finalMu.Lock()
		a.finalInfo = &info
		a.finalMu.Unlock()
		close(a.done)
	}()

	for {
		select {
		case ev, ok := <-a.sess.OutputStream():
			if !ok {
				return
			}
			a.handleSessionEvent(ev)
			if ev.Kind == ptysession.EventExited {
				a.drainMailbox()
				return
			}

		case msg := <-a.mailbox:
			a.handleCommand(msg)

		case <-ticker.C:
			if a.detector != nil {
				a.detector.CheckTimeout(time.Now())
			}

		case <-ctx.Done():
			a.sess.Kill(context.Background(), ptysession.Forceful)
		}
	}
}

// drainMailbox replies to any commands still in flight after the instance
// has become terminal, so callers never block forever on a dead instance.
func (a *Actor) drainMailbox() {
	for {
		select {
		case msg := <-a.mailbox:
			a.handleCommand(msg)
		default:
			return
		}
	}
}

func (a *Actor) handleSessionEvent(ev ptysession.Event) {
	switch ev.Kind {
	case ptysession.EventData:
		a.vt.Feed(ev.Data)
		a.bus.Publish(outputbus.Chunk{Kind: outputbus.KindData, Data: ev.Data})
		if a.detector != nil {
			a.detector.ObserveScreen(string(ev.Data), time.Now())
		}
	case ptysession.EventExited:
		if ev.Reason.Normal {
			a.phase = Stopped
			a.exitReason = "normal"
		} else {
			a.phase = Failed
			a.exitReason = fmt.Sprintf("code=%d signal=%s detail=%s", ev.Reason.Code, ev.Reason.Signal, ev.Reason.Detail)
		}
		a.bus.Publish(outputbus.Chunk{Kind: outputbus.KindExited, Reason: a.exitReason, Code: ev.Reason.Code})
		a.emit(wire.EventInstanceExited)
	}
}

func (a *Actor) handleCommand(msg any) {
	switch c := msg.(type) {
	case *cmdWriteInput:
		c.reply <- a.doWriteInput(c.principal, c.bytes)
	case *cmdAcquireLock:
		c.reply <- a.doAcquireLock(c.principal, c.label, c.ttl)
	case *cmdReleaseLock:
		c.reply <- a.doReleaseLock(c.principal, c.isAdmin)
	case *cmdResize:
		c.reply <- a.doResize(c.rows, c.cols)
	case *cmdSubscribe:
		c.reply <- a.doSubscribe()
	case *cmdSnapshot:
		c.reply <- a.computeInfo()
	case *cmdStop:
		c.reply <- a.doStop(c.mode)
	case *cmdObserveLog:
		if a.detector != nil {
			a.detector.ObserveLog(c.state, c.at)
		}
	}
}

func (a *Actor) expireLockIfDue() {
	if a.lock != nil && !a.lock.Expiry.IsZero() && time.Now().After(a.lock.Expiry) {
		a.lock = nil
		a.emit(wire.EventLockChanged)
	}
}

func (a *Actor) doWriteInput(principal string, bytes []byte) error {
	a.expireLockIfDue()
	if a.lock != nil && a.lock.Holder != principal {
		return rerr.New(rerr.KindLockDenied, "write-lock held by another principal")
	}
	if err := a.sess.WriteInput(bytes); err != nil {
		return rerr.Wrap(rerr.KindInputBackpressure, err)
	}
	return nil
}

func (a *Actor) doAcquireLock(principal, label string, ttl time.Duration) error {
	a.expireLockIfDue()
	if a.lock != nil {
		return rerr.New(rerr.KindLockHeldBy, fmt.Sprintf("held by %s since %s", a.lock.Holder, a.lock.AcquiredAt))
	}
	now := time.Now()
	var expiry time.Time
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	a.lock = &WriteLock{Holder: principal, Label: label, AcquiredAt: now, Expiry: expiry}
	a.emit(wire.EventLockChanged)
	return nil
}

func (a *Actor) doReleaseLock(principal string, isAdmin bool) error {
	if a.lock == nil {
		return nil
	}
	if a.lock.Holder != principal && !isAdmin {
		return rerr.New(rerr.KindForbidden, "not the lock holder")
	}
	a.lock = nil
	a.emit(wire.EventLockChanged)
	return nil
}

func (a *Actor) doResize(rows, cols int) error {
	if err := a.vt.Resize(rows, cols); err != nil {
		return rerr.Wrap(rerr.KindInvalidViewport, err)
	}
	if err := a.sess.SetViewport(rows, cols); err != nil {
		return err
	}
	a.cfg.Rows, a.cfg.Cols = rows, cols
	a.bus.Publish(outputbus.Chunk{Kind: outputbus.KindResize, Rows: rows, Cols: cols})
	return nil
}

func (a *Actor) doSubscribe() SubscribeResult {
	snap := a.vt.Snapshot()
	sub, cur := a.bus.Subscribe()
	return SubscribeResult{
		Keyframe:   vtermRenderKeyframe(a.vt),
		Snapshot:   snap,
		Subscriber: sub,
		Cursor:     cur,
	}
}

func vtermRenderKeyframe(v *vterm.VirtualTerminal) []byte {
	return v.RenderKeyframe(true)
}

func (a *Actor) doStop(mode ptysession.KillMode) error {
	if a.phase == Stopped || a.phase == Failed {
		return nil
	}
	return a.sess.Kill(context.Background(), mode)
}

// computeInfo reads actor-owned state; callable only from the run
// goroutine (or before Start/after Done, when nothing else touches it).
func (a *Actor) computeInfo() Info {
	st := statedetector.Unknown
	if a.detector != nil {
		st = a.detector.State()
	}
	return Info{
		ID: a.id, Name: a.name,
		Command: a.cfg.Command, Cwd: a.cfg.Cwd,
		Rows: a.cfg.Rows, Cols: a.cfg.Cols,
		Phase: a.phase, State: st,
		CreatedAt: a.createdAt, ExitReason: a.exitReason,
		Lock: a.lock,
	}
}

// Done is closed once the actor's run loop has exited (child dead and
// mailbox drained).
func (a *Actor) Done() <-chan struct{} { return a.done }

// Bus exposes the Output Bus for components (e.g. the Client Multiplexer)
// that already hold a Subscriber/Cursor pair and just need to Poll.
func (a *Actor) Bus() *outputbus.Bus { return a.bus }

// --- mailbox command types and the public API that sends them ---

type cmdWriteInput struct {
	principal string
	bytes     []byte
	reply     chan error
}

type cmdAcquireLock struct {
	principal, label string
	ttl              time.Duration
	reply            chan error
}

type cmdReleaseLock struct {
	principal string
	isAdmin   bool
	reply     chan error
}

type cmdResize struct {
	rows, cols int
	reply      chan error
}

type cmdSubscribe struct {
	reply chan SubscribeResult
}

type cmdSnapshot struct {
	reply chan Info
}

type cmdStop struct {
	mode  ptysession.KillMode
	reply chan error
}

type cmdObserveLog struct {
	state statedetector.State
	at    time.Time
}

func (a *Actor) send(ctx context.Context, msg any) error {
	// Check done first: once the run loop has exited nothing drains the
	// mailbox, and a send that still found buffer space would leave the
	// caller waiting on a reply that never comes.
	select {
	case <-a.done:
		return rerr.New(rerr.KindNotFound, "instance is terminal")
	default:
	}
	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return rerr.New(rerr.KindNotFound, "instance is terminal")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteInput is the WriteInput mailbox command (spec.md §4.5).
func (a *Actor) WriteInput(ctx context.Context, principal string, bytes []byte) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, &cmdWriteInput{principal: principal, bytes: bytes, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// AcquireLock is the AcquireLock mailbox command.
func (a *Actor) AcquireLock(ctx context.Context, principal, label string, ttl time.Duration) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, &cmdAcquireLock{principal: principal, label: label, ttl: ttl, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// ReleaseLock is the ReleaseLock mailbox command.
func (a *Actor) ReleaseLock(ctx context.Context, principal string, isAdmin bool) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, &cmdReleaseLock{principal: principal, isAdmin: isAdmin, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Resize is the Resize mailbox command.
func (a *Actor) Resize(ctx context.Context, rows, cols int) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, &cmdResize{rows: rows, cols: cols, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// Subscribe is the Subscribe mailbox command: it returns a keyframe and a
// cursor synthesized atomically (spec.md §4.5's invariant).
func (a *Actor) Subscribe(ctx context.Context) (SubscribeResult, error) {
	reply := make(chan SubscribeResult, 1)
	if err := a.send(ctx, &cmdSubscribe{reply: reply}); err != nil {
		return SubscribeResult{}, err
	}
	return <-reply, nil
}

// Snapshot is the Snapshot mailbox command. Once the instance has become
// terminal it answers from the cached final Info instead of failing, so
// callers can always learn the last exit state.
func (a *Actor) Snapshot(ctx context.Context) (Info, error) {
	reply := make(chan Info, 1)
	if err := a.send(ctx, &cmdSnapshot{reply: reply}); err != nil {
		a.finalMu.Lock()
		final := a.finalInfo
		a.finalMu.Unlock()
		if final != nil {
			return *final, nil
		}
		return Info{}, err
	}
	return <-reply, nil
}

// Stop is the Stop mailbox command. Idempotent: stopping an already
// terminal instance is a no-op rather than an error.
func (a *Actor) Stop(ctx context.Context, mode ptysession.KillMode) error {
	reply := make(chan error, 1)
	if err := a.send(ctx, &cmdStop{mode: mode, reply: reply}); err != nil {
		select {
		case <-a.done:
			return nil
		default:
			return err
		}
	}
	return <-reply
}

// ObserveLog feeds a log-authoritative state-detector signal. Fire-and-
// forget: the actor applies it on its next mailbox tick.
func (a *Actor) ObserveLog(state statedetector.State, at time.Time) {
	select {
	case a.mailbox <- &cmdObserveLog{state: state, at: at}:
	case <-a.done:
	}
}
