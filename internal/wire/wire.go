// Package wire declares the client wire contract message taxonomy from
// spec.md §6. It holds only struct shapes, no behavior — the same
// separation the reference keeps between internal/ws/protocol.go and its
// handler packages. spec.md explicitly does not prescribe a serialization
// dialect beyond this structural contract; internal/clientmux chooses JSON
// text frames over github.com/coder/websocket, matching the reference's
// own transport choice, while this package stays encoding-agnostic.
package wire

// Type tags every Envelope, mirroring internal/ws/protocol.go's
// string-constant catalogue.
type Type string

const (
	// Client → server
	TypeSubscribe       Type = "subscribe"
	TypeInput           Type = "input"
	TypeResize          Type = "resize"
	TypeAcquireLock     Type = "lock.acquire"
	TypeReleaseLock     Type = "lock.release"
	TypeLifecycleCmd    Type = "lifecycle.command"
	TypeMigrateRequest  Type = "pty.migrate"  // request handoff to a P2P data channel
	TypeMigrateComplete Type = "pty.migrated" // sent server → client: answer SDP for a pty.migrate

	// Server → client
	TypeKeyframe      Type = "keyframe"
	TypeDelta         Type = "delta"
	TypeLagged        Type = "lagged"
	TypeLifecycleEvt  Type = "lifecycle.event"
	TypeError         Type = "error"
	TypeMigrateFallback Type = "pty.fallback" // P2P failed, resume over the websocket
)

// Envelope is the outer frame every message is wrapped in, so a receiver
// can dispatch on Type before unmarshaling the specific payload.
type Envelope struct {
	Type Type `json:"type"`
}

// Subscribe sets the sender's focused instance (spec.md §4.8).
type Subscribe struct {
	Envelope
	InstanceID string `json:"instance_id"`
}

// Input carries bytes destined for the focused instance.
type Input struct {
	Envelope
	Bytes []byte `json:"bytes"`
}

// Resize requests a viewport change on the focused instance.
type Resize struct {
	Envelope
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// AcquireLock requests the write-lock on the focused instance.
type AcquireLock struct {
	Envelope
	Label   string `json:"label"`
	TTLSecs int    `json:"ttl_secs"`
}

// ReleaseLock releases the write-lock on the focused instance, if held by
// the caller (or the caller is an administrator).
type ReleaseLock struct {
	Envelope
}

// LifecycleCommandKind enumerates the LifecycleCommand variants spec.md
// §6 names: chat post, task mutate, presence update.
type LifecycleCommandKind string

const (
	CommandChatPost      LifecycleCommandKind = "chat_post"
	CommandTaskMutate    LifecycleCommandKind = "task_mutate"
	CommandPresenceUpdate LifecycleCommandKind = "presence_update"
)

// LifecycleCommand carries one client-initiated lifecycle mutation.
type LifecycleCommand struct {
	Envelope
	Command LifecycleCommandKind `json:"command"`
	Payload map[string]any       `json:"payload"`
}

// Keyframe replaces the client's screen for one instance (spec.md §6).
type Keyframe struct {
	Envelope
	InstanceID string `json:"instance_id"`
	Seq        uint64 `json:"seq"`
	Payload    []byte `json:"payload"`
}

// Delta is applied in order against the last Keyframe/Delta for the
// instance.
type Delta struct {
	Envelope
	InstanceID string `json:"instance_id"`
	Seq        uint64 `json:"seq"`
	Payload    []byte `json:"payload"`
}

// Lagged reports a one-time skip; delivered exactly once per lag
// occurrence (spec.md §4.3/§8).
type Lagged struct {
	Envelope
	InstanceID   string `json:"instance_id"`
	SkippedCount uint64 `json:"skipped_count"`
}

// LifecycleEventKind enumerates the LifecycleEvent variants spec.md §3
// names.
type LifecycleEventKind string

const (
	EventChatPosted           LifecycleEventKind = "chat_posted"
	EventPresenceChanged      LifecycleEventKind = "presence_changed"
	EventTaskMutated          LifecycleEventKind = "task_mutated"
	EventLockChanged          LifecycleEventKind = "lock_changed"
	EventInstanceSpawned      LifecycleEventKind = "instance_spawned"
	EventInstanceStateChanged LifecycleEventKind = "instance_state_changed"
	EventInstanceExited       LifecycleEventKind = "instance_exited"
	EventTerminalLagged       LifecycleEventKind = "terminal_lagged"
)

// LifecycleEvent carries a full snapshot of the mutated entity, never a
// diff (spec.md §4.9's mutate-then-broadcast-full-snapshot pattern).
// Identity is stable so consumers can upsert idempotently.
type LifecycleEvent struct {
	Envelope
	Kind     LifecycleEventKind `json:"kind"`
	Identity string             `json:"identity"`
	Snapshot map[string]any     `json:"snapshot"`
}

// ErrorMsg carries one of internal/rerr's stable error kinds to the
// client.
type ErrorMsg struct {
	Envelope
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// MigrateRequest carries a browser's WebRTC offer SDP, asking to hand the
// focused instance's output stream off to a direct data channel instead of
// riding the websocket (spec.md's optional P2P fallback path).
type MigrateRequest struct {
	Envelope
	InstanceID string `json:"instance_id"`
	OfferSDP   string `json:"offer_sdp"`
}

// MigrateComplete carries the answer SDP back to the browser in reply to a
// MigrateRequest. It is sent as soon as the answer exists; output moves to
// the data channel only once the browser opens it.
type MigrateComplete struct {
	Envelope
	InstanceID string `json:"instance_id"`
	AnswerSDP  string `json:"answer_sdp"`
}

// MigrateFallback tells the client the data channel failed (or closed) and
// output is resuming over the websocket.
type MigrateFallback struct {
	Envelope
	InstanceID string `json:"instance_id"`
}
