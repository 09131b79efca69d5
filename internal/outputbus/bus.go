// Package outputbus implements the Output Bus (L3): single-producer,
// many-consumer broadcast of terminal OutputChunks with a bounded
// per-instance byte budget and overflow signaling.
//
// Grounded on the reference's internal/egg/server.go replayBuffer/
// readerCursor (bounded append-only log, per-reader cursor, byte
// accounting, findSafeCut-style trim points) with one deliberate
// redesign: the reference blocks the producer (<-waitCh) when a
// registered reader cannot be caught up to free space. spec.md §4.3/§5
// require the opposite — the producer never suspends on Publish. This
// package keeps the reference's ring-and-cursor shape but replaces the
// backpressure wait with drop-oldest-and-mark-lagged, delivered to the
// straggling subscriber as a single Lagged(n) the next time it polls.
package outputbus

import (
	"context"
	"sync"
)

// ChunkKind distinguishes the OutputChunk variants spec.md §3 names: raw
// bytes, a viewport resize marker, and the spawned/exited lifecycle
// sentinels.
type ChunkKind int

const (
	KindData ChunkKind = iota
	KindResize
	KindSpawned
	KindExited
)

// Chunk is a monotonically-sequenced record (spec.md §3's OutputChunk).
// Seq is assigned by the Bus at Publish time and is strictly increasing
// per instance.
type Chunk struct {
	Seq    uint64
	Kind   ChunkKind
	Data   []byte
	Rows   int // KindResize
	Cols   int // KindResize
	Reason string
	Code   int // KindExited
}

func (c Chunk) size() int {
	return len(c.Data) + 32
}

// Cursor is an opaque subscriber position: the sequence number of the
// next chunk to be delivered.
type Cursor struct {
	seq uint64
}

// Lagged is delivered to a subscriber whose cursor fell more than the
// ring's retained window behind the head; it reports how many chunks were
// skipped. Not an error — a stream marker (spec.md §7).
type Lagged struct {
	Skipped uint64
}

// Subscriber is the handle returned by Subscribe.
type Subscriber struct {
	id     uint64
	notify chan struct{}
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus is one instance's Output Bus. Zero value is not usable; use New.
type Bus struct {
	mu           sync.Mutex
	maxBytes     int
	totalBytes   int
	buf          []Chunk // retained window, oldest first
	baseSeq      uint64  // seq of buf[0], or nextSeq if buf is empty
	nextSeq      uint64
	subs         map[uint64]*Subscriber
	nextSubID    uint64
	closed       bool
}

// New creates a Bus with the given per-instance byte capacity
// (server.max_buffer_bytes in spec.md §6).
func New(maxBufferBytes int) *Bus {
	return &Bus{
		maxBytes: maxBufferBytes,
		subs:     make(map[uint64]*Subscriber),
	}
}

// Publish admits a chunk at the head of the ring. Never suspends: excess
// bytes are evicted from the tail immediately. Eviction only affects
// subscribers whose cursors have already fallen behind the evicted range.
func (b *Bus) Publish(c Chunk) uint64 {
	b.mu.Lock()
	c.Seq = b.nextSeq
	b.nextSeq++
	b.buf = append(b.buf, c)
	b.totalBytes += c.size()
	for b.totalBytes > b.maxBytes && len(b.buf) > 1 {
		evicted := b.buf[0]
		b.buf = b.buf[1:]
		b.totalBytes -= evicted.size()
		b.baseSeq++
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.wake()
	}
	return c.Seq
}

// Subscribe registers a new subscriber positioned at the head of the ring:
// its first delivered chunk is the next one published, so nothing published
// before the call is delivered to it (the Instance Actor pairs this with a
// keyframe of everything published so far, taken atomically, per spec.md
// §4.5).
func (b *Bus) Subscribe() (*Subscriber, Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	s := &Subscriber{id: id, notify: make(chan struct{}, 1)}
	b.subs[id] = s
	return s, Cursor{seq: b.nextSeq}
}

// Unsubscribe removes a subscriber's registration.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
}

// Poll returns the chunks available at or after cursor, or blocks until
// more arrive or ctx is cancelled. If the cursor has fallen behind the
// retained window, it is fast-forwarded to the oldest retained chunk and
// exactly one Lagged is returned alongside (possibly zero) fresh chunks.
func (b *Bus) Poll(ctx context.Context, s *Subscriber, cur Cursor) ([]Chunk, Cursor, *Lagged, error) {
	for {
		chunks, next, lag, ok := b.drain(cur)
		if ok {
			return chunks, next, lag, nil
		}
		select {
		case <-ctx.Done():
			return nil, cur, nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// drain returns data currently available without blocking; ok is false
// when there is nothing to deliver yet.
func (b *Bus) drain(cur Cursor) (chunks []Chunk, next Cursor, lag *Lagged, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur.seq < b.baseSeq {
		skipped := b.baseSeq - cur.seq
		cur.seq = b.baseSeq
		lag = &Lagged{Skipped: skipped}
	}

	if cur.seq >= b.nextSeq {
		if lag != nil {
			return nil, cur, lag, true
		}
		return nil, cur, nil, false
	}

	startIdx := int(cur.seq - b.baseSeq)
	out := make([]Chunk, len(b.buf)-startIdx)
	copy(out, b.buf[startIdx:])
	return out, Cursor{seq: b.nextSeq}, lag, true
}

// TotalBytes reports current ring occupancy, for the bounded-memory
// property (spec.md §8).
func (b *Bus) TotalBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalBytes
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
