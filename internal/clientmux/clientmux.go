// Package clientmux implements the Client Multiplexer (L8): per-
// connection focus switching (at most one high-bandwidth terminal feed)
// plus an always-on lifecycle channel, dispatched over a single
// websocket.
//
// Grounded on the reference's internal/relay/pty_relay.go handlePTYWS:
// accept-then-authenticate, then a `for { conn.Read(ctx) }` loop
// unmarshaling a ws.Envelope to dispatch on Type, with a background
// goroutine forwarding data back to the browser connection
// (bc.Write(ctx, websocket.MessageText, msg)). Cross-node fly-replay
// routing (picking which Fly machine to upgrade on) is dropped — single
// process, no machine selection needed (see DESIGN.md). The reference's
// PTYMigrate/PTYMigrated/PTYFallback message names are kept (as
// wire.TypeMigrateRequest/TypeMigrateComplete/TypeMigrateFallback) and
// repurposed here for an optional WebRTC data-channel fallback path
// (internal/p2p) instead of Fly-specific session handoff: a connection
// may ask to hand its focused instance's output off to a direct data
// channel, and falls back to the websocket automatically if that channel
// ever closes or fails.
package clientmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anselm-vey/roost/internal/broadcast"
	"github.com/anselm-vey/roost/internal/identity"
	"github.com/anselm-vey/roost/internal/instance"
	"github.com/anselm-vey/roost/internal/outputbus"
	"github.com/anselm-vey/roost/internal/p2p"
	"github.com/anselm-vey/roost/internal/registry"
	"github.com/anselm-vey/roost/internal/rerr"
	"github.com/anselm-vey/roost/internal/wire"
	"github.com/coder/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"
)

// replaySizeCeiling caps how much of a keyframe a fresh Subscribe sends:
// a longer keyframe is cut to its first replaySizeCeiling bytes, and the
// client is not told that it was cut (spec.md §6's "replay-size
// ceiling").
const replaySizeCeiling = 4 << 20

// Conn is one client connection's dispatch loop.
type Conn struct {
	ws        *websocket.Conn
	reg       *registry.Registry
	hub       *broadcast.Hub
	principal identity.Principal

	mu        sync.Mutex
	focusedID string
	sub       *outputbus.Subscriber
	cursor    outputbus.Cursor
	cancelPoll context.CancelFunc
	out       *p2p.SwappableWriter
	peer      *p2p.Peer

	// writeMu serializes websocket writes across the lifecycle-forwarding
	// and output-forwarding goroutines, which both write to the same
	// *websocket.Conn. Concurrent writes are not safe on a single
	// connection (mirrors the reference's route.mu guard around
	// wing.Conn.Write in pty_relay.go).
	writeMu sync.Mutex
}

func (c *Conn) writeMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// New constructs a Conn wrapping an already-accepted websocket connection
// and an already-admitted Principal.
func New(wsConn *websocket.Conn, reg *registry.Registry, hub *broadcast.Hub, principal identity.Principal) *Conn {
	c := &Conn{ws: wsConn, reg: reg, hub: hub, principal: principal}
	c.out = p2p.NewSwappableWriter(func(data []byte) error {
		return c.writeMessage(context.Background(), data)
	})
	return c
}

// Serve runs the connection's dispatch loop until the connection closes
// or ctx is cancelled. Blocks.
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycleSub := c.hub.Subscribe(256)
	defer c.hub.Unsubscribe(lifecycleSub)

	go c.forwardLifecycle(ctx, lifecycleSub)

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if err := c.dispatch(ctx, env.Type, data); err != nil {
			c.writeError(ctx, err)
		}
	}
}

func (c *Conn) forwardLifecycle(ctx context.Context, sub *broadcast.Subscriber) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			c.writeMessage(ctx, payload)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, t wire.Type, data []byte) error {
	switch t {
	case wire.TypeSubscribe:
		var msg wire.Subscribe
		if err := json.Unmarshal(data, &msg); err != nil {
			return rerr.Wrap(rerr.KindInvalidArgument, err)
		}
		return c.handleSubscribe(ctx, msg.InstanceID)

	case wire.TypeInput:
		var msg wire.Input
		if err := json.Unmarshal(data, &msg); err != nil {
			return rerr.Wrap(rerr.KindInvalidArgument, err)
		}
		act, err := c.focusedActor()
		if err != nil {
			return err
		}
		return act.WriteInput(ctx, c.principal.ID, msg.Bytes)

	case wire.TypeResize:
		var msg wire.Resize
		if err := json.Unmarshal(data, &msg); err != nil {
			return rerr.Wrap(rerr.KindInvalidArgument, err)
		}
		act, err := c.focusedActor()
		if err != nil {
			return err
		}
		return act.Resize(ctx, msg.Rows, msg.Cols)

	case wire.TypeAcquireLock:
		var msg wire.AcquireLock
		if err := json.Unmarshal(data, &msg); err != nil {
			return rerr.Wrap(rerr.KindInvalidArgument, err)
		}
		act, err := c.focusedActor()
		if err != nil {
			return err
		}
		ttl := time.Duration(msg.TTLSecs) * time.Second
		return act.AcquireLock(ctx, c.principal.ID, msg.Label, ttl)

	case wire.TypeReleaseLock:
		act, err := c.focusedActor()
		if err != nil {
			return err
		}
		return act.ReleaseLock(ctx, c.principal.ID, c.principal.IsAdmin())

	case wire.TypeMigrateRequest:
		var msg wire.MigrateRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return rerr.Wrap(rerr.KindInvalidArgument, err)
		}
		return c.handleMigrateRequest(ctx, msg.InstanceID, msg.OfferSDP)

	default:
		return rerr.New(rerr.KindInvalidArgument, fmt.Sprintf("unsupported message type %q", t))
	}
}

// handleSubscribe switches this connection's focus: at most one
// high-bandwidth feed is ever being polled at a time (spec.md §4.8). The
// prior subscription, if any, is torn down first.
func (c *Conn) handleSubscribe(ctx context.Context, instanceID string) error {
	act, err := c.reg.Get(instanceID)
	if err != nil {
		return err
	}

	res, err := act.Subscribe(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	if c.sub != nil && c.focusedID != "" {
		if prev, err := c.reg.Get(c.focusedID); err == nil {
			prev.Bus().Unsubscribe(c.sub)
		}
	}
	c.focusedID = instanceID
	c.sub = res.Subscriber
	c.cursor = res.Cursor
	pollCtx, cancel := context.WithCancel(ctx)
	c.cancelPoll = cancel
	c.mu.Unlock()

	keyframe := res.Keyframe
	if len(keyframe) > replaySizeCeiling {
		keyframe = keyframe[:replaySizeCeiling]
	}
	payload, _ := json.Marshal(wire.Keyframe{
		Envelope:   wire.Envelope{Type: wire.TypeKeyframe},
		InstanceID: instanceID,
		Seq:        0,
		Payload:    keyframe,
	})
	if err := c.writeMessage(ctx, payload); err != nil {
		return err
	}

	go c.forwardOutput(pollCtx, act, instanceID, res.Subscriber, res.Cursor)
	return nil
}

func (c *Conn) forwardOutput(ctx context.Context, act *instance.Actor, instanceID string, sub *outputbus.Subscriber, cur outputbus.Cursor) {
	for {
		chunks, next, lag, err := act.Bus().Poll(ctx, sub, cur)
		if err != nil {
			return
		}
		cur = next

		if lag != nil {
			payload, _ := json.Marshal(wire.Lagged{
				Envelope:     wire.Envelope{Type: wire.TypeLagged},
				InstanceID:   instanceID,
				SkippedCount: lag.Skipped,
			})
			if err := c.out.Write(payload); err != nil {
				return
			}
		}
		for _, chunk := range chunks {
			payload, _ := json.Marshal(wire.Delta{
				Envelope:   wire.Envelope{Type: wire.TypeDelta},
				InstanceID: instanceID,
				Seq:        chunk.Seq,
				Payload:    chunk.Data,
			})
			if err := c.out.Write(payload); err != nil {
				return
			}
		}
	}
}

// handleMigrateRequest answers a browser's WebRTC offer and, once the data
// channel opens, swaps output for the focused instance onto it. Any
// existing peer connection is torn down first (spec.md's single-feed rule
// applies to the P2P path too).
func (c *Conn) handleMigrateRequest(ctx context.Context, instanceID, offerSDP string) error {
	c.mu.Lock()
	prevPeer := c.peer
	c.mu.Unlock()
	if prevPeer != nil {
		prevPeer.Close()
	}

	peer, answerSDP, err := p2p.HandleOffer(offerSDP,
		func(dcInstanceID string, dc *pionwebrtc.DataChannel) {
			if dcInstanceID != instanceID {
				return
			}
			c.out.MigrateToDataChannel(dc)
			dc.OnClose(func() {
				c.out.FallbackToWebsocket()
				c.sendMigrateFallback(context.Background(), instanceID)
			})
		},
		func(state pionwebrtc.PeerConnectionState) {
			if state == pionwebrtc.PeerConnectionStateFailed || state == pionwebrtc.PeerConnectionStateClosed {
				c.out.FallbackToWebsocket()
			}
		},
	)
	if err != nil {
		return rerr.Wrap(rerr.KindUnavailable, err)
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	payload, _ := json.Marshal(wire.MigrateComplete{
		Envelope:   wire.Envelope{Type: wire.TypeMigrateComplete},
		InstanceID: instanceID,
		AnswerSDP:  answerSDP,
	})
	return c.writeMessage(ctx, payload)
}

func (c *Conn) sendMigrateFallback(ctx context.Context, instanceID string) {
	payload, _ := json.Marshal(wire.MigrateFallback{
		Envelope:   wire.Envelope{Type: wire.TypeMigrateFallback},
		InstanceID: instanceID,
	})
	c.writeMessage(ctx, payload)
}

func (c *Conn) focusedActor() (*instance.Actor, error) {
	c.mu.Lock()
	id := c.focusedID
	c.mu.Unlock()
	if id == "" {
		return nil, rerr.New(rerr.KindInvalidArgument, "no instance focused; send subscribe first")
	}
	return c.reg.Get(id)
}

func (c *Conn) writeError(ctx context.Context, err error) {
	kind := "Unknown"
	var re *rerr.Error
	if errors.As(err, &re) {
		kind = string(re.Kind)
	}
	payload, _ := json.Marshal(wire.ErrorMsg{
		Envelope: wire.Envelope{Type: wire.TypeError},
		Kind:     kind,
		Detail:   err.Error(),
	})
	c.writeMessage(ctx, payload)
}

// Close releases this connection's focus subscription and write-lock (if
// held) and closes the underlying websocket. spec.md §9 requires a
// cancelled Client Multiplexer to release any write-lock it holds before
// dropping, so a disconnect never orphans a lock past its own session.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.cancelPoll != nil {
		c.cancelPoll()
	}
	var act *instance.Actor
	if c.focusedID != "" {
		if a, err := c.reg.Get(c.focusedID); err == nil {
			act = a
			if c.sub != nil {
				a.Bus().Unsubscribe(c.sub)
			}
		}
	}
	peer := c.peer
	c.mu.Unlock()

	if act != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		act.ReleaseLock(releaseCtx, c.principal.ID, false)
		cancel()
	}
	if peer != nil {
		peer.Close()
	}
	return c.ws.CloseNow()
}
