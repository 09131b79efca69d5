// Package p2p implements the optional WebRTC data-channel fallback path
// for a Client Multiplexer connection: once a browser and this process
// have exchanged SDP over the websocket, instance output can ride a direct
// data channel instead, falling back to the websocket if the channel ever
// closes or fails.
//
// Grounded on the reference's internal/webrtc package (peer.go's
// HandleOffer answer-SDP exchange, transport.go's SwappableWriter atomic
// relay/P2P write-function swap). The reference's PeerManager indexes
// peer connections by sender public key across many concurrent browser
// tabs talking to one relay process; that multi-sender registry is
// dropped here since a clientmux.Conn already owns exactly one peer
// connection for its own lifetime — see DESIGN.md.
package p2p

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// WriteFunc sends one already-encoded message over a transport.
type WriteFunc func(data []byte) error

// SwappableWriter atomically switches a connection's output between the
// websocket and a WebRTC data channel.
type SwappableWriter struct {
	mu      sync.Mutex
	wsWrite WriteFunc
	dcWrite WriteFunc
	onP2P   bool
}

// NewSwappableWriter wraps a websocket write function as the initial
// (and fallback) transport.
func NewSwappableWriter(wsWrite WriteFunc) *SwappableWriter {
	return &SwappableWriter{wsWrite: wsWrite}
}

// Write sends data via whichever transport is currently active. The lock
// is held through the call so a migration can't interleave with a write.
func (sw *SwappableWriter) Write(data []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.dcWrite != nil {
		return sw.dcWrite(data)
	}
	return sw.wsWrite(data)
}

// MigrateToDataChannel swaps output onto dc. Subsequent Write calls go to
// the data channel until FallbackToWebsocket is called or dc fails.
func (sw *SwappableWriter) MigrateToDataChannel(dc *webrtc.DataChannel) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.dcWrite = func(data []byte) error { return dc.Send(data) }
	sw.onP2P = true
}

// FallbackToWebsocket swaps output back onto the websocket. Idempotent.
func (sw *SwappableWriter) FallbackToWebsocket() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.dcWrite = nil
	sw.onP2P = false
}

// OnP2P reports whether output is currently riding the data channel.
func (sw *SwappableWriter) OnP2P() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.onP2P
}

// Peer owns one browser's WebRTC peer connection for the lifetime of a
// single Client Multiplexer connection.
type Peer struct {
	mu sync.Mutex
	pc *webrtc.PeerConnection
}

// HandleOffer creates a PeerConnection from a browser's offer SDP and
// returns the answer SDP once ICE gathering completes. onDataChannel is
// invoked when the browser opens its data channel (label "roost:<instanceID>").
func HandleOffer(offerSDP string, onDataChannel func(instanceID string, dc *webrtc.DataChannel), onStateChange func(webrtc.PeerConnectionState)) (*Peer, string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, "", fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		instanceID := label
		const prefix = "roost:"
		if len(label) > len(prefix) && label[:len(prefix)] == prefix {
			instanceID = label[len(prefix):]
		}
		dc.OnOpen(func() {
			if onDataChannel != nil {
				onDataChannel(instanceID, dc)
			}
		})
	})

	if onStateChange != nil {
		pc.OnConnectionStateChange(onStateChange)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return nil, "", fmt.Errorf("no local description after ICE gathering")
	}
	return &Peer{pc: pc}, local.SDP, nil
}

// Close tears down the underlying peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return nil
	}
	err := p.pc.Close()
	p.pc = nil
	return err
}
