package p2p

import "testing"

func TestSwappableWriterDefaultsToWebsocket(t *testing.T) {
	var got []byte
	sw := NewSwappableWriter(func(data []byte) error {
		got = data
		return nil
	})
	if sw.OnP2P() {
		t.Fatal("expected fresh writer to not be on P2P")
	}
	if err := sw.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected websocket write to receive payload, got %q", got)
	}
}

func TestFallbackToWebsocketIsIdempotent(t *testing.T) {
	sw := NewSwappableWriter(func(data []byte) error { return nil })
	sw.FallbackToWebsocket()
	sw.FallbackToWebsocket()
	if sw.OnP2P() {
		t.Fatal("expected writer to remain off P2P after repeated fallback")
	}
}
