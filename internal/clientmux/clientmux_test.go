package clientmux

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anselm-vey/roost/internal/broadcast"
	"github.com/anselm-vey/roost/internal/identity"
	"github.com/anselm-vey/roost/internal/instance"
	"github.com/anselm-vey/roost/internal/registry"
	"github.com/anselm-vey/roost/internal/wire"
	"github.com/coder/websocket"
)

func startTestServer(t *testing.T, reg *registry.Registry, hub *broadcast.Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer wsConn.CloseNow()
		conn := New(wsConn, reg, hub, identity.Principal{ID: "tester", Capability: identity.CapabilityAdmin})
		conn.Serve(r.Context())
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func TestSubscribeReceivesKeyframe(t *testing.T) {
	reg := registry.New(nil)
	hub := broadcast.New()
	ctx := context.Background()

	act, err := reg.Spawn(ctx, "", instance.Config{
		Command: []string{"/bin/sh", "-c", "printf hello; sleep 2"},
		Rows: 24, Cols: 80, MaxBufferBytes: 1 << 20, HangTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	info, err := act.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	ts := startTestServer(t, reg, hub)
	conn := dial(t, ts)

	sub, _ := json.Marshal(wire.Subscribe{Envelope: wire.Envelope{Type: wire.TypeSubscribe}, InstanceID: info.ID})
	readCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(readCtx, websocket.MessageText, sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var env wire.Envelope
		json.Unmarshal(data, &env)
		if env.Type == wire.TypeKeyframe {
			var kf wire.Keyframe
			json.Unmarshal(data, &kf)
			if strings.Contains(string(kf.Payload), "hello") {
				return
			}
		}
	}
	t.Fatal("did not receive keyframe containing child output")
}

func TestInputRequiresFocusFirst(t *testing.T) {
	reg := registry.New(nil)
	hub := broadcast.New()
	ts := startTestServer(t, reg, hub)
	conn := dial(t, ts)

	input, _ := json.Marshal(wire.Input{Envelope: wire.Envelope{Type: wire.TypeInput}, Bytes: []byte("x")})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, input); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var errMsg wire.ErrorMsg
	if err := json.Unmarshal(data, &errMsg); err != nil {
		t.Fatalf("unmarshal error msg: %v", err)
	}
	if errMsg.Type != wire.TypeError {
		t.Fatalf("expected an error message for unfocused input, got %+v", errMsg)
	}
}
