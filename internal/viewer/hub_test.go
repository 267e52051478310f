package viewer

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// newTestHub logs at warn level so connection teardown after the test
// returns stays quiet.
func newTestHub(t *testing.T) *Hub {
	h := NewHub(zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel)))
	t.Cleanup(h.Close)
	return h
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func TestHubBroadcast(t *testing.T) {
	h := newTestHub(t)
	conn := dialHub(t, h)

	h.Broadcast("message", map[string]string{"from": "alice", "text": "hello world"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		Type    string            `json:"type"`
		Payload map[string]string `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "message" {
		t.Fatalf("type = %q, want message", ev.Type)
	}
	if ev.Payload["text"] != "hello world" || ev.Payload["from"] != "alice" {
		t.Fatalf("payload = %v", ev.Payload)
	}
}

func TestHubPingPong(t *testing.T) {
	h := newTestHub(t)
	conn := dialHub(t, h)

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "pong" {
		t.Fatalf("type = %q, want pong", ev.Type)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	h := newTestHub(t)
	conn := dialHub(t, h)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("hub still has %d observers", h.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
