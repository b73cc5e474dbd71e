package demo

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/config"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(":0", config.Resolve(config.CLI{}, nil))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	httpSrv := httptest.NewServer(s.mux)
	t.Cleanup(httpSrv.Close)
	return s, httpSrv
}

func dialDemo(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + httpSrv.URL[len("http"):] + "/demo/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	_, httpSrv := newTestServer(t)
	resp, err := httpSrv.Client().Get(httpSrv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPingPong(t *testing.T) {
	_, httpSrv := newTestServer(t)
	conn := dialDemo(t, httpSrv)

	req := map[string]any{"type": TypePing, "meta": map[string]any{"correlationId": "c1"}}
	raw, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readJSON(t, conn)
	if got["type"] != TypePong {
		t.Fatalf("type = %v, want %v", got["type"], TypePong)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	_, httpSrv := newTestServer(t)
	conn := dialDemo(t, httpSrv)

	req := map[string]any{
		"type":    TypeEcho,
		"meta":    map[string]any{"correlationId": "c2"},
		"payload": map[string]any{"text": "hello"},
	}
	raw, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readJSON(t, conn)
	if got["type"] != TypeEchoReply {
		t.Fatalf("type = %v, want %v", got["type"], TypeEchoReply)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["text"] != "hello" {
		t.Fatalf("payload.text = %v, want hello", payload["text"])
	}
}

func TestSubscribeAndBroadcast(t *testing.T) {
	s, httpSrv := newTestServer(t)
	conn := dialDemo(t, httpSrv)

	sub := map[string]any{"type": TypeSubscribe, "meta": map[string]any{}, "payload": map[string]any{"room": "lobby"}}
	raw, _ := json.Marshal(sub)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// Give the router a moment to process the subscribe before broadcasting,
	// since trackConn/handleSubscribe run asynchronously relative to this
	// goroutine.
	time.Sleep(50 * time.Millisecond)

	if result := s.Broadcast("lobby", "hi everyone"); !result.OK {
		t.Fatalf("Broadcast failed: %+v", result)
	}

	got := readJSON(t, conn)
	if got["type"] != TypeRoomEvent {
		t.Fatalf("type = %v, want %v", got["type"], TypeRoomEvent)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["room"] != "lobby" || payload["text"] != "hi everyone" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
