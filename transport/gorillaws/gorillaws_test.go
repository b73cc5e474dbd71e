package gorillaws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/validator"
	"github.com/wskit-go/wskit/wsrouter"
)

type echoPort struct{}

func (echoPort) TypeOf(schema *validator.Schema) string                { return schema.Type }
func (echoPort) ResponseOf(schema *validator.Schema) *validator.Schema { return schema.Response }
func (echoPort) SafeParse(schema *validator.Schema, raw json.RawMessage) validator.ParseResult {
	return validator.ParseResult{OK: true, Value: map[string]any{}}
}

func newTestServer(t *testing.T) (*httptest.Server, *wsrouter.Router) {
	t.Helper()
	router := wsrouter.New(echoPort{}, wsrouter.Config{}, nil, nil, nil, nil)
	upgrader := NewUpgrader(Config{})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := upgrader.Serve(w, r, router, "test-client"); err != nil {
			t.Errorf("upgrade failed: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, router
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeRoundTrip(t *testing.T) {
	var gotType string
	router := wsrouter.New(echoPort{}, wsrouter.Config{}, nil, nil, nil, nil)
	schema := &validator.Schema{Type: "Ping"}
	router.On(schema, func(ctx *wsrouter.Context) error {
		gotType = ctx.Type()
		return ctx.Send(schema, map[string]any{"ok": true})
	})

	upgrader := NewUpgrader(Config{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		_ = upgrader.Serve(w, r, router, "client-1")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Ping","meta":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if gotType != "Ping" {
		t.Fatalf("handler saw type %q, want Ping", gotType)
	}
}

func TestConnSendAfterCloseErrors(t *testing.T) {
	_, router := newTestServer(t)
	_ = router
	c := &Conn{
		id:     "c1",
		ws:     &websocket.Conn{},
		cfg:    Config{}.withDefaults(),
		send:   make(chan outboundMsg, 1),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
	close(c.done)

	if err := c.Send([]byte("hi")); err == nil {
		t.Fatalf("expected error sending on a closed connection")
	}
}

func TestConnSendBufferFull(t *testing.T) {
	c := &Conn{
		id:     "c1",
		ws:     &websocket.Conn{},
		cfg:    Config{SendBufferSize: 1}.withDefaults(),
		send:   make(chan outboundMsg, 1),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
	if err := c.Send([]byte("first")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send([]byte("second")); err == nil {
		t.Fatalf("expected buffer-full error on second send")
	}
}

func TestConnTopicFilter(t *testing.T) {
	c := &Conn{id: "c1", topics: make(map[string]bool)}
	if c.WantsTopic("room1") {
		t.Fatalf("expected no subscription before Subscribe")
	}
	if err := c.Subscribe("room1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !c.WantsTopic("room1") {
		t.Fatalf("expected subscription after Subscribe")
	}
	if err := c.Unsubscribe("room1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if c.WantsTopic("room1") {
		t.Fatalf("expected no subscription after Unsubscribe")
	}
}

func TestConnBufferedBytesTracksSend(t *testing.T) {
	c := &Conn{
		id:     "c1",
		ws:     &websocket.Conn{},
		cfg:    Config{SendBufferSize: 4}.withDefaults(),
		send:   make(chan outboundMsg, 4),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}
	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := c.BufferedBytes(); got != len("hello") {
		t.Fatalf("BufferedBytes() = %d, want %d", got, len("hello"))
	}
}
