package wsrouter

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/wskit-go/wskit/envelope"
	"github.com/wskit-go/wskit/heartbeat"
	"github.com/wskit-go/wskit/pubsub"
	"github.com/wskit-go/wskit/pubsub/inproc"
	"github.com/wskit-go/wskit/rpcmanager"
	"github.com/wskit-go/wskit/validator"
)

// passPort is a no-op validator.Port: every payload that is valid JSON
// parses as-is, and ResponseOf returns the schema's declared Response (these
// tests only use event schemas).
type passPort struct{}

func (passPort) TypeOf(schema *validator.Schema) string { return schema.Type }

func (passPort) SafeParse(schema *validator.Schema, raw json.RawMessage) validator.ParseResult {
	var v map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return validator.ParseResult{OK: false, Issues: []validator.Issue{{Message: err.Error()}}}
		}
	}
	return validator.ParseResult{OK: true, Value: v}
}

func (passPort) ResponseOf(schema *validator.Schema) *validator.Schema { return schema.Response }

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   [][]byte
	closed bool
	code   int
	reason string
}

func (c *fakeConn) ClientID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	c.reason = reason
	return nil
}

func (c *fakeConn) Subscribe(topic string) error   { return nil }
func (c *fakeConn) Unsubscribe(topic string) error { return nil }
func (c *fakeConn) BufferedBytes() int             { return 0 }

func (c *fakeConn) wasClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	if cfg.MaxPayloadBytes == 0 {
		cfg = DefaultConfig()
	}
	rpcMgr := rpcmanager.New(rpcmanager.Config{
		MaxInflightPerSocket: 10,
		IdleTimeout:          0,
	}, nil)
	hb := heartbeat.New(heartbeat.Config{})
	bus := inproc.NewBus()
	pubGW := pubsub.New(inproc.NewBackend(bus), passPort{})
	return New(passPort{}, cfg, rpcMgr, hb, pubGW, nil)
}

func ping() *validator.Schema {
	return &validator.Schema{Type: "Ping", Kind: validator.Event}
}

func frame(typ string) []byte {
	raw, _ := json.Marshal(map[string]any{"type": typ, "meta": map[string]any{}})
	return raw
}

func TestHandshakeScopeErrorClosesConnection(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	schema := ping()
	r.On(schema, func(ctx *Context) error {
		return ctx.Error(envelope.Unauthenticated, envelope.WithMessage("no token"))
	})

	conn := &fakeConn{id: "c1"}
	r.Open(conn)
	r.Message(conn, frame("Ping"))

	closed, code := conn.wasClosed()
	if !closed || code != 1008 {
		t.Fatalf("first message auth error should close with 1008, got closed=%v code=%d", closed, code)
	}
}

func TestNonHandshakeErrorDoesNotCloseByDefault(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	schema := ping()
	r.On(schema, func(ctx *Context) error { return nil })
	errSchema := &validator.Schema{Type: "Fail", Kind: validator.Event}
	r.On(errSchema, func(ctx *Context) error {
		return ctx.Error(envelope.Unauthenticated, envelope.WithMessage("still no token"))
	})

	conn := &fakeConn{id: "c2"}
	r.Open(conn)
	r.Message(conn, frame("Ping")) // first message: completes handshake, no error raised
	r.Message(conn, frame("Fail")) // second message: same code, but not handshake scope

	closed, _ := conn.wasClosed()
	if closed {
		t.Fatal("non-handshake-scope auth error should not close without CloseOnUnauthenticated configured")
	}
}

func TestCloseOnUnauthenticatedConfigClosesLaterMessages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CloseOnUnauthenticated = true
	r := newTestRouter(t, cfg)
	r.On(ping(), func(ctx *Context) error { return nil })
	errSchema := &validator.Schema{Type: "Fail", Kind: validator.Event}
	r.On(errSchema, func(ctx *Context) error {
		return ctx.Error(envelope.Unauthenticated, envelope.WithMessage("session expired"))
	})

	conn := &fakeConn{id: "c3"}
	r.Open(conn)
	r.Message(conn, frame("Ping"))
	r.Message(conn, frame("Fail"))

	closed, code := conn.wasClosed()
	if !closed || code != 1008 {
		t.Fatalf("CloseOnUnauthenticated should close on later messages too, got closed=%v code=%d", closed, code)
	}
}

func TestPermissionDeniedNotConfiguredDoesNotCloseOutsideHandshake(t *testing.T) {
	r := newTestRouter(t, DefaultConfig())
	r.On(ping(), func(ctx *Context) error { return nil })
	deniedSchema := &validator.Schema{Type: "Denied", Kind: validator.Event}
	r.On(deniedSchema, func(ctx *Context) error {
		return ctx.Error(envelope.PermissionDenied, envelope.WithMessage("no access"))
	})

	conn := &fakeConn{id: "c4"}
	r.Open(conn)
	r.Message(conn, frame("Ping"))
	r.Message(conn, frame("Denied"))

	closed, _ := conn.wasClosed()
	if closed {
		t.Fatal("PermissionDenied outside handshake scope should not close without CloseOnPermissionDenied configured")
	}
}
