package wsrouter

import (
	"encoding/json"
	"time"

	"github.com/wskit-go/wskit/envelope"
	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub"
	"github.com/wskit-go/wskit/validator"
	"github.com/wskit-go/wskit/wire"
)

// SendOption customizes a Context.Send/Error/Reply call.
type SendOption func(*sendOptions)

type sendOptions struct {
	meta map[string]any
}

// WithMeta attaches additional meta fields to an outbound envelope.
func WithMeta(meta map[string]any) SendOption {
	return func(o *sendOptions) { o.meta = meta }
}

// Context is the per-frame surface passed to middleware and handlers. It is
// allocated fresh for each frame and must not be retained past the handler
// call that received it.
type Context struct {
	router   *Router
	conn     Conn
	state    *connState
	frame    *wire.Frame
	value    map[string]any
	isRPC    bool
	corrID   string
	deadline time.Time

	// handshakeScope is true when this frame is the first message processed
	// on the connection, i.e. it was admitted by the auth chain rather than
	// arriving on an already-authenticated connection.
	handshakeScope bool

	terminalSent bool
}

// ClientID returns the owning connection's stable id.
func (c *Context) ClientID() string { return c.conn.ClientID() }

// Conn returns the raw transport connection backing this context. Most
// handlers never need it — Send/Reply/Subscribe already cover the common
// cases — but callers bridging pub/sub fanout onto individual sockets (see
// the demo package) need the concrete Conn to query transport-specific
// state like topic membership.
func (c *Context) Conn() Conn { return c.conn }

// Type returns the inbound frame's discriminator.
func (c *Context) Type() string { return c.frame.Type }

// Payload returns the validated payload value.
func (c *Context) Payload() map[string]any { return c.value }

// IsRPC reports whether this frame is an RPC request.
func (c *Context) IsRPC() bool { return c.isRPC }

// CorrelationID returns the RPC correlation id, or "" for event frames.
func (c *Context) CorrelationID() string { return c.corrID }

// Deadline returns the absolute RPC deadline; the zero time for event
// frames.
func (c *Context) Deadline() time.Time { return c.deadline }

// TimeRemaining is monotonic non-increasing until the deadline, then pinned
// to zero.
func (c *Context) TimeRemaining() time.Duration {
	if c.deadline.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	remaining := time.Until(c.deadline)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AssignData mutates the connection-owned user data bag.
func (c *Context) AssignData(key string, value any) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.data == nil {
		c.state.data = make(map[string]any)
	}
	c.state.data[key] = value
}

// GetData reads from the connection-owned user data bag.
func (c *Context) GetData(key string) (any, bool) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	v, ok := c.state.data[key]
	return v, ok
}

// Subscribe/Unsubscribe delegate to the transport.
func (c *Context) Subscribe(topic string) error   { return c.conn.Subscribe(topic) }
func (c *Context) Unsubscribe(topic string) error { return c.conn.Unsubscribe(topic) }

// Publish goes through the Pub/Sub Gateway.
func (c *Context) Publish(topic string, schema *validator.Schema, payload any, opts pubsub.Options) pubsub.Result {
	return c.router.Publish(topic, schema, payload, opts)
}

// Send validates payload against schema, then transmits on this socket
// only. For RPC contexts this is a non-terminal send (use Reply for the
// terminal frame).
func (c *Context) Send(schema *validator.Schema, payload any, opts ...SendOption) error {
	return c.sendEnvelope(schema, payload, opts, false)
}

func (c *Context) sendEnvelope(schema *validator.Schema, payload any, opts []SendOption, terminal bool) error {
	o := &sendOptions{}
	for _, opt := range opts {
		opt(o)
	}

	raw, _ := json.Marshal(payload)
	parsed := c.router.port.SafeParse(schema, raw)
	if !parsed.OK {
		return errValidationFailed(schema.Type)
	}

	meta := map[string]any{"timestamp": nowUnixMs()}
	for k, v := range o.meta {
		meta[k] = v
	}
	if c.isRPC {
		meta["correlationId"] = c.corrID
	}

	env := map[string]any{"type": c.router.port.TypeOf(schema), "meta": meta}
	if payload != nil {
		env["payload"] = payload
	}
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}

	return c.transmit(out, terminal)
}

// transmit applies the backpressure policy: progress-ish sends may be
// dropped under backpressure (configurable), terminal sends never drop —
// they convert into a RESOURCE_EXHAUSTED error instead, handled by the
// caller (Reply) before transmit is even reached for the terminal path.
func (c *Context) transmit(data []byte, terminal bool) error {
	if c.router.backpressured(c.conn) && !terminal {
		if c.router.cfg.DropProgressOnBackpressure {
			return nil
		}
	}
	return c.conn.Send(data)
}

// Error emits an ERROR or RPC_ERROR envelope. The RPC variant is one-shot
// guarded: once the record is terminal, further calls are suppressed
// (debug-logged). For Unauthenticated/PermissionDenied codes, the
// connection may additionally be closed with code 1008 — see
// maybeCloseForAuthError.
func (c *Context) Error(code envelope.Code, opts ...envelope.Option) error {
	c.router.metrics.errorSent(string(code))

	var sendErr error
	if c.isRPC {
		sendErr = c.sendTerminalError(code, opts...)
	} else {
		env := envelope.New(envelope.Oneway(c.ClientID()), code, opts...)
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		sendErr = c.conn.Send(raw)
	}

	c.maybeCloseForAuthError(code)
	return sendErr
}

// maybeCloseForAuthError closes the connection with code 1008 for an
// Unauthenticated or PermissionDenied error when the matching
// CloseOnUnauthenticated/CloseOnPermissionDenied config flag is set, or when
// the error arose in handshake scope — the connection's first message,
// before it had completed authentication.
func (c *Context) maybeCloseForAuthError(code envelope.Code) {
	var configuredToClose bool
	switch code {
	case envelope.Unauthenticated:
		configuredToClose = c.router.cfg.CloseOnUnauthenticated
	case envelope.PermissionDenied:
		configuredToClose = c.router.cfg.CloseOnPermissionDenied
	default:
		return
	}

	if !configuredToClose && !c.handshakeScope {
		return
	}
	logger.Debug("wsrouter: closing client=%s after %s (handshakeScope=%v)", c.ClientID(), code, c.handshakeScope)
	_ = c.conn.Close(1008, "authentication error")
}

func (c *Context) sendTerminalError(code envelope.Code, opts ...envelope.Option) error {
	if c.router.rpc.IsTerminal(c.ClientID(), c.corrID) {
		logger.Debug("wsrouter: %s suppressed for terminal correlation=%s", code, c.corrID)
		return nil // one-shot guard: already terminal, suppressed
	}
	c.router.rpc.MarkTerminal(c.ClientID(), c.corrID)
	c.terminalSent = true

	env := envelope.New(envelope.RPC(c.corrID), code, opts...)
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if c.router.backpressured(c.conn) {
		// Terminal sends never silently drop: warn and still attempt to
		// deliver the already-constructed error envelope.
		logger.Warning("wsrouter: sending %s under backpressure for client=%s correlation=%s", code, c.ClientID(), c.corrID)
	}
	return c.conn.Send(raw)
}

// Reply sends the terminal RPC response. One-shot guarded: the first call
// wins, subsequent calls are no-ops. Under backpressure the reply is
// downgraded to a RESOURCE_EXHAUSTED RPC_ERROR.
func (c *Context) Reply(responseSchema *validator.Schema, data any, opts ...SendOption) error {
	if !c.isRPC {
		return errNotRPC()
	}
	if c.router.rpc.IsTerminal(c.ClientID(), c.corrID) {
		return nil
	}

	if c.router.backpressured(c.conn) {
		c.router.rpc.MarkTerminal(c.ClientID(), c.corrID)
		c.terminalSent = true
		ms := 100
		env := envelope.New(envelope.RPC(c.corrID), envelope.ResourceExhausted,
			envelope.WithRetryable(true), envelope.WithRetryAfterMs(&ms))
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		logger.Warning("wsrouter: backpressure converted reply to RESOURCE_EXHAUSTED for client=%s correlation=%s", c.ClientID(), c.corrID)
		return c.conn.Send(raw)
	}

	c.router.rpc.MarkTerminal(c.ClientID(), c.corrID)
	c.terminalSent = true
	return c.sendEnvelope(responseSchema, data, opts, true)
}

// Progress sends a non-terminal $ws:rpc-progress frame with the same
// correlation id. Suppressed once terminal; may be dropped silently under
// backpressure when configured.
func (c *Context) Progress(data any) error {
	if !c.isRPC {
		return errNotRPC()
	}
	if c.router.rpc.IsTerminal(c.ClientID(), c.corrID) {
		logger.Debug("wsrouter: progress suppressed for terminal correlation=%s", c.corrID)
		return nil
	}
	c.router.rpc.TouchProgress(c.ClientID(), c.corrID)

	env := map[string]any{
		"type": "$ws:rpc-progress",
		"meta": map[string]any{"timestamp": nowUnixMs(), "correlationId": c.corrID},
	}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.transmit(raw, false)
}

// OnCancel appends an RPC cancel observer and returns a remover.
func (c *Context) OnCancel(cb func()) (unregister func()) {
	if !c.isRPC {
		return func() {}
	}
	return c.router.rpc.RegisterCancel(c.ClientID(), c.corrID, cb)
}

// AbortSignal returns a channel closed on cancellation. For event frames it
// returns a never-closing nil channel.
func (c *Context) AbortSignal() <-chan struct{} {
	if !c.isRPC {
		return nil
	}
	return c.router.rpc.AbortSignal(c.ClientID(), c.corrID)
}

func errValidationFailed(typ string) error {
	return &routerError{msg: "send: payload failed validation for type " + typ}
}

func errNotRPC() error {
	return &routerError{msg: "operation only valid on an RPC context"}
}
