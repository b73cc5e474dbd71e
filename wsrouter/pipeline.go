package wsrouter

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/wskit-go/wskit/envelope"
	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/validator"
	"github.com/wskit-go/wskit/wire"
)

const abortFrameType = "$ws:abort"

// Open registers a newly connected transport and runs the onOpen chain.
func (r *Router) Open(conn Conn) {
	state := &connState{conn: conn, data: make(map[string]any), readyState: Open}
	r.connsMu.Lock()
	r.conns[conn.ClientID()] = state
	r.connsMu.Unlock()
	r.metrics.connOpened()

	if r.heartbeat != nil {
		if pinger, ok := conn.(interface {
			Ping() error
			Close(code int, reason string) error
		}); ok {
			r.heartbeat.Open(conn.ClientID(), pinger)
		}
	}

	r.mu.RLock()
	handlers := append([]LifecycleHandler(nil), r.onOpenHandlers...)
	r.mu.RUnlock()

	ctx := &Context{router: r, conn: conn, state: state}
	for _, h := range handlers {
		runLifecycleHandler(h, ctx)
	}
}

// Close tears down a disconnected transport: pending RPCs are cancelled
// before close handlers run, per spec.md §4.7 tie-breaks.
func (r *Router) Close(conn Conn, code int, reason string) {
	r.handleClose(conn.ClientID())
}

func (r *Router) handleClose(clientID string) {
	r.connsMu.Lock()
	state, ok := r.conns[clientID]
	delete(r.conns, clientID)
	r.connsMu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	state.readyState = Closed
	state.mu.Unlock()
	r.metrics.connClosed()

	if r.rpc != nil {
		r.rpc.OnDisconnect(clientID)
	}
	if r.heartbeat != nil {
		r.heartbeat.Close(clientID)
	}

	r.mu.RLock()
	handlers := append([]LifecycleHandler(nil), r.onCloseHandlers...)
	r.mu.RUnlock()

	ctx := &Context{router: r, conn: state.conn, state: state}
	for _, h := range handlers {
		runLifecycleHandler(h, ctx)
	}
}

// Message is the transport entrypoint for one inbound frame. It implements
// the authoritative pipeline ordering.
func (r *Router) Message(conn Conn, raw []byte) {
	clientID := conn.ClientID()

	// (1) handlePong reset: any frame is proof of life.
	if r.heartbeat != nil {
		r.heartbeat.Touch(clientID)
	}

	r.connsMu.RLock()
	state, ok := r.conns[clientID]
	r.connsMu.RUnlock()
	if !ok {
		return
	}

	// (2) size gate.
	result := wire.Normalize(raw, r.cfg.MaxPayloadBytes)
	if result.Outcome == wire.Oversize {
		r.metrics.dropped()
		r.handleOversize(conn, result.CorrelationHint)
		return
	}
	// (3)/(4) JSON parse + shape check collapse into wire.DroppedSilently.
	if result.Outcome == wire.DroppedSilently {
		r.metrics.dropped()
		return
	}

	// (5) control branch.
	if result.Outcome == wire.ControlFrame {
		r.handleControlFrame(clientID, result.Frame)
		return
	}

	frame := result.Frame

	// (6) first-message auth.
	state.mu.Lock()
	authenticated := state.authenticated
	state.mu.Unlock()
	handshakeScope := !authenticated
	if !authenticated {
		if !r.runAuthChain(conn, state, frame) {
			_ = conn.Close(1008, "authentication failed")
			return
		}
		state.mu.Lock()
		state.authenticated = true
		state.mu.Unlock()
	}

	// (8) handler lookup.
	r.mu.RLock()
	entry, found := r.handlers[frame.Type]
	r.mu.RUnlock()
	if !found {
		r.metrics.dropped()
		logger.Debug("wsrouter: no handler registered for type %q, dropping", frame.Type)
		return
	}

	// (9) safeParse.
	parsed := r.port.SafeParse(entry.schema, frame.Payload)
	correlationID, hasCorrelation := stringMeta(frame.Meta, "correlationId")
	if !parsed.OK {
		if entry.kind == validator.RPC && hasCorrelation {
			env := envelope.New(envelope.RPC(correlationID), envelope.InvalidArgument, envelope.WithMessage("validation failed"))
			raw, _ := json.Marshal(env)
			_ = conn.Send(raw)
		}
		logger.Debug("wsrouter: validation failed for type %q: %+v", frame.Type, parsed.Issues)
		return
	}

	// (10) inject server meta.
	wire.InjectServerMeta(frame.Meta, clientID, nowUnixMs())

	// (11) is-rpc determination.
	isRPC := entry.kind == validator.RPC

	ctx := &Context{router: r, conn: conn, state: state, frame: frame, value: parsed.Value, isRPC: isRPC, handshakeScope: handshakeScope}

	if isRPC {
		// (12) synthesize correlationId if missing, admit, deadline.
		if !hasCorrelation || correlationID == "" {
			correlationID = synthesizeCorrelationID()
		}
		timeoutMs := r.cfg.RPCTimeoutMs
		if v, ok := frame.Meta["timeoutMs"]; ok {
			if f, ok := v.(float64); ok && int(f) > 0 {
				timeoutMs = int(f)
			}
		}
		deadline := time.UnixMilli(nowUnixMs() + int64(timeoutMs))
		if _, admitted := r.rpc.Admit(clientID, correlationID, deadline); !admitted {
			r.sendInflightExhausted(conn, clientID, correlationID)
			return
		}
		ctx.corrID = correlationID
		ctx.deadline = deadline
	}

	r.metrics.handled()
	r.dispatch(ctx, entry)
}

func (r *Router) dispatch(ctx *Context, entry *routeEntry) {
	r.mu.RLock()
	global := append([]Middleware(nil), r.globalMiddleware...)
	perType := append([]Middleware(nil), r.perTypeMiddleware[entry.schema.Type]...)
	r.mu.RUnlock()

	chain := append(global, perType...)
	final := entry.handler
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := final
		final = func(c *Context) error { return mw(c, next) }
	}

	err := r.runHandlerSafely(ctx, final)

	// (15) post-handler: warn if RPC left PENDING.
	if ctx.isRPC && r.cfg.WarnIncompleteRPC && !ctx.terminalSent {
		if !r.rpc.IsTerminal(ctx.ClientID(), ctx.corrID) {
			logger.Warning("wsrouter: RPC handler for %q returned without a terminal send (correlation=%s)", entry.schema.Type, ctx.corrID)
		}
	}

	if err != nil {
		r.handleHandlerError(ctx, err)
	}
}

// runHandlerSafely recovers a handler panic into an error so one frame's
// failure never takes down the caller's goroutine or affects sibling
// frames.
func (r *Router) runHandlerSafely(ctx *Context, handler HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = envelope.WrapInternal(errFromRecover(rec), "wsrouter: handler panic")
		}
	}()
	return handler(ctx)
}

// (16) on unhandled throw: fire onError chain; if not suppressed and
// autoSendErrorOnThrow, send INTERNAL.
func (r *Router) handleHandlerError(ctx *Context, err error) {
	r.mu.RLock()
	observers := append([]func(ctx *Context, err error) bool(nil), r.onErrorHandlers...)
	r.mu.RUnlock()

	suppressed := false
	for _, observer := range observers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("wsrouter: onError observer panicked: %v", rec)
				}
			}()
			if observer(ctx, err) {
				suppressed = true
			}
		}()
	}

	if suppressed || !r.cfg.AutoSendErrorOnThrow {
		return
	}

	var opts []envelope.Option
	if r.cfg.ExposeErrorDetails {
		opts = append(opts, envelope.WithMessage(err.Error()))
	}
	_ = ctx.Error(envelope.Internal, opts...)
}

func (r *Router) handleControlFrame(clientID string, frame *wire.Frame) {
	if frame == nil || frame.Type != abortFrameType {
		return
	}
	correlationID, _ := stringMeta(frame.Meta, "correlationId")
	if correlationID == "" {
		return
	}
	if r.rpc != nil {
		r.rpc.OnClientAbort(clientID, correlationID)
	}
}

func (r *Router) runAuthChain(conn Conn, state *connState, frame *wire.Frame) bool {
	r.mu.RLock()
	handlers := append([]AuthHandler(nil), r.onAuthHandlers...)
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return true
	}

	ctx := &Context{router: r, conn: conn, state: state, frame: frame}
	for _, h := range handlers {
		if err := h(ctx); err != nil {
			logger.Debug("wsrouter: auth handler rejected connection %s: %v", conn.ClientID(), err)
			return false
		}
	}
	return true
}

func (r *Router) handleOversize(conn Conn, correlationHint string) {
	ms := 100
	var opts []envelope.Option
	opts = append(opts, envelope.WithRetryable(true), envelope.WithRetryAfterMs(&ms))

	var env envelope.Envelope
	if correlationHint != "" {
		env = envelope.New(envelope.RPC(correlationHint), envelope.ResourceExhausted, opts...)
	} else {
		env = envelope.New(envelope.Oneway(conn.ClientID()), envelope.ResourceExhausted, opts...)
	}
	raw, _ := json.Marshal(env)

	switch r.cfg.OnExceeded {
	case OnExceededClose:
		_ = conn.Send(raw)
		_ = conn.Close(closeCodeOrDefault(r.cfg.CloseCode), "message too big")
	case OnExceededCustom:
		// Caller is expected to have registered an OnLimitExceeded
		// handler; run it instead of sending directly.
		r.mu.RLock()
		handlers := append([]LifecycleHandler(nil), r.onLimitHandlers...)
		r.mu.RUnlock()
		ctx := &Context{router: r, conn: conn}
		for _, h := range handlers {
			runLifecycleHandler(h, ctx)
		}
	default:
		_ = conn.Send(raw)
	}
}

func closeCodeOrDefault(code int) int {
	if code == 0 {
		return 1009
	}
	return code
}

func (r *Router) sendInflightExhausted(conn Conn, clientID, correlationID string) {
	ms := 100
	env := envelope.New(envelope.RPC(correlationID), envelope.ResourceExhausted,
		envelope.WithRetryable(true), envelope.WithRetryAfterMs(&ms))
	raw, _ := json.Marshal(env)
	_ = conn.Send(raw)
	logger.Debug("wsrouter: RPC admission refused for client=%s correlation=%s (inflight cap)", clientID, correlationID)
}

func (r *Router) backpressured(conn Conn) bool {
	if r.cfg.SocketBufferLimitBytes <= 0 {
		return false
	}
	return conn.BufferedBytes() > r.cfg.SocketBufferLimitBytes
}

func runLifecycleHandler(h LifecycleHandler, ctx *Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("wsrouter: lifecycle handler panicked: %v", rec)
		}
	}()
	h(ctx)
}

func stringMeta(meta map[string]any, key string) (string, bool) {
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func errFromRecover(rec any) error {
	if err, ok := rec.(error); ok {
		return err
	}
	return &routerError{msg: "panic: " + toString(rec)}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-string panic value"
}

// synthesizeCorrelationID generates a correlation id for RPC requests that
// omitted one, so every admitted record still has a stable map key.
func synthesizeCorrelationID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(buf[:])
}
