// Package wsrouter implements the Router Core: handler registry, middleware
// chain, lifecycle dispatch, and the authoritative message pipeline that
// ties together the Wire Normalizer, Validator Port, Error Envelope, RPC
// Manager, Heartbeat Controller, and Pub/Sub Gateway.
package wsrouter

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wskit-go/wskit/heartbeat"
	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub"
	"github.com/wskit-go/wskit/rpcmanager"
	"github.com/wskit-go/wskit/validator"
	"github.com/wskit-go/wskit/wire"
)

// OnExceededMode governs what happens when an inbound frame exceeds
// maxPayloadBytes.
type OnExceededMode int

const (
	OnExceededSend OnExceededMode = iota
	OnExceededClose
	OnExceededCustom
)

// Config mirrors spec.md §6's recognized options.
type Config struct {
	MaxPayloadBytes int
	OnExceeded      OnExceededMode
	CloseCode       int

	SocketBufferLimitBytes int // 0 means unlimited

	RPCTimeoutMs        int
	RPCIdleTimeoutMs    int
	RPCCleanupCadenceMs int
	RPCDedupWindowMs    int
	RPCMaxInflight      int

	DropProgressOnBackpressure bool
	AutoSendErrorOnThrow       bool
	ExposeErrorDetails         bool
	WarnIncompleteRPC          bool

	// CloseOnUnauthenticated/CloseOnPermissionDenied additionally close the
	// connection with code 1008 whenever a handler calls Context.Error with
	// the matching code. Regardless of these flags, a close also fires when
	// the error arose in handshake scope (the connection's first message).
	CloseOnUnauthenticated  bool
	CloseOnPermissionDenied bool

	Heartbeat heartbeat.Config
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:            1_000_000,
		OnExceeded:                 OnExceededSend,
		CloseCode:                  1009,
		SocketBufferLimitBytes:     1_000_000,
		RPCTimeoutMs:               30_000,
		RPCIdleTimeoutMs:           40_000,
		RPCCleanupCadenceMs:        10_000,
		RPCMaxInflight:             1_000,
		DropProgressOnBackpressure: true,
		AutoSendErrorOnThrow:       true,
		ExposeErrorDetails:         false,
		WarnIncompleteRPC:          true,
	}
}

// HandlerFunc is a registered event or RPC handler.
type HandlerFunc func(ctx *Context) error

// Middleware wraps the next step in the chain; it must call next to
// continue the chain, mirroring the teacher's HTTP middleware shape.
type Middleware func(ctx *Context, next HandlerFunc) error

// AuthHandler runs during the handshake-scope auth chain.
type AuthHandler func(ctx *Context) error

// LifecycleHandler backs onOpen/onClose/onLimitExceeded.
type LifecycleHandler func(ctx *Context)

type routeEntry struct {
	schema  *validator.Schema
	handler HandlerFunc
	kind    validator.Kind
}

// RouteInfo is a read-only snapshot of one registered route, returned by
// Routes().
type RouteInfo struct {
	Type         string
	Kind         validator.Kind
	HasResponse  bool
	ResponseType string
}

// mergeMarker lets Merge reject non-Router arguments with a clear error
// instead of a type assertion panic.
type mergeMarker interface {
	isRouter()
}

// Router is the message router core.
type Router struct {
	port validator.Port

	mu                 sync.RWMutex
	handlers           map[string]*routeEntry
	globalMiddleware   []Middleware
	perTypeMiddleware  map[string][]Middleware
	onOpenHandlers     []LifecycleHandler
	onCloseHandlers    []LifecycleHandler
	onAuthHandlers     []AuthHandler
	onErrorHandlers    []func(ctx *Context, err error) (suppress bool)
	onLimitHandlers    []LifecycleHandler

	cfg Config

	rpc       *rpcmanager.Manager
	heartbeat *heartbeat.Controller
	pubGW     *pubsub.Gateway
	metrics   *routerMetrics

	connsMu sync.RWMutex
	conns   map[string]*connState

	shuttingDown bool
}

// connState is the per-connection state the router owns: the opaque user
// data bag, readyState, and handshake-scope auth flag.
type connState struct {
	mu            sync.Mutex
	conn          Conn
	data          map[string]any
	readyState    ReadyState
	authenticated bool
}

// New builds a Router bound to port for its lifetime. rpcMgr, hb and pubGW
// are used as given; no defaults are built for a nil one. A nil pubGW makes
// Publish return an error, a nil hb disables heartbeat, and RPC dispatch
// calls rpcMgr, so a router with RPC routes needs a non-nil one. A cfg whose
// MaxPayloadBytes is 0 is replaced by DefaultConfig(). reg registers the router-level
// Prometheus metrics (open connections, messages handled/dropped, errors by
// code); pass nil to skip metrics entirely.
func New(port validator.Port, cfg Config, rpcMgr *rpcmanager.Manager, hb *heartbeat.Controller, pubGW *pubsub.Gateway, reg prometheus.Registerer) *Router {
	if cfg.MaxPayloadBytes == 0 {
		cfg = DefaultConfig()
	}
	r := &Router{
		port:              port,
		handlers:          make(map[string]*routeEntry),
		perTypeMiddleware: make(map[string][]Middleware),
		cfg:               cfg,
		rpc:               rpcMgr,
		heartbeat:         hb,
		pubGW:             pubGW,
		metrics:           newRouterMetrics(reg),
		conns:             make(map[string]*connState),
	}
	if r.rpc != nil {
		r.rpc.StartSweep()
	}
	return r
}

func (r *Router) isRouter() {}

// On registers an event handler. Rejects reserved-prefix types and schemas
// that declare a response (those belong on RPC).
func (r *Router) On(schema *validator.Schema, handler HandlerFunc) {
	if err := r.validateRegistration(schema, validator.Event); err != nil {
		logger.Error("wsrouter: On(%s): %v", schema.Type, err)
		return
	}
	r.register(schema, handler, validator.Event)
}

// RPC registers an RPC handler. Rejects schemas without a declared response
// schema.
func (r *Router) RPC(schema *validator.Schema, handler HandlerFunc) {
	if schema.Response == nil {
		logger.Error("wsrouter: RPC(%s): schema has no response descriptor, rejecting registration", schema.Type)
		return
	}
	if err := r.validateRegistration(schema, validator.RPC); err != nil {
		logger.Error("wsrouter: RPC(%s): %v", schema.Type, err)
		return
	}
	r.register(schema, handler, validator.RPC)
}

// Topic is sugar over On for publish-only message types.
func (r *Router) Topic(schema *validator.Schema, handler HandlerFunc) {
	r.On(schema, handler)
}

func (r *Router) validateRegistration(schema *validator.Schema, kind validator.Kind) error {
	if strings.HasPrefix(schema.Type, wire.ControlPrefix) {
		return errReservedPrefix(schema.Type)
	}
	if kind == validator.Event && schema.Response != nil {
		return &routerError{msg: "schema declares a response, use RPC() instead"}
	}
	r.mu.RLock()
	existing, ok := r.handlers[schema.Type]
	r.mu.RUnlock()
	if ok && existing.schema.Family != "" && schema.Family != "" && existing.schema.Family != schema.Family {
		logger.Error("wsrouter: %s registered with adapter family %q, now %q: mismatched validator families", schema.Type, existing.schema.Family, schema.Family)
	}
	return nil
}

func (r *Router) register(schema *validator.Schema, handler HandlerFunc, kind validator.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[schema.Type]; exists {
		logger.Warning("wsrouter: overwriting existing registration for type %q", schema.Type)
	}
	r.handlers[schema.Type] = &routeEntry{schema: schema, handler: handler, kind: kind}
}

// Off removes a registered handler.
func (r *Router) Off(schema *validator.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, schema.Type)
}

// Use registers global middleware (schema == nil) or per-type middleware.
func (r *Router) Use(schema *validator.Schema, mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema == nil {
		r.globalMiddleware = append(r.globalMiddleware, mw)
		return
	}
	r.perTypeMiddleware[schema.Type] = append(r.perTypeMiddleware[schema.Type], mw)
}

// OnOpen, OnClose, OnAuth, OnError, OnLimitExceeded register lifecycle
// handlers. Multiple registrations run in registration order; errors in one
// are isolated from the others.
func (r *Router) OnOpen(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpenHandlers = append(r.onOpenHandlers, h)
}

func (r *Router) OnClose(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCloseHandlers = append(r.onCloseHandlers, h)
}

func (r *Router) OnAuth(h AuthHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthHandlers = append(r.onAuthHandlers, h)
}

// OnError registers an error observer. Returning true suppresses the
// auto-generated INTERNAL envelope for that error.
func (r *Router) OnError(h func(ctx *Context, err error) (suppress bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onErrorHandlers = append(r.onErrorHandlers, h)
}

func (r *Router) OnLimitExceeded(h LifecycleHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLimitHandlers = append(r.onLimitHandlers, h)
}

// Merge appends other's handler entries (last-write-wins), lifecycle
// handlers, global middleware, and per-type middleware. Rejects arguments
// that are not *Router via the mergeMarker sentinel.
func (r *Router) Merge(other mergeMarker) {
	o, ok := other.(*Router)
	if !ok {
		logger.Error("wsrouter: Merge() called with a non-Router argument, ignoring")
		return
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	for typ, entry := range o.handlers {
		r.handlers[typ] = entry
	}
	r.globalMiddleware = append(r.globalMiddleware, o.globalMiddleware...)
	for typ, mws := range o.perTypeMiddleware {
		r.perTypeMiddleware[typ] = append(r.perTypeMiddleware[typ], mws...)
	}
	r.onOpenHandlers = append(r.onOpenHandlers, o.onOpenHandlers...)
	r.onCloseHandlers = append(r.onCloseHandlers, o.onCloseHandlers...)
	r.onAuthHandlers = append(r.onAuthHandlers, o.onAuthHandlers...)
	r.onErrorHandlers = append(r.onErrorHandlers, o.onErrorHandlers...)
	r.onLimitHandlers = append(r.onLimitHandlers, o.onLimitHandlers...)
}

// Routes returns a stable-ordered, read-only snapshot of registered routes.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteInfo, 0, len(r.handlers))
	for typ, entry := range r.handlers {
		info := RouteInfo{Type: typ, Kind: entry.kind}
		if entry.schema.Response != nil {
			info.HasResponse = true
			info.ResponseType = entry.schema.Response.Type
		}
		out = append(out, info)
	}
	sortRouteInfos(out)
	return out
}

func sortRouteInfos(routes []RouteInfo) {
	for i := 1; i < len(routes); i++ {
		for j := i; j > 0 && routes[j].Type < routes[j-1].Type; j-- {
			routes[j], routes[j-1] = routes[j-1], routes[j]
		}
	}
}

// Publish delegates to the Pub/Sub Gateway.
func (r *Router) Publish(topic string, schema *validator.Schema, payload any, opts pubsub.Options) pubsub.Result {
	if r.pubGW == nil {
		return pubsub.Result{OK: false, Err: errNoPubSubBackend()}
	}
	return r.pubGW.Publish(topic, schema, payload, opts)
}

// Shutdown closes every tracked connection with code 1000, cancels all
// in-flight RPCs, and stops the heartbeat and RPC-manager sweep goroutines.
func (r *Router) Shutdown() {
	r.connsMu.Lock()
	r.shuttingDown = true
	clientIDs := make([]string, 0, len(r.conns))
	for id := range r.conns {
		clientIDs = append(clientIDs, id)
	}
	r.connsMu.Unlock()

	for _, id := range clientIDs {
		r.closeConn(id, 1000, "server shutdown")
	}
	if r.rpc != nil {
		r.rpc.Stop()
	}
}

func (r *Router) closeConn(clientID string, code int, reason string) {
	r.connsMu.Lock()
	state, ok := r.conns[clientID]
	r.connsMu.Unlock()
	if !ok {
		return
	}
	_ = state.conn.Close(code, reason)
	r.handleClose(clientID)
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

func errReservedPrefix(typ string) error {
	return &routerError{msg: "type " + typ + " begins with the reserved control prefix"}
}

func errNoPubSubBackend() error {
	return &routerError{msg: "no pub/sub backend configured"}
}

type routerError struct{ msg string }

func (e *routerError) Error() string { return e.msg }
