// Package demo wires every core component into a small gorilla/mux HTTP
// server end to end: health, Prometheus metrics, a hand-written Swagger
// document, and a WebSocket endpoint running a toy ping/echo/subscribe
// protocol through wsrouter.Router. The HTTP upgrade handshake itself
// remains outside the core per spec.md's Non-goals — this package is a
// caller, not part of the router.
package demo

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/wskit-go/wskit/config"
	_ "github.com/wskit-go/wskit/demo/docs" // Swagger docs
	"github.com/wskit-go/wskit/heartbeat"
	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub"
	"github.com/wskit-go/wskit/pubsub/inproc"
	"github.com/wskit-go/wskit/rpcmanager"
	"github.com/wskit-go/wskit/transport/gorillaws"
	"github.com/wskit-go/wskit/validator/jsonschema"
	"github.com/wskit-go/wskit/wsrouter"
)

// Server is the demo HTTP+WebSocket server, shaped like the teacher's
// api.Server: a mux.Router, a background-goroutine lifecycle driven by
// context cancellation, and a Stop that shuts everything down with a
// bounded timeout.
type Server struct {
	addr       string
	httpServer *http.Server
	mux        *mux.Router
	upgrader   *gorillaws.Upgrader
	router     *wsrouter.Router
	bus        *inproc.Bus
	schemas    *schemaSet
	registry   *prometheus.Registry

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	connsMu sync.RWMutex
	conns   map[string]*gorillaws.Conn

	roomsMu sync.Mutex
	rooms   map[string]func()

	nextID atomic.Uint64
}

// New builds a fully wired Server from a resolved configuration. addr is
// the HTTP listen address (e.g. ":8080").
func New(addr string, resolved config.Resolved) (*Server, error) {
	registry := prometheus.NewRegistry()

	adapter := jsonschema.New()
	schemas, err := buildSchemas(adapter)
	if err != nil {
		return nil, fmt.Errorf("demo: compiling schemas: %w", err)
	}

	bus := inproc.NewBus()
	pubGW := pubsub.New(inproc.NewBackend(bus), adapter)

	rpcCfg := rpcmanager.Config{
		MaxInflightPerSocket: resolved.Router.RPCMaxInflight,
		IdleTimeout:          time.Duration(resolved.Router.RPCIdleTimeoutMs) * time.Millisecond,
		DedupWindow:          time.Duration(resolved.Router.RPCDedupWindowMs) * time.Millisecond,
		CleanupCadence:       time.Duration(resolved.Router.RPCCleanupCadenceMs) * time.Millisecond,
	}
	rpcMgr := rpcmanager.New(rpcCfg, registry)

	var hb *heartbeat.Controller
	if resolved.Router.Heartbeat.IntervalMs > 0 {
		hb = heartbeat.New(resolved.Router.Heartbeat)
	} else {
		hb = heartbeat.New(heartbeat.Config{})
	}

	router := wsrouter.New(adapter, resolved.Router, rpcMgr, hb, pubGW, registry)

	s := &Server{
		addr:     addr,
		mux:      mux.NewRouter(),
		upgrader: gorillaws.NewUpgrader(gorillaws.Config{}),
		router:   router,
		bus:      bus,
		schemas:  schemas,
		registry: registry,
		conns:    make(map[string]*gorillaws.Conn),
		rooms:    make(map[string]func()),
	}
	s.cancelCtx, s.cancelFunc = context.WithCancel(context.Background())

	s.registerHandlers()
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.Use(corsMiddleware("*"))
	s.mux.Use(loggingMiddleware)
	s.mux.Use(recoveryMiddleware)

	s.mux.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})).Methods(http.MethodGet)
	s.mux.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("none"),
		httpSwagger.DomID("swagger-ui"),
	))
	s.mux.HandleFunc("/demo/ws", s.handleWebSocket)
}

// handleHealthz godoc
//
//	@Summary		Liveness check
//	@Description	Reports the demo server is accepting connections.
//	@Tags			Health
//	@Success		200	{string}	string	"ok"
//	@Router			/healthz [get]
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWebSocket godoc
//
//	@Summary		WebSocket connection
//	@Description	Upgrades to a WebSocket connection running the demo ping/echo/subscribe protocol.
//	@Tags			WebSocket
//	@Router			/demo/ws [get]
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := fmt.Sprintf("demo-%d", s.nextID.Add(1))
	if err := s.upgrader.Serve(w, r, s.router, clientID); err != nil {
		logger.Error("demo: websocket upgrade failed: %v", err)
	}
}

// Start begins listening for HTTP connections. Blocks until the server
// stops or fails, mirroring the teacher's Server.StartHTTP.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	logger.Info("demo: listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down and tears down every tracked
// router connection, mirroring the teacher's Server.Stop.
func (s *Server) Stop() {
	s.cancelFunc()
	s.router.Shutdown()

	s.roomsMu.Lock()
	for room, unsub := range s.rooms {
		unsub()
		delete(s.rooms, room)
	}
	s.roomsMu.Unlock()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			logger.Error("demo: shutdown error: %v", err)
		}
	}
}
