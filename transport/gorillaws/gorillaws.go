// Package gorillaws is the reference wsrouter.Conn implementation, wrapping
// a gorilla/websocket connection. It carries over the teacher's
// WSClient.writePump/readPump shape (a dedicated writer goroutine draining a
// buffered channel, a reader goroutine driving SetReadDeadline/pong resets)
// generalized from one fixed broadcast topic to a per-connection topic
// subscription set. The read deadline stays a fixed 60s, extended on every
// pong; interval/timeout-based stale detection is heartbeat.Controller's job,
// which drives Ping and Close on this Conn.
package gorillaws

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/wsrouter"
)

// Config governs buffering and write timeouts for every Conn produced by an
// Upgrader.
type Config struct {
	// SendBufferSize is the depth of the outbound queue. Defaults to 256.
	SendBufferSize int
	// WriteWait bounds each WriteMessage call. Defaults to 10s.
	WriteWait time.Duration
	// CheckOrigin is passed straight to the embedded websocket.Upgrader.
	// A nil value allows all origins, matching the teacher's demo server.
	CheckOrigin func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Upgrader upgrades incoming HTTP requests to WebSocket connections and
// hands the resulting Conn to a wsrouter.Router.
type Upgrader struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader from cfg, applying defaults for any zero
// fields.
func NewUpgrader(cfg Config) *Upgrader {
	cfg = cfg.withDefaults()
	return &Upgrader{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: cfg.CheckOrigin,
		},
	}
}

// Serve upgrades the request, registers the resulting connection with
// router via Open, and starts the read/write pumps. clientID must already
// be unique for the lifetime of the connection (the caller typically mints
// one per request, e.g. a UUID or session token).
func (u *Upgrader) Serve(w http.ResponseWriter, r *http.Request, router *wsrouter.Router, clientID string) error {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &Conn{
		id:     clientID,
		ws:     ws,
		cfg:    u.cfg,
		send:   make(chan outboundMsg, u.cfg.SendBufferSize),
		topics: make(map[string]bool),
		done:   make(chan struct{}),
	}

	router.Open(conn)

	go conn.writePump()
	go conn.readPump(router)

	return nil
}

type outboundKind int

const (
	outboundData outboundKind = iota
	outboundPing
	outboundClose
)

type outboundMsg struct {
	kind        outboundKind
	data        []byte
	closeCode   int
	closeReason string
}

// Conn adapts one gorilla/websocket connection to wsrouter.Conn and
// heartbeat.Pinger.
type Conn struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	send          chan outboundMsg
	bufferedBytes int64

	topicsMu sync.RWMutex
	topics   map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

// ClientID returns the id assigned at Serve time.
func (c *Conn) ClientID() string { return c.id }

// Send enqueues a frame for the write pump. Returns an error if the
// connection is already closed or its outbound queue is full. The router's
// backpressure gate reads BufferedBytes only; a Send error is handed back to
// the router's caller unchanged.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed()
	default:
	}
	atomic.AddInt64(&c.bufferedBytes, int64(len(data)))
	select {
	case c.send <- outboundMsg{kind: outboundData, data: data}:
		return nil
	case <-c.done:
		atomic.AddInt64(&c.bufferedBytes, -int64(len(data)))
		return errConnClosed()
	default:
		atomic.AddInt64(&c.bufferedBytes, -int64(len(data)))
		return errSendBufferFull()
	}
}

// Close requests the write pump send a WebSocket close frame and tear the
// connection down. Safe to call multiple times.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case c.send <- outboundMsg{kind: outboundClose, closeCode: code, closeReason: reason}:
		case <-time.After(c.cfg.WriteWait):
			// Write pump is wedged on a slow/stuck write: force the
			// underlying socket closed so it unblocks and exits.
			_ = c.ws.Close()
		}
	})
	return nil
}

// Ping enqueues a protocol-level ping frame, called by heartbeat.Controller
// on its own ticker.
func (c *Conn) Ping() error {
	select {
	case c.send <- outboundMsg{kind: outboundPing}:
		return nil
	case <-c.done:
		return errConnClosed()
	default:
		return errSendBufferFull()
	}
}

// Subscribe/Unsubscribe maintain this connection's topic filter, used by
// demo wiring that bridges Pub/Sub Gateway fanout onto individual sockets.
func (c *Conn) Subscribe(topic string) error {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	c.topics[topic] = true
	return nil
}

func (c *Conn) Unsubscribe(topic string) error {
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	delete(c.topics, topic)
	return nil
}

// WantsTopic reports whether this connection is subscribed to topic. Used
// by demo fanout code bridging pubsub.Backend broadcasts onto individual
// sockets.
func (c *Conn) WantsTopic(topic string) bool {
	c.topicsMu.RLock()
	defer c.topicsMu.RUnlock()
	return c.topics[topic]
}

// BufferedBytes reports the approximate number of payload bytes currently
// queued for write, used by the router's backpressure gate.
func (c *Conn) BufferedBytes() int {
	return int(atomic.LoadInt64(&c.bufferedBytes))
}

func (c *Conn) writePump() {
	defer func() {
		if err := c.ws.Close(); err != nil {
			logger.Debug("gorillaws: error closing connection in writePump: %v", err)
		}
	}()

	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))

		switch msg.kind {
		case outboundData:
			err := c.ws.WriteMessage(websocket.TextMessage, msg.data)
			atomic.AddInt64(&c.bufferedBytes, -int64(len(msg.data)))
			if err != nil {
				return
			}
		case outboundPing:
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case outboundClose:
			deadline := websocket.FormatCloseMessage(msg.closeCode, msg.closeReason)
			_ = c.ws.WriteMessage(websocket.CloseMessage, deadline)
			return
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) readPump(router *wsrouter.Router) {
	defer func() {
		router.Close(c, 1000, "")
		c.Close(1000, "")
	}()

	const pongWait = 60 * time.Second
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		router.Message(c, raw)
	}
}

type transportError struct{ msg string }

func (e *transportError) Error() string { return e.msg }

func errConnClosed() error     { return &transportError{msg: "gorillaws: connection is closed"} }
func errSendBufferFull() error { return &transportError{msg: "gorillaws: send buffer is full"} }
