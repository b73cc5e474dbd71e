// Package heartbeat schedules ping/pong liveness checks per connection and
// closes connections that go stale, mirroring the fixed-interval ping
// ticker a gorilla/websocket hub typically runs, but generalized to a
// configured interval/timeout pair per router instance.
package heartbeat

import (
	"sync"
	"time"

	"github.com/wskit-go/wskit/logger"
)

// Pinger is whatever the transport adapter exposes for sending a
// protocol-level ping and for closing the connection when it goes stale.
// transport/gorillaws.Conn satisfies this.
type Pinger interface {
	Ping() error
	Close(code int, reason string) error
}

// StaleHandler is invoked just before a stale connection is closed.
type StaleHandler func(clientID string, conn Pinger)

// Config holds the interval/timeout pair. A zero IntervalMs disables the
// controller entirely (heartbeat is opt-in per spec.md §4.5).
type Config struct {
	IntervalMs int
	TimeoutMs  int
	OnStale    StaleHandler
}

const (
	// StaleCloseCode is the WebSocket close code for heartbeat timeout.
	StaleCloseCode = 4000
	// StaleCloseReason is the close reason text for heartbeat timeout.
	StaleCloseReason = "HEARTBEAT_TIMEOUT"
)

type record struct {
	conn       Pinger
	lastPongAt time.Time
	pingTicker *time.Ticker
	stopPing   chan struct{}
}

// Controller owns one record per open connection and arms/disarms timers on
// Open/Close/Touch.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*record
}

// New builds a Controller. If cfg.IntervalMs is 0, the returned controller
// is inert: Open/Close/Touch are safe no-ops.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg, records: make(map[string]*record)}
}

// Enabled reports whether heartbeat is configured at all.
func (c *Controller) Enabled() bool {
	return c.cfg.IntervalMs > 0
}

// Open arms the ping timer and pong deadline for a newly connected client.
func (c *Controller) Open(clientID string, conn Pinger) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	rec := &record{conn: conn, lastPongAt: time.Now(), stopPing: make(chan struct{})}
	c.records[clientID] = rec
	c.mu.Unlock()

	rec.pingTicker = time.NewTicker(time.Duration(c.cfg.IntervalMs) * time.Millisecond)
	go c.pingLoop(clientID, rec)
}

func (c *Controller) pingLoop(clientID string, rec *record) {
	defer rec.pingTicker.Stop()
	for {
		select {
		case <-rec.stopPing:
			return
		case <-rec.pingTicker.C:
			if err := rec.conn.Ping(); err != nil {
				logger.Debug("heartbeat: ping failed for client=%s: %v", clientID, err)
			}
			c.checkStale(clientID, rec)
		}
	}
}

func (c *Controller) checkStale(clientID string, rec *record) {
	c.mu.Lock()
	elapsed := time.Since(rec.lastPongAt)
	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	stale := timeout > 0 && elapsed > timeout
	c.mu.Unlock()

	if !stale {
		return
	}

	if c.cfg.OnStale != nil {
		c.cfg.OnStale(clientID, rec.conn)
	}
	if err := rec.conn.Close(StaleCloseCode, StaleCloseReason); err != nil {
		logger.Debug("heartbeat: close failed for stale client=%s: %v", clientID, err)
	}
	c.Close(clientID)
}

// Touch resets the pong deadline; call on every inbound frame, not only
// protocol-level pongs, since any frame is proof of life.
func (c *Controller) Touch(clientID string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[clientID]; ok {
		rec.lastPongAt = time.Now()
	}
}

// Close clears all timers for a connection. Safe to call multiple times.
func (c *Controller) Close(clientID string) {
	c.mu.Lock()
	rec, ok := c.records[clientID]
	if ok {
		delete(c.records, clientID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-rec.stopPing:
	default:
		close(rec.stopPing)
	}
}
