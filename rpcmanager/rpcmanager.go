// Package rpcmanager owns the per-socket in-flight RPC table: admission,
// the one-shot terminal guard, cancellation propagation, and idle/dedup
// sweeping. This is the core of the core — the rest of the router exists to
// feed frames into this state machine and to honor what it reports back.
package rpcmanager

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wskit-go/wskit/logger"
)

// State is the lifecycle stage of an RPC record.
type State int

const (
	Pending State = iota
	Terminal
)

// CancelFunc is a registered cancel observer. It runs in registration order
// when a record transitions to Terminal via abort/disconnect/deadline/sweep.
// A CancelFunc that panics is recovered and logged; it never prevents
// sibling observers from running.
type CancelFunc func()

// Record is one in-flight (or recently-terminal, pending dedup expiry) RPC.
// Fields are only ever mutated while the owning Manager's lock is held.
type Record struct {
	ClientID      string
	CorrelationID string
	State         State
	CreatedAt     time.Time
	Deadline      time.Time
	LastActivity  time.Time
	TerminalAt    time.Time

	cancelCallbacks []CancelFunc
	abortCh         chan struct{}
	abortClosed     bool
}

type key struct {
	clientID      string
	correlationID string
}

// Config governs admission limits and sweep cadence.
type Config struct {
	MaxInflightPerSocket int
	IdleTimeout          time.Duration
	DedupWindow          time.Duration // 0 means "use IdleTimeout"
	CleanupCadence       time.Duration
}

// Manager owns the (clientId, correlationId) -> Record map described by
// spec.md §4.4.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	records map[key]*Record
	byClient map[string]map[key]bool

	metrics   *metrics
	stopSweep chan struct{}
	sweepWG   sync.WaitGroup
}

type metrics struct {
	inflight      prometheus.Gauge
	sweepDuration prometheus.Histogram
	sweptTerminal prometheus.Counter
	sweptExpired  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wskit",
			Subsystem: "rpcmanager",
			Name:      "inflight_records",
			Help:      "Number of RPC records currently tracked (any state).",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wskit",
			Subsystem: "rpcmanager",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each periodic sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweptTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wskit",
			Subsystem: "rpcmanager",
			Name:      "swept_terminal_total",
			Help:      "Terminal records removed after the dedup window elapsed.",
		}),
		sweptExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wskit",
			Subsystem: "rpcmanager",
			Name:      "swept_expired_total",
			Help:      "Pending records cancelled because their idle timeout elapsed or their deadline passed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inflight, m.sweepDuration, m.sweptTerminal, m.sweptExpired)
	}
	return m
}

// New builds a Manager. reg may be nil to skip metrics registration (tests
// typically pass nil).
func New(cfg Config, reg prometheus.Registerer) *Manager {
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = cfg.IdleTimeout
	}
	return &Manager{
		cfg:       cfg,
		records:   make(map[key]*Record),
		byClient:  make(map[string]map[key]bool),
		metrics:   newMetrics(reg),
		stopSweep: make(chan struct{}),
	}
}

// Admit creates a PENDING record if the clientId is under its inflight
// limit. Returns the record and true on success, or (nil, false) if
// admission was denied.
func (m *Manager) Admit(clientID, correlationID string, deadline time.Time) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxInflightPerSocket > 0 {
		pending := 0
		for k := range m.byClient[clientID] {
			if rec := m.records[k]; rec != nil && rec.State == Pending {
				pending++
			}
		}
		if pending >= m.cfg.MaxInflightPerSocket {
			return nil, false
		}
	}

	now := time.Now()
	k := key{clientID, correlationID}
	rec := &Record{
		ClientID:      clientID,
		CorrelationID: correlationID,
		State:         Pending,
		CreatedAt:     now,
		Deadline:      deadline,
		LastActivity:  now,
		abortCh:       make(chan struct{}),
	}
	m.records[k] = rec
	if m.byClient[clientID] == nil {
		m.byClient[clientID] = make(map[key]bool)
	}
	m.byClient[clientID][k] = true
	m.updateInflightMetric()
	return rec, true
}

// IsTerminal reports true iff the record is absent or already Terminal.
func (m *Manager) IsTerminal(clientID, correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key{clientID, correlationID}]
	return !ok || rec.State == Terminal
}

// MarkTerminal transitions a record to Terminal. Idempotent: calling it
// again on an already-Terminal record is a no-op. Does not fire cancel
// callbacks — those only fire on abort/disconnect/deadline/sweep paths, not
// on a normal terminal reply.
func (m *Manager) MarkTerminal(clientID, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key{clientID, correlationID}]
	if !ok || rec.State == Terminal {
		return
	}
	rec.State = Terminal
	rec.TerminalAt = time.Now()
}

// TouchProgress updates lastActivityAt for a PENDING record. No-op if the
// record is absent or already Terminal.
func (m *Manager) TouchProgress(clientID, correlationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key{clientID, correlationID}]
	if !ok || rec.State != Pending {
		return
	}
	rec.LastActivity = time.Now()
}

// RegisterCancel appends a cancel observer and returns a remover. Observers
// run in registration order when the record is aborted.
func (m *Manager) RegisterCancel(clientID, correlationID string, cb CancelFunc) (unregister func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key{clientID, correlationID}]
	if !ok {
		return func() {}
	}
	idx := len(rec.cancelCallbacks)
	rec.cancelCallbacks = append(rec.cancelCallbacks, cb)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if idx < len(rec.cancelCallbacks) {
			rec.cancelCallbacks[idx] = nil
		}
	}
}

// AbortSignal returns a channel closed when the record transitions via
// client abort, disconnect, deadline expiry, or sweep. Returns a
// pre-closed channel if the record is absent. A record made Terminal by
// MarkTerminal keeps returning its channel, which stays open unless the
// record is later aborted.
func (m *Manager) AbortSignal(clientID, correlationID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key{clientID, correlationID}]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return rec.abortCh
}

// OnClientAbort marks a record Terminal and fires its cancel callbacks and
// abort signal. Used for $ws:abort control frames, disconnect, and
// deadline/idle expiry.
func (m *Manager) OnClientAbort(clientID, correlationID string) {
	m.mu.Lock()
	rec, ok := m.records[key{clientID, correlationID}]
	if !ok {
		m.mu.Unlock()
		return
	}
	wasPending := rec.State == Pending
	rec.State = Terminal
	if rec.TerminalAt.IsZero() {
		rec.TerminalAt = time.Now()
	}
	callbacks := append([]CancelFunc(nil), rec.cancelCallbacks...)
	if !rec.abortClosed {
		close(rec.abortCh)
		rec.abortClosed = true
	}
	m.mu.Unlock()

	if !wasPending {
		return
	}
	fireCancelCallbacks(clientID, correlationID, callbacks)
}

func fireCancelCallbacks(clientID, correlationID string, callbacks []CancelFunc) {
	for _, cb := range callbacks {
		if cb == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("rpcmanager: cancel callback panicked for client=%s correlation=%s: %v", clientID, correlationID, r)
				}
			}()
			cb()
		}()
	}
}

// OnDisconnect aborts every record owned by clientID and drops the client's
// bookkeeping entry. Per invariant I3, every record reaches Terminal before
// this returns.
func (m *Manager) OnDisconnect(clientID string) {
	m.mu.Lock()
	keys := make([]key, 0, len(m.byClient[clientID]))
	for k := range m.byClient[clientID] {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.OnClientAbort(k.clientID, k.correlationID)
	}

	m.mu.Lock()
	for _, k := range keys {
		delete(m.records, k)
	}
	delete(m.byClient, clientID)
	m.updateInflightMetric()
	m.mu.Unlock()
}

// Sweep removes Terminal records older than the dedup window and cancels
// PENDING records whose idle timeout has elapsed or whose deadline has
// passed. Called periodically by
// the background sweep goroutine, and exposed directly for deterministic
// tests.
func (m *Manager) Sweep(now time.Time) {
	start := time.Now()
	m.mu.Lock()
	var expired []key
	var dedupGone []key
	for k, rec := range m.records {
		switch rec.State {
		case Terminal:
			if !rec.TerminalAt.IsZero() && now.Sub(rec.TerminalAt) > m.cfg.DedupWindow {
				dedupGone = append(dedupGone, k)
			}
		case Pending:
			idle := m.cfg.IdleTimeout > 0 && now.Sub(rec.LastActivity) > m.cfg.IdleTimeout
			pastDeadline := !rec.Deadline.IsZero() && now.After(rec.Deadline)
			if idle || pastDeadline {
				expired = append(expired, k)
			}
		}
	}
	m.mu.Unlock()

	for _, k := range expired {
		m.OnClientAbort(k.clientID, k.correlationID)
		if m.metrics != nil {
			m.metrics.sweptExpired.Inc()
		}
	}

	m.mu.Lock()
	for _, k := range dedupGone {
		delete(m.records, k)
		if byClient := m.byClient[k.clientID]; byClient != nil {
			delete(byClient, k)
			if len(byClient) == 0 {
				delete(m.byClient, k.clientID)
			}
		}
	}
	m.updateInflightMetric()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.sweptTerminal.Add(float64(len(dedupGone)))
		m.metrics.sweepDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Manager) updateInflightMetric() {
	if m.metrics == nil {
		return
	}
	m.metrics.inflight.Set(float64(len(m.records)))
}

// StartSweep launches the periodic sweep goroutine, in the same
// ticker-plus-panic-recovering-tick shape as a watchdog runner. Call Stop
// to halt it.
func (m *Manager) StartSweep() {
	if m.cfg.CleanupCadence <= 0 {
		return
	}
	m.sweepWG.Add(1)
	go func() {
		defer m.sweepWG.Done()
		ticker := time.NewTicker(m.cfg.CleanupCadence)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopSweep:
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

func (m *Manager) tick() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("rpcmanager: sweep tick panicked: %v", r)
		}
	}()
	m.Sweep(time.Now())
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call
// even if StartSweep was never called.
func (m *Manager) Stop() {
	select {
	case <-m.stopSweep:
		// already closed
	default:
		close(m.stopSweep)
	}
	m.sweepWG.Wait()
}

// PendingCount returns the number of PENDING records for clientID, for
// tests asserting the inflight cap (P5).
func (m *Manager) PendingCount(clientID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for k := range m.byClient[clientID] {
		if rec := m.records[k]; rec != nil && rec.State == Pending {
			count++
		}
	}
	return count
}
