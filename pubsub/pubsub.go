// Package pubsub implements the Pub/Sub Gateway: the single canonical entry
// point for broadcasting a validated message to a topic's subscribers
// through a pluggable Backend. RPC replies never flow through here — this
// is multicast only.
package pubsub

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wskit-go/wskit/validator"
)

// Capability describes how precisely a Backend can report subscriber
// counts for a publish.
type Capability string

const (
	CapabilityExact    Capability = "exact"
	CapabilityEstimate Capability = "estimate"
	CapabilityUnknown  Capability = "unknown"
)

// PublishReport is what a Backend returns after a successful publish.
type PublishReport struct {
	Capability Capability
	Matched    int // only meaningful when Capability == CapabilityExact
}

// Backend is the pluggable implementation interface. Concrete backends
// (pubsub/inproc, pubsub/mqtt) each satisfy this.
type Backend interface {
	Publish(topic string, data []byte) (PublishReport, error)
}

// Result is what Gateway.Publish returns to callers.
type Result struct {
	OK         bool
	Capability Capability
	Matched    int
	Reason     string // "validation" or "excludeSelf" on failure; empty for a backend error
	Err        error
}

// ErrExcludeSelfUnsupported is returned uniformly whenever a caller asks
// for excludeSelf: no backend in this implementation supports sender
// filtering yet, and refusing uniformly (rather than silently ignoring the
// option) avoids a caller relying on behavior that isn't there.
var ErrExcludeSelfUnsupported = errors.New("pubsub: excludeSelf is not supported by any backend")

// Options customizes a single Publish call.
type Options struct {
	Meta        map[string]any
	ExcludeSelf bool
}

// Gateway wraps a Backend with validation, timestamping, and the
// excludeSelf refusal.
type Gateway struct {
	backend Backend
	port    validator.Port
	now     func() int64
}

// New builds a Gateway over backend, validating published payloads with
// port.
func New(backend Backend, port validator.Port) *Gateway {
	return &Gateway{backend: backend, port: port, now: func() int64 { return time.Now().UnixMilli() }}
}

// Publish validates payload against schema, builds the canonical outbound
// envelope, and delegates to the backend. clientId is never injected into
// published envelopes — only the Pub/Sub Gateway's caller-supplied meta and
// server timestamp are.
func (g *Gateway) Publish(topic string, schema *validator.Schema, payload any, opts Options) Result {
	if opts.ExcludeSelf {
		return Result{OK: false, Reason: "excludeSelf", Err: ErrExcludeSelfUnsupported}
	}

	parsed := g.port.SafeParse(schema, json.RawMessage(mustMarshal(payload)))
	if !parsed.OK {
		return Result{OK: false, Reason: "validation", Err: issuesToError(parsed.Issues)}
	}

	meta := map[string]any{"timestamp": g.now()}
	for k, v := range opts.Meta {
		if k == "clientId" {
			continue // never injectable via publish
		}
		meta[k] = v
	}

	envelope := map[string]any{
		"type": g.port.TypeOf(schema),
		"meta": meta,
	}
	if payload != nil {
		envelope["payload"] = payload
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return Result{OK: false, Reason: "validation", Err: err}
	}

	report, err := g.backend.Publish(topic, raw)
	if err != nil {
		return Result{OK: false, Err: err}
	}
	return Result{OK: true, Capability: report.Capability, Matched: report.Matched}
}

func mustMarshal(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func issuesToError(issues []validator.Issue) error {
	if len(issues) == 0 {
		return errors.New("pubsub: validation failed")
	}
	return errors.New("pubsub: validation failed: " + issues[0].Message)
}
