// Package wire implements the inbound frame normalizer: the boundary between
// raw bytes off the socket and a parsed envelope the router will validate and
// dispatch. It enforces frame shape, strips server-reserved meta keys before
// anything downstream can observe them, and offers a lenient best-effort scan
// for pulling a correlation id out of frames too large to parse.
package wire

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/wskit-go/wskit/logger"
)

// ReservedMetaKeys are the meta fields the server controls. They are deleted
// from inbound meta before validation and re-injected afterward so a client
// can never spoof its own clientId or receivedAt.
var ReservedMetaKeys = []string{"clientId", "receivedAt"}

// ControlPrefix marks reserved control-frame types. User-registered types
// must never begin with this prefix.
const ControlPrefix = "$ws:"

// NormalizeOutcome classifies how Normalize disposed of a frame.
type NormalizeOutcome int

const (
	// Accepted means Frame is populated and ready for validation.
	Accepted NormalizeOutcome = iota
	// DroppedSilently means the frame failed parse or shape checks and
	// must be dropped without a reply (only logged).
	DroppedSilently
	// Oversize means the frame exceeded maxPayloadBytes; the caller
	// should emit a RESOURCE_EXHAUSTED envelope, using CorrelationHint
	// if non-empty.
	Oversize
	// ControlFrame means the frame's type begins with ControlPrefix; the
	// caller should branch to control-frame handling, never to a user
	// handler.
	ControlFrame
)

// Frame is the canonical parsed envelope, after reserved meta keys have been
// stripped but before server meta has been re-injected.
type Frame struct {
	Type    string
	Meta    map[string]any
	Payload json.RawMessage
}

// Result is the outcome of a Normalize call.
type Result struct {
	Frame           *Frame
	Outcome         NormalizeOutcome
	CorrelationHint string // best-effort, only populated for Oversize
}

var correlationIDPattern = regexp.MustCompile(`"correlationId"\s*:\s*"([^"]*)"`)

// maxCorrelationScanBytes bounds how much of an oversize frame the lenient
// scan will examine, so a pathologically large payload cannot turn the scan
// itself into a resource-exhaustion vector.
const maxCorrelationScanBytes = 4096

// ScanCorrelationID performs a bounded, read-only regex scan of raw frame
// bytes looking for a "correlationId" string field at any nesting depth
// (normally the one inside meta). It never
// parses JSON and never fails; an absent or malformed field yields "".
func ScanCorrelationID(raw []byte) string {
	if len(raw) > maxCorrelationScanBytes {
		raw = raw[:maxCorrelationScanBytes]
	}
	m := correlationIDPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// Normalize parses and shapes a raw inbound frame per spec: size gate, JSON
// parse, object/type shape check, reserved-meta stripping, then the
// control-frame branch.
func Normalize(raw []byte, maxPayloadBytes int) Result {
	if maxPayloadBytes > 0 && len(raw) > maxPayloadBytes {
		return Result{
			Outcome:         Oversize,
			CorrelationHint: ScanCorrelationID(raw),
		}
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		logger.Debug("wire: dropping frame, JSON parse failed: %v", err)
		return Result{Outcome: DroppedSilently}
	}

	typeRaw, ok := generic["type"]
	if !ok {
		logger.Debug("wire: dropping frame, missing type")
		return Result{Outcome: DroppedSilently}
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil || typ == "" {
		logger.Debug("wire: dropping frame, type is not a non-empty string")
		return Result{Outcome: DroppedSilently}
	}

	meta := map[string]any{}
	if metaRaw, present := generic["meta"]; present {
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			logger.Debug("wire: dropping frame, meta is not an object: %v", err)
			return Result{Outcome: DroppedSilently}
		}
	}
	for _, key := range ReservedMetaKeys {
		delete(meta, key)
	}

	frame := &Frame{Type: typ, Meta: meta, Payload: generic["payload"]}

	if bytes.HasPrefix([]byte(typ), []byte(ControlPrefix)) {
		return Result{Frame: frame, Outcome: ControlFrame}
	}

	return Result{Frame: frame, Outcome: Accepted}
}

// InjectServerMeta writes the server-controlled meta keys into a frame's
// meta map, overwriting anything a client attempted to supply (those keys
// were already deleted by Normalize, but this is the single place server
// values are authored from).
func InjectServerMeta(meta map[string]any, clientID string, receivedAtUnixMs int64) {
	meta["clientId"] = clientID
	meta["receivedAt"] = receivedAtUnixMs
}
