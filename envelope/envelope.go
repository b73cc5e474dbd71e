// Package envelope builds canonical ERROR / RPC_ERROR wire payloads: the
// single well-formed shape every programmatic failure a client observes
// arrives in. It owns the closed error-code taxonomy, retryability
// inference, and detail sanitization.
package envelope

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/wskit-go/wskit/logger"
)

// Code is a closed string-enum of the 13 canonical error codes, plus an
// APP_-prefixed escape hatch for user-defined application codes.
type Code string

const (
	Unauthenticated    Code = "UNAUTHENTICATED"
	PermissionDenied   Code = "PERMISSION_DENIED"
	InvalidArgument    Code = "INVALID_ARGUMENT"
	FailedPrecondition Code = "FAILED_PRECONDITION"
	NotFound           Code = "NOT_FOUND"
	AlreadyExists      Code = "ALREADY_EXISTS"
	Aborted            Code = "ABORTED"
	DeadlineExceeded   Code = "DEADLINE_EXCEEDED"
	ResourceExhausted  Code = "RESOURCE_EXHAUSTED"
	Unavailable        Code = "UNAVAILABLE"
	Unimplemented      Code = "UNIMPLEMENTED"
	Internal           Code = "INTERNAL"
	Cancelled          Code = "CANCELLED"

	// AppCodePrefix namespaces user-defined codes outside the closed set.
	AppCodePrefix = "APP_"
)

var canonicalCodes = map[Code]bool{
	Unauthenticated: true, PermissionDenied: true, InvalidArgument: true,
	FailedPrecondition: true, NotFound: true, AlreadyExists: true,
	Aborted: true, DeadlineExceeded: true, ResourceExhausted: true,
	Unavailable: true, Unimplemented: true, Internal: true, Cancelled: true,
}

// IsValidCode reports whether code is one of the 13 canonical codes or
// carries the APP_ namespace prefix.
func IsValidCode(code Code) bool {
	return canonicalCodes[code] || strings.HasPrefix(string(code), AppCodePrefix)
}

// RetryAfterRule governs whether a code may carry payload.retryAfterMs.
type RetryAfterRule int

const (
	RetryAfterForbidden RetryAfterRule = iota
	RetryAfterAllowed
)

// Metadata describes the per-code retryability policy from spec.md §6.
type Metadata struct {
	DefaultRetryable *bool // nil means "no default, must be explicit"
	RetryAfterRule   RetryAfterRule
}

var metadataByCode = map[Code]Metadata{
	Unauthenticated:    {nil, RetryAfterForbidden},
	PermissionDenied:   {nil, RetryAfterForbidden},
	InvalidArgument:    {nil, RetryAfterForbidden},
	FailedPrecondition: {nil, RetryAfterForbidden},
	NotFound:           {nil, RetryAfterForbidden},
	AlreadyExists:      {nil, RetryAfterForbidden},
	Aborted:            {boolPtr(true), RetryAfterAllowed},
	DeadlineExceeded:   {boolPtr(true), RetryAfterAllowed},
	ResourceExhausted:  {boolPtr(true), RetryAfterAllowed},
	Unavailable:        {boolPtr(true), RetryAfterAllowed},
	Unimplemented:      {nil, RetryAfterForbidden},
	Internal:           {boolPtr(false), RetryAfterAllowed},
	Cancelled:          {nil, RetryAfterForbidden},
}

func boolPtr(b bool) *bool { return &b }

// metadataFor resolves the metadata for a code, treating any APP_* code as
// having no default retryability and an allowed retryAfterMs, the most
// permissive policy available to user extensions.
func metadataFor(code Code) Metadata {
	if m, ok := metadataByCode[code]; ok {
		return m
	}
	return Metadata{DefaultRetryable: nil, RetryAfterRule: RetryAfterAllowed}
}

// forbiddenDetailKeys are stripped from payload.details, case-insensitively.
var forbiddenDetailKeys = map[string]bool{
	"password": true, "token": true, "authorization": true, "cookie": true,
	"secret": true, "apikey": true, "accesstoken": true, "refreshtoken": true,
	"credentials": true, "auth": true, "bearer": true, "jwt": true,
}

// maxNestedDetailBytes is the JSON-serialized size cap for nested objects
// inside payload.details; primitives pass through regardless of size.
const maxNestedDetailBytes = 500

// Kind discriminates an oneway ERROR envelope (tied to a clientId, for log
// correlation only — never transmitted as wire meta) from an rpc RPC_ERROR
// envelope (tied to a non-empty correlationId). Constructing an RPC kind
// with an empty correlation id panics: spec.md intentionally makes
// "RPC_ERROR without correlation" unrepresentable.
type Kind struct {
	isRPC         bool
	correlationID string
	clientID      string
}

// Oneway builds a Kind for a non-RPC ERROR envelope.
func Oneway(clientID string) Kind {
	return Kind{isRPC: false, clientID: clientID}
}

// RPC builds a Kind for an RPC_ERROR envelope. Panics if correlationID is
// empty: the whole point of this constructor is that the invalid state
// cannot be constructed.
func RPC(correlationID string) Kind {
	if correlationID == "" {
		panic("envelope: RPC kind requires a non-empty correlationId")
	}
	return Kind{isRPC: true, correlationID: correlationID}
}

// Envelope is the canonical outbound error payload.
type Envelope struct {
	Type    string         `json:"type"`
	Meta    map[string]any `json:"meta"`
	Payload Payload        `json:"payload"`
}

// Payload is the error body common to ERROR and RPC_ERROR envelopes.
type Payload struct {
	Code         Code           `json:"code"`
	Message      string         `json:"message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Retryable    *bool          `json:"retryable,omitempty"`
	RetryAfterMs *int           `json:"retryAfterMs,omitempty"`
}

// Option customizes an envelope at construction time.
type Option func(*buildState)

type buildState struct {
	message            string
	details            map[string]any
	retryable          *bool
	retryAfterMs       *int
	retryAfterMsWasSet bool
	now                func() int64
}

// WithMessage attaches a human-readable message.
func WithMessage(msg string) Option {
	return func(b *buildState) { b.message = msg }
}

// WithDetails attaches a details object, subject to sanitization.
func WithDetails(details map[string]any) Option {
	return func(b *buildState) { b.details = details }
}

// WithRetryable explicitly sets retryable, overriding the code's default.
func WithRetryable(retryable bool) Option {
	return func(b *buildState) { b.retryable = &retryable }
}

// WithRetryAfterMs sets retryAfterMs. Passing nil means "impossible under
// policy" and implies retryable=false unless WithRetryable already ran.
func WithRetryAfterMs(ms *int) Option {
	return func(b *buildState) {
		b.retryAfterMs = ms
		b.retryAfterMsWasSet = true
	}
}

// WithClock overrides the timestamp source; used by tests.
func WithClock(now func() int64) Option {
	return func(b *buildState) { b.now = now }
}

// New constructs a canonical ERROR or RPC_ERROR envelope per spec.md §4.3.
func New(kind Kind, code Code, opts ...Option) Envelope {
	b := &buildState{}
	for _, opt := range opts {
		opt(b)
	}
	if b.now == nil {
		b.now = defaultClock
	}

	meta := map[string]any{"timestamp": b.now()}
	typ := "ERROR"
	if kind.isRPC {
		typ = "RPC_ERROR"
		meta["correlationId"] = kind.correlationID
	}

	meta2 := metadataFor(code)

	retryable := b.retryable
	retryAfterMs := b.retryAfterMs

	if meta2.RetryAfterRule == RetryAfterForbidden && retryAfterMs != nil {
		logger.Warning("envelope: code %s forbids retryAfterMs, dropping", code)
		retryAfterMs = nil
	}

	if retryable == nil {
		switch {
		case b.retryAfterMsWasSet && retryAfterMs != nil:
			retryable = boolPtr(true)
		case b.retryAfterMsWasSet && retryAfterMs == nil:
			retryable = boolPtr(false)
		case code == Internal:
			logger.Warning("envelope: INTERNAL without explicit retryable, defaulting to false")
			retryable = boolPtr(false)
		case meta2.DefaultRetryable != nil:
			retryable = meta2.DefaultRetryable
		}
	}

	details := sanitizeDetails(b.details)

	return Envelope{
		Type: typ,
		Meta: meta,
		Payload: Payload{
			Code:         code,
			Message:      b.message,
			Details:      details,
			Retryable:    retryable,
			RetryAfterMs: retryAfterMs,
		},
	}
}

func sanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if forbiddenDetailKeys[strings.ToLower(k)] {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			encoded, err := json.Marshal(nested)
			if err != nil || len(encoded) > maxNestedDetailBytes {
				continue
			}
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// WrapInternal wraps an internal (non-transmitted) error with a stack trace
// via cockroachdb/errors, for the router's own logs. The wire payload never
// carries this detail unless exposeErrorDetails is configured, in which case
// the caller should pass err.Error() through WithMessage explicitly.
func WrapInternal(err error, context string) error {
	return errors.Wrap(err, context)
}

func defaultClock() int64 {
	return nowUnixMs()
}
