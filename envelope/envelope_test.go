package envelope

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/wskit-go/wskit/logger"
)

func fixedClock(ms int64) Option {
	return WithClock(func() int64 { return ms })
}

func TestRPCKindRequiresCorrelationID(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("RPC(\"\") should panic")
		}
	}()
	RPC("")
}

func TestOnewayEnvelopeShape(t *testing.T) {
	env := New(Oneway("client-1"), InvalidArgument, fixedClock(1000), WithMessage("bad"))
	if env.Type != "ERROR" {
		t.Errorf("Type = %q, want ERROR", env.Type)
	}
	if _, present := env.Meta["correlationId"]; present {
		t.Error("oneway envelope must not carry correlationId")
	}
	if env.Meta["timestamp"] != int64(1000) {
		t.Errorf("timestamp = %v, want 1000", env.Meta["timestamp"])
	}
}

func TestRPCEnvelopeShape(t *testing.T) {
	env := New(RPC("c1"), ResourceExhausted, fixedClock(1000))
	if env.Type != "RPC_ERROR" {
		t.Errorf("Type = %q, want RPC_ERROR", env.Type)
	}
	if env.Meta["correlationId"] != "c1" {
		t.Errorf("correlationId = %v, want c1", env.Meta["correlationId"])
	}
}

func TestTransientCodesDefaultRetryable(t *testing.T) {
	for _, code := range []Code{Unavailable, ResourceExhausted, Aborted, DeadlineExceeded} {
		env := New(Oneway("c"), code, fixedClock(1))
		if env.Payload.Retryable == nil || !*env.Payload.Retryable {
			t.Errorf("code %s: retryable = %v, want true", code, env.Payload.Retryable)
		}
	}
}

func TestInternalDefaultsToNotRetryable(t *testing.T) {
	env := New(Oneway("c"), Internal, fixedClock(1))
	if env.Payload.Retryable == nil || *env.Payload.Retryable {
		t.Errorf("INTERNAL retryable = %v, want false", env.Payload.Retryable)
	}
}

func TestInternalWithoutExplicitRetryableLogsWarning(t *testing.T) {
	originalLevel := logger.GetLevel()
	logger.SetLevel(logger.LevelWarning)
	defer logger.SetLevel(originalLevel)

	var buf bytes.Buffer
	originalOutput := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(originalOutput)

	New(Oneway("c"), Internal, fixedClock(1))

	if !strings.Contains(buf.String(), "INTERNAL without explicit retryable") {
		t.Errorf("expected a warning about INTERNAL without explicit retryable, got %q", buf.String())
	}
}

func TestForbiddenRetryAfterMsDropped(t *testing.T) {
	ms := 500
	env := New(Oneway("c"), InvalidArgument, fixedClock(1), WithRetryAfterMs(&ms))
	if env.Payload.RetryAfterMs != nil {
		t.Errorf("RetryAfterMs = %v, want nil (forbidden for INVALID_ARGUMENT)", env.Payload.RetryAfterMs)
	}
}

func TestRetryAfterMsImpliesRetryable(t *testing.T) {
	ms := 100
	env := New(RPC("c1"), ResourceExhausted, fixedClock(1), WithRetryAfterMs(&ms))
	if env.Payload.Retryable == nil || !*env.Payload.Retryable {
		t.Error("numeric retryAfterMs should imply retryable=true")
	}
	if env.Payload.RetryAfterMs == nil || *env.Payload.RetryAfterMs != 100 {
		t.Errorf("RetryAfterMs = %v, want 100", env.Payload.RetryAfterMs)
	}
}

func TestNilRetryAfterMsImpliesNotRetryable(t *testing.T) {
	env := New(RPC("c1"), Unavailable, fixedClock(1), WithRetryAfterMs(nil))
	if env.Payload.Retryable == nil || *env.Payload.Retryable {
		t.Error("explicit nil retryAfterMs should imply retryable=false")
	}
}

func TestDetailSanitizationStripsForbiddenKeys(t *testing.T) {
	env := New(Oneway("c"), InvalidArgument, fixedClock(1), WithDetails(map[string]any{
		"email":    "a@b",
		"password": "s",
		"Token":    "x",
	}))
	if _, present := env.Payload.Details["password"]; present {
		t.Error("password should be stripped")
	}
	if _, present := env.Payload.Details["Token"]; present {
		t.Error("Token should be stripped case-insensitively")
	}
	if env.Payload.Details["email"] != "a@b" {
		t.Errorf("email = %v, want a@b", env.Payload.Details["email"])
	}
}

func TestDetailSanitizationDropsOversizeNestedObjects(t *testing.T) {
	big := map[string]any{}
	for i := 0; i < 100; i++ {
		big[string(rune('a'+i%26))+string(rune(i))] = "0123456789"
	}
	env := New(Oneway("c"), InvalidArgument, fixedClock(1), WithDetails(map[string]any{
		"nested": big,
		"small":  "kept",
	}))
	if _, present := env.Payload.Details["nested"]; present {
		t.Error("oversize nested object should have been dropped")
	}
	if env.Payload.Details["small"] != "kept" {
		t.Error("small primitive detail should survive")
	}
}

func TestIsValidCode(t *testing.T) {
	if !IsValidCode(Internal) {
		t.Error("INTERNAL should be valid")
	}
	if !IsValidCode("APP_CUSTOM") {
		t.Error("APP_ prefixed codes should be valid")
	}
	if IsValidCode("NOT_A_CODE") {
		t.Error("unknown code should be invalid")
	}
}
