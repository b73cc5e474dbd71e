package pubsub

import (
	"encoding/json"
	"testing"

	"github.com/wskit-go/wskit/validator"
)

type fakeBackend struct {
	lastTopic string
	lastData  []byte
	report    PublishReport
	err       error
}

func (f *fakeBackend) Publish(topic string, data []byte) (PublishReport, error) {
	f.lastTopic = topic
	f.lastData = data
	return f.report, f.err
}

type passPort struct{ fail bool }

func (p passPort) TypeOf(schema *validator.Schema) string { return schema.Type }
func (p passPort) ResponseOf(schema *validator.Schema) *validator.Schema { return schema.Response }
func (p passPort) SafeParse(schema *validator.Schema, raw json.RawMessage) validator.ParseResult {
	if p.fail {
		return validator.ParseResult{OK: false, Issues: []validator.Issue{{Message: "nope"}}}
	}
	var v map[string]any
	json.Unmarshal(raw, &v)
	return validator.ParseResult{OK: true, Value: v}
}

func TestPublishSuccess(t *testing.T) {
	backend := &fakeBackend{report: PublishReport{Capability: CapabilityExact, Matched: 3}}
	gw := New(backend, passPort{})

	result := gw.Publish("room1", &validator.Schema{Type: "Chat"}, map[string]any{"text": "hi"}, Options{})
	if !result.OK {
		t.Fatalf("Publish() OK = false, err = %v", result.Err)
	}
	if result.Capability != CapabilityExact || result.Matched != 3 {
		t.Errorf("result = %+v, want exact/3", result)
	}
	if backend.lastTopic != "room1" {
		t.Errorf("backend topic = %q, want room1", backend.lastTopic)
	}
}

func TestPublishValidationFailureNeverReachesBackend(t *testing.T) {
	backend := &fakeBackend{}
	gw := New(backend, passPort{fail: true})

	result := gw.Publish("room1", &validator.Schema{Type: "Chat"}, map[string]any{}, Options{})
	if result.OK {
		t.Fatal("Publish() OK = true, want false on validation failure")
	}
	if result.Reason != "validation" {
		t.Errorf("Reason = %q, want validation", result.Reason)
	}
	if backend.lastTopic != "" {
		t.Error("backend should never be called on validation failure")
	}
}

func TestPublishRejectsExcludeSelf(t *testing.T) {
	backend := &fakeBackend{}
	gw := New(backend, passPort{})

	result := gw.Publish("room1", &validator.Schema{Type: "Chat"}, nil, Options{ExcludeSelf: true})
	if result.OK {
		t.Fatal("Publish() OK = true, want false for excludeSelf")
	}
	if result.Err != ErrExcludeSelfUnsupported {
		t.Errorf("Err = %v, want ErrExcludeSelfUnsupported", result.Err)
	}
}

func TestPublishNeverInjectsClientID(t *testing.T) {
	backend := &fakeBackend{report: PublishReport{Capability: CapabilityUnknown}}
	gw := New(backend, passPort{})

	gw.Publish("room1", &validator.Schema{Type: "Chat"}, nil, Options{Meta: map[string]any{"clientId": "spoofed", "room": "x"}})

	var envelope map[string]any
	json.Unmarshal(backend.lastData, &envelope)
	meta := envelope["meta"].(map[string]any)
	if _, present := meta["clientId"]; present {
		t.Error("clientId must never be injected via publish")
	}
	if meta["room"] != "x" {
		t.Error("other caller-supplied meta should pass through")
	}
}
