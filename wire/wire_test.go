package wire

import "testing"

func TestNormalizeAccepted(t *testing.T) {
	raw := []byte(`{"type":"Greet","meta":{"correlationId":"c1"},"payload":{"name":"ok"}}`)
	res := Normalize(raw, 1_000_000)
	if res.Outcome != Accepted {
		t.Fatalf("Outcome = %v, want Accepted", res.Outcome)
	}
	if res.Frame.Type != "Greet" {
		t.Errorf("Type = %q, want Greet", res.Frame.Type)
	}
	if res.Frame.Meta["correlationId"] != "c1" {
		t.Errorf("Meta[correlationId] = %v, want c1", res.Frame.Meta["correlationId"])
	}
}

func TestNormalizeStripsReservedMeta(t *testing.T) {
	raw := []byte(`{"type":"Greet","meta":{"clientId":"attacker","receivedAt":1,"correlationId":"c1"}}`)
	res := Normalize(raw, 1_000_000)
	if res.Outcome != Accepted {
		t.Fatalf("Outcome = %v, want Accepted", res.Outcome)
	}
	if _, present := res.Frame.Meta["clientId"]; present {
		t.Error("clientId should have been stripped from inbound meta")
	}
	if _, present := res.Frame.Meta["receivedAt"]; present {
		t.Error("receivedAt should have been stripped from inbound meta")
	}
}

func TestNormalizeMissingMeta(t *testing.T) {
	raw := []byte(`{"type":"Ping"}`)
	res := Normalize(raw, 1_000_000)
	if res.Outcome != Accepted {
		t.Fatalf("Outcome = %v, want Accepted", res.Outcome)
	}
	if res.Frame.Meta == nil {
		t.Error("Meta should be an empty object, not nil")
	}
}

func TestNormalizeOversize(t *testing.T) {
	raw := []byte(`{"type":"Q","meta":{"correlationId":"c3"},"payload":{"big":"` + string(make([]byte, 50)) + `"}}`)
	res := Normalize(raw, 10)
	if res.Outcome != Oversize {
		t.Fatalf("Outcome = %v, want Oversize", res.Outcome)
	}
	if res.CorrelationHint != "c3" {
		t.Errorf("CorrelationHint = %q, want c3", res.CorrelationHint)
	}
}

func TestNormalizeInvalidJSON(t *testing.T) {
	res := Normalize([]byte(`not json`), 1_000_000)
	if res.Outcome != DroppedSilently {
		t.Fatalf("Outcome = %v, want DroppedSilently", res.Outcome)
	}
}

func TestNormalizeNonObjectTop(t *testing.T) {
	res := Normalize([]byte(`[1,2,3]`), 1_000_000)
	if res.Outcome != DroppedSilently {
		t.Fatalf("Outcome = %v, want DroppedSilently", res.Outcome)
	}
}

func TestNormalizeMissingType(t *testing.T) {
	res := Normalize([]byte(`{"meta":{}}`), 1_000_000)
	if res.Outcome != DroppedSilently {
		t.Fatalf("Outcome = %v, want DroppedSilently", res.Outcome)
	}
}

func TestNormalizeTypeNotString(t *testing.T) {
	res := Normalize([]byte(`{"type":42}`), 1_000_000)
	if res.Outcome != DroppedSilently {
		t.Fatalf("Outcome = %v, want DroppedSilently", res.Outcome)
	}
}

func TestNormalizeControlFrame(t *testing.T) {
	raw := []byte(`{"type":"$ws:abort","meta":{"correlationId":"c2"}}`)
	res := Normalize(raw, 1_000_000)
	if res.Outcome != ControlFrame {
		t.Fatalf("Outcome = %v, want ControlFrame", res.Outcome)
	}
}

func TestScanCorrelationIDAbsent(t *testing.T) {
	if got := ScanCorrelationID([]byte(`{"type":"Q"}`)); got != "" {
		t.Errorf("ScanCorrelationID() = %q, want empty", got)
	}
}

func TestScanCorrelationIDBounded(t *testing.T) {
	padding := make([]byte, maxCorrelationScanBytes+10)
	for i := range padding {
		padding[i] = ' '
	}
	raw := append([]byte(`{"type":"Q","meta":{"x":"`), padding...)
	raw = append(raw, []byte(`","correlationId":"late"}}`)...)
	if got := ScanCorrelationID(raw); got != "" {
		t.Errorf("ScanCorrelationID() = %q, want empty (correlationId beyond scan window)", got)
	}
}

func TestInjectServerMeta(t *testing.T) {
	meta := map[string]any{"clientId": "spoofed"}
	InjectServerMeta(meta, "real-client", 12345)
	if meta["clientId"] != "real-client" {
		t.Errorf("clientId = %v, want real-client", meta["clientId"])
	}
	if meta["receivedAt"] != int64(12345) {
		t.Errorf("receivedAt = %v, want 12345", meta["receivedAt"])
	}
}
