package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingReturnsNilNil(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for a missing file, got %+v", cfg)
	}
}

func TestLoadFileParsesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yaml := `
max_payload_bytes: 2048
on_exceeded: close
rpc_timeout_ms: 5000
log_level: debug
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg == nil {
		t.Fatalf("expected a non-nil config")
	}
	if cfg.MaxPayloadBytes == nil || *cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("MaxPayloadBytes = %v, want 2048", cfg.MaxPayloadBytes)
	}
	if cfg.OnExceeded == nil || *cfg.OnExceeded != "close" {
		t.Fatalf("OnExceeded = %v, want close", cfg.OnExceeded)
	}
	if cfg.MQTT == nil || cfg.MQTT.Enabled == nil || !*cfg.MQTT.Enabled {
		t.Fatalf("expected MQTT.Enabled = true")
	}
	if cfg.LogsDir != nil {
		t.Fatalf("LogsDir should be absent, got %v", cfg.LogsDir)
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("not: [valid"), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected a parse error for malformed YAML")
	}
}
