package gojsonschema

import (
	"encoding/json"
	"testing"

	"github.com/wskit-go/wskit/validator"
)

const greetSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`

func TestRegisterAndSafeParseOK(t *testing.T) {
	a := New()
	schema, err := a.Register("Greet", validator.Event, []byte(greetSchema), nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if schema.Family != Family {
		t.Errorf("Family = %q, want %q", schema.Family, Family)
	}

	result := a.SafeParse(schema, json.RawMessage(`{"name":"ok"}`))
	if !result.OK {
		t.Fatalf("SafeParse() OK = false, issues = %+v", result.Issues)
	}
	if result.Value["name"] != "ok" {
		t.Errorf("Value[name] = %v, want ok", result.Value["name"])
	}
}

func TestSafeParseRejectsMissingRequired(t *testing.T) {
	a := New()
	schema, err := a.Register("Greet", validator.Event, []byte(greetSchema), nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result := a.SafeParse(schema, json.RawMessage(`{}`))
	if result.OK {
		t.Fatal("SafeParse() OK = true, want false for missing required field")
	}
	if len(result.Issues) == 0 {
		t.Error("expected at least one issue")
	}
}

func TestSafeParseUnregisteredType(t *testing.T) {
	a := New()
	result := a.SafeParse(&validator.Schema{Type: "Nope"}, json.RawMessage(`{}`))
	if result.OK {
		t.Fatal("SafeParse() OK = true, want false for unregistered type")
	}
}
