// Package gojsonschema adapts github.com/xeipuuv/gojsonschema to the
// validator.Port interface. Its existence alongside validator/jsonschema
// demonstrates that the router core is validator-agnostic: either adapter
// (or both, bound to different router instances) satisfies the same port.
package gojsonschema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/wskit-go/wskit/validator"
)

// Family is the adapter identity stamped onto every schema this package
// compiles.
const Family = "gojsonschema"

// Adapter compiles and caches xeipuuv/gojsonschema schemas and implements
// validator.Port over them.
type Adapter struct {
	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// New returns an empty Adapter ready to have schemas registered.
func New() *Adapter {
	return &Adapter{compiled: make(map[string]*gojsonschema.Schema)}
}

// Register compiles a raw JSON Schema document for a message type and
// returns a validator.Schema descriptor bound to this adapter.
func (a *Adapter) Register(msgType string, kind validator.Kind, schemaDoc []byte, response *validator.Schema) (*validator.Schema, error) {
	loader := gojsonschema.NewBytesLoader(schemaDoc)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("gojsonschema: compiling schema for %q: %w", msgType, err)
	}

	a.mu.Lock()
	a.compiled[msgType] = compiled
	a.mu.Unlock()

	return &validator.Schema{Type: msgType, Kind: kind, Response: response, Family: Family}, nil
}

// TypeOf implements validator.Port.
func (a *Adapter) TypeOf(schema *validator.Schema) string {
	return schema.Type
}

// ResponseOf implements validator.Port.
func (a *Adapter) ResponseOf(schema *validator.Schema) *validator.Schema {
	return schema.Response
}

// SafeParse implements validator.Port.
func (a *Adapter) SafeParse(schema *validator.Schema, raw json.RawMessage) validator.ParseResult {
	a.mu.RLock()
	compiled, ok := a.compiled[schema.Type]
	a.mu.RUnlock()
	if !ok {
		return validator.ParseResult{OK: false, Issues: []validator.Issue{
			{Path: "", Message: fmt.Sprintf("gojsonschema: no schema registered for type %q", schema.Type)},
		}}
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	documentLoader := gojsonschema.NewBytesLoader(raw)

	result, err := compiled.Validate(documentLoader)
	if err != nil {
		return validator.ParseResult{OK: false, Issues: []validator.Issue{
			{Path: "", Message: "invalid JSON payload: " + err.Error()},
		}}
	}
	if !result.Valid() {
		issues := make([]validator.Issue, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			issues = append(issues, validator.Issue{Path: e.Field(), Message: e.Description()})
		}
		return validator.ParseResult{OK: false, Issues: issues}
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		value = map[string]any{}
	}
	return validator.ParseResult{OK: true, Value: value}
}
