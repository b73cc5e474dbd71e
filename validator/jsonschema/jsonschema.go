// Package jsonschema adapts github.com/santhosh-tekuri/jsonschema/v5 to the
// validator.Port interface, proving the router core never depends on a
// concrete schema library.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wskit-go/wskit/validator"
)

// Family is the adapter identity stamped onto every schema this package
// compiles, so the router can detect a caller mixing adapters.
const Family = "jsonschema.v5"

// Adapter compiles and caches santhosh-tekuri/jsonschema/v5 schemas and
// implements validator.Port over them.
type Adapter struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

// New returns an empty Adapter ready to have schemas registered.
func New() *Adapter {
	return &Adapter{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles a raw JSON Schema document for a message type and
// returns a validator.Schema descriptor bound to this adapter. response is
// nil for event schemas.
func (a *Adapter) Register(msgType string, kind validator.Kind, schemaDoc []byte, response *validator.Schema) (*validator.Schema, error) {
	compiler := jsonschema.NewCompiler()
	resourceName := msgType + ".schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schemaDoc)); err != nil {
		return nil, errors.Wrapf(err, "jsonschema: adding resource for %q", msgType)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, errors.Wrapf(err, "jsonschema: compiling schema for %q", msgType)
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

// SafeParse implements validator.Port: it never panics, translating both
// malformed JSON and schema violations into ParseResult.Issues.
func (a *Adapter) SafeParse(schema *validator.Schema, raw json.RawMessage) validator.ParseResult {
	a.mu.RLock()
	compiled, ok := a.compiled[schema.Type]
	a.mu.RUnlock()
	if !ok {
		return validator.ParseResult{OK: false, Issues: []validator.Issue{
			{Path: "", Message: fmt.Sprintf("jsonschema: no schema registered for type %q", schema.Type)},
		}}
	}

	var value any
	if len(raw) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(raw, &value); err != nil {
		return validator.ParseResult{OK: false, Issues: []validator.Issue{
			{Path: "", Message: "invalid JSON payload: " + err.Error()},
		}}
	}

	if err := compiled.Validate(value); err != nil {
		return validator.ParseResult{OK: false, Issues: issuesFromValidationError(err)}
	}

	asMap, ok := value.(map[string]any)
	if !ok {
		asMap = map[string]any{}
	}
	return validator.ParseResult{OK: true, Value: asMap}
}

// issuesFromValidationError flattens jsonschema's nested ValidationError
// tree (it reports the deepest-first cause chain) into a flat issue list.
func issuesFromValidationError(err error) []validator.Issue {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []validator.Issue{{Path: "", Message: err.Error()}}
	}

	var issues []validator.Issue
	var walk func(*jsonschema.ValidationError)
	walk = func(node *jsonschema.ValidationError) {
		if len(node.Causes) == 0 {
			issues = append(issues, validator.Issue{
				Path:    node.InstanceLocation,
				Message: node.Message,
			})
			return
		}
		for _, cause := range node.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return issues
}
