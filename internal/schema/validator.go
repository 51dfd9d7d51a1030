// Package schema validates inbound backend event payloads against JSON schemas.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"call-assist-agent/internal/models"
)

// Validator checks the data of inbound events whose fields the agent reads.
// Types without a registered schema are opaque and always pass.
type Validator struct {
	schemas map[string]*jsonschema.Resolved
	// optional marks types whose schema requires no fields, so the payload
	// may be left out entirely.
	optional map[string]bool
}

func textSchema(field string) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			field: {Type: "string"},
		},
		Required: []string{field},
	}
}

func eventSchemas() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		models.TypeTranscript: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text":         {Type: "string"},
				"is_finalized": {Type: "boolean"},
				"speaker":      {Types: []string{"string", "null"}},
				"timestamp":    {Types: []string{"string", "null"}},
				"offset":       {Type: "integer"},
			},
			Required: []string{"text", "offset"},
		},
		models.TypeSuggestion:      textSchema("text"),
		models.TypeSuggestionChunk: textSchema("text"),
		models.TypeError: {
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"message": {Type: "string"},
			},
		},
	}
}

// New resolves the built-in event schemas.
func New() (*Validator, error) {
	v := &Validator{
		schemas:  make(map[string]*jsonschema.Resolved),
		optional: make(map[string]bool),
	}
	for eventType, s := range eventSchemas() {
		resolved, err := s.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve %s schema: %w", eventType, err)
		}
		v.schemas[eventType] = resolved
		v.optional[eventType] = len(s.Required) == 0
	}
	return v, nil
}

// MustNew is New for package-level initialisation.
func MustNew() *Validator {
	v, err := New()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks data against the schema registered for eventType.
func (v *Validator) Validate(eventType string, data json.RawMessage) error {
	resolved, ok := v.schemas[eventType]
	if !ok {
		return nil
	}
	if len(data) == 0 || string(data) == "null" {
		if v.optional[eventType] {
			return nil
		}
		return fmt.Errorf("%s event: missing data", eventType)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%s event: %w", eventType, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%s event: %w", eventType, err)
	}
	return nil
}
