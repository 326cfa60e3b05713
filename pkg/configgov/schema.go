package configgov

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds the per-key JSON Schemas used by Preview. Keys with
// no registered schema only get well-formedness validation.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles and installs a schema for a config key.
func (r *SchemaRegistry) Register(key, schema string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tribunal.schemas.local/config/%s.schema.json", key)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema for %q: %w", key, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", key, err)
	}
	r.schemas[key] = compiled
	return nil
}

// Validate checks a raw JSON value for a key. Returns the normalized
// (compacted) value and the list of issues; an empty issue list means valid.
func (r *SchemaRegistry) Validate(key string, value json.RawMessage) (json.RawMessage, []string) {
	var decoded any
	if err := json.Unmarshal(value, &decoded); err != nil {
		return nil, []string{fmt.Sprintf("value is not valid JSON: %v", err)}
	}

	var issues []string
	if schema, ok := r.schemas[key]; ok {
		if err := schema.Validate(decoded); err != nil {
			var ve *jsonschema.ValidationError
			if errors.As(err, &ve) {
				issues = append(issues, flatten(ve)...)
			} else {
				issues = append(issues, err.Error())
			}
		}
	}
	if len(issues) > 0 {
		return nil, issues
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, value); err != nil {
		return nil, []string{fmt.Sprintf("normalize value: %v", err)}
	}
	return json.RawMessage(buf.Bytes()), nil
}

func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}
