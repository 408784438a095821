package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/specforge/internal/helpers"
)

// Shape validates backend output against a JSON schema at the boundary.
type Shape struct {
	name       string
	schemaText string
	schema     *jsonschema.Schema
	unwrapKeys []string
}

// NewShape compiles schemaText. unwrapKeys lists wrapper keys that may enclose the payload,
// e.g. {"document": {...}}.
func NewShape(name, schemaText string, unwrapKeys ...string) (*Shape, error) {
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(schemaText)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Shape{name: name, schemaText: schemaText, schema: schema, unwrapKeys: unwrapKeys}, nil
}

// MustShape is NewShape for package-level schemas known at compile time.
func MustShape(name, schemaText string, unwrapKeys ...string) *Shape {
	s, err := NewShape(name, schemaText, unwrapKeys...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the shape name.
func (s *Shape) Name() string { return s.name }

// Hint is the schema text passed to the backend as the response-shape hint.
func (s *Shape) Hint() string { return s.schemaText }

// Decode validates raw against the schema and unmarshals it into out. When the top-level
// value fails validation, a single nested known key is tried before giving up.
func (s *Shape) Decode(raw string, out any) error {
	payload, err := s.Extract(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("decode %s: %w", s.name, err)}
	}
	return nil
}

// Extract returns the validated JSON payload without decoding it into a Go type.
func (s *Shape) Extract(raw string) (json.RawMessage, error) {
	text, err := helpers.ExtractJSON(raw)
	if err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("%s response: %w", s.name, err)}
	}
	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("%s response is not valid JSON: %w", s.name, err)}
	}
	verr := s.schema.Validate(doc)
	if verr == nil {
		return json.RawMessage(text), nil
	}

	if obj, ok := doc.(map[string]any); ok {
		for _, key := range s.unwrapKeys {
			inner, ok := obj[key]
			if !ok {
				continue
			}
			if s.schema.Validate(inner) != nil {
				break
			}
			data, err := json.Marshal(inner)
			if err != nil {
				break
			}
			return data, nil
		}
	}
	return nil, &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("%s response does not match schema: %w", s.name, verr)}
}
