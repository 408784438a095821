package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	// ErrUnknownSchema is returned for event type/version pairs nobody registered.
	ErrUnknownSchema = errors.New("no schema registered")
	// ErrInvalidPayload wraps schema validation failures.
	ErrInvalidPayload = errors.New("payload does not match schema")
)

type schemaKey struct {
	eventType string
	version   string
}

func (k schemaKey) String() string { return k.eventType + "@" + k.version }

// SchemaRegistry holds the compiled payload schema of every event type and version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles schema and installs it for eventType at version, replacing any earlier one.
func (r *SchemaRegistry) Register(eventType, version string, schema []byte) error {
	key := schemaKey{eventType: eventType, version: version}
	if eventType == "" || version == "" {
		return fmt.Errorf("register %s: event type and version are required", key)
	}
	if len(schema) == 0 {
		return fmt.Errorf("register %s: empty schema", key)
	}
	url := eventType + "/" + version + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}

	r.mu.Lock()
	r.schemas[key] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for eventType at version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	key := schemaKey{eventType: eventType, version: version}
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrUnknownSchema, key)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s payload is empty", ErrInvalidPayload, key)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: %s payload is not JSON: %v", ErrInvalidPayload, key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
	}
	return nil
}
