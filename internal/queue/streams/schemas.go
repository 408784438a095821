package streams

import "fmt"

const (
	// EventJobRequested asks a worker to run generation for a PENDING record.
	EventJobRequested = "spec.job.requested"
	// EventJobLifecycle announces submitted/completed/failed transitions.
	EventJobLifecycle = "spec.job.lifecycle"
	// VersionV1 is the only payload version in use.
	VersionV1 = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventJobRequested,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "owner_id"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "owner_id": {"type": "string", "minLength": 1},
    "project_id": {"type": "string"},
    "settings": {"type": "object"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventJobLifecycle,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["job_id", "stage", "occurred_at"],
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "owner_id": {"type": "string"},
    "root_id": {"type": "string"},
    "version": {"type": "integer", "minimum": 1},
    "stage": {"type": "string", "enum": ["submitted", "completed", "failed"]},
    "reason": {"type": "string"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": false
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the baseline event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewBaseRegistry returns a registry preloaded with the base schemas.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
