package streams

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestJobSchemasValidate(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	requested, err := json.Marshal(map[string]interface{}{
		"job_id":     "job-1",
		"owner_id":   "owner-1",
		"project_id": "proj-1",
		"settings":   map[string]interface{}{"alignment": true},
	})
	if err != nil {
		t.Fatalf("marshal requested payload: %v", err)
	}
	if err := reg.Validate(EventJobRequested, VersionV1, requested); err != nil {
		t.Fatalf("expected job request to validate: %v", err)
	}

	lifecycle, err := json.Marshal(map[string]interface{}{
		"job_id":      "job-1",
		"owner_id":    "owner-1",
		"root_id":     "job-1",
		"version":     1,
		"stage":       "completed",
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("marshal lifecycle payload: %v", err)
	}
	if err := reg.Validate(EventJobLifecycle, VersionV1, lifecycle); err != nil {
		t.Fatalf("expected lifecycle payload to validate: %v", err)
	}
}

func TestJobSchemasReject(t *testing.T) {
	reg, err := NewBaseRegistry()
	if err != nil {
		t.Fatalf("register base schemas: %v", err)
	}
	if err := reg.Validate(EventJobRequested, VersionV1, []byte(`{"owner_id":"o"}`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected missing job_id to fail")
	}
	bad := []byte(`{"job_id":"j","stage":"exploded","occurred_at":"2024-01-01T00:00:00Z"}`)
	if err := reg.Validate(EventJobLifecycle, VersionV1, bad); err == nil {
		t.Fatalf("expected unknown stage to fail")
	}
	if err := reg.Validate(EventJobRequested, "v9", []byte(`{}`)); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected unknown version to fail")
	}
	if err := reg.Validate("spec.job.archived", VersionV1, []byte(`{}`)); !errors.Is(err, ErrUnknownSchema) {
		t.Fatalf("expected unknown event type to fail")
	}
}
