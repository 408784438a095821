package streams

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps every payload written to a job stream. Attempt counts from zero.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// ValidateBasic checks the envelope fields that do not depend on the payload schema. A zero
// OccurredAt is stamped with the current time.
func (e *Envelope) ValidateBasic() error {
	var missing string
	switch {
	case e.EventID == "":
		missing = "event_id"
	case e.EventType == "":
		missing = "event_type"
	case e.PayloadVersion == "":
		missing = "payload_version"
	case len(e.Data) == 0:
		missing = "data"
	}
	if missing != "" {
		return fmt.Errorf("envelope: %s is required", missing)
	}
	if e.Attempt < 0 || e.MaxAttempts < 0 {
		return fmt.Errorf("envelope %s: negative attempt counters", e.EventID)
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

// Marshal validates and encodes the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Retry returns a copy of the envelope for the next delivery attempt. The second result is
// false once the attempt budget is spent; MaxAttempts of zero means a single attempt.
func (e Envelope) Retry() (Envelope, bool) {
	max := e.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if e.Attempt+1 >= max {
		return e, false
	}
	next := e
	next.EventID = uuid.NewString()
	next.Attempt = e.Attempt + 1
	next.OccurredAt = time.Now().UTC()
	return next, true
}

// UnmarshalEnvelope decodes and validates an envelope read from a stream entry.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
