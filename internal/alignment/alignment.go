package alignment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/llm"
	"github.com/mohammad-safakhou/specforge/internal/logging"
)

// Status is the outcome of an alignment check.
type Status string

const (
	StatusAligned          Status = "ALIGNED"
	StatusMismatchDetected Status = "MISMATCH_DETECTED"
	StatusUnknown          Status = "UNKNOWN"
)

// Severity of a mismatch.
type Severity string

const (
	SeverityBlocker Severity = "BLOCKER"
	SeverityWarning Severity = "WARNING"
)

// MismatchType classifies drift between intent and generated content.
type MismatchType string

const (
	TypeScopeCreep             MismatchType = "scope-creep"
	TypeHallucination          MismatchType = "hallucination"
	TypeIdentityMismatch       MismatchType = "identity-mismatch"
	TypeStructuralMisplacement MismatchType = "structural-misplacement"
)

func validType(t MismatchType) bool {
	switch t {
	case TypeScopeCreep, TypeHallucination, TypeIdentityMismatch, TypeStructuralMisplacement:
		return true
	}
	return false
}

// Mismatch is one detected drift.
type Mismatch struct {
	Severity  Severity     `json:"severity"`
	Type      MismatchType `json:"type"`
	Rationale string       `json:"rationale"`
	Location  string       `json:"location"`
}

// Result is advisory; a BLOCKER never rolls back generation.
type Result struct {
	Status     Status     `json:"status"`
	Mismatches []Mismatch `json:"mismatches"`
	Degraded   bool       `json:"degraded,omitempty"`
}

// Checker runs the lexical guard and, when a generator is configured, the backend auditor.
type Checker struct {
	gen    llm.Generator
	logger *zap.Logger
}

// New returns a Checker. A nil generator runs the lexical guard alone.
func New(gen llm.Generator, logger *zap.Logger) *Checker {
	return &Checker{gen: gen, logger: logging.OrNop(logger)}
}

var auditShape = llm.MustShape("alignment_audit", `{
  "type": "object",
  "required": ["mismatches"],
  "properties": {
    "mismatches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["severity", "type", "rationale"],
        "properties": {
          "severity": {"type": "string"},
          "type": {"type": "string"},
          "rationale": {"type": "string"},
          "location": {"type": "string"}
        }
      }
    }
  }
}`, "result", "audit")

// Check compares generated content against the original intent and the validated context.
// It never returns an error: checker failure degrades the result instead.
func (c *Checker) Check(ctx context.Context, intent, validatedContext, content string) Result {
	found := Guard(intent, content)

	degraded := false
	if c.gen != nil {
		extra, err := c.audit(ctx, intent, validatedContext, content)
		if err != nil {
			c.logger.Warn("alignment audit failed", zap.Error(err))
			degraded = true
		} else {
			found = merge(found, extra)
		}
	}

	res := Result{Mismatches: found, Degraded: degraded}
	switch {
	case len(found) > 0:
		res.Status = StatusMismatchDetected
	case degraded:
		res.Status = StatusUnknown
	default:
		res.Status = StatusAligned
	}
	if res.Mismatches == nil {
		res.Mismatches = []Mismatch{}
	}
	return res
}

func (c *Checker) audit(ctx context.Context, intent, validatedContext, content string) ([]Mismatch, error) {
	prompt := fmt.Sprintf("Original request:\n%s\n\nValidated context:\n%s\n\nGenerated specification:\n%s",
		intent, validatedContext, content)
	raw, err := c.gen.Generate(ctx, llm.Auditor, prompt, auditShape)
	if err != nil {
		return nil, err
	}
	var out struct {
		Mismatches []Mismatch `json:"mismatches"`
	}
	if err := auditShape.Decode(raw, &out); err != nil {
		return nil, err
	}
	var kept []Mismatch
	for _, m := range out.Mismatches {
		m.Severity = Severity(strings.ToUpper(strings.TrimSpace(string(m.Severity))))
		m.Type = MismatchType(strings.ToLower(strings.TrimSpace(string(m.Type))))
		if m.Severity != SeverityBlocker && m.Severity != SeverityWarning {
			continue
		}
		if !validType(m.Type) {
			continue
		}
		if strings.TrimSpace(m.Location) == "" {
			m.Location = "document"
		}
		kept = append(kept, m)
	}
	return kept, nil
}

// merge appends extra to base, skipping entries whose (type, location) is already present.
func merge(base, extra []Mismatch) []Mismatch {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]Mismatch, 0, len(base)+len(extra))
	for _, list := range [][]Mismatch{base, extra} {
		for _, m := range list {
			key := string(m.Type) + "|" + strings.ToLower(strings.TrimSpace(m.Location))
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, m)
		}
	}
	return out
}
