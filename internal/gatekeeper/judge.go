package gatekeeper

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/llm"
)

// Finding is a judge's raw report for one category.
type Finding struct {
	Category    string   `json:"category"`
	Code        string   `json:"code"`
	Severity    string   `json:"severity"`
	Description string   `json:"description,omitempty"`
	Question    string   `json:"question,omitempty"`
	Parts       []string `json:"parts,omitempty"`
}

// Judgement is the full output of one judge call.
type Judgement struct {
	Coherent bool      `json:"coherent"`
	Findings []Finding `json:"findings"`
}

// Judge inspects intent text. Implementations may return categories or codes outside the
// closed sets; those findings are discarded by the gatekeeper.
type Judge interface {
	Judge(ctx context.Context, text string) (Judgement, error)
}

// KeywordJudge is a deterministic judge driven by per-category vocabularies. A category with
// no vocabulary hit is missing; one whose only hits share a sentence with hedging words is
// ambiguous.
type KeywordJudge struct{}

var hedgeWords = map[string]bool{
	"maybe": true, "possibly": true, "perhaps": true, "etc": true, "tbd": true,
	"whatever": true, "somehow": true, "something": true, "stuff": true,
}

func (KeywordJudge) Judge(_ context.Context, text string) (Judgement, error) {
	sentences := splitSentences(text)
	var findings []Finding
	for _, cat := range Categories {
		p := profiles[cat]
		hits, hedged := 0, 0
		for _, s := range sentences {
			if !containsAny(s, p.vocabulary) {
				continue
			}
			hits++
			if hasHedge(s) {
				hedged++
			}
		}
		switch {
		case hits == 0:
			findings = append(findings, Finding{
				Category:    string(cat),
				Code:        string(CodeMissing),
				Severity:    string(p.missing),
				Description: "The description does not cover " + p.summary + ".",
			})
		case hedged == hits:
			sev := SeverityMinor
			if cat == CategoryPurposeScope {
				sev = SeverityMajor
			}
			findings = append(findings, Finding{
				Category:    string(cat),
				Code:        string(CodeAmbiguous),
				Severity:    string(sev),
				Description: "The description is vague about " + p.summary + ".",
			})
		}
	}
	return Judgement{Coherent: true, Findings: findings}, nil
}

func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';' || r == '\n'
	})
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if norm := normalizeText(s); norm != "" {
			out = append(out, " "+norm+" ")
		}
	}
	return out
}

func containsAny(padded string, vocabulary []string) bool {
	for _, term := range vocabulary {
		if strings.Contains(padded, " "+term+" ") {
			return true
		}
	}
	return false
}

func hasHedge(padded string) bool {
	for _, w := range strings.Fields(padded) {
		if hedgeWords[w] {
			return true
		}
	}
	return false
}

var judgementShape = llm.MustShape("gatekeeper_judgement", `{
  "type": "object",
  "required": ["coherent", "findings"],
  "properties": {
    "coherent": {"type": "boolean"},
    "findings": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category", "code", "severity"],
        "properties": {
          "category": {"type": "string"},
          "code": {"type": "string"},
          "severity": {"type": "string"},
          "description": {"type": "string"},
          "question": {"type": "string"},
          "parts": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`, "result", "evaluation", "judgement")

// BackendJudge asks the generation backend under the gatekeeper persona.
type BackendJudge struct {
	gen llm.Generator
}

func NewBackendJudge(gen llm.Generator) *BackendJudge {
	return &BackendJudge{gen: gen}
}

func (j *BackendJudge) Judge(ctx context.Context, text string) (Judgement, error) {
	names := make([]string, len(Categories))
	for i, c := range Categories {
		names[i] = string(c)
	}
	prompt := fmt.Sprintf("Categories: %s\nCodes: missing, ambiguous, conflicting\nSeverities: critical, major, minor\n\nProject description:\n%s",
		strings.Join(names, ", "), text)
	raw, err := j.gen.Generate(ctx, llm.Gatekeeper, prompt, judgementShape)
	if err != nil {
		return Judgement{}, err
	}
	var out Judgement
	if err := judgementShape.Decode(raw, &out); err != nil {
		return Judgement{}, err
	}
	return out, nil
}

// FallbackJudge uses Primary and falls back to Secondary when Primary fails.
type FallbackJudge struct {
	Primary   Judge
	Secondary Judge
	Logger    *zap.Logger
}

func (f FallbackJudge) Judge(ctx context.Context, text string) (Judgement, error) {
	out, err := f.Primary.Judge(ctx, text)
	if err == nil {
		return out, nil
	}
	if f.Logger != nil {
		f.Logger.Warn("primary judge failed, using fallback", zap.Error(err))
	}
	return f.Secondary.Judge(ctx, text)
}
