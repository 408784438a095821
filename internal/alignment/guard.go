package alignment

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const minGuardTerms = 2

// genericTerms carry no domain signal.
var genericTerms = map[string]bool{
	"about": true, "able": true, "also": true, "allow": true, "allows": true, "application": true,
	"build": true, "can": true, "create": true, "customer": true, "data": true, "each": true,
	"easy": true, "feature": true, "from": true, "have": true, "into": true, "just": true,
	"like": true, "make": true, "manage": true, "management": true, "more": true, "must": true,
	"need": true, "needs": true, "other": true, "platform": true, "project": true, "should": true,
	"simple": true, "some": true, "such": true, "support": true, "system": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "tool": true, "user": true, "using": true, "want": true, "when": true,
	"where": true, "which": true, "will": true, "with": true, "without": true, "would": true,
	"your": true, "based": true, "people": true, "able-to": true, "overview": true, "goal": true,
	"goals": true, "requirement": true, "requirements": true, "description": true, "name": true,
}

func significantTerms(text string) map[string]bool {
	out := map[string]bool{}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len(w) < 4 {
			continue
		}
		w = stem(w)
		if genericTerms[w] {
			continue
		}
		out[w] = true
	}
	return out
}

// stem folds a plural onto its singular.
func stem(w string) string {
	if len(w) > 4 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		return strings.TrimSuffix(w, "s")
	}
	return w
}

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:called|named)\s+["“']?([A-Z][\w-]*(?:\s+[A-Z][\w-]*){0,3})`),
	regexp.MustCompile(`["“]([^"”]{2,40})["”]`),
}

// ProjectName extracts an explicit product name from the intent, if one is given.
func ProjectName(intent string) string {
	for _, re := range namePatterns {
		if m := re.FindStringSubmatch(intent); len(m) == 2 {
			if name := strings.TrimSpace(m[1]); name != "" {
				return name
			}
		}
	}
	return ""
}

// Guard is the deterministic lexical check.
func Guard(intent, content string) []Mismatch {
	var out []Mismatch

	want := significantTerms(intent)
	got := significantTerms(content)
	if len(want) >= minGuardTerms && len(got) >= minGuardTerms {
		overlap := 0
		for t := range want {
			if got[t] {
				overlap++
			}
		}
		if overlap == 0 {
			out = append(out, Mismatch{
				Severity:  SeverityBlocker,
				Type:      TypeScopeCreep,
				Rationale: "The generated content shares no domain terms with the original request.",
				Location:  "document",
			})
		}
	}

	if name := ProjectName(intent); name != "" && !strings.Contains(strings.ToLower(content), strings.ToLower(name)) {
		out = append(out, Mismatch{
			Severity:  SeverityWarning,
			Type:      TypeIdentityMismatch,
			Rationale: fmt.Sprintf("The request names the product %q but the generated content does not.", name),
			Location:  "project_name",
		})
	}
	return out
}
