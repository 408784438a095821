// Package lint scores generated specification documents with fixed deduction rules.
package lint

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/specforge/internal/document"
)

// Point deductions per rule.
const (
	PenaltyMissingNarrative   = 15
	PenaltyEmptyList          = 20
	PenaltyUnmeasurableNFR    = 10
	PenaltyAmbiguousAdjective = 5
)

// BannedAdjectives are vague qualifiers that cannot be verified.
var BannedAdjectives = []string{
	"fast", "easy", "robust", "simple", "intuitive", "user-friendly",
	"scalable", "seamless", "efficient", "flexible", "modern",
}

var (
	wordPattern       = regexp.MustCompile(`[a-z]+(?:-[a-z]+)*`)
	measurablePattern = regexp.MustCompile(`\d|%`)
	bannedSet         = func() map[string]struct{} {
		m := make(map[string]struct{}, len(BannedAdjectives))
		for _, w := range BannedAdjectives {
			m[w] = struct{}{}
		}
		return m
	}()
)

// Result is the linter verdict. Score is within [0,100].
type Result struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
}

// Lint applies every rule to doc. It has no side effects.
func Lint(doc document.Document) Result {
	score := 100
	issues := make([]string, 0)
	deduct := func(points int, format string, args ...any) {
		score -= points
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	for _, f := range []struct {
		name  string
		value string
	}{
		{"overview", doc.Overview},
		{"problem_statement", doc.ProblemStatement},
	} {
		if strings.TrimSpace(f.value) == "" {
			deduct(PenaltyMissingNarrative, "missing required field: %s", f.name)
		}
	}

	if len(nonBlank(doc.Goals)) == 0 {
		deduct(PenaltyEmptyList, "required section is empty: goals")
	}
	if len(doc.UserRoles) == 0 {
		deduct(PenaltyEmptyList, "required section is empty: user_roles")
	}
	if len(doc.Features) == 0 {
		deduct(PenaltyEmptyList, "required section is empty: features")
	}

	for i, req := range doc.NonFunctional.Performance {
		if strings.TrimSpace(req) == "" {
			continue
		}
		if !measurablePattern.MatchString(req) {
			deduct(PenaltyUnmeasurableNFR, "unmeasurable performance requirement at non_functional_requirements.performance[%d]", i)
		}
	}

	for _, loc := range locations(doc) {
		for _, word := range bannedWords(loc.text) {
			deduct(PenaltyAmbiguousAdjective, "ambiguous adjective %q at %s", word, loc.path)
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Result{Score: score, Issues: issues}
}

type location struct {
	path string
	text string
}

func locations(doc document.Document) []location {
	out := []location{
		{"overview", doc.Overview},
		{"problem_statement", doc.ProblemStatement},
	}
	for i, g := range doc.Goals {
		out = append(out, location{fmt.Sprintf("goals[%d]", i), g})
	}
	for i, r := range doc.UserRoles {
		out = append(out, location{fmt.Sprintf("user_roles[%d].description", i), r.Description})
	}
	for i, f := range doc.Features {
		out = append(out,
			location{fmt.Sprintf("features[%d].name", i), f.Name},
			location{fmt.Sprintf("features[%d].description", i), f.Description},
		)
		for j, ac := range f.AcceptanceCriteria {
			out = append(out, location{fmt.Sprintf("features[%d].acceptance_criteria[%d]", i, j), ac})
		}
	}
	for _, c := range doc.NonFunctional.Categories() {
		for i, item := range c.Items {
			out = append(out, location{fmt.Sprintf("non_functional_requirements.%s[%d]", c.Name, i), item})
		}
	}
	for i, w := range doc.Workflows {
		out = append(out, location{fmt.Sprintf("workflows[%d]", i), w})
	}
	return out
}

// bannedWords returns the distinct banned adjectives in text, in order of first appearance.
func bannedWords(text string) []string {
	if text == "" {
		return nil
	}
	var found []string
	seen := map[string]bool{}
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, banned := bannedSet[w]; !banned || seen[w] {
			continue
		}
		seen[w] = true
		found = append(found, w)
	}
	return found
}

func nonBlank(items []string) []string {
	out := items[:0:0]
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
