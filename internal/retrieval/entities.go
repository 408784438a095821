package retrieval

import (
	"regexp"
	"strings"
	"unicode"
)

// stopEntities are capitalized words that are not entities, mostly sentence openers.
var stopEntities = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true, "these": true, "those": true,
	"i": true, "we": true, "you": true, "it": true, "our": true, "they": true, "their": true,
	"my": true, "he": true, "she": true, "there": true, "here": true, "and": true, "or": true,
	"but": true, "if": true, "when": true, "then": true, "also": true, "each": true, "every": true,
	"all": true, "some": true, "any": true, "for": true, "with": true, "in": true, "on": true,
	"at": true, "to": true, "from": true, "by": true, "as": true, "of": true, "is": true,
	"are": true, "be": true, "should": true, "must": true, "will": true, "can": true, "may": true,
	"please": true, "build": true, "create": true, "make": true, "need": true, "want": true,
	"users": true, "user": true, "app": true, "application": true, "system": true, "platform": true,
}

// ExtractEntities returns capitalized words of text that are not on the stop-list, in order of
// first appearance and without duplicates.
func ExtractEntities(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := map[string]bool{}
	var out []string
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len([]rune(w)) < 2 {
			continue
		}
		first := []rune(w)[0]
		if !unicode.IsUpper(first) {
			continue
		}
		key := strings.ToLower(w)
		if stopEntities[key] || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, w)
	}
	return out
}

// Relation is an "X verb Y" statement found in free text.
type Relation struct {
	Source   string
	Relation string
	Target   string
}

var relationPattern = regexp.MustCompile(`\b([A-Z][\w-]+)\s+(uses|manages|owns|creates|approves|sends|receives|contains|belongs to|depends on|integrates with|reports to|pays|reviews|assigns)\s+(?:the\s+|a\s+|an\s+|their\s+)?([A-Za-z][\w-]{2,})`)

// ExtractRelations finds "X uses Y" style relations. It is a best-effort heuristic.
func ExtractRelations(text string) []Relation {
	var out []Relation
	seen := map[string]bool{}
	for _, m := range relationPattern.FindAllStringSubmatch(text, -1) {
		src, rel, dst := m[1], strings.ReplaceAll(strings.ToLower(m[2]), " ", "_"), m[3]
		if stopEntities[strings.ToLower(src)] || stopEntities[strings.ToLower(dst)] {
			continue
		}
		key := strings.ToLower(src + "|" + rel + "|" + dst)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Relation{Source: src, Relation: rel, Target: dst})
	}
	return out
}
