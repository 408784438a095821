// Package diff compares two specification documents field by field.
package diff

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/mohammad-safakhou/specforge/internal/document"
)

// Kind classifies a change.
type Kind string

const (
	Added    Kind = "added"
	Removed  Kind = "removed"
	Modified Kind = "modified"
)

// Change is one structural difference between two versions.
type Change struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Patch  string `json:"patch,omitempty"`
}

// Result lists the changes from a to b in document order.
type Result struct {
	Changes []Change `json:"changes"`
}

// Summary counts changes by kind.
func (r Result) Summary() map[Kind]int {
	out := map[Kind]int{Added: 0, Removed: 0, Modified: 0}
	for _, c := range r.Changes {
		out[c.Kind]++
	}
	return out
}

// Empty reports whether the two documents were structurally identical.
func (r Result) Empty() bool { return len(r.Changes) == 0 }

// Compare returns the structural changes needed to turn a into b.
func Compare(a, b document.Document) Result {
	c := comparer{dmp: diffmatchpatch.New()}

	c.text("project_name", a.ProjectName, b.ProjectName)
	c.text("overview", a.Overview, b.Overview)
	c.text("problem_statement", a.ProblemStatement, b.ProblemStatement)
	c.list("goals", a.Goals, b.Goals)
	c.roles(a.UserRoles, b.UserRoles)
	c.features(a.Features, b.Features)

	ac, bc := a.NonFunctional.Categories(), b.NonFunctional.Categories()
	for i := range ac {
		c.list("non_functional_requirements."+ac[i].Name, ac[i].Items, bc[i].Items)
	}
	c.list("workflows", a.Workflows, b.Workflows)
	c.list("out_of_scope", a.OutOfScope, b.OutOfScope)

	return Result{Changes: c.changes}
}

type comparer struct {
	dmp     *diffmatchpatch.DiffMatchPatch
	changes []Change
}

func (c *comparer) add(ch Change) { c.changes = append(c.changes, ch) }

func (c *comparer) text(path, before, after string) {
	if before == after {
		return
	}
	switch {
	case strings.TrimSpace(before) == "":
		c.add(Change{Path: path, Kind: Added, After: after})
	case strings.TrimSpace(after) == "":
		c.add(Change{Path: path, Kind: Removed, Before: before})
	default:
		diffs := c.dmp.DiffMain(before, after, false)
		diffs = c.dmp.DiffCleanupSemantic(diffs)
		patch := c.dmp.PatchToText(c.dmp.PatchMake(before, diffs))
		c.add(Change{Path: path, Kind: Modified, Before: before, After: after, Patch: patch})
	}
}

// list compares two lists as ordered sets.
func (c *comparer) list(path string, before, after []string) {
	inAfter := make(map[string]bool, len(after))
	for _, s := range after {
		inAfter[normalize(s)] = true
	}
	inBefore := make(map[string]bool, len(before))
	for _, s := range before {
		inBefore[normalize(s)] = true
	}
	for _, s := range before {
		if !inAfter[normalize(s)] {
			c.add(Change{Path: path, Kind: Removed, Before: s})
		}
	}
	for _, s := range after {
		if !inBefore[normalize(s)] {
			c.add(Change{Path: path, Kind: Added, After: s})
		}
	}
}

func (c *comparer) roles(before, after []document.UserRole) {
	index := make(map[string]document.UserRole, len(after))
	for _, r := range after {
		index[normalize(r.Name)] = r
	}
	seen := make(map[string]bool, len(before))
	for _, r := range before {
		key := normalize(r.Name)
		seen[key] = true
		next, ok := index[key]
		path := fmt.Sprintf("user_roles[%s]", r.Name)
		if !ok {
			c.add(Change{Path: path, Kind: Removed, Before: r})
			continue
		}
		c.text(path+".description", r.Description, next.Description)
	}
	for _, r := range after {
		if !seen[normalize(r.Name)] {
			c.add(Change{Path: fmt.Sprintf("user_roles[%s]", r.Name), Kind: Added, After: r})
		}
	}
}

func (c *comparer) features(before, after []document.Feature) {
	index := make(map[string]document.Feature, len(after))
	for _, f := range after {
		index[f.Key()] = f
	}
	seen := make(map[string]bool, len(before))
	for _, f := range before {
		key := f.Key()
		seen[key] = true
		path := fmt.Sprintf("features[%s]", featureLabel(f))
		next, ok := index[key]
		if !ok {
			c.add(Change{Path: path, Kind: Removed, Before: f})
			continue
		}
		c.text(path+".name", f.Name, next.Name)
		c.text(path+".description", f.Description, next.Description)
		if f.Priority != next.Priority {
			c.add(Change{Path: path + ".priority", Kind: Modified, Before: f.Priority, After: next.Priority})
		}
		if !reflect.DeepEqual(f.AcceptanceCriteria, next.AcceptanceCriteria) {
			c.list(path+".acceptance_criteria", f.AcceptanceCriteria, next.AcceptanceCriteria)
		}
	}
	for _, f := range after {
		if !seen[f.Key()] {
			c.add(Change{Path: fmt.Sprintf("features[%s]", featureLabel(f)), Kind: Added, After: f})
		}
	}
}

func featureLabel(f document.Feature) string {
	if f.ID != "" {
		return f.ID
	}
	return f.Name
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
