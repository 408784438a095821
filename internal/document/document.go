package document

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is the structured body of a generated specification.
type Document struct {
	ProjectName      string         `json:"project_name"`
	Overview         string         `json:"overview"`
	ProblemStatement string         `json:"problem_statement"`
	Goals            []string       `json:"goals"`
	UserRoles        []UserRole     `json:"user_roles"`
	Features         []Feature      `json:"features"`
	NonFunctional    NonFunctional  `json:"non_functional_requirements"`
	Workflows        []string       `json:"workflows,omitempty"`
	OutOfScope       []string       `json:"out_of_scope,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// UserRole names an actor of the system.
type UserRole struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Feature is one functional capability.
type Feature struct {
	ID                 string   `json:"id,omitempty"`
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Priority           string   `json:"priority,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
}

// Key identifies a feature across versions: its id when set, otherwise its normalised name.
func (f Feature) Key() string {
	if id := strings.TrimSpace(f.ID); id != "" {
		return "id:" + strings.ToLower(id)
	}
	return "name:" + strings.ToLower(strings.Join(strings.Fields(f.Name), " "))
}

// NonFunctional groups non-functional requirements by category.
type NonFunctional struct {
	Performance []string `json:"performance,omitempty"`
	Security    []string `json:"security,omitempty"`
	Scalability []string `json:"scalability,omitempty"`
	Reliability []string `json:"reliability,omitempty"`
	Usability   []string `json:"usability,omitempty"`
	Compliance  []string `json:"compliance,omitempty"`
}

// NFR category names in iteration order.
const (
	NFRPerformance = "performance"
	NFRSecurity    = "security"
	NFRScalability = "scalability"
	NFRReliability = "reliability"
	NFRUsability   = "usability"
	NFRCompliance  = "compliance"
)

// Category is one named NFR bucket.
type Category struct {
	Name  string
	Items []string
}

// Categories returns every NFR category in a fixed order, including empty ones.
func (n NonFunctional) Categories() []Category {
	return []Category{
		{Name: NFRPerformance, Items: n.Performance},
		{Name: NFRSecurity, Items: n.Security},
		{Name: NFRScalability, Items: n.Scalability},
		{Name: NFRReliability, Items: n.Reliability},
		{Name: NFRUsability, Items: n.Usability},
		{Name: NFRCompliance, Items: n.Compliance},
	}
}

// Parse decodes raw JSON into a Document after validating it against the document schema.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := Validate(data); err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// Text flattens the document into plain text for embedding and lexical checks.
func (d Document) Text() string {
	var b strings.Builder
	write := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	write(d.ProjectName)
	write(d.Overview)
	write(d.ProblemStatement)
	for _, g := range d.Goals {
		write(g)
	}
	for _, r := range d.UserRoles {
		write(r.Name + ": " + r.Description)
	}
	for _, f := range d.Features {
		write(f.Name + ": " + f.Description)
		for _, ac := range f.AcceptanceCriteria {
			write(ac)
		}
	}
	for _, c := range d.NonFunctional.Categories() {
		for _, item := range c.Items {
			write(item)
		}
	}
	for _, w := range d.Workflows {
		write(w)
	}
	return b.String()
}
