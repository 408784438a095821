package document

import (
	"strings"
	"testing"
)

func TestSanitizeStripsMarkupEverywhere(t *testing.T) {
	raw := []byte(`{
		"project_name": "<b>Ledger</b>",
		"overview": "Track <script>steal()</script>expenses & budgets.",
		"features": [{"name": "Split <i>bill</i>", "acceptance_criteria": ["<img src=x onerror=y>Totals match"]}],
		"extra": {"priority_note": 3}
	}`)
	clean, err := Sanitize(raw)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if strings.ContainsAny(string(clean), "<>") {
		t.Fatalf("markup survived: %s", clean)
	}
	doc, err := Parse(clean)
	if err != nil {
		t.Fatalf("parse sanitized: %v", err)
	}
	if doc.ProjectName != "Ledger" || doc.Overview != "Track expenses & budgets." {
		t.Fatalf("unexpected text: %q / %q", doc.ProjectName, doc.Overview)
	}
	if doc.Features[0].Name != "Split bill" || doc.Features[0].AcceptanceCriteria[0] != "Totals match" {
		t.Fatalf("unexpected feature: %#v", doc.Features[0])
	}
	if doc.Extra["priority_note"] != float64(3) {
		t.Fatalf("non-string values must survive: %#v", doc.Extra)
	}
}

func TestSanitizeRejectsInvalidJSON(t *testing.T) {
	if _, err := Sanitize([]byte(`{"overview":`)); err == nil {
		t.Fatalf("expected decode error")
	}
}
