package helpers

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// plainText drops every element and attribute. bluemonday policies are safe for concurrent use.
var plainText = bluemonday.StrictPolicy()

// StripMarkup removes every HTML element from s and returns plain text. Entities the
// sanitizer escapes are decoded again, so "R&D" round-trips unchanged. Strings without
// angle brackets are returned as is.
func StripMarkup(s string) string {
	if !strings.ContainsAny(s, "<>") {
		return s
	}
	return strings.TrimSpace(html.UnescapeString(plainText.Sanitize(s)))
}
