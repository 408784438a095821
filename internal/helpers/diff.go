package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// NormalizeForDiff collapses whitespace and lowercases content to stabilise hash comparisons.
func NormalizeForDiff(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ContentHash computes a SHA-256 hash for the normalised content.
func ContentHash(content string) string {
	norm := NormalizeForDiff(content)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// ValueHash hashes the canonical JSON encoding of v. Map keys are sorted by encoding/json,
// so structurally equal values hash the same.
func ValueHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return ContentHash(string(raw)), nil
}

// ShortHash returns the first n hex characters of the hash of the parts joined by "|".
func ShortHash(n int, parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = NormalizeForDiff(p)
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	h := hex.EncodeToString(sum[:])
	if n <= 0 || n > len(h) {
		return h
	}
	return h[:n]
}
