package document

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/specforge/internal/helpers"
)

// Sanitize strips HTML markup from every string in a JSON document, keys included, and
// returns the re-encoded value. Generated and edited documents pass through it before
// they are stored.
func Sanitize(data json.RawMessage) (json.RawMessage, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sanitizeValue(v)); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return helpers.StripMarkup(t)
	case []any:
		for i := range t {
			t[i] = sanitizeValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[helpers.StripMarkup(k)] = sanitizeValue(val)
		}
		return out
	default:
		return v
	}
}
