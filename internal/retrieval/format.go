package retrieval

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	fragmentSeparator = "\n\n"
	ellipsis          = "..."
)

func omittedMarker(n int) string {
	return fmt.Sprintf("\n[... %d fragment(s) omitted ...]", n)
}

// Format renders fragments for the generation prompt. Each fragment body is cut at the
// per-fragment cap and the whole output, omitted marker included, never exceeds the context cap.
func (a *Assembler) Format(fragments []Fragment) string {
	return Format(fragments, a.cfg.FragmentCharCap, a.cfg.ContextCharCap)
}

// Format is the cap-parameterized form of Assembler.Format.
func Format(fragments []Fragment, fragmentCap, contextCap int) string {
	if len(fragments) == 0 || contextCap <= 0 {
		return ""
	}
	blocks := make([]string, len(fragments))
	for i, f := range fragments {
		blocks[i] = renderFragment(f, fragmentCap)
	}

	included := len(blocks)
	out := strings.Join(blocks, fragmentSeparator)
	for len(out) > contextCap && included > 0 {
		included--
		out = strings.Join(blocks[:included], fragmentSeparator) + omittedMarker(len(blocks)-included)
	}
	if len(out) > contextCap {
		out = truncate(out, contextCap)
	}
	return out
}

func renderFragment(f Fragment, fragmentCap int) string {
	var header string
	if f.Tier == TierGraph {
		header = "### " + f.Category
	} else {
		header = fmt.Sprintf("### %s (%s, similarity %.2f)", f.Category, f.Tier, f.Similarity)
		if f.Gold {
			header += " [gold]"
		}
	}
	body := f.Content
	if fragmentCap > 0 && len(body) > fragmentCap {
		body = truncate(body, fragmentCap-len(ellipsis)) + ellipsis
	}
	return header + "\n" + body
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
