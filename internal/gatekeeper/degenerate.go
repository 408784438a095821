package gatekeeper

import (
	"strings"
	"unicode"
)

const (
	minWords        = 3
	minWordLike     = 2
	minWordLikeRate = 0.5
)

// normalizeText lowercases text and reduces it to letters, digits and inner hyphens.
func normalizeText(text string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return unicode.ToLower(r)
		case r == '-':
			return r
		default:
			return ' '
		}
	}, text)
	fields := strings.Fields(mapped)
	for i, f := range fields {
		fields[i] = strings.Trim(f, "-")
	}
	return strings.Join(strings.Fields(strings.Join(fields, " ")), " ")
}

func isWordLike(token string) bool {
	letters := 0
	vowel := false
	for _, r := range token {
		switch {
		case r == '-':
			continue
		case !unicode.IsLetter(r):
			return false
		}
		letters++
		if strings.ContainsRune("aeiouy", r) {
			vowel = true
		}
	}
	return vowel && letters >= 2 && letters <= 20
}

// Degenerate reports input with no recoverable product intent: too short, or mostly tokens
// that do not look like words.
func Degenerate(text string) bool {
	words := strings.Fields(normalizeText(text))
	if len(words) < minWords {
		return true
	}
	wordLike := 0
	for _, w := range words {
		if isWordLike(w) {
			wordLike++
		}
	}
	if wordLike < minWordLike {
		return true
	}
	return float64(wordLike)/float64(len(words)) < minWordLikeRate
}
