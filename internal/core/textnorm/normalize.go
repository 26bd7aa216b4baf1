// Package textnorm folds text for matching: accents, case and punctuation are removed so that
// "Jurídico", "JURIDICO" and "juridico." compare equal.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func stripMarks() transform.Transformer {
	return transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Fold lowercases s, strips diacritics and replaces every non letter/digit run with one space.
func Fold(s string) string {
	stripped, _, err := transform.String(stripMarks(), s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := true
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Key is the canonical comparison key of a category name: folded, without spaces.
func Key(s string) string {
	return strings.ReplaceAll(Fold(s), " ", "")
}

// Slug is a filesystem-safe folder name for a category.
func Slug(s string) string {
	slug := strings.ReplaceAll(Fold(s), " ", "-")
	if slug == "" {
		return "uncategorized"
	}
	return slug
}

// DisplayName trims and collapses whitespace, keeping the original casing and accents.
func DisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Excerpt truncates s to at most maxRunes runes without splitting a rune.
func Excerpt(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return strings.TrimSpace(s[:i])
		}
		count++
	}
	return s
}

// CountPhrase counts word-bounded occurrences of a folded phrase in folded text.
func CountPhrase(foldedText, foldedPhrase string) int {
	if foldedPhrase == "" || foldedText == "" {
		return 0
	}
	// doubled separators keep adjacent matches from sharing a boundary space
	text := " " + strings.ReplaceAll(foldedText, " ", "  ") + " "
	phrase := " " + strings.ReplaceAll(foldedPhrase, " ", "  ") + " "
	return strings.Count(text, phrase)
}
