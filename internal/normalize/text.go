// Package normalize canonicalizes program text fields, codes and formation
// levels so records from different sources compare reliably.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Text folds s for comparison: diacritics removed, lower-cased, every
// non-alphanumeric rune turned into a space and whitespace collapsed.
func Text(s string) string {
	s = StripDiacritics(s)
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
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
	return strings.TrimRight(b.String(), " ")
}

// StripDiacritics removes combining marks after NFD decomposition, then
// recomposes what is left.
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Header folds a column header: diacritics removed, upper-cased, spaces and
// dashes turned into underscores.
func Header(s string) string {
	s = strings.ToUpper(strings.TrimSpace(StripDiacritics(s)))
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return s
}
