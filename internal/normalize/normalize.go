// Package normalize turns raw free-text labels into stable lookup keys.
//
// The same key function feeds the alias table writes and every tier lookup,
// so any change here effectively invalidates learned aliases. Keep it boring.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// decompose applies compatibility decomposition and strips combining marks,
// so "Hämoglobin" and "Hemoglobin" (with a precomposed or combining umlaut)
// land on the same base letters.
var decompose = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))

// Key canonicalizes a raw label into a lookup key. It returns "" for inputs
// that normalize to nothing (null key); callers treat that as UNRESOLVED and
// never as an error.
func Key(raw string) string {
	if raw == "" {
		return ""
	}

	s, _, err := transform.String(decompose, raw)
	if err != nil {
		// Transform failures are possible only on invalid UTF-8; fall back to
		// the raw bytes so the rest of the pipeline still produces a key.
		s = raw
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 'µ' || r == 'μ':
			// Micro sign and Greek mu render identically in unit strings
			// (µg, μg). Collapse both to ASCII so they share one alias key.
			b.WriteRune('u')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		default:
			// Punctuation, symbols and whitespace all become separators.
			b.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
