// Package syntax validates proposals from the semantic tier before they are
// eligible for auto-learning. A failing proposal goes to the review queue;
// it is never silently coerced into a passing form.
package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rudnitski/healthup-resolver/internal/model"
)

var (
	// ErrCaretExponent rejects caret-based exponents ("10^9/l"); the
	// canonical notation uses an asterisk ("10*9/l").
	ErrCaretExponent = errors.New("syntax: caret exponent, canonical form uses '*'")
	// ErrEmpty rejects empty proposals.
	ErrEmpty = errors.New("syntax: empty value")
)

// codeRe matches analyte codes: uppercase alphanumeric with underscores,
// starting with a letter. Mirrors the seed vocabulary ("FER", "HBA1C",
// "VIT_D_25OH").
var codeRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,15}$`)

// unitRe matches canonical unit notation: lowercase unit atoms and power-of-
// ten factors ("10*9") joined by '/' or '.', e.g. "g/l", "mmol/l", "10*9/l",
// "u/l", "%".
var unitRe = regexp.MustCompile(`^(%|(10\*[0-9]{1,2}|[a-z]+[0-9]{0,2})(([/.])(10\*[0-9]{1,2}|[a-z]+[0-9]{0,2}))*)$`)

// ValidateCode checks an analyte code proposal.
func ValidateCode(code string) error {
	if code == "" {
		return ErrEmpty
	}
	if !codeRe.MatchString(code) {
		return fmt.Errorf("syntax: invalid analyte code %q", code)
	}
	return nil
}

// ValidateUnit checks a canonical unit notation proposal.
func ValidateUnit(u string) error {
	if u == "" {
		return ErrEmpty
	}
	if strings.Contains(u, "^") {
		return fmt.Errorf("%w: %q", ErrCaretExponent, u)
	}
	if !unitRe.MatchString(u) {
		return fmt.Errorf("syntax: invalid unit notation %q", u)
	}
	return nil
}

// ValidateProposal applies the kind-appropriate check to a semantic-tier
// proposal: the code always, the unit only when present.
func ValidateProposal(kind model.EntryKind, code string, unit *string) error {
	switch kind {
	case model.KindUnit:
		// For the unit vocabulary, the code IS the canonical notation.
		return ValidateUnit(code)
	default:
		if err := ValidateCode(code); err != nil {
			return err
		}
		if unit != nil && *unit != "" {
			return ValidateUnit(*unit)
		}
		return nil
	}
}
