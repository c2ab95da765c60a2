// Package phone normalizes phone numbers to the canonical digit-only form
// stored on users and used for contact matching. Both paths must share one
// Normalizer, otherwise matches silently fail.
package phone

import (
	"strings"
	"unicode"

	"chiller/backend/internal/apperr"
)

// DefaultPrefixes are the country prefixes stripped when none are configured.
var DefaultPrefixes = []string{"+91", "0091"}

// Normalizer canonicalizes raw phone numbers.
type Normalizer struct {
	Prefixes []string
	// Digits is the exact length required by Validate. Zero disables the check.
	Digits int
}

// New returns a Normalizer for the given prefixes and length.
func New(prefixes []string, digits int) *Normalizer {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	return &Normalizer{Prefixes: prefixes, Digits: digits}
}

// Normalize strips whitespace, common separators and the first matching
// country prefix. The result is a non-empty run of ASCII digits.
func (n *Normalizer) Normalize(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		switch r {
		case '-', '(', ')', '.':
			return -1
		}
		return r
	}, raw)

	for _, p := range n.Prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}

	if s == "" {
		return "", apperr.ErrInvalidPhone
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", apperr.ErrInvalidPhone
		}
	}
	return s, nil
}

// Validate normalizes raw and additionally enforces the configured length.
// Used where a number is stored, not where one is looked up.
func (n *Normalizer) Validate(raw string) (string, error) {
	s, err := n.Normalize(raw)
	if err != nil {
		return "", err
	}
	if n.Digits > 0 && len(s) != n.Digits {
		return "", apperr.ErrInvalidPhone
	}
	return s, nil
}
