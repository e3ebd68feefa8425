package reconcile

import (
	"strings"
	"unicode"
)

// NormalizedKey is the canonical comparison form of a product code. Two raw
// codes that differ only in case, punctuation, internal whitespace or
// leading-zero padding normalize to the same key.
type NormalizedKey string

// Normalize canonicalizes a raw product code into a NormalizedKey.
//
// Rules: keep only letters and digits, uppercase them, then drop leading
// zeros as long as something remains ("0012" -> "12", "000" -> "0").
// Trailing characters are never touched, so variant suffixes survive
// ("A-0012b" -> "A0012B"). The function is pure and idempotent.
//
// Returns ErrInvalidCode when the input carries no alphanumeric content.
func Normalize(raw string) (NormalizedKey, error) {
	var b strings.Builder
	b.Grow(len(raw))

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}

	core := b.String()
	if core == "" {
		return "", ErrInvalidCode
	}

	trimmed := strings.TrimLeft(core, "0")
	if trimmed == "" {
		// All zeros: keep a single zero rather than collapsing to nothing.
		trimmed = "0"
	}

	return NormalizedKey(trimmed), nil
}
