package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a display name into the key used for uniqueness and
// presence grouping: surrounding whitespace trimmed, NFC composed, then
// Unicode case folded. Composed and decomposed spellings of the same name
// produce the same key.
func NormalizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Fold().String(norm.NFC.String(s))
}
