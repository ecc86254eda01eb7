package reconcile

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// Normalize canonicalizes a field value for equality checks: Unicode NFKC,
// case folding, collapsed whitespace, and trailing punctuation dropped.
func Normalize(v string) string {
	v = norm.NFKC.String(v)
	v = folder.String(v)
	v = strings.Join(strings.Fields(v), " ")
	return strings.TrimRight(v, ".,;:")
}

// Equivalent reports whether two values are the same after normalization.
func Equivalent(a, b string) bool {
	return Normalize(a) == Normalize(b)
}
