package storage

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NameKey returns the comparison key for a display name: surrounding space
// trimmed, inner runs of whitespace collapsed, NFC-normalised and
// case-folded. Two names collide iff their keys are equal.
func NameKey(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	return cases.Fold().String(norm.NFC.String(collapsed))
}

// CleanName trims and collapses whitespace but keeps the caller's casing.
func CleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
