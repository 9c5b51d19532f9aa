package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeUsername canonicalises a user-entered username: surrounding
// whitespace is dropped and the text is NFKD-normalised so visually
// identical inputs compare equal.
func NormalizeUsername(s string) string {
	return norm.NFKD.String(strings.TrimSpace(s))
}
