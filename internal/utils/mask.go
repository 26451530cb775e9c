package utils

import "strings"

// MaskSecret hides all but the last four characters of s. Short secrets are
// hidden entirely.
func MaskSecret(s string) string {
	const visible = 4
	if s == "" {
		return ""
	}
	if len(s) <= 2*visible {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-visible) + s[len(s)-visible:]
}
