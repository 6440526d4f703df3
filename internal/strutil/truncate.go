// Package strutil provides string utility functions shared across packages.
package strutil

// Truncate truncates a string to a maximum length, appending "..." when
// anything was cut. Uses rune-level truncation to ensure Unicode safety.
// Returns empty string if maxLen <= 0 to prevent slice bounds panic.
func Truncate(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// Clip hard-bounds a string to maxLen runes without an ellipsis.
// Used for storage columns with a fixed size contract.
func Clip(s string, maxLen int) string {
	if s == "" || maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
