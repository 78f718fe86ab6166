// Package logutil holds helpers for writing caller-supplied values into logs.
package logutil

import "strings"

// SanitizeForLog flattens a caller-supplied string (host names, user names,
// key paths) onto a single line. Newlines and tabs become spaces and other
// ASCII control characters are dropped, so a crafted value cannot forge
// additional log records.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n', r == '\r', r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 127:
			// drop
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Mask hides a secret, keeping at most the last four characters when the
// value is long enough for that to reveal little.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if r := []rune(value); len(r) > 8 {
		return "****" + string(r[len(r)-4:])
	}
	return "****"
}
