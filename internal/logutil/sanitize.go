package logutil

import (
	"strings"
	"unicode"
)

// MaxFieldLen bounds how much of a remote-supplied string reaches a log line.
const MaxFieldLen = 256

// SanitizeForLog flattens newlines and tabs to spaces and drops other control
// characters, so a hostname or server banner cannot forge extra log entries.
// Output longer than MaxFieldLen runes is truncated with an ellipsis.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case unicode.IsControl(r):
			continue
		}
		if n == MaxFieldLen {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
