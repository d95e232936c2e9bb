package validators

import (
	"strings"
	"unicode"
)

// SanitizeString strips control characters, collapses whitespace runs and
// truncates to maxLen runes. Used for operator-supplied labels and reasons
// that end up in the audit log.
func SanitizeString(input string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(input))
	space := false
	for _, r := range strings.TrimSpace(input) {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	out := b.String()
	if maxLen > 0 {
		if runes := []rune(out); len(runes) > maxLen {
			out = string(runes[:maxLen])
		}
	}
	return out
}
