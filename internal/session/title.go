package session

import (
	"strings"
	"unicode"
)

// titleMaxRunes caps the display length of a derived thread title.
const titleMaxRunes = 48

// FormatTitle derives a thread title from the first user message. Control
// characters are stripped, whitespace runs collapse to a single space, and the
// result is truncated to titleMaxRunes. Pure function, idempotent.
func FormatTitle(firstMessage string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range firstMessage {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}

	title := strings.TrimSpace(b.String())
	if title == "" {
		return "New conversation"
	}

	runes := []rune(title)
	if len(runes) <= titleMaxRunes {
		return title
	}
	return strings.TrimSpace(string(runes[:titleMaxRunes-1])) + "…"
}
