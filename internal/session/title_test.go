package session

import (
	"strings"
	"testing"
)

func TestFormatTitleStripsControlCharacters(t *testing.T) {
	title := FormatTitle("Hello\x00 world\x1b[0m")
	if strings.ContainsAny(title, "\x00\x1b") {
		t.Fatalf("expected control characters stripped, got %q", title)
	}
	if title != "Hello world[0m" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestFormatTitleCollapsesWhitespace(t *testing.T) {
	title := FormatTitle("  what   is\n\tmy balance  ")
	if title != "what is my balance" {
		t.Fatalf("unexpected title %q", title)
	}
}

func TestFormatTitleTruncatesLongInput(t *testing.T) {
	long := strings.Repeat("portfolio ", 20)
	title := FormatTitle(long)
	if got := len([]rune(title)); got > titleMaxRunes {
		t.Fatalf("title length = %d runes, want <= %d", got, titleMaxRunes)
	}
	if !strings.HasSuffix(title, "…") {
		t.Fatalf("expected truncated title to end with ellipsis, got %q", title)
	}
}

func TestFormatTitleIsIdempotent(t *testing.T) {
	inputs := []string{
		"Hello",
		strings.Repeat("a very long first message ", 10),
		"  spaced\tout\ninput  ",
	}
	for _, input := range inputs {
		once := FormatTitle(input)
		twice := FormatTitle(once)
		if once != twice {
			t.Fatalf("FormatTitle not idempotent for %q: %q != %q", input, once, twice)
		}
	}
}

func TestFormatTitleEmptyInput(t *testing.T) {
	if title := FormatTitle("  \x00\n  "); title != "New conversation" {
		t.Fatalf("expected fallback title, got %q", title)
	}
}
