// Package util holds small string helpers shared by the worker and the
// observer sinks.
package util

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// Truncate shortens s to at most maxLen runes, ending in "..." when cut.
// It does not understand ANSI escapes; use TruncateWidth for styled text.
func Truncate(s string, maxLen int) string {
	if maxLen <= len(ellipsis) {
		if s == "" {
			return ""
		}
		return ellipsis
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-len(ellipsis)]) + ellipsis
}

// TruncateWidth shortens s to maxWidth terminal columns, keeping escape
// sequences intact.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= len(ellipsis) {
		return ellipsis
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	return ansi.Truncate(s, maxWidth, ellipsis)
}

// SingleLine collapses every run of whitespace, newlines included, into one
// space. Multi-line commands and model errors are flattened this way before
// they go into a one-line status.
func SingleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Summarize flattens s and truncates it to maxLen runes.
func Summarize(s string, maxLen int) string {
	return Truncate(SingleLine(s), maxLen)
}
