package render

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// RichContent converts an HTML rich-content payload to terminal-friendly
// markdown. Content that does not convert cleanly is returned as-is rather
// than dropped.
func RichContent(html string) string {
	trimmed := strings.TrimSpace(html)
	if trimmed == "" {
		return ""
	}
	if !strings.Contains(trimmed, "<") {
		// Already plain text.
		return trimmed
	}
	md, err := htmltomarkdown.ConvertString(trimmed)
	if err != nil {
		return trimmed
	}
	return strings.TrimSpace(md)
}
