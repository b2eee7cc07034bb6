package htmlutil

import (
	"strings"

	"github.com/k3a/html2text"
)

// ToText converts HTML to plain text using a proper HTML parser.
func ToText(s string) string {
	return html2text.HTML2Text(s)
}

// Snippet renders an HTML (or plain) response body as a single line of text
// no longer than max runes, for use in error messages.
func Snippet(body []byte, max int) string {
	text := strings.Join(strings.Fields(ToText(string(body))), " ")
	runes := []rune(text)
	if max > 0 && len(runes) > max {
		return string(runes[:max]) + "..."
	}
	return text
}
