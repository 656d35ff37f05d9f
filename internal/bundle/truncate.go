package bundle

import (
	"strings"
	"unicode"
)

// SmartTruncate shortens content to at most limit characters, suffix included.
// The cut happens at a word boundary; a leading word longer than the available
// room is dropped entirely, leaving only the suffix.
func SmartTruncate(content string, limit int, suffix string) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	suffixRunes := []rune(suffix)
	room := limit - len(suffixRunes)
	if room <= 0 {
		if limit <= 0 {
			return ""
		}
		return string(suffixRunes[:limit])
	}

	head := runes[:room]
	if !unicode.IsSpace(runes[room]) {
		cut := -1
		for i := len(head) - 1; i >= 0; i-- {
			if unicode.IsSpace(head[i]) {
				cut = i
				break
			}
		}
		if cut < 0 {
			return suffix
		}
		head = head[:cut]
	}
	return strings.TrimRightFunc(string(head), unicode.IsSpace) + suffix
}
