package agent

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThinking removes a reasoning span delimited by think markers
// from text. The span is stripped only when the close marker is already
// present; a half-open span is left untouched so partial stream
// accumulations are not blanked mid-thought.
func StripThinking(text string) string {
	if !strings.Contains(text, thinkOpen) {
		return text
	}
	end := strings.Index(text, thinkClose)
	if end <= 0 {
		return text
	}
	return strings.TrimSpace(text[end+len(thinkClose):])
}

// ExtractThinking returns the content of the reasoning span, or ""
// when there is no complete span.
func ExtractThinking(text string) string {
	start := strings.Index(text, thinkOpen)
	if start < 0 {
		return ""
	}
	end := strings.Index(text, thinkClose)
	if end <= start {
		return ""
	}
	return text[start+len(thinkOpen) : end]
}
