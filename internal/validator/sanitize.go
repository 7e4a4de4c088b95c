package validator

import (
	"regexp"
	"strings"
)

// Sanitization is lossy by design: it never fails, it only narrows the
// input. The passes are ordered so that re-sanitizing already-sanitized
// text is a no-op (no double encoding, nothing left for the strip passes).
var (
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	htmlComments = regexp.MustCompile(`(?s)<!--.*?-->|/\*.*?\*/`)
	scriptBlocks = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script\s*>`)
	htmlTags     = regexp.MustCompile(`<[^>]*>`)
	uriSchemes   = regexp.MustCompile(`(?i)javascript\s*:|vbscript\s*:|data:text/html[^,"']*,?`)

	// Matches a bare ampersand or one already followed by an entity we
	// emit. Used to encode & exactly once.
	ampOrEntity = regexp.MustCompile(`&(amp;|lt;|gt;|quot;|#39;)?`)
)

// SanitizeString cleans one string value: control characters, comments,
// script blocks, HTML tags and dangerous URI schemes are removed, then the
// HTML-significant characters are entity-encoded. The strip passes repeat
// until the string stops changing: a single pass could remove a match and
// splice its surroundings into a new one ("javajavascript:script:" strips
// to "javascript:").
func SanitizeString(s string) string {
	s = controlChars.ReplaceAllString(s, "")
	for {
		prev := s
		s = htmlComments.ReplaceAllString(s, "")
		s = scriptBlocks.ReplaceAllString(s, "")
		s = htmlTags.ReplaceAllString(s, "")
		s = uriSchemes.ReplaceAllString(s, "")
		if s == prev {
			break
		}
	}

	s = ampOrEntity.ReplaceAllStringFunc(s, func(m string) string {
		if m == "&" {
			return "&amp;"
		}
		return m // already encoded
	})
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")

	return s
}
