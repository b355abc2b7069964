package search

import (
	"html"
	"strings"
)

// Highlight delimiters handed to the engines in place of <mark>. They are
// private-use runes; a comment containing one can at worst produce a stray
// <mark> tag.
const (
	markOpen  = "\ue000"
	markClose = "\ue001"
)

// safeSnippet HTML-escapes engine output and only then turns the highlight
// delimiters into <mark> tags, so the snippet is safe to render as HTML.
func safeSnippet(highlighted string) string {
	escaped := html.EscapeString(highlighted)
	escaped = strings.ReplaceAll(escaped, markOpen, "<mark>")
	return strings.ReplaceAll(escaped, markClose, "</mark>")
}
