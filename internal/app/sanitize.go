package app

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"inkwell/api/internal/store"
)

const (
	maxUsernameLength = 64
	maxContentLength  = 5000
	// maxSanitizePasses bounds how many layers of entity encoding are peeled.
	maxSanitizePasses = 8
)

var stripTagsPolicy = bluemonday.StripTagsPolicy()

// plainText removes markup and returns trimmed text. Entities are decoded
// and the result stripped again until it stops changing, so markup hidden
// behind one or more layers of encoding never survives as a live tag. Input
// that is still changing after maxSanitizePasses is kept in its escaped form.
func plainText(value string) string {
	text := value
	for pass := 0; pass < maxSanitizePasses; pass++ {
		next := html.UnescapeString(stripTagsPolicy.Sanitize(text))
		if next == text {
			return strings.TrimSpace(text)
		}
		text = next
	}
	return strings.TrimSpace(stripTagsPolicy.Sanitize(text))
}

func normalizeUsername(value string) string {
	name := plainText(value)
	if name == "" {
		return store.AnonymousUsername
	}
	return name
}
