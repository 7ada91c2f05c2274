// Package extract finds fenced code blocks in model replies.
package extract

import (
	"regexp"
	"strings"

	"github.com/rendis/rlm/pkg/schema"
)

// fencePattern matches a block opened by three backticks with an optional
// language tag and a line break, and closed by three backticks on their own
// line. The body is matched lazily so adjacent blocks stay separate.
var fencePattern = regexp.MustCompile("(?ms)^[ \\t]*```[ \\t]*([A-Za-z0-9_+#.-]*)[ \\t]*\\r?\\n(.*?)\\r?\\n[ \\t]*```[ \\t]*\\r?$")

// Extract returns the fenced blocks in text in document order. The result is
// empty, never nil, when text holds no fenced block.
func Extract(text string) []schema.Snippet {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	snippets := make([]schema.Snippet, 0, len(matches))
	for i, m := range matches {
		snippets = append(snippets, schema.Snippet{
			Index:    i,
			Language: strings.ToLower(m[1]),
			Code:     strings.TrimSpace(m[2]),
		})
	}
	return snippets
}
