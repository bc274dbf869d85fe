package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Enough text to compare against an expectation without hauling the whole
// document around.
const maxVisibleTextNodes = 400

// VisibleText extracts human-readable text nodes from snapshot HTML in
// document order, skipping script, style and noscript content. Whitespace
// is trimmed and blank nodes are dropped. Malformed markup is tolerated;
// extraction simply stops where the tokenizer does.
func VisibleText(doc string) []string {
	if doc == "" {
		return nil
	}

	tokenizer := html.NewTokenizer(strings.NewReader(doc))
	var (
		texts     []string
		skipDepth int
	)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return texts
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if nonVisualTags[string(name)] {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if nonVisualTags[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text == "" {
				continue
			}
			texts = append(texts, text)
			if len(texts) >= maxVisibleTextNodes {
				return texts
			}
		}
	}
}
