package dom

import (
	"regexp"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Backward/forward scan bound when reconstructing the enclosing tag around a
// match. Keeps lookups cheap on multi-megabyte snapshots.
const tagScanBound = 4096

// Tags that never render content.
var nonVisualTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
}

var (
	// Selector token extraction.
	idTokenRegex    = regexp.MustCompile(`#([A-Za-z_][\w-]*)`)
	classTokenRegex = regexp.MustCompile(`\.([A-Za-z_][\w-]*)`)
	attrTokenRegex  = regexp.MustCompile(`\[\s*([\w-]+)\s*(?:[*^$|~]?=\s*["']?([^"'\]]*)["']?)?\s*\]`)
	bareTagRegex    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*$`)

	// Inline styles that make an element invisible.
	hiddenStyleRegex = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden|opacity\s*:\s*0(?:\.0*)?\s*(?:;|$)`)

	// Bare hidden attribute or aria-hidden marker inside an open tag.
	hiddenAttrRegex = regexp.MustCompile(`(?i)(?:\shidden[\s>=]|aria-hidden\s*=\s*["']true["'])`)

	openTagNameRegex = regexp.MustCompile(`^<\s*/?([a-zA-Z][a-zA-Z0-9-]*)`)
)

// ElementVisibility looks a selector up in snapshot HTML and reports whether
// the element exists and appears visible. Lookup tries selector families in
// priority order: id, class, attribute, tag name, then literal text
// containment. Each family is a bounded text search.
func ElementVisibility(html, selector string) schemas.VisibilityCheck {
	sel := strings.TrimSpace(selector)
	if html == "" || sel == "" {
		return schemas.VisibilityCheck{Reason: "no document or selector to check"}
	}

	pos := locateElement(html, sel)
	if pos < 0 {
		return schemas.VisibilityCheck{Exists: false, Visible: false, Reason: "element not found in DOM snapshot"}
	}

	return assessOpenTag(enclosingOpenTag(html, pos))
}

// locateElement returns the byte offset of the first match for any selector
// family, or -1. Families that extract no token from the selector are
// skipped; families that extract one but find nothing fall through to the
// next.
func locateElement(html, sel string) int {
	if m := idTokenRegex.FindStringSubmatch(sel); m != nil {
		if pos := findByID(html, m[1]); pos >= 0 {
			return pos
		}
	}
	if m := classTokenRegex.FindStringSubmatch(sel); m != nil {
		if pos := findByClass(html, m[1]); pos >= 0 {
			return pos
		}
	}
	if m := attrTokenRegex.FindStringSubmatch(sel); m != nil {
		if pos := findByAttribute(html, m[1], m[2]); pos >= 0 {
			return pos
		}
	}
	if bareTagRegex.MatchString(sel) {
		if pos := findByTag(html, sel); pos >= 0 {
			return pos
		}
	}
	return findByText(html, sel)
}

func findByID(html, id string) int {
	re := regexp.MustCompile(`(?i)id\s*=\s*["']` + regexp.QuoteMeta(id) + `["']`)
	return matchStart(re, html)
}

func findByClass(html, class string) int {
	// Exact class token: delimited by attribute quotes or whitespace.
	re := regexp.MustCompile(`(?i)class\s*=\s*["'](?:[^"']*\s)?` + regexp.QuoteMeta(class) + `(?:\s[^"']*)?["']`)
	return matchStart(re, html)
}

func findByAttribute(html, name, value string) int {
	var re *regexp.Regexp
	if value == "" {
		re = regexp.MustCompile(`(?i)[\s<]` + regexp.QuoteMeta(name) + `(?:\s*=\s*["'][^"']*["'])?[\s/>=]`)
	} else {
		re = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(name) + `\s*=\s*["']?` + regexp.QuoteMeta(value) + `["']?`)
	}
	return matchStart(re, html)
}

func findByTag(html, tag string) int {
	re := regexp.MustCompile(`(?i)<` + regexp.QuoteMeta(tag) + `[\s/>]`)
	return matchStart(re, html)
}

func findByText(html, sel string) int {
	text := strings.TrimPrefix(sel, "text=")
	text = strings.Trim(text, `"'`)
	if text == "" {
		return -1
	}
	return strings.Index(html, text)
}

func matchStart(re *regexp.Regexp, html string) int {
	if loc := re.FindStringIndex(html); loc != nil {
		return loc[0]
	}
	return -1
}

// enclosingOpenTag reconstructs the open tag around a match position. For
// matches landing between tags (text containment) it walks back to the
// nearest opening tag, skipping closing tags.
func enclosingOpenTag(html string, pos int) string {
	start, end := enclosingTagBounds(html, pos)
	if start < 0 {
		return ""
	}
	return html[start:end]
}

// enclosingTagBounds returns the [start, end) byte range of the open tag
// around pos, or (-1, -1) when none can be reconstructed within the scan
// bound.
func enclosingTagBounds(html string, pos int) (int, int) {
	if pos >= len(html) {
		pos = len(html) - 1
	}

	low := pos - tagScanBound
	if low < 0 {
		low = 0
	}

	start := pos
	for start > low {
		if html[start] == '<' {
			if start+1 < len(html) && html[start+1] == '/' {
				// Closing tag: keep walking back to the element that opened
				// before it.
				start--
				continue
			}
			break
		}
		start--
	}
	if html[start] != '<' {
		return -1, -1
	}

	high := start + tagScanBound
	if high > len(html) {
		high = len(html)
	}
	for end := start + 1; end < high; end++ {
		if html[end] == '>' {
			return start, end + 1
		}
	}
	return start, high
}

func assessOpenTag(tag string) schemas.VisibilityCheck {
	if tag == "" {
		// Matched raw text with no reconstructable tag; treat as present.
		return schemas.VisibilityCheck{Exists: true, Visible: true, Reason: "text present in snapshot"}
	}

	name := TagName(tag)
	if nonVisualTags[name] {
		return schemas.VisibilityCheck{Exists: true, Visible: false, Reason: "matched a non-visual " + name + " tag"}
	}
	if style := TagAttr(tag, "style"); style != "" && hiddenStyleRegex.MatchString(style) {
		return schemas.VisibilityCheck{Exists: true, Visible: false, Reason: "hidden by inline style"}
	}
	if strings.Contains(" "+TagAttr(tag, "class")+" ", " hidden ") || hiddenAttrRegex.MatchString(tag) {
		return schemas.VisibilityCheck{Exists: true, Visible: false, Reason: "carries a hidden class or attribute"}
	}
	return schemas.VisibilityCheck{Exists: true, Visible: true, Reason: "element present in snapshot and not hidden"}
}

// TagName returns the lowercase element name of an open tag, or "" for
// strings that do not start a tag.
func TagName(tag string) string {
	if m := openTagNameRegex.FindStringSubmatch(tag); m != nil {
		return strings.ToLower(m[1])
	}
	return ""
}

// TagAttr returns the quoted value of an attribute inside an open tag, or ""
// when the attribute is absent or unquoted. The name must start at an
// attribute boundary so "id" never matches inside "data-testid".
func TagAttr(tag, name string) string {
	re := regexp.MustCompile(`(?i)(?:^|[\s"'])` + regexp.QuoteMeta(name) + `\s*=\s*["']([^"']*)["']`)
	if m := re.FindStringSubmatch(tag); m != nil {
		return m[1]
	}
	return ""
}
