package dom

import "strings"

// LocateElement resolves a selector to its first matching element in snapshot
// HTML. It returns the reconstructed open tag and the immediate text content
// following it; ok is false when nothing matches. Lookup uses the same
// selector families as ElementVisibility.
func LocateElement(html, selector string) (openTag, innerText string, ok bool) {
	sel := strings.TrimSpace(selector)
	if html == "" || sel == "" {
		return "", "", false
	}

	pos := locateElement(html, sel)
	if pos < 0 {
		return "", "", false
	}

	start, end := enclosingTagBounds(html, pos)
	if start < 0 {
		return "", "", false
	}

	openTag = html[start:end]
	rest := html[end:]
	if idx := strings.IndexByte(rest, '<'); idx >= 0 {
		rest = rest[:idx]
	}
	return openTag, strings.TrimSpace(rest), true
}
