// Package selector extracts locators from failure text, grades their
// robustness and proposes sturdier replacements from a captured DOM.
package selector

import (
	"regexp"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Quoted strings longer than this are assumed to be prose, not selectors,
// unless nothing better turns up.
const shortQuotedLimit = 60

var (
	// Runners print the locator behind an explicit label on assertion
	// failures; that line is the most reliable source.
	locatorLabelRegex = regexp.MustCompile(`(?im)^\s*locator:\s*(.+)$`)

	// Semantic locator API calls, most specific first. The tail swallows an
	// options object so Original carries the whole call.
	semanticCallRegexes = []*regexp.Regexp{
		regexp.MustCompile(`getByRole\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByTestId\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByLabel\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByPlaceholder\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByAltText\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByTitle\(\s*['"]([^'"]+)['"][^)]*\)?`),
		regexp.MustCompile(`getByText\(\s*['"]([^'"]+)['"][^)]*\)?`),
	}

	locatorCallRegex = regexp.MustCompile(`locator\(\s*['"]([^'"]+)['"]\s*\)?`)

	// CSS families in priority order: id, class, classed tag, attribute,
	// combinator chain.
	cssRegexes = []*regexp.Regexp{
		regexp.MustCompile(`#[A-Za-z_][\w-]*(?:\.[A-Za-z_][\w-]*|\[[^\]]*\])*`),
		regexp.MustCompile(`\.[A-Za-z_][\w-]*(?:\.[A-Za-z_][\w-]*|\[[^\]]*\])*`),
		regexp.MustCompile(`[A-Za-z][\w-]*(?:\.[A-Za-z_][\w-]*)+(?:\[[^\]]*\])*`),
		regexp.MustCompile(`[A-Za-z][\w-]*\[[^\]]+\]|\[[^\]]+\]`),
		regexp.MustCompile(`[A-Za-z_#.][\w.#:()'"=^$*~\[\]-]*(?:\s*[>+~]\s*[A-Za-z_#.*][\w.#:()'"=^$*~\[\]-]*)+`),
	}

	anyQuotedRegex = regexp.MustCompile(`['"]([^'"]+)['"]`)

	errorishRegex = regexp.MustCompile(`(?i)\b(?:error|timeout|timed|exceeded|waiting|failed|expected?|received|strict)\b`)

	// Runner API objects whose method calls read like tag.class compounds in
	// error prefixes ("locator.click: Timeout ...").
	apiObjectNames = map[string]bool{
		"locator": true,
		"page":    true,
		"frame":   true,
		"expect":  true,
		"test":    true,
		"browser": true,
		"context": true,
		"request": true,
	}
)

// Extract pulls the most plausible selector out of a step title or error
// message. A "Locator:" label line wins when present; otherwise semantic
// locator calls beat CSS patterns beat quoted strings. Returns nil only when
// the text contains nothing selector-shaped at all.
func Extract(text string) *schemas.ExtractedSelector {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if m := locatorLabelRegex.FindStringSubmatch(text); m != nil {
		if extracted := extractFrom(m[1]); extracted != nil {
			return extracted
		}
	}
	return extractFrom(text)
}

func extractFrom(text string) *schemas.ExtractedSelector {
	for _, re := range semanticCallRegexes {
		if m := re.FindStringSubmatch(text); m != nil {
			call := strings.TrimSpace(m[0])
			return &schemas.ExtractedSelector{
				Selector:        call,
				Type:            schemas.SelectorSemantic,
				Original:        call,
				UsedSemanticAPI: true,
			}
		}
	}

	if m := locatorCallRegex.FindStringSubmatch(text); m != nil {
		return &schemas.ExtractedSelector{
			Selector:        m[1],
			Type:            schemas.SelectorCSS,
			Original:        strings.TrimSpace(m[0]),
			UsedSemanticAPI: true,
		}
	}

	for _, re := range cssRegexes {
		if match := findCSSMatch(re, text); match != "" {
			return &schemas.ExtractedSelector{
				Selector: match,
				Type:     schemas.SelectorCSS,
				Original: match,
			}
		}
	}

	quoted := anyQuotedRegex.FindAllStringSubmatch(text, -1)
	for _, m := range quoted {
		if len(m[1]) <= shortQuotedLimit && !errorishRegex.MatchString(m[1]) {
			return &schemas.ExtractedSelector{
				Selector: m[1],
				Type:     schemas.SelectorText,
				Original: m[0],
			}
		}
	}
	if len(quoted) > 0 {
		return &schemas.ExtractedSelector{
			Selector: quoted[0][1],
			Type:     schemas.SelectorText,
			Original: quoted[0][0],
		}
	}
	return nil
}

// findCSSMatch returns the first match that starts at a word boundary and is
// not a runner API method chain.
func findCSSMatch(re *regexp.Regexp, text string) string {
	for _, loc := range re.FindAllStringIndex(text, -1) {
		if loc[0] > 0 && isSelectorWordByte(text[loc[0]-1]) {
			continue
		}
		match := strings.TrimSpace(text[loc[0]:loc[1]])
		if head, _, found := strings.Cut(match, "."); found && apiObjectNames[head] {
			continue
		}
		return match
	}
	return ""
}

func isSelectorWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_', b == '-', b == '.', b == '#':
		return true
	}
	return false
}
