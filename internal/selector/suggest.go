package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/dom"
)

// Suggested text locators longer than this lose to lower-priority
// strategies.
const maxSuggestedTextLen = 50

var (
	nameOptionRegex = regexp.MustCompile(`name\s*:\s*['"]([^'"]+)['"]`)
	firstArgRegex   = regexp.MustCompile(`\(\s*['"]([^'"]+)['"]`)

	// Roles implied by the element itself when no role attribute is set.
	implicitRoles = map[string]string{
		"button":   "button",
		"a":        "link",
		"textarea": "textbox",
		"select":   "combobox",
		"img":      "img",
		"h1":       "heading",
		"h2":       "heading",
		"h3":       "heading",
		"h4":       "heading",
		"h5":       "heading",
		"h6":       "heading",
		"nav":      "navigation",
	}

	inputTypeRoles = map[string]string{
		"button":   "button",
		"submit":   "button",
		"checkbox": "checkbox",
		"radio":    "radio",
		"search":   "searchbox",
	}

	formControlTags = map[string]bool{
		"input":    true,
		"textarea": true,
		"select":   true,
	}
)

// Suggest proposes a sturdier locator for the element the extracted selector
// points at. Strategies are tried in fixed priority order, from test ids down
// to a plain id. Returns nil when the element cannot be located in the DOM
// or no strategy applies.
func Suggest(extracted *schemas.ExtractedSelector, domHTML string) *schemas.SelectorSuggestion {
	if extracted == nil || domHTML == "" {
		return nil
	}

	tag, inner, ok := dom.LocateElement(domHTML, lookupKey(extracted))
	if !ok {
		return nil
	}

	if testID := dom.TagAttr(tag, "data-testid"); testID != "" {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByTestId('%s')", testID),
			Strategy:   "test-id",
			Reason:     "test ids are dedicated hooks that survive markup and copy changes",
			Confidence: 0.95,
		}
	}

	role := elementRole(tag)
	name := accessibleName(tag, inner)

	if role != "" && name != "" {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByRole('%s', { name: '%s' })", role, name),
			Strategy:   "role-and-name",
			Reason:     "a role plus accessible name follows the accessibility tree instead of the markup",
			Confidence: 0.9,
		}
	}
	// A nameless role is only worth suggesting when it was declared or comes
	// from a strongly-roled element. Every bare input implies textbox and
	// every image implies img; suggesting those alone would shadow the
	// label, placeholder and alt strategies below.
	if role != "" && role != "img" && (dom.TagAttr(tag, "role") != "" || !formControlTags[dom.TagName(tag)]) {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByRole('%s')", role),
			Strategy:   "role",
			Reason:     "role-based lookup is independent of classes and structure",
			Confidence: 0.7,
		}
	}
	if label := dom.TagAttr(tag, "aria-label"); label != "" {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByLabel('%s')", label),
			Strategy:   "aria-label",
			Reason:     "the aria-label is part of the element's contract with assistive tech",
			Confidence: 0.8,
		}
	}
	if labelText := associatedLabelText(tag, domHTML); labelText != "" {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByLabel('%s')", labelText),
			Strategy:   "label",
			Reason:     "the form label is wired to this control and rarely changes",
			Confidence: 0.85,
		}
	}
	if formControlTags[dom.TagName(tag)] {
		if placeholder := dom.TagAttr(tag, "placeholder"); placeholder != "" {
			return &schemas.SelectorSuggestion{
				Selector:   fmt.Sprintf("getByPlaceholder('%s')", placeholder),
				Strategy:   "placeholder",
				Reason:     "placeholder text identifies the field without structural coupling",
				Confidence: 0.8,
			}
		}
	}
	if usableText(inner) {
		return &schemas.SelectorSuggestion{
			Selector:   fmt.Sprintf("getByText('%s')", inner),
			Strategy:   "text",
			Reason:     "short stable text is better than a structural chain",
			Confidence: 0.7,
		}
	}
	if dom.TagName(tag) == "img" {
		if alt := dom.TagAttr(tag, "alt"); alt != "" {
			return &schemas.SelectorSuggestion{
				Selector:   fmt.Sprintf("getByAltText('%s')", alt),
				Strategy:   "alt-text",
				Reason:     "alt text identifies the image by meaning rather than position",
				Confidence: 0.8,
			}
		}
	}
	if id := dom.TagAttr(tag, "id"); id != "" && !dynamicValueRegex.MatchString(id) {
		return &schemas.SelectorSuggestion{
			Selector:   "#" + id,
			Strategy:   "id",
			Reason:     "an id is at least unique, though not guaranteed stable",
			Confidence: 0.6,
		}
	}
	return nil
}

// lookupKey picks the string most likely to locate the element in raw HTML.
// Semantic calls search by accessible name or first argument; everything
// else searches by the selector itself.
func lookupKey(extracted *schemas.ExtractedSelector) string {
	if extracted.Type != schemas.SelectorSemantic {
		return extracted.Selector
	}
	if m := nameOptionRegex.FindStringSubmatch(extracted.Original); m != nil {
		return m[1]
	}
	if m := firstArgRegex.FindStringSubmatch(extracted.Original); m != nil {
		return m[1]
	}
	return extracted.Selector
}

func elementRole(tag string) string {
	if role := dom.TagAttr(tag, "role"); role != "" {
		return role
	}
	name := dom.TagName(tag)
	if name == "input" {
		if role, ok := inputTypeRoles[strings.ToLower(dom.TagAttr(tag, "type"))]; ok {
			return role
		}
		return "textbox"
	}
	return implicitRoles[name]
}

func accessibleName(tag, inner string) string {
	if label := dom.TagAttr(tag, "aria-label"); label != "" {
		return label
	}
	if usableText(inner) {
		return inner
	}
	return ""
}

// associatedLabelText finds <label for="..."> text for a control with an id.
func associatedLabelText(tag, domHTML string) string {
	id := dom.TagAttr(tag, "id")
	if id == "" || !formControlTags[dom.TagName(tag)] {
		return ""
	}
	re := regexp.MustCompile(`(?is)<label[^>]*\bfor\s*=\s*["']` + regexp.QuoteMeta(id) + `["'][^>]*>\s*([^<]+?)\s*</label>`)
	if m := re.FindStringSubmatch(domHTML); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func usableText(text string) bool {
	return text != "" && len(text) <= maxSuggestedTextLen && !volatileTextRegex.MatchString(text)
}
