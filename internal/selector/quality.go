package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Scoring starts at 1.0 and moves by these amounts. Magnitudes are tuned so
// an id or data-attribute selector lands excellent, a positional chain lands
// fragile and a bare tag never rates above good.
const (
	cssBasePenalty      = 0.10
	cssDepthPenalty     = 0.10 // applied once at depth >=2 and again at >=3
	classPenalty        = 0.15
	idBonus             = 0.15
	dataAttrBonus       = 0.20
	textCallPenalty     = 0.25 // getByText
	literalTextPenalty  = 0.25
	volatileTextPenalty = 0.15
	dynamicValuePenalty = 0.20
	genericTagPenalty   = 0.40
	overlongPenalty     = 0.10
	antiPatternPenalty  = 0.15
	anchoredPenalty     = 0.10
	nonUniqueTagPenalty = 0.10

	overlongSelectorLen = 100
	nonUniqueTagCount   = 10
)

var (
	semanticCallNameRegex = regexp.MustCompile(`(getBy(?:Role|TestId|Label|Placeholder|AltText|Title|Text))\s*\(`)

	bareTagOnlyRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*$`)
	leadingTagRegex  = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9]*)`)

	cssDepthSplitRegex = regexp.MustCompile(`\s*[>+~]\s*|\s+`)

	antiPatternRegex  = regexp.MustCompile(`:nth-child|:first-child|:last-child`)
	anchoredRegex     = regexp.MustCompile(`^\s*(?:body|html)\s*>`)
	dynamicValueRegex = regexp.MustCompile(`(?i)\d+\s*$|random|uuid|id-`)
	volatileTextRegex = regexp.MustCompile(`\d`)
	cssMarkerRegex    = regexp.MustCompile(`[#.\[\]>+~]`)
	cssCharsetRegex   = regexp.MustCompile(`^[\w\s.#:()'"=^$*~\[\]>+-]+$`)
)

// AnalyzeQuality grades how likely a selector is to keep working as the
// application evolves. The score starts at 1.0; robustness signals add,
// fragility signals subtract, and the result is clamped to [0,1]. When
// snapshot HTML is supplied, tag-only selectors are additionally checked for
// uniqueness against it.
func AnalyzeQuality(sel, domHTML string) schemas.SelectorAnalysis {
	s := strings.TrimSpace(sel)
	if s == "" {
		return schemas.SelectorAnalysis{
			Quality: schemas.QualityPoor,
			Issues:  []string{"empty selector"},
		}
	}

	score := 1.0
	var issues, strengths []string
	isCSS := false

	switch {
	case semanticCallNameRegex.MatchString(s):
		switch m := semanticCallNameRegex.FindStringSubmatch(s); m[1] {
		case "getByTestId":
			strengths = append(strengths, "test ids are dedicated hooks, immune to markup and copy changes")
		case "getByRole":
			strengths = append(strengths, "role-based locators track the accessibility tree, not the markup")
		case "getByLabel":
			strengths = append(strengths, "label associations follow the form's own wiring")
		case "getByText":
			score -= textCallPenalty
			issues = append(issues, "text locators break when visible copy changes")
		default:
			strengths = append(strengths, "locator API resolution is sturdier than raw CSS")
		}
	case LooksLikeCSS(s):
		isCSS = true
		score -= cssBasePenalty

		if depth := cssDepth(s); depth >= 2 {
			score -= cssDepthPenalty
			if depth >= 3 {
				score -= cssDepthPenalty
			}
			issues = append(issues, fmt.Sprintf("selector chains %d levels deep", depth))
		}
		if strings.Contains(s, "[data-") {
			score += dataAttrBonus
			strengths = append(strengths, "data attributes are stable test hooks")
		}
		if strings.Contains(s, "#") {
			score += idBonus
			strengths = append(strengths, "id-anchored selection is usually unique")
		} else if strings.Contains(s, ".") {
			score -= classPenalty
			issues = append(issues, "class names tend to change with styling work")
		}
		if antiPatternRegex.MatchString(s) {
			score -= antiPatternPenalty
			issues = append(issues, "positional pseudo-classes depend on sibling order")
		}
		if anchoredRegex.MatchString(s) {
			score -= anchoredPenalty
			issues = append(issues, "anchoring at body/html couples the selector to page structure")
		}
		if bareTagOnlyRegex.MatchString(s) {
			score -= genericTagPenalty
			issues = append(issues, "a bare tag name matches many elements")
		}
		if len(s) > overlongSelectorLen {
			score -= overlongPenalty
			issues = append(issues, "overly long selectors are hard to keep aligned with markup")
		}
	default:
		score -= literalTextPenalty
		issues = append(issues, "literal text matching breaks when copy changes")
		if volatileTextRegex.MatchString(s) {
			score -= volatileTextPenalty
			issues = append(issues, "text contains digits or dates that vary between runs")
		}
	}

	if dynamicValueRegex.MatchString(s) {
		score -= dynamicValuePenalty
		issues = append(issues, "selector appears bound to a generated value")
	}

	if isCSS && domHTML != "" {
		if m := leadingTagRegex.FindStringSubmatch(s); m != nil {
			if n := strings.Count(strings.ToLower(domHTML), "<"+strings.ToLower(m[1])); n > nonUniqueTagCount {
				score -= nonUniqueTagPenalty
				issues = append(issues, fmt.Sprintf("<%s> appears %d times in the captured DOM", strings.ToLower(m[1]), n))
			}
		}
	}

	score = clamp01(score)
	return schemas.SelectorAnalysis{
		Quality:   schemas.RatingForScore(score),
		Score:     score,
		Issues:    issues,
		Strengths: strengths,
	}
}

// LooksLikeCSS reports whether s plausibly addresses the page structurally:
// a bare tag name, or css marker characters over a css-safe charset.
func LooksLikeCSS(s string) bool {
	if bareTagOnlyRegex.MatchString(s) {
		return true
	}
	return cssMarkerRegex.MatchString(s) && cssCharsetRegex.MatchString(s)
}

// cssDepth counts combinator-separated parts.
func cssDepth(s string) int {
	parts := cssDepthSplitRegex.Split(strings.TrimSpace(s), -1)
	depth := 0
	for _, p := range parts {
		if p != "" {
			depth++
		}
	}
	return depth
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
