package dom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

const (
	// Matches per catalogue signature; a page with fifty spinners still tells
	// the same story as one with eight.
	maxBlockingMatches = 8

	// z-index at or above this counts as deliberately stacked over content.
	elevatedZIndex = 100

	// Length of the description prefix used to collapse duplicates.
	dedupePrefixLen = 40

	descriptionLimit = 80
)

// blockingSignature is one entry of the fixed blocking-element catalogue.
type blockingSignature struct {
	category string
	pattern  *regexp.Regexp
	// Spinners and error surfaces block interactions regardless of their
	// positioning, so they skip the z-index/position gate.
	alwaysBlocking bool
}

var blockingCatalogue = []blockingSignature{
	{
		category: "modal",
		pattern:  regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:modal|dialog|overlay|popup)[^"']*["']|role\s*=\s*["']dialog["']|aria-modal\s*=\s*["']true["']`),
	},
	{
		category: "cookie-consent",
		pattern:  regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:cookie|consent|gdpr)[^"']*["']`),
	},
	{
		category:       "spinner",
		pattern:        regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:spinner|loader|loading|progress)[^"']*["']|role\s*=\s*["']progressbar["']|aria-busy\s*=\s*["']true["']`),
		alwaysBlocking: true,
	},
	{
		category:       "error",
		pattern:        regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:error|alert|warning|toast)[^"']*["']|role\s*=\s*["']alert["']`),
		alwaysBlocking: true,
	},
	{
		category: "auth",
		pattern:  regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:login|log-in|signin|sign-in|auth)[^"']*["']`),
	},
	{
		category: "banner",
		pattern:  regexp.MustCompile(`(?i)(?:class|id)\s*=\s*["'][^"']*(?:banner|notification|announcement)[^"']*["']|role\s*=\s*["']banner["']`),
	},
}

var (
	zIndexRegex   = regexp.MustCompile(`(?i)z-index\s*:\s*(-?\d+)`)
	positionRegex = regexp.MustCompile(`(?i)position\s*:\s*(fixed|absolute)`)
)

// BlockingElements scans snapshot HTML for elements likely to sit between
// the test and its target: modals, cookie walls, spinners, error surfaces,
// auth prompts and banners. Hidden elements never count. Everything else
// must be deliberately stacked (elevated z-index or overlay positioning)
// unless its category always blocks.
func BlockingElements(html string) []schemas.BlockingElement {
	if html == "" {
		return nil
	}

	var found []schemas.BlockingElement
	seen := make(map[string]bool)

	for _, sig := range blockingCatalogue {
		for _, loc := range sig.pattern.FindAllStringIndex(html, maxBlockingMatches) {
			tag := enclosingOpenTag(html, loc[0])
			if tag == "" || isHiddenTag(tag) {
				continue
			}

			style := TagAttr(tag, "style")
			zIndex := styleZIndex(style)
			if !sig.alwaysBlocking && zIndex < elevatedZIndex && !positionRegex.MatchString(style) {
				continue
			}

			description := fmt.Sprintf("%s: %s", sig.category, truncate(tag, descriptionLimit))
			key := sig.category + "|" + truncate(description, dedupePrefixLen)
			if seen[key] {
				continue
			}
			seen[key] = true

			found = append(found, schemas.BlockingElement{
				Category:    sig.category,
				Description: description,
				ZIndex:      zIndex,
			})
		}
	}
	return found
}

func isHiddenTag(tag string) bool {
	if nonVisualTags[TagName(tag)] {
		return true
	}
	if style := TagAttr(tag, "style"); style != "" && hiddenStyleRegex.MatchString(style) {
		return true
	}
	return strings.Contains(" "+TagAttr(tag, "class")+" ", " hidden ") || hiddenAttrRegex.MatchString(tag)
}

func styleZIndex(style string) int {
	if m := zIndexRegex.FindStringSubmatch(style); m != nil {
		if z, err := strconv.Atoi(m[1]); err == nil {
			return z
		}
	}
	return 0
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
