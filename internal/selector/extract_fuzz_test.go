// internal/selector/extract_fuzz_test.go
//go:build go1.18
// +build go1.18

package selector

import (
	"strings"
	"testing"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

func Fuzz_ExtractAndGrade(f *testing.F) {
	seeds := []string{
		"Locator: getByRole('button', { name: 'Place order' })",
		"waiting for locator('#submit-order')",
		`waiting for selector button[type="submit"]`,
		"failing selector div>div>div>span:nth-child(3) resolved 0 nodes",
		`Expected string: "Thank you for your order!"`,
		"locator.click: Timeout 30000ms exceeded.",
		"",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, text string) {
		first := Extract(text)
		second := Extract(text)

		if first == nil {
			if second != nil {
				t.Fatalf("extraction not deterministic for %q", text)
			}
			return
		}
		if second == nil || *second != *first {
			t.Fatalf("extraction not deterministic for %q", text)
		}
		if first.Selector == "" {
			t.Fatalf("extracted an empty selector from %q", text)
		}
		if !strings.Contains(first.Original, first.Selector) && first.Original != first.Selector {
			t.Fatalf("original %q does not carry selector %q", first.Original, first.Selector)
		}

		analysis := AnalyzeQuality(first.Selector, "")
		if analysis.Score < 0 || analysis.Score > 1 {
			t.Fatalf("score %v out of range for %q", analysis.Score, first.Selector)
		}
		if analysis.Quality != schemas.RatingForScore(analysis.Score) {
			t.Fatalf("rating %q inconsistent with score %v", analysis.Quality, analysis.Score)
		}
	})
}
