package selector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

func TestAnalyzeQuality(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		selector   string
		wantRating schemas.QualityRating
		wantIssue  string // substring of some issue, "" means no issues at all
	}{
		{
			name:       "test id call",
			selector:   "getByTestId('checkout-submit')",
			wantRating: schemas.QualityExcellent,
		},
		{
			name:       "role call with name",
			selector:   "getByRole('button', { name: 'Place order' })",
			wantRating: schemas.QualityExcellent,
		},
		{
			name:       "text call",
			selector:   "getByText('Place order')",
			wantRating: schemas.QualityGood,
			wantIssue:  "copy changes",
		},
		{
			name:       "id selector",
			selector:   "#submit-order",
			wantRating: schemas.QualityExcellent,
		},
		{
			name:       "data attribute selector",
			selector:   `[data-test="submit"]`,
			wantRating: schemas.QualityExcellent,
		},
		{
			name:       "attribute selector",
			selector:   `button[type="submit"]`,
			wantRating: schemas.QualityExcellent,
		},
		{
			name:       "class selector",
			selector:   ".btn-primary",
			wantRating: schemas.QualityGood,
			wantIssue:  "class names",
		},
		{
			name:       "dynamic class value",
			selector:   ".item-42",
			wantRating: schemas.QualityFragile,
			wantIssue:  "generated value",
		},
		{
			name:       "deep positional chain",
			selector:   "div>div>div>span:nth-child(3)",
			wantRating: schemas.QualityFragile,
			wantIssue:  "sibling order",
		},
		{
			name:       "anchored chain",
			selector:   "body > div.content",
			wantRating: schemas.QualityFragile,
			wantIssue:  "page structure",
		},
		{
			name:       "bare tag",
			selector:   "div",
			wantRating: schemas.QualityFragile,
			wantIssue:  "matches many",
		},
		{
			name:       "literal text",
			selector:   "Thank you for your order!",
			wantRating: schemas.QualityGood,
			wantIssue:  "copy changes",
		},
		{
			name:       "empty selector",
			selector:   "",
			wantRating: schemas.QualityPoor,
			wantIssue:  "empty selector",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			analysis := AnalyzeQuality(tc.selector, "")
			assert.Equal(t, tc.wantRating, analysis.Quality, "score was %v", analysis.Score)
			assert.Equal(t, schemas.RatingForScore(analysis.Score), analysis.Quality)

			if tc.wantIssue == "" {
				assert.Empty(t, analysis.Issues)
			} else {
				assert.Contains(t, strings.Join(analysis.Issues, "\n"), tc.wantIssue)
			}
		})
	}
}

func TestAnalyzeQuality_AttributeBeatsPositionalChain(t *testing.T) {
	t.Parallel()

	attr := AnalyzeQuality(`button[type="submit"]`, "")
	chain := AnalyzeQuality("div>div>div>span:nth-child(3)", "")

	assert.Greater(t, attr.Score, chain.Score)
	assert.Equal(t, schemas.QualityExcellent, attr.Quality)
	assert.Equal(t, schemas.QualityFragile, chain.Quality)
}

func TestAnalyzeQuality_ScoreClamped(t *testing.T) {
	t.Parallel()

	// Both the id and data-attribute bonuses together would push past 1.0.
	analysis := AnalyzeQuality(`#app[data-test="root"]`, "")
	assert.Equal(t, 1.0, analysis.Score)
	assert.NotEmpty(t, analysis.Strengths)
}

func TestAnalyzeQuality_TagCountPenalty(t *testing.T) {
	t.Parallel()

	domHTML := strings.Repeat("<div>x</div>", 12)

	with := AnalyzeQuality("div", domHTML)
	without := AnalyzeQuality("div", "")

	assert.Less(t, with.Score, without.Score)
	assert.Contains(t, strings.Join(with.Issues, "\n"), "appears 12 times")
}

func TestAnalyzeQuality_VolatileLiteralText(t *testing.T) {
	t.Parallel()

	stable := AnalyzeQuality("Thank you for your order!", "")
	volatile := AnalyzeQuality("Order placed on 2024-01-15", "")

	assert.Greater(t, stable.Score, volatile.Score)
	assert.Contains(t, strings.Join(volatile.Issues, "\n"), "vary between runs")
}

func TestRatingForScore_Boundaries(t *testing.T) {
	t.Parallel()

	assert.Equal(t, schemas.QualityExcellent, schemas.RatingForScore(0.8))
	assert.Equal(t, schemas.QualityGood, schemas.RatingForScore(0.79999))
	assert.Equal(t, schemas.QualityGood, schemas.RatingForScore(0.6))
	assert.Equal(t, schemas.QualityFragile, schemas.RatingForScore(0.4))
	assert.Equal(t, schemas.QualityPoor, schemas.RatingForScore(0.39))
}
