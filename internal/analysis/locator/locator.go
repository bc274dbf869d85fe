// internal/analysis/locator/locator.go
// Package locator reviews the selector involved in a failure: extract it
// from the failure text or the trace, grade its robustness, propose a
// sturdier replacement from the DOM, and let the reasoning model refine the
// combined verdict.
package locator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/llmutil"
	"github.com/verdictlabs/verdict-cli/internal/selector"
)

// heuristicConfidence is reported when the rule-based review stands alone
// without a DOM-grounded suggestion to inherit a confidence from.
const heuristicConfidence = 0.7

// selectorMentionRegex widens the gate beyond the classified category: a
// failure talking about selectors is worth reviewing whatever its category.
var selectorMentionRegex = regexp.MustCompile(`(?i)selector|locator|element`)

// Reviewer grades failing selectors and proposes replacements.
type Reviewer struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewReviewer builds the selector review stage.
func NewReviewer(llm schemas.LLMClient, logger *zap.Logger) *Reviewer {
	return &Reviewer{
		llm:    llm,
		logger: logger.Named("locator"),
	}
}

// Review analyzes the selector behind the failure. Nil is the defined
// outcome when the failure is not selector-related or no selector can be
// recovered from any source; it is never an error signal. Reasoning
// failures degrade to the rule-based review.
func (r *Reviewer) Review(ctx context.Context, fact *schemas.FailureFact, category *schemas.FailureCategory, snapshot *schemas.DOMSnapshot, trace *schemas.TraceData) *schemas.SelectorAnalysis {
	if !r.applies(fact, category) {
		return nil
	}

	extracted := r.extract(fact, trace)
	if extracted == nil {
		r.logger.Debug("Selector-flavored failure but no selector recoverable.",
			zap.String("test", fact.TestName))
		return nil
	}

	snapshotHTML := ""
	if snapshot != nil {
		snapshotHTML = snapshot.HTML
	}

	quality := selector.AnalyzeQuality(extracted.Selector, snapshotHTML)
	var suggestion *schemas.SelectorSuggestion
	if snapshotHTML != "" {
		suggestion = selector.Suggest(extracted, snapshotHTML)
	}

	refined, err := r.refine(ctx, fact, extracted, quality, suggestion)
	if err != nil {
		r.logger.Warn("Selector review reasoning failed, keeping the rule-based verdict.",
			zap.String("test", fact.TestName), zap.Error(err))
		return heuristicAnalysis(quality, suggestion)
	}
	return refined
}

// applies gates the stage: classified selector failures always qualify, and
// so does any failure whose step or error mentions selectors at all.
func (r *Reviewer) applies(fact *schemas.FailureFact, category *schemas.FailureCategory) bool {
	if category != nil && category.Category == schemas.CategorySelectorNotFound {
		return true
	}
	return selectorMentionRegex.MatchString(fact.FailedStep) ||
		selectorMentionRegex.MatchString(fact.Error)
}

// extract recovers the failing selector: step text first, then error text,
// then the most recent failing action's recorded selector.
func (r *Reviewer) extract(fact *schemas.FailureFact, trace *schemas.TraceData) *schemas.ExtractedSelector {
	if ext := selector.Extract(fact.FailedStep); ext != nil {
		return ext
	}
	if ext := selector.Extract(fact.Error); ext != nil {
		return ext
	}
	return recordedSelector(trace)
}

// recordedSelector falls back to the trace: the latest failing action that
// recorded a selector, typed by shape since no surrounding text exists.
func recordedSelector(trace *schemas.TraceData) *schemas.ExtractedSelector {
	if trace == nil {
		return nil
	}
	var best *schemas.ActionEvent
	for i := range trace.Actions {
		act := &trace.Actions[i]
		if act.Error == "" || act.Selector == "" {
			continue
		}
		if best == nil || act.StartTime > best.StartTime {
			best = act
		}
	}
	if best == nil {
		return nil
	}
	return &schemas.ExtractedSelector{
		Selector:        best.Selector,
		Type:            selectorTypeOf(best.Selector),
		Original:        best.Selector,
		UsedSemanticAPI: strings.HasPrefix(best.Selector, "getBy"),
	}
}

func selectorTypeOf(sel string) schemas.SelectorType {
	switch {
	case strings.HasPrefix(sel, "getBy"):
		return schemas.SelectorSemantic
	case selector.LooksLikeCSS(sel):
		return schemas.SelectorCSS
	default:
		return schemas.SelectorUnknown
	}
}

// heuristicAnalysis is the no-model review: the quality grade verbatim,
// with the DOM suggestion folded in when one exists.
func heuristicAnalysis(quality schemas.SelectorAnalysis, suggestion *schemas.SelectorSuggestion) *schemas.SelectorAnalysis {
	analysis := quality
	if suggestion != nil {
		analysis.SuggestedSelector = suggestion.Selector
		analysis.SuggestionReason = suggestion.Reason
		analysis.Confidence = suggestion.Confidence
	} else {
		analysis.Confidence = heuristicConfidence
	}
	return &analysis
}

// reviewReply is the strict JSON shape the model is asked for.
type reviewReply struct {
	Quality           string   `json:"quality"`
	Score             float64  `json:"score"`
	Issues            []string `json:"issues"`
	Strengths         []string `json:"strengths"`
	SuggestedSelector string   `json:"suggestedSelector"`
	SuggestionReason  string   `json:"suggestionReason"`
	Confidence        float64  `json:"confidence"`
}

func (r *Reviewer) refine(ctx context.Context, fact *schemas.FailureFact, extracted *schemas.ExtractedSelector, quality schemas.SelectorAnalysis, suggestion *schemas.SelectorSuggestion) (*schemas.SelectorAnalysis, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: r.systemPrompt(),
		UserPrompt:   r.constructPrompt(fact, extracted, quality, suggestion),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1,
		},
	}

	response, err := r.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("review call failed: %w", err)
	}
	reply, err := llmutil.ParseJSONResponse[reviewReply](response)
	if err != nil {
		return nil, fmt.Errorf("unparseable review reply: %w", err)
	}

	score := clamp01(reply.Score)
	rating := schemas.QualityRating(reply.Quality)
	switch rating {
	case schemas.QualityExcellent, schemas.QualityGood, schemas.QualityFragile, schemas.QualityPoor:
	default:
		rating = schemas.RatingForScore(score)
	}

	// The replacement must be locator-shaped. Models occasionally answer the
	// suggestedSelector field with advice prose; swap in the DOM-derived
	// candidate rather than surfacing a sentence as a selector.
	suggested := strings.TrimSpace(reply.SuggestedSelector)
	reason := reply.SuggestionReason
	if suggested != "" && selectorTypeOf(suggested) == schemas.SelectorUnknown {
		r.logger.Debug("Discarding non-locator replacement from the model.",
			zap.String("test", fact.TestName), zap.String("suggested", suggested))
		suggested, reason = "", ""
		if suggestion != nil {
			suggested, reason = suggestion.Selector, suggestion.Reason
		}
	}

	return &schemas.SelectorAnalysis{
		Quality:           rating,
		Score:             score,
		Issues:            reply.Issues,
		Strengths:         reply.Strengths,
		SuggestedSelector: suggested,
		SuggestionReason:  reason,
		Confidence:        clamp01(reply.Confidence),
	}, nil
}

func (r *Reviewer) systemPrompt() string {
	return `You are a browser test reliability expert reviewing a locator that just failed. Judge how robust the locator is, what is wrong with it, and what should replace it. A heuristic pre-review and a DOM-derived replacement candidate are provided; refine them rather than starting over.
Respond ONLY with a JSON object:
{
  "quality": "excellent|good|fragile|poor",
  "score": 0.0,
  "issues": ["..."],
  "strengths": ["..."],
  "suggestedSelector": "replacement locator, or empty if none is warranted",
  "suggestionReason": "why the replacement is sturdier",
  "confidence": 0.0
}`
}

func (r *Reviewer) constructPrompt(fact *schemas.FailureFact, extracted *schemas.ExtractedSelector, quality schemas.SelectorAnalysis, suggestion *schemas.SelectorSuggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the locator behind this failure.\n\n")
	fmt.Fprintf(&b, "**Test:** %s\n", fact.TestName)
	if fact.FailedStep != "" {
		fmt.Fprintf(&b, "**Failed step:** %s\n", fact.FailedStep)
	}
	fmt.Fprintf(&b, "**Error:** %s\n\n", fact.Error)

	fmt.Fprintf(&b, "**Locator:** %s (type %s)\n", extracted.Selector, extracted.Type)
	fmt.Fprintf(&b, "**Heuristic review:** %s, score %.2f\n", quality.Quality, quality.Score)
	for _, issue := range quality.Issues {
		fmt.Fprintf(&b, "- issue: %s\n", issue)
	}
	for _, strength := range quality.Strengths {
		fmt.Fprintf(&b, "- strength: %s\n", strength)
	}
	if suggestion != nil {
		fmt.Fprintf(&b, "**Replacement candidate from the DOM:** %s (%s strategy, confidence %.2f)\n  %s\n",
			suggestion.Selector, suggestion.Strategy, suggestion.Confidence, suggestion.Reason)
	} else {
		b.WriteString("**Replacement candidate from the DOM:** none found\n")
	}
	return b.String()
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
