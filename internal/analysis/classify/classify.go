// internal/analysis/classify/classify.go
// Package classify assigns a failure category to each failure fact. Pattern
// rules score the five known categories deterministically; the reasoning
// model is consulted only when the rules are inconclusive.
package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/llmutil"
)

const (
	// ruleConfidenceCap keeps even overwhelming pattern evidence short of
	// certainty, so a reviewer can always override a rule verdict.
	ruleConfidenceCap = 0.95

	// highConfidence accepts a rule verdict without consulting the model.
	highConfidence = 0.8
	// hintThreshold is the floor below which a rule match is too weak to
	// even serve as a hint.
	hintThreshold = 0.5

	timeoutFieldBonus  = 0.15
	assertionStepBonus = 0.2

	maxStackLines = 6
)

// weightedPattern contributes its weight to a category score when it matches
// the combined failure text.
type weightedPattern struct {
	re     *regexp.Regexp
	weight float64
}

// categoryRule scores one category independently of the others. The optional
// bonus inspects structured fact fields that plain text matching cannot see.
type categoryRule struct {
	category schemas.CategoryKind
	patterns []weightedPattern
	bonus    func(fact *schemas.FailureFact) float64
}

var stepAssertionRegex = regexp.MustCompile(`(?i)\b(?:expect|assert)`)

// categoryRules is evaluated in order; on a score tie the earlier entry wins.
var categoryRules = []categoryRule{
	{
		category: schemas.CategorySelectorNotFound,
		patterns: []weightedPattern{
			{regexp.MustCompile(`(?i)waiting for (?:locator|selector|element|getby)`), 0.6},
			{regexp.MustCompile(`(?i)strict mode violation`), 0.5},
			{regexp.MustCompile(`(?i)resolved to \d+ elements`), 0.3},
			{regexp.MustCompile(`(?i)(?:element|selector|locator) (?:is )?not (?:found|visible|attached|enabled|stable)`), 0.5},
			{regexp.MustCompile(`(?i)no (?:element|node) (?:found|matches)`), 0.5},
			{regexp.MustCompile(`(?i)failed to find (?:element|locator)`), 0.4},
			{regexp.MustCompile(`(?i)detached from (?:the )?dom`), 0.4},
		},
	},
	{
		category: schemas.CategoryTimeout,
		patterns: []weightedPattern{
			{regexp.MustCompile(`(?i)timeout(?: of)? \d+\s*m?s exceeded`), 0.5},
			{regexp.MustCompile(`(?i)test timeout`), 0.4},
			{regexp.MustCompile(`(?i)\btimed out\b`), 0.4},
			{regexp.MustCompile(`(?i)deadline exceeded`), 0.4},
		},
		bonus: func(fact *schemas.FailureFact) float64 {
			if fact.Timeout > 0 {
				return timeoutFieldBonus
			}
			return 0
		},
	},
	{
		category: schemas.CategoryAssertionFailed,
		patterns: []weightedPattern{
			{regexp.MustCompile(`(?i)\bexpect\(`), 0.5},
			{regexp.MustCompile(`(?i)\bassert(?:ion)?\b`), 0.5},
			{regexp.MustCompile(`(?i)\bexpected\b`), 0.3},
			{regexp.MustCompile(`(?i)\breceived\b`), 0.3},
			{regexp.MustCompile(`(?i)\bto(?:be|have|contain|equal|match)[a-z]*\(`), 0.4},
		},
		bonus: func(fact *schemas.FailureFact) float64 {
			if stepAssertionRegex.MatchString(fact.FailedStep) {
				return assertionStepBonus
			}
			return 0
		},
	},
	{
		category: schemas.CategoryNavigationError,
		patterns: []weightedPattern{
			{regexp.MustCompile(`(?i)\bnet::err_[a-z_]+`), 0.5},
			{regexp.MustCompile(`(?i)connection[_ ](?:refused|reset|closed|timed[_ ]out)`), 0.4},
			{regexp.MustCompile(`(?i)\bdns\b|name[_ ]not[_ ]resolved`), 0.4},
			{regexp.MustCompile(`(?i)navigation (?:failed|interrupted|timeout)`), 0.5},
			{regexp.MustCompile(`(?i)page\.goto`), 0.3},
			{regexp.MustCompile(`(?i)\bssl\b|\bcertificate\b`), 0.3},
			{regexp.MustCompile(`(?i)page crashed`), 0.4},
		},
	},
	{
		category: schemas.CategoryAuthError,
		patterns: []weightedPattern{
			{regexp.MustCompile(`(?i)\bunauthori[sz]ed\b`), 0.5},
			{regexp.MustCompile(`(?i)\bforbidden\b`), 0.5},
			{regexp.MustCompile(`\b40[13]\b`), 0.4},
			{regexp.MustCompile(`(?i)(?:invalid|expired|missing) (?:credentials|token|session|api key)`), 0.5},
			{regexp.MustCompile(`(?i)(?:login|log in|sign[- ]?in) (?:failed|required)`), 0.5},
			{regexp.MustCompile(`(?i)\bauthenticat`), 0.4},
			{regexp.MustCompile(`(?i)access denied`), 0.5},
			{regexp.MustCompile(`(?i)\bcsrf\b`), 0.4},
		},
	},
}

// ruleVerdict is the outcome of the deterministic scoring pass.
type ruleVerdict struct {
	category   schemas.CategoryKind
	confidence float64 // Capped at ruleConfidenceCap.
	hits       int
}

// Classifier assigns failure categories. Safe for concurrent use; the rule
// tables are read-only and the reasoning client serializes its own state.
type Classifier struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewClassifier builds the classification stage.
func NewClassifier(llm schemas.LLMClient, logger *zap.Logger) *Classifier {
	return &Classifier{
		llm:    llm,
		logger: logger.Named("classify"),
	}
}

// Classify assigns exactly one category to the fact. It never returns nil
// and never propagates an error: a reasoning failure degrades to an unknown
// verdict with zero confidence.
func (c *Classifier) Classify(ctx context.Context, fact *schemas.FailureFact) *schemas.FailureCategory {
	verdict := scoreRules(fact)

	if verdict != nil && verdict.confidence >= highConfidence {
		c.logger.Debug("Rule classification accepted.",
			zap.String("test", fact.TestName),
			zap.String("category", string(verdict.category)),
			zap.Float64("confidence", verdict.confidence))
		return &schemas.FailureCategory{
			Category:   verdict.category,
			Confidence: verdict.confidence,
			Reasoning:  fmt.Sprintf("%d pattern hit(s) for %s in the failure text", verdict.hits, verdict.category),
		}
	}

	var hint *ruleVerdict
	if verdict != nil && verdict.confidence >= hintThreshold {
		hint = verdict
	}

	category, err := c.consult(ctx, fact, hint)
	if err != nil {
		c.logger.Warn("Classification reasoning failed, degrading to unknown.",
			zap.String("test", fact.TestName), zap.Error(err))
		return &schemas.FailureCategory{
			Category:   schemas.CategoryUnknown,
			Confidence: 0.0,
			Reasoning:  fmt.Sprintf("classification fallback: %v", err),
		}
	}
	return category
}

// scoreRules runs every category rule over the fact and returns the best
// scorer, or nil when nothing matched at all.
func scoreRules(fact *schemas.FailureFact) *ruleVerdict {
	text := combinedText(fact)

	var best *ruleVerdict
	for _, rule := range categoryRules {
		score := 0.0
		hits := 0
		for _, p := range rule.patterns {
			if p.re.MatchString(text) {
				score += p.weight
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		if rule.bonus != nil {
			score += rule.bonus(fact)
		}
		if score > ruleConfidenceCap {
			score = ruleConfidenceCap
		}
		if best == nil || score > best.confidence {
			best = &ruleVerdict{category: rule.category, confidence: score, hits: hits}
		}
	}
	return best
}

func combinedText(fact *schemas.FailureFact) string {
	parts := []string{fact.Error, fact.FailedStep}
	if len(fact.StackTrace) > 0 {
		parts = append(parts, strings.Join(fact.StackTrace, "\n"))
	}
	return strings.Join(parts, "\n")
}

// classifyReply is the strict JSON shape the model is asked for.
type classifyReply struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// consult asks the reasoning model to classify the failure, optionally
// seeded with the inconclusive rule verdict as a hint.
func (c *Classifier) consult(ctx context.Context, fact *schemas.FailureFact, hint *ruleVerdict) (*schemas.FailureCategory, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: c.systemPrompt(),
		UserPrompt:   c.constructPrompt(fact, hint),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1, // Classification should be near-deterministic.
		},
	}

	response, err := c.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("reasoning call failed: %w", err)
	}

	reply, err := llmutil.ParseJSONResponse[classifyReply](response)
	if err != nil {
		return nil, fmt.Errorf("unparseable classification reply: %w", err)
	}

	kind := schemas.CategoryKind(reply.Category)
	if !kind.Valid() {
		return nil, fmt.Errorf("model returned undefined category %q", reply.Category)
	}
	confidence := reply.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	return &schemas.FailureCategory{
		Category:   kind,
		Confidence: confidence,
		Reasoning:  reply.Reasoning,
	}, nil
}

func (c *Classifier) systemPrompt() string {
	return `You are a senior test engineer triaging automated browser test failures. Classify each failure into exactly one category:
- selector_not_found: the test could not locate or interact with its target element.
- timeout: an operation or the whole test ran out of time.
- assertion_failed: the page was reached but an expectation about its content failed.
- navigation_error: the page itself failed to load (network, DNS, TLS, crash).
- auth_error: the failure stems from authentication or authorization.
- unknown: none of the above fits.
Respond ONLY with a JSON object in the required format.`
}

func (c *Classifier) constructPrompt(fact *schemas.FailureFact, hint *ruleVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify this browser test failure.\n\n")
	fmt.Fprintf(&b, "**Test:** %s\n", fact.TestName)
	if fact.FailedStep != "" {
		fmt.Fprintf(&b, "**Failed step:** %s\n", fact.FailedStep)
	}
	fmt.Fprintf(&b, "**Error:**\n%s\n", fact.Error)
	if fact.Timeout > 0 {
		fmt.Fprintf(&b, "**Configured timeout:** %dms (exceeded)\n", fact.Timeout)
	}
	if len(fact.StackTrace) > 0 {
		lines := fact.StackTrace
		if len(lines) > maxStackLines {
			lines = lines[:maxStackLines]
		}
		fmt.Fprintf(&b, "**Stack trace (first lines):**\n%s\n", strings.Join(lines, "\n"))
	}
	if hint != nil {
		fmt.Fprintf(&b, "\nPattern rules tentatively suggest %q (score %.2f) but were not conclusive. Confirm or correct that hint.\n",
			hint.category, hint.confidence)
	}
	b.WriteString(`
**Response format (strict JSON):**
{
  "category": "selector_not_found|timeout|assertion_failed|navigation_error|auth_error|unknown",
  "confidence": 0.0,
  "reasoning": "One or two sentences explaining the choice."
}
`)
	return b.String()
}
