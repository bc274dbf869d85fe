// internal/analysis/triage/triage.go
// Package triage synthesizes the final verdict for one failure: whose fault
// it is, what to do about it, and how urgently. Ordered heuristic rules are
// tried first; the reasoning model only arbitrates cases no rule covers.
package triage

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
	// blockingSentinel is the phrase upstream fusion sometimes emits instead
	// of an empty list. It must not count as evidence of a blocked element.
	blockingSentinel = "no blocking factors"

	// almostThreshold is the fraction of a rule's conditions that must hold
	// for the rule to serve as a hint or fallback without firing.
	almostThreshold = 0.5

	maxReasonFactors = 3
	maxReasonLen     = 160
)

// errFlavoredRegex spots blocking factors that describe infrastructure
// failures rather than UI furniture.
var errFlavoredRegex = regexp.MustCompile(`(?i)network|err|failed|refused|timed?[_ ]?out`)

// ruleInput bundles everything upstream produced for one failure. Any field
// but fact may be nil; the accessors normalize that away.
type ruleInput struct {
	fact        *schemas.FailureFact
	category    *schemas.FailureCategory
	signals     *schemas.ArtifactSignals
	selAnalysis *schemas.SelectorAnalysis
}

func (in ruleInput) categoryKind() schemas.CategoryKind {
	if in.category == nil {
		return schemas.CategoryUnknown
	}
	return in.category.Category
}

func (in ruleInput) pageState() string {
	if in.signals == nil {
		return ""
	}
	return in.signals.PageState
}

func (in ruleInput) uiState() string {
	if in.signals == nil {
		return ""
	}
	return in.signals.UIState
}

// blockingFactors returns the meaningful factors, dropping the sentinel.
func (in ruleInput) blockingFactors() []string {
	if in.signals == nil {
		return nil
	}
	var factors []string
	for _, f := range in.signals.BlockingFactors {
		if strings.EqualFold(strings.TrimSpace(f), blockingSentinel) {
			continue
		}
		factors = append(factors, f)
	}
	return factors
}

func (in ruleInput) selectorBrittle() bool {
	if in.selAnalysis == nil {
		return false
	}
	return in.selAnalysis.Quality == schemas.QualityFragile || in.selAnalysis.Quality == schemas.QualityPoor
}

func (in ruleInput) errFlavoredFactor() (string, bool) {
	for _, f := range in.blockingFactors() {
		if errFlavoredRegex.MatchString(f) {
			return f, true
		}
	}
	return "", false
}

// triageRule is one ordered heuristic. It fires when every condition holds;
// the fraction of conditions holding is its almost-fire score.
type triageRule struct {
	name       string
	conditions []func(ruleInput) bool
	build      func(ruleInput) *schemas.FinalDiagnosis
}

// triageRules is evaluated in order, first full match wins.
var triageRules = []triageRule{
	{
		name: "navigation-failure",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategoryNavigationError },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictAppIssue,
				RecommendedAction: "investigate app",
				Urgency:           schemas.UrgencyHigh,
				Reason:            fmt.Sprintf("navigation failed: %s", headline(in.fact.Error)),
			}
		},
	},
	{
		name: "auth-failure",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategoryAuthError },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictAppIssue,
				RecommendedAction: "check environment",
				Urgency:           schemas.UrgencyHigh,
				Reason:            fmt.Sprintf("authentication failure: %s", headline(in.fact.Error)),
			}
		},
	},
	{
		name: "vanished-element",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategorySelectorNotFound },
			func(in ruleInput) bool { return in.pageState() == "loaded" },
			func(in ruleInput) bool { return strings.Contains(strings.ToLower(in.uiState()), "missing") },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			// Selector brittleness changes what to do about the missing
			// element, not how urgent it is.
			if in.selectorBrittle() {
				return &schemas.FinalDiagnosis{
					Verdict:           schemas.VerdictTestIssue,
					RecommendedAction: "fix selector",
					Urgency:           schemas.UrgencyMedium,
					Reason: fmt.Sprintf("the page loaded but the element is missing, and the selector is rated %s; the locator likely broke, not the page",
						in.selAnalysis.Quality),
				}
			}
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictTestIssue,
				RecommendedAction: "review test logic",
				Urgency:           schemas.UrgencyMedium,
				Reason:            "the page loaded but the target element is not in the DOM; the UI has likely changed out from under the test",
			}
		},
	},
	{
		name: "blocked-element",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategorySelectorNotFound },
			func(in ruleInput) bool { return len(in.blockingFactors()) > 0 },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			factors := in.blockingFactors()
			if len(factors) > maxReasonFactors {
				factors = factors[:maxReasonFactors]
			}
			reason := "the target element appears blocked, though no specific factor was recorded"
			if len(factors) > 0 {
				reason = fmt.Sprintf("the target element was blocked by: %s", strings.Join(factors, "; "))
			}
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictAppIssue,
				RecommendedAction: "investigate app",
				Urgency:           schemas.UrgencyHigh,
				Reason:            reason,
			}
		},
	},
	{
		name: "slow-page",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategoryTimeout },
			func(in ruleInput) bool { return in.pageState() == "loading" || in.pageState() == "timeout" },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictAppIssue,
				RecommendedAction: "increase timeout",
				Urgency:           schemas.UrgencyMedium,
				Reason:            fmt.Sprintf("the run timed out while the page was still %s; the app is slow, raising the budget buys time to investigate", in.pageState()),
			}
		},
	},
	{
		name: "stale-assertion",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.categoryKind() == schemas.CategoryAssertionFailed },
			func(in ruleInput) bool { return in.pageState() == "loaded" },
			func(in ruleInput) bool { return !strings.Contains(strings.ToLower(in.uiState()), "error") },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictTestIssue,
				RecommendedAction: "review test logic",
				Urgency:           schemas.UrgencyMedium,
				Reason:            "the page loaded and showed no error state, so the expectation looks out of date with the UI",
			}
		},
	},
	{
		name: "brittle-selector",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.selectorBrittle() },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictTestIssue,
				RecommendedAction: "fix selector",
				Urgency:           schemas.UrgencyLow,
				Reason:            fmt.Sprintf("the selector is rated %s; locator brittleness is the likeliest cause", in.selAnalysis.Quality),
			}
		},
	},
	{
		name: "broken-page",
		conditions: []func(ruleInput) bool{
			func(in ruleInput) bool { return in.pageState() == "error" || in.pageState() == "timeout" },
			func(in ruleInput) bool { _, ok := in.errFlavoredFactor(); return ok },
		},
		build: func(in ruleInput) *schemas.FinalDiagnosis {
			factor, _ := in.errFlavoredFactor()
			return &schemas.FinalDiagnosis{
				Verdict:           schemas.VerdictAppIssue,
				RecommendedAction: "investigate app",
				Urgency:           schemas.UrgencyHigh,
				Reason:            fmt.Sprintf("the page was in %q state with failure-flavored blocking factors: %s", in.pageState(), factor),
			}
		},
	},
}

// almostFire is the best partial rule match: good enough to hint with but
// not to decide on.
type almostFire struct {
	rule  *triageRule
	score float64
}

// evaluateRules returns the first fully matching rule's diagnosis, or nil
// plus the strongest partial match at or above almostThreshold.
func evaluateRules(in ruleInput) (*schemas.FinalDiagnosis, *almostFire) {
	var almost *almostFire
	for i := range triageRules {
		rule := &triageRules[i]
		met := 0
		for _, cond := range rule.conditions {
			if cond(in) {
				met++
			}
		}
		if met == len(rule.conditions) {
			return rule.build(in), nil
		}
		score := float64(met) / float64(len(rule.conditions))
		if score >= almostThreshold && (almost == nil || score > almost.score) {
			almost = &almostFire{rule: rule, score: score}
		}
	}
	return nil, almost
}

// headline trims an error message down to its first line for a reason field.
func headline(errText string) string {
	line := errText
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if len(line) > maxReasonLen {
		line = line[:maxReasonLen] + "..."
	}
	return line
}

// Triager synthesizes final diagnoses.
type Triager struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewTriager builds the action synthesis stage.
func NewTriager(llm schemas.LLMClient, logger *zap.Logger) *Triager {
	return &Triager{
		llm:    llm,
		logger: logger.Named("triage"),
	}
}

// Synthesize produces the final diagnosis for one failure. Given a fact it
// never returns nil: rule verdicts are deterministic, reasoning verdicts are
// validated, and every failure mode degrades to a defined diagnosis.
func (t *Triager) Synthesize(ctx context.Context, fact *schemas.FailureFact, category *schemas.FailureCategory, signals *schemas.ArtifactSignals, selAnalysis *schemas.SelectorAnalysis) *schemas.FinalDiagnosis {
	in := ruleInput{fact: fact, category: category, signals: signals, selAnalysis: selAnalysis}

	diagnosis, almost := evaluateRules(in)
	if diagnosis != nil {
		t.logger.Debug("Triage rule fired.",
			zap.String("test", fact.TestName),
			zap.String("verdict", string(diagnosis.Verdict)),
			zap.String("action", diagnosis.RecommendedAction))
		return diagnosis
	}

	refined, err := t.consult(ctx, in, almost)
	if err != nil {
		t.logger.Warn("Triage reasoning failed, degrading.",
			zap.String("test", fact.TestName), zap.Error(err))
		if almost != nil {
			return almost.rule.build(in)
		}
		return &schemas.FinalDiagnosis{
			Verdict:           schemas.VerdictUnclear,
			RecommendedAction: "review failure details manually",
			Urgency:           schemas.UrgencyLow,
			Reason:            fmt.Sprintf("action synthesis fallback: %v", err),
		}
	}
	return refined
}

// triageReply is the strict JSON shape the model is asked for.
type triageReply struct {
	Verdict           string `json:"verdict"`
	RecommendedAction string `json:"recommendedAction"`
	Urgency           string `json:"urgency"`
	Reason            string `json:"reason"`
}

func (t *Triager) consult(ctx context.Context, in ruleInput, almost *almostFire) (*schemas.FinalDiagnosis, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: t.systemPrompt(),
		UserPrompt:   t.constructPrompt(in, almost),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.2,
		},
	}

	response, err := t.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("triage call failed: %w", err)
	}
	reply, err := llmutil.ParseJSONResponse[triageReply](response)
	if err != nil {
		return nil, fmt.Errorf("unparseable triage reply: %w", err)
	}

	verdict := schemas.VerdictKind(reply.Verdict)
	urgency := schemas.UrgencyLevel(reply.Urgency)
	if !verdict.Valid() {
		return nil, fmt.Errorf("model returned undefined verdict %q", reply.Verdict)
	}
	if !urgency.Valid() {
		return nil, fmt.Errorf("model returned undefined urgency %q", reply.Urgency)
	}
	action := strings.TrimSpace(reply.RecommendedAction)
	if action == "" {
		return nil, fmt.Errorf("model returned an empty recommended action")
	}

	return &schemas.FinalDiagnosis{
		Verdict:           verdict,
		RecommendedAction: action,
		Urgency:           urgency,
		Reason:            reply.Reason,
	}, nil
}

func (t *Triager) systemPrompt() string {
	return `You are the triage lead for a browser test suite. Decide whether a failure is the test's fault or the application's, what to do about it, and how urgent it is.
Respond ONLY with a JSON object:
{
  "verdict": "test_issue|app_issue|unclear",
  "recommendedAction": "retry | fix selector | increase timeout | investigate app | check environment | review test logic | or a custom action",
  "urgency": "low|medium|high",
  "reason": "one or two sentences"
}`
}

func (t *Triager) constructPrompt(in ruleInput, almost *almostFire) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Triage this browser test failure.\n\n")
	fmt.Fprintf(&b, "**Test:** %s\n", in.fact.TestName)
	if in.fact.FailedStep != "" {
		fmt.Fprintf(&b, "**Failed step:** %s\n", in.fact.FailedStep)
	}
	fmt.Fprintf(&b, "**Error:** %s\n", in.fact.Error)
	if in.category != nil {
		fmt.Fprintf(&b, "**Classified as:** %s (confidence %.2f): %s\n",
			in.category.Category, in.category.Confidence, in.category.Reasoning)
	}
	if in.signals != nil {
		fmt.Fprintf(&b, "**Page state:** %s\n**UI state:** %s\n", in.signals.PageState, in.signals.UIState)
		if factors := in.blockingFactors(); len(factors) > 0 {
			fmt.Fprintf(&b, "**Blocking factors:** %s\n", strings.Join(factors, "; "))
		}
	}
	if in.selAnalysis != nil {
		fmt.Fprintf(&b, "**Selector review:** %s (score %.2f)", in.selAnalysis.Quality, in.selAnalysis.Score)
		if in.selAnalysis.SuggestedSelector != "" {
			fmt.Fprintf(&b, ", suggested replacement %s", in.selAnalysis.SuggestedSelector)
		}
		b.WriteString("\n")
	}
	if almost != nil {
		hint := almost.rule.build(in)
		fmt.Fprintf(&b, "\nA heuristic rule (%s) partially matched and leans toward %s / %s / %s. Treat that as a non-binding hint.\n",
			almost.rule.name, hint.Verdict, hint.RecommendedAction, hint.Urgency)
	}
	return b.String()
}
