// internal/analysis/remedy/remedy.go
// Package remedy turns a diagnosis into a concrete fix proposal. Mechanical
// cases come from fill-in templates; everything else goes to the reasoning
// model together with the exact failing locator and what the page actually
// displayed, so the fix targets reality rather than the test's assumption.
package remedy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/dom"
	"github.com/verdictlabs/verdict-cli/internal/llmutil"
)

const (
	// templateAcceptThreshold returns a template answer without consulting
	// the model.
	templateAcceptThreshold = 0.8

	// selectorConfidenceScale discounts a selector suggestion's confidence
	// when it is wrapped into a code change.
	selectorConfidenceScale = 0.9

	timeoutFloorMS   = 60000
	defaultTimeoutMS = 30000

	maxVisibleTextItems = 40
)

// locatorLabelRegex finds the driver's own "Locator: ..." line, the most
// faithful record of the failing locator.
var locatorLabelRegex = regexp.MustCompile(`(?m)Locator:\s*(.+)$`)

// semanticCallRegex captures a full semantic locator call including its
// options object, e.g. getByRole('button', { name: 'Pay now' }).
var semanticCallRegex = regexp.MustCompile(`getBy[A-Za-z]+\((?:[^()]|\([^()]*\))*\)`)

// expectedTextRegex pulls the accessible-name option out of the error, the
// text the test believed the element would carry.
var expectedTextRegex = regexp.MustCompile(`name:\s*['"]([^'"]+)['"]`)

// Suggester proposes concrete fixes for diagnosed failures.
type Suggester struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewSuggester builds the solution synthesis stage.
func NewSuggester(llm schemas.LLMClient, logger *zap.Logger) *Suggester {
	return &Suggester{
		llm:    llm,
		logger: logger.Named("remedy"),
	}
}

// SuggestFix proposes a fix for the diagnosed failure. Nil only when no
// diagnosis exists, or when neither a template nor the reasoning model could
// produce anything. Reasoning failures fall back to the template result.
func (s *Suggester) SuggestFix(ctx context.Context, fact *schemas.FailureFact, category *schemas.FailureCategory, signals *schemas.ArtifactSignals, selAnalysis *schemas.SelectorAnalysis, diagnosis *schemas.FinalDiagnosis, snapshot *schemas.DOMSnapshot) *schemas.SolutionSuggestion {
	if diagnosis == nil {
		return nil
	}

	template := buildTemplate(fact, category, selAnalysis, diagnosis)
	if template != nil && template.Confidence >= templateAcceptThreshold {
		s.logger.Debug("Template fix accepted.",
			zap.String("test", fact.TestName),
			zap.String("action", diagnosis.RecommendedAction),
			zap.Float64("confidence", template.Confidence))
		return template
	}

	refined, err := s.consult(ctx, fact, category, signals, selAnalysis, diagnosis, snapshot, template)
	if err != nil {
		s.logger.Warn("Fix reasoning failed, falling back to the template result.",
			zap.String("test", fact.TestName), zap.Error(err))
		return template
	}
	return refined
}

// -- Templates --

// buildTemplate dispatches on the recommended action. Each constructor
// returns a fully populated suggestion or nil when its preconditions are
// not met.
func buildTemplate(fact *schemas.FailureFact, category *schemas.FailureCategory, selAnalysis *schemas.SelectorAnalysis, diagnosis *schemas.FinalDiagnosis) *schemas.SolutionSuggestion {
	kind := schemas.CategoryUnknown
	if category != nil {
		kind = category.Category
	}

	switch strings.ToLower(strings.TrimSpace(diagnosis.RecommendedAction)) {
	case "fix selector":
		return selectorFixTemplate(fact, selAnalysis)
	case "increase timeout":
		return timeoutFixTemplate(fact)
	case "review test logic":
		if kind == schemas.CategoryAssertionFailed {
			return testLogicTemplate()
		}
	case "check environment":
		if kind == schemas.CategoryAuthError {
			return environmentCheckTemplate()
		}
	case "investigate app":
		if kind == schemas.CategoryNavigationError {
			return navigationInvestigationTemplate(fact)
		}
	}
	return nil
}

func selectorFixTemplate(fact *schemas.FailureFact, selAnalysis *schemas.SelectorAnalysis) *schemas.SolutionSuggestion {
	if selAnalysis == nil || selAnalysis.SuggestedSelector == "" {
		return nil
	}

	location := fact.File
	if fact.Line > 0 {
		location = fmt.Sprintf("%s:%d", fact.File, fact.Line)
	}
	suggested := selAnalysis.SuggestedSelector

	explanation := fmt.Sprintf("Replace the failing locator with %s.", suggested)
	if selAnalysis.SuggestionReason != "" {
		explanation = fmt.Sprintf("Replace the failing locator with %s: %s.", suggested, selAnalysis.SuggestionReason)
	}

	return &schemas.SolutionSuggestion{
		SuggestedCode: locatorCode(suggested),
		OriginalCode:  exactLocator(fact),
		Explanation:   explanation,
		Steps: []string{
			fmt.Sprintf("Open %s", location),
			fmt.Sprintf("Swap the failing locator for %s", suggested),
			"Re-run the test",
		},
		Confidence: selAnalysis.Confidence * selectorConfidenceScale,
	}
}

func timeoutFixTemplate(fact *schemas.FailureFact) *schemas.SolutionSuggestion {
	current := fact.Timeout
	if current <= 0 {
		current = defaultTimeoutMS
	}
	raised := current * 2
	if raised < timeoutFloorMS {
		raised = timeoutFloorMS
	}

	return &schemas.SolutionSuggestion{
		SuggestedCode: fmt.Sprintf("test.setTimeout(%d);", raised),
		Explanation: fmt.Sprintf("The run hit its %dms budget. Doubling it to %dms gives the slow page room while the underlying slowness is investigated.",
			current, raised),
		Steps: []string{
			fmt.Sprintf("Raise the test timeout to %dms", raised),
			"Re-run to confirm the failure is pure slowness and not a hang",
			"Profile the slow page load if the failure persists",
		},
		Alternatives: []string{
			fmt.Sprintf("await page.waitForLoadState('networkidle', { timeout: %d });", raised),
			fmt.Sprintf("await expect(locator).toBeVisible({ timeout: %d });", raised),
		},
		Confidence: 0.85,
	}
}

func testLogicTemplate() *schemas.SolutionSuggestion {
	return &schemas.SolutionSuggestion{
		Explanation: "The page reached a healthy state but the expectation did not hold, which usually means the assertion encodes yesterday's UI.",
		Steps: []string{
			"Compare the expected and received values in the error output",
			"Check whether the UI copy or data changed intentionally",
			"Update the expectation, or file a regression if the change was unintended",
		},
		Confidence: 0.6,
	}
}

func environmentCheckTemplate() *schemas.SolutionSuggestion {
	return &schemas.SolutionSuggestion{
		Explanation: "The run was rejected for credentials rather than UI reasons; the test environment is the first suspect.",
		Steps: []string{
			"Verify the test account's credentials and tokens are current",
			"Check auth-related environment variables and secrets in CI",
			"Confirm session fixtures or storage state files have not expired",
		},
		Confidence: 0.65,
	}
}

func navigationInvestigationTemplate(fact *schemas.FailureFact) *schemas.SolutionSuggestion {
	return &schemas.SolutionSuggestion{
		Explanation: "The page itself failed to load, so no test-side change can fix it until the destination is reachable again.",
		Steps: []string{
			"Open the failing URL manually and note the exact error",
			"Check the deployment and recent releases of the target environment",
			fmt.Sprintf("Inspect DNS and TLS for the host in: %s", firstLine(fact.Error)),
		},
		Confidence: 0.65,
	}
}

// locatorCode renders a suggested selector as a runnable locator expression.
func locatorCode(suggested string) string {
	if strings.HasPrefix(suggested, "getBy") {
		return fmt.Sprintf("page.%s", suggested)
	}
	return fmt.Sprintf("page.locator('%s')", suggested)
}

// exactLocator recovers the verbatim failing locator: the driver's explicit
// "Locator:" label first, then a full semantic call with its options,
// searched in the step and then the error text.
func exactLocator(fact *schemas.FailureFact) string {
	for _, text := range []string{fact.FailedStep, fact.Error} {
		if m := locatorLabelRegex.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	for _, text := range []string{fact.FailedStep, fact.Error} {
		if m := semanticCallRegex.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// -- Text similarity --

const (
	containmentScore = 0.8
	similarityFloor  = 0.3
)

var wordStripRegex = regexp.MustCompile(`[^a-z0-9]+`)

// FindSimilarText locates the actual page text closest to what the test
// expected. An exact match wins outright; containment either way scores
// 0.8; everything else is a blend of word overlap and character overlap,
// discarded below a 0.3 floor. Returns the best candidate and its score,
// or ("", 0) when nothing clears the floor.
func FindSimilarText(expected string, actual []string) (string, float64) {
	want := strings.TrimSpace(expected)
	if want == "" {
		return "", 0
	}

	bestMatch := ""
	bestScore := 0.0
	for _, candidate := range actual {
		have := strings.TrimSpace(candidate)
		if have == "" {
			continue
		}
		score := similarity(want, have)
		if score == 1.0 {
			return have, 1.0
		}
		if score > bestScore {
			bestMatch, bestScore = have, score
		}
	}
	if bestScore < similarityFloor {
		return "", 0
	}
	return bestMatch, bestScore
}

func similarity(want, have string) float64 {
	lw, lh := strings.ToLower(want), strings.ToLower(have)
	if lw == lh {
		return 1.0
	}
	if strings.Contains(lh, lw) || strings.Contains(lw, lh) {
		return containmentScore
	}
	return 0.5*wordOverlap(lw, lh) + 0.5*charOverlap(lw, lh)
}

// wordOverlap is the Jaccard index over the two texts' word sets.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	union := len(wa) + len(wb) - shared
	return float64(shared) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(wordStripRegex.ReplaceAllString(s, " ")) {
		set[w] = true
	}
	return set
}

// charOverlap is the shared character count (multiset intersection) over
// the longer length.
func charOverlap(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range a {
		counts[r]++
	}
	shared := 0
	for _, r := range b {
		if counts[r] > 0 {
			counts[r]--
			shared++
		}
	}
	longer := len([]rune(a))
	if lb := len([]rune(b)); lb > longer {
		longer = lb
	}
	return float64(shared) / float64(longer)
}

// -- Reasoning path --

// solutionReply is the strict JSON shape the model is asked for.
type solutionReply struct {
	SuggestedCode string   `json:"suggestedCode"`
	OriginalCode  string   `json:"originalCode"`
	Explanation   string   `json:"explanation"`
	Steps         []string `json:"steps"`
	Alternatives  []string `json:"alternatives"`
	Confidence    float64  `json:"confidence"`
}

func (s *Suggester) consult(ctx context.Context, fact *schemas.FailureFact, category *schemas.FailureCategory, signals *schemas.ArtifactSignals, selAnalysis *schemas.SelectorAnalysis, diagnosis *schemas.FinalDiagnosis, snapshot *schemas.DOMSnapshot, template *schemas.SolutionSuggestion) (*schemas.SolutionSuggestion, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: s.systemPrompt(),
		UserPrompt:   s.constructPrompt(fact, category, signals, selAnalysis, diagnosis, snapshot, template),
		Tier:         schemas.TierPowerful,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.2, // Concrete code wanted, not brainstorming.
		},
	}

	response, err := s.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fix call failed: %w", err)
	}
	reply, err := llmutil.ParseJSONResponse[solutionReply](response)
	if err != nil {
		return nil, fmt.Errorf("unparseable fix reply: %w", err)
	}
	if strings.TrimSpace(reply.Explanation) == "" {
		return nil, fmt.Errorf("fix reply carries no explanation")
	}

	confidence := reply.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	// Models fence code inside JSON strings even when asked not to.
	return &schemas.SolutionSuggestion{
		SuggestedCode: llmutil.CleanCodeOutput(reply.SuggestedCode),
		OriginalCode:  llmutil.CleanCodeOutput(reply.OriginalCode),
		Explanation:   reply.Explanation,
		Steps:         reply.Steps,
		Alternatives:  reply.Alternatives,
		Confidence:    confidence,
	}, nil
}

func (s *Suggester) systemPrompt() string {
	return `You are a senior test engineer proposing a concrete fix for a diagnosed browser test failure. Ground every suggestion in the evidence provided. When the page's actual text differs from the test's expectation, write the fix against the ACTUAL page text. Keep code copy-pasteable.
Respond ONLY with a JSON object:
{
  "suggestedCode": "the fixed line(s), or empty when no code change applies",
  "originalCode": "the failing line(s) if known",
  "explanation": "what to change and why it fixes the failure",
  "steps": ["ordered actions for the developer"],
  "alternatives": ["other viable fixes"],
  "confidence": 0.0
}`
}

func (s *Suggester) constructPrompt(fact *schemas.FailureFact, category *schemas.FailureCategory, signals *schemas.ArtifactSignals, selAnalysis *schemas.SelectorAnalysis, diagnosis *schemas.FinalDiagnosis, snapshot *schemas.DOMSnapshot, template *schemas.SolutionSuggestion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Propose a fix for this browser test failure.\n\n")
	fmt.Fprintf(&b, "**Test:** %s (%s)\n", fact.TestName, fact.File)
	if fact.FailedStep != "" {
		fmt.Fprintf(&b, "**Failed step:** %s\n", fact.FailedStep)
	}
	fmt.Fprintf(&b, "**Error:** %s\n", fact.Error)
	if category != nil {
		fmt.Fprintf(&b, "**Category:** %s (confidence %.2f)\n", category.Category, category.Confidence)
	}
	fmt.Fprintf(&b, "**Diagnosis:** %s, %s urgency: %s (recommended: %s)\n",
		diagnosis.Verdict, diagnosis.Urgency, diagnosis.Reason, diagnosis.RecommendedAction)
	if signals != nil {
		fmt.Fprintf(&b, "**Page state:** %s; **UI state:** %s\n", signals.PageState, signals.UIState)
	}
	if selAnalysis != nil {
		fmt.Fprintf(&b, "**Selector review:** %s (score %.2f)", selAnalysis.Quality, selAnalysis.Score)
		if selAnalysis.SuggestedSelector != "" {
			fmt.Fprintf(&b, ", suggested replacement %s", selAnalysis.SuggestedSelector)
		}
		b.WriteString("\n")
	}

	if original := exactLocator(fact); original != "" {
		fmt.Fprintf(&b, "**Exact failing locator:** %s\n", original)
	}

	s.writeTextEvidence(&b, fact, snapshot)

	if template != nil {
		fmt.Fprintf(&b, "\nA template produced this draft (confidence %.2f), refine it rather than starting over:\n%s\n",
			template.Confidence, template.Explanation)
		if template.SuggestedCode != "" {
			fmt.Fprintf(&b, "Draft code: %s\n", template.SuggestedCode)
		}
	}
	return b.String()
}

// writeTextEvidence adds the expectation-vs-reality comparison: the text the
// test was looking for, what the page actually showed, and the closest match
// between the two.
func (s *Suggester) writeTextEvidence(b *strings.Builder, fact *schemas.FailureFact, snapshot *schemas.DOMSnapshot) {
	expected := ""
	if m := expectedTextRegex.FindStringSubmatch(fact.Error); m != nil {
		expected = m[1]
	}

	var visible []string
	if snapshot != nil {
		visible = dom.VisibleText(snapshot.HTML)
	}

	if expected != "" {
		fmt.Fprintf(b, "**Text the test expected:** %q\n", expected)
	}
	if len(visible) > 0 {
		shown := visible
		if len(shown) > maxVisibleTextItems {
			shown = shown[:maxVisibleTextItems]
		}
		fmt.Fprintf(b, "**Text actually visible on the page:**\n")
		for _, item := range shown {
			fmt.Fprintf(b, "- %s\n", item)
		}
	}

	if expected == "" || len(visible) == 0 {
		return
	}
	match, score := FindSimilarText(expected, visible)
	switch {
	case score == 1.0:
		fmt.Fprintf(b, "The expected text is present on the page; the failure lies elsewhere.\n")
	case match != "":
		fmt.Fprintf(b, "MISMATCH: the test expects %q but the page shows %q (similarity %.2f). Base the fix on the ACTUAL page text, not the expectation.\n",
			expected, match, score)
	default:
		fmt.Fprintf(b, "The expected text %q does not appear on the page at all.\n", expected)
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}
