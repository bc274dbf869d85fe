// internal/analysis/correlate/correlate.go
// Package correlate reconciles one failure with the recorded runtime
// evidence: the DOM snapshot nearest the failure, page load state,
// navigation history, redirects, blocking UI elements, stored error-page
// bodies and an optional screenshot read. The pieces are fused into a
// single ArtifactSignals verdict, deterministically when the reasoning
// model cannot help.
package correlate

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/dom"
	"github.com/verdictlabs/verdict-cli/internal/llmutil"
	"github.com/verdictlabs/verdict-cli/internal/trace"
)

const (
	maxPromptFactors = 12

	// bodyExcerptLimit bounds the failed-document excerpt fed to the
	// fusion prompt.
	bodyExcerptLimit = 400
)

// quotedTokenRegex pulls the first quoted run out of a failed step title,
// e.g. the target text of `click "Add to cart"`.
var quotedTokenRegex = regexp.MustCompile(`['"]([^'"]+)['"]`)

// evidence is everything the deterministic extractors recovered from the
// trace for one failure.
type evidence struct {
	snapshot   *schemas.DOMSnapshot
	loadState  schemas.PageLoadState
	navigation []schemas.NavigationEvent
	redirects  []schemas.Redirect
	visibility *schemas.VisibilityCheck // nil when the step carried no quoted token or no snapshot exists.
	blocking   []schemas.BlockingElement
	stepToken  string

	// Short readable excerpt of what the server sent for a failed main
	// document request, "" when no body was stored.
	failedDocBody string
}

// Correlator fuses trace evidence into UI-reality signals.
type Correlator struct {
	llm    schemas.LLMClient
	logger *zap.Logger
}

// NewCorrelator builds the correlation stage.
func NewCorrelator(llm schemas.LLMClient, logger *zap.Logger) *Correlator {
	return &Correlator{
		llm:    llm,
		logger: logger.Named("correlate"),
	}
}

// Correlate assesses what the UI was actually doing when the fact's test
// failed. It returns nil only when no trace was recorded; every other
// outcome is a non-nil signal set, degraded to unknowns if evidence
// gathering itself blows up. It never panics outward.
func (c *Correlator) Correlate(ctx context.Context, fact *schemas.FailureFact, traceData *schemas.TraceData, screenshot []byte) (signals *schemas.ArtifactSignals) {
	if traceData == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Correlation panicked, returning degraded signals.",
				zap.String("test", fact.TestName), zap.Any("panic", r))
			signals = &schemas.ArtifactSignals{
				UIState:         "unknown",
				PageState:       "unknown",
				BlockingFactors: []string{fmt.Sprintf("correlation error: %v", r)},
			}
		}
	}()

	ev := c.gather(fact, traceData)
	insight := c.inspectScreenshot(ctx, screenshot)

	fused, err := c.fuse(ctx, fact, ev, insight)
	if err != nil {
		c.logger.Warn("Fusion reasoning failed, synthesizing signals deterministically.",
			zap.String("test", fact.TestName), zap.Error(err))
		return synthesize(ev, insight)
	}
	return fused
}

func (c *Correlator) gather(fact *schemas.FailureFact, traceData *schemas.TraceData) evidence {
	ev := evidence{
		snapshot:   dom.NearestSnapshot(traceData, dom.ReferenceTime(traceData)),
		loadState:  dom.AnalyzePageLoad(traceData),
		navigation: dom.NavigationEvents(traceData),
	}
	ev.redirects = dom.DetectRedirects(traceData, ev.snapshot)
	ev.failedDocBody = failedDocumentExcerpt(traceData)

	if m := quotedTokenRegex.FindStringSubmatch(fact.FailedStep); m != nil {
		ev.stepToken = m[1]
	}
	if ev.snapshot != nil {
		if ev.stepToken != "" {
			check := dom.ElementVisibility(ev.snapshot.HTML, ev.stepToken)
			ev.visibility = &check
		}
		ev.blocking = dom.BlockingElements(ev.snapshot.HTML)
	}
	return ev
}

// failedDocumentExcerpt recovers what the server actually sent back for a
// failed main document request, when the trace stored the body. Error pages
// tend to name the real problem outright.
func failedDocumentExcerpt(traceData *schemas.TraceData) string {
	for i := range traceData.Network {
		ev := &traceData.Network[i]
		if ev.ResourceType != "document" || ev.ResourceSHA1 == "" {
			continue
		}
		if ev.Failure == "" && ev.Status < 400 {
			continue
		}
		body, err := trace.ResourceBody(traceData, ev.ResourceSHA1, trace.HeaderValue(ev, "Content-Encoding"))
		if err != nil {
			continue
		}
		if excerpt := bodyExcerpt(body); excerpt != "" {
			return excerpt
		}
	}
	return ""
}

// bodyExcerpt reduces a stored body to a short readable string: visible
// text for markup, the raw prefix for anything else.
func bodyExcerpt(body []byte) string {
	text := strings.Join(dom.VisibleText(string(body)), " ")
	if text == "" {
		text = strings.TrimSpace(string(body))
	}
	if len(text) > bodyExcerptLimit {
		text = text[:bodyExcerptLimit] + "..."
	}
	return text
}

// inspectScreenshot runs image understanding over the failure screenshot.
// Vision is strictly additive: any failure is absorbed and the insight is
// simply omitted.
func (c *Correlator) inspectScreenshot(ctx context.Context, screenshot []byte) *schemas.ImageInsight {
	if len(screenshot) == 0 {
		return nil
	}

	req := schemas.VisionRequest{
		Prompt:    c.visionPrompt(),
		ImageData: screenshot,
		MIMEType:  http.DetectContentType(screenshot),
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1,
		},
	}

	response, err := c.llm.GenerateVision(ctx, req)
	if err != nil {
		c.logger.Warn("Screenshot analysis failed, continuing without it.", zap.Error(err))
		return nil
	}
	insight, err := llmutil.ParseJSONResponse[schemas.ImageInsight](response)
	if err != nil {
		c.logger.Warn("Unparseable screenshot analysis reply, continuing without it.", zap.Error(err))
		return nil
	}
	return insight
}

func (c *Correlator) visionPrompt() string {
	return `This is a screenshot captured when a browser test failed. Describe what the page was doing.
Respond ONLY with a JSON object:
{
  "pageState": "loaded|loading|error|blank|unknown",
  "blockingElements": ["visible overlays, modals, spinners or error banners"],
  "visibleContent": ["the main pieces of visible text or UI"],
  "confidence": 0.0
}`
}

// fusionReply is the strict JSON shape of the fusion call.
type fusionReply struct {
	UIState         string   `json:"uiState"`
	PageState       string   `json:"pageState"`
	BlockingFactors []string `json:"blockingFactors"`
}

func (c *Correlator) fuse(ctx context.Context, fact *schemas.FailureFact, ev evidence, insight *schemas.ImageInsight) (*schemas.ArtifactSignals, error) {
	req := schemas.GenerationRequest{
		SystemPrompt: c.fusionSystemPrompt(),
		UserPrompt:   c.constructFusionPrompt(fact, ev, insight),
		Tier:         schemas.TierFast,
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     0.1, // Evidence reconciliation, not creativity.
		},
	}

	response, err := c.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fusion call failed: %w", err)
	}
	reply, err := llmutil.ParseJSONResponse[fusionReply](response)
	if err != nil {
		return nil, fmt.Errorf("unparseable fusion reply: %w", err)
	}
	if reply.UIState == "" || reply.PageState == "" {
		return nil, fmt.Errorf("fusion reply missing uiState or pageState")
	}

	return &schemas.ArtifactSignals{
		UIState:         reply.UIState,
		PageState:       reply.PageState,
		BlockingFactors: reply.BlockingFactors,
	}, nil
}

func (c *Correlator) fusionSystemPrompt() string {
	return `You reconcile a browser test failure with evidence recorded at runtime: DOM snapshot checks, network activity, navigation history and an optional screenshot description. State what the UI was actually doing when the test failed.
Respond ONLY with a JSON object:
{
  "uiState": "short description of the target element / page surface state",
  "pageState": "loaded|loading|failed|timeout|unknown",
  "blockingFactors": ["anything that plausibly prevented the test from succeeding"]
}`
}

func (c *Correlator) constructFusionPrompt(fact *schemas.FailureFact, ev evidence, insight *schemas.ImageInsight) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A browser test failed. Reconcile the failure with the recorded evidence.\n\n")
	fmt.Fprintf(&b, "**Test:** %s\n", fact.TestName)
	if fact.FailedStep != "" {
		fmt.Fprintf(&b, "**Failed step:** %s\n", fact.FailedStep)
	}
	fmt.Fprintf(&b, "**Error:** %s\n\n", fact.Error)

	fmt.Fprintf(&b, "**Page load state:** %s", ev.loadState.State)
	if ev.loadState.LoadTime > 0 {
		fmt.Fprintf(&b, " (load took %.0fms)", ev.loadState.LoadTime)
	}
	b.WriteString("\n")
	writeList(&b, "Network errors", ev.loadState.NetworkErrors)
	writeList(&b, "Failed requests", ev.loadState.FailedRequests)
	if ev.failedDocBody != "" {
		fmt.Fprintf(&b, "**Failed document body (excerpt):** %s\n", ev.failedDocBody)
	}

	if ev.snapshot != nil {
		fmt.Fprintf(&b, "**DOM snapshot:** captured at %.0fms, URL %s\n", ev.snapshot.Timestamp, ev.snapshot.URL)
	} else {
		b.WriteString("**DOM snapshot:** none captured\n")
	}
	if ev.visibility != nil {
		fmt.Fprintf(&b, "**Target element (%q):** exists=%t visible=%t (%s)\n",
			ev.stepToken, ev.visibility.Exists, ev.visibility.Visible, ev.visibility.Reason)
	}
	if len(ev.blocking) > 0 {
		descriptions := make([]string, 0, len(ev.blocking))
		for _, blk := range ev.blocking {
			descriptions = append(descriptions, blk.Description)
		}
		writeList(&b, "Blocking elements in the DOM", descriptions)
	}
	if len(ev.navigation) > 0 {
		navs := make([]string, 0, len(ev.navigation))
		for _, nav := range ev.navigation {
			navs = append(navs, fmt.Sprintf("%s %s at %.0fms", nav.Type, nav.URL, nav.Timestamp))
		}
		writeList(&b, "Navigation", navs)
	}
	if len(ev.redirects) > 0 {
		hops := make([]string, 0, len(ev.redirects))
		for _, r := range ev.redirects {
			hops = append(hops, fmt.Sprintf("%s -> %s (%s)", r.From, r.To, r.Kind))
		}
		writeList(&b, "Redirects", hops)
	}
	if insight != nil {
		fmt.Fprintf(&b, "**Screenshot read:** page state %q, confidence %.2f\n", insight.PageState, insight.Confidence)
		writeList(&b, "Screenshot blocking elements", insight.BlockingElements)
		writeList(&b, "Screenshot visible content", insight.VisibleContent)
	}
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	if len(items) > maxPromptFactors {
		items = items[:maxPromptFactors]
	}
	fmt.Fprintf(b, "**%s:**\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// synthesize builds the signals without the model, straight from the
// evidence. Blocking factors are concatenated in source order, duplicates
// preserved, so the caller can still see which source contributed what.
func synthesize(ev evidence, insight *schemas.ImageInsight) *schemas.ArtifactSignals {
	var factors []string
	factors = append(factors, ev.loadState.NetworkErrors...)
	for _, blk := range ev.blocking {
		factors = append(factors, blk.Description)
	}
	if insight != nil {
		factors = append(factors, insight.BlockingElements...)
	}

	uiState := "unknown"
	if ev.visibility != nil {
		switch {
		case !ev.visibility.Exists:
			uiState = "element missing"
		case !ev.visibility.Visible:
			uiState = "element hidden"
		default:
			uiState = "element visible"
		}
	}

	pageState := ev.loadState.State
	if pageState == "" {
		pageState = "unknown"
	}

	return &schemas.ArtifactSignals{
		UIState:         uiState,
		PageState:       pageState,
		BlockingFactors: factors,
	}
}
