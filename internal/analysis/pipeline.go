// internal/analysis/pipeline.go
// Package analysis orchestrates one failure-analysis run: parse the report,
// decode the trace, then march every failure through classification,
// correlation, selector review, triage and fix synthesis. Results are written
// by failure index so the output slices always align with the parsed facts,
// whatever order the goroutines finish in.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/analysis/classify"
	"github.com/verdictlabs/verdict-cli/internal/analysis/correlate"
	"github.com/verdictlabs/verdict-cli/internal/analysis/locator"
	"github.com/verdictlabs/verdict-cli/internal/analysis/remedy"
	"github.com/verdictlabs/verdict-cli/internal/analysis/triage"
	"github.com/verdictlabs/verdict-cli/internal/config"
	"github.com/verdictlabs/verdict-cli/internal/dom"
	"github.com/verdictlabs/verdict-cli/internal/report"
	"github.com/verdictlabs/verdict-cli/internal/trace"
)

const (
	defaultRunTimeout  = 90 * time.Second
	defaultMaxParallel = 4
)

// Artifacts are the raw inputs of one analysis run.
type Artifacts struct {
	Report      []byte   // Run report JSON, required.
	Trace       []byte   // Trace archive, optional.
	Screenshots [][]byte // Page screenshots; image analysis reads the first.
	Context     string   // Free-text context from the operator, optional.
}

// Pipeline coordinates the five analysis stages around one shared model
// client. Safe for concurrent Run calls; all per-run state lives on the
// stack.
type Pipeline struct {
	llm    schemas.LLMClient
	cfg    config.AnalysisConfig
	logger *zap.Logger

	classifier *classify.Classifier
	correlator *correlate.Correlator
	reviewer   *locator.Reviewer
	triager    *triage.Triager
	suggester  *remedy.Suggester
}

// NewPipeline wires the analysis stages. Zero config values fall back to the
// package defaults.
func NewPipeline(llm schemas.LLMClient, cfg config.AnalysisConfig, logger *zap.Logger) (*Pipeline, error) {
	if llm == nil {
		return nil, fmt.Errorf("analysis pipeline requires an LLM client")
	}
	if logger == nil {
		return nil, fmt.Errorf("analysis pipeline requires a logger")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}

	return &Pipeline{
		llm:        llm,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
		classifier: classify.NewClassifier(llm, logger),
		correlator: correlate.NewCorrelator(llm, logger),
		reviewer:   locator.NewReviewer(llm, logger),
		triager:    triage.NewTriager(llm, logger),
		suggester:  remedy.NewSuggester(llm, logger),
	}, nil
}

// Run analyzes one run's artifacts. The returned result carries six
// index-aligned slices; a nil entry is that stage's defined degraded outcome
// for the failure, never a dropped one. Errors are limited to malformed
// required inputs and run cancellation, reasoning failures degrade in place.
func (p *Pipeline) Run(ctx context.Context, artifacts Artifacts) (*schemas.AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RunTimeout)
	defer cancel()

	facts, err := report.Parse(artifacts.Report, p.logger)
	if err != nil {
		return nil, fmt.Errorf("parsing run report: %w", err)
	}
	summary, err := report.Summarize(artifacts.Report)
	if err != nil {
		return nil, fmt.Errorf("summarizing run report: %w", err)
	}

	var traceData *schemas.TraceData
	if len(artifacts.Trace) > 0 {
		traceData, err = trace.Read(artifacts.Trace, p.logger)
		if err != nil {
			return nil, fmt.Errorf("reading trace archive: %w", err)
		}
	}

	if p.cfg.ScreenshotLimit > 0 && len(artifacts.Screenshots) > p.cfg.ScreenshotLimit {
		artifacts.Screenshots = artifacts.Screenshots[:p.cfg.ScreenshotLimit]
	}

	result := &schemas.AnalysisResult{
		RunID:               uuid.NewString(),
		Summary:             summary,
		FailureFacts:        facts,
		FailureCategories:   make([]*schemas.FailureCategory, len(facts)),
		ArtifactSignals:     make([]*schemas.ArtifactSignals, len(facts)),
		SelectorAnalyses:    make([]*schemas.SelectorAnalysis, len(facts)),
		Diagnoses:           make([]*schemas.FinalDiagnosis, len(facts)),
		SolutionSuggestions: make([]*schemas.SolutionSuggestion, len(facts)),
	}

	p.logger.Info("Analysis run starting.",
		zap.String("runId", result.RunID),
		zap.Int("failures", len(facts)),
		zap.Bool("traceSupplied", traceData != nil),
		zap.Int("screenshots", len(artifacts.Screenshots)),
		zap.Bool("contextSupplied", artifacts.Context != ""))

	if len(facts) == 0 {
		return result, nil
	}

	var screenshot []byte
	if len(artifacts.Screenshots) > 0 {
		screenshot = artifacts.Screenshots[0]
	}

	// Snapshot shared by the selector and fix stages. The correlation stage
	// picks its own using the same reference time, so all three agree on
	// which captured DOM represents the failure.
	var snapshot *schemas.DOMSnapshot
	if traceData != nil {
		snapshot = dom.NearestSnapshot(traceData, dom.ReferenceTime(traceData))
	}

	// Phase 1: classification and correlation have no cross dependencies, so
	// they fan out together across failures. Stage fallbacks absorb reasoning
	// errors; a goroutine only errors when the run context is done.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)
	for i := range facts {
		i := i
		g.Go(func() error {
			fact := &result.FailureFacts[i]
			result.FailureCategories[i] = p.classifier.Classify(gctx, fact)
			result.ArtifactSignals[i] = p.correlator.Correlate(gctx, fact, traceData, screenshot)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analysis run cancelled: %w", err)
	}

	// Phase 2: within one failure the chain is strictly ordered, across
	// failures it fans out like phase one.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)
	for i := range facts {
		i := i
		g.Go(func() error {
			fact := &result.FailureFacts[i]
			category := result.FailureCategories[i]
			signals := result.ArtifactSignals[i]

			selAnalysis := p.reviewer.Review(gctx, fact, category, snapshot, traceData)
			result.SelectorAnalyses[i] = selAnalysis

			diagnosis := p.triager.Synthesize(gctx, fact, category, signals, selAnalysis)
			result.Diagnoses[i] = diagnosis

			result.SolutionSuggestions[i] = p.suggester.SuggestFix(gctx, fact, category, signals, selAnalysis, diagnosis, snapshot)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analysis run cancelled: %w", err)
	}

	p.logger.Info("Analysis run complete.",
		zap.String("runId", result.RunID),
		zap.Int("failures", len(facts)))
	return result, nil
}
