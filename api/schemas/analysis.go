package schemas

// -- Failure Facts --

// FailureFact is one failed or timed-out test result, extracted
// deterministically from the run report. The slice produced by the report
// parser preserves report traversal order; every downstream result slice is
// index-aligned to it.
type FailureFact struct {
	TestName   string   `json:"testName"`             // Spec title, falling back to the test's own title.
	File       string   `json:"file"`                 // Source file, "Unknown file" when unresolvable.
	FailedStep string   `json:"failedStep"`           // Title of the first step carrying an error, if any.
	Error      string   `json:"error"`                // Effective error message, never empty.
	Timeout    int      `json:"timeout,omitempty"`    // Timeout in ms when the result timed out, 0 otherwise.
	Line       int      `json:"line,omitempty"`       // 1-based line from the stack trace or spec location.
	Column     int      `json:"column,omitempty"`     // 1-based column when the stack trace carried one.
	StackTrace []string `json:"stackTrace,omitempty"` // Raw stack lines, order preserved.
}

// -- Classification --

// CategoryKind is the closed set of failure categories the classification
// stage can assign.
type CategoryKind string

const (
	CategorySelectorNotFound CategoryKind = "selector_not_found"
	CategoryTimeout          CategoryKind = "timeout"
	CategoryAssertionFailed  CategoryKind = "assertion_failed"
	CategoryNavigationError  CategoryKind = "navigation_error"
	CategoryAuthError        CategoryKind = "auth_error"
	CategoryUnknown          CategoryKind = "unknown"
)

// Valid reports whether k is one of the defined categories. Used to sanity
// check model output before trusting it.
func (k CategoryKind) Valid() bool {
	switch k {
	case CategorySelectorNotFound, CategoryTimeout, CategoryAssertionFailed,
		CategoryNavigationError, CategoryAuthError, CategoryUnknown:
		return true
	}
	return false
}

// FailureCategory is the classification verdict for one failure. Exactly one
// exists per FailureFact; when every signal fails the category degrades to
// unknown with zero confidence rather than being omitted.
type FailureCategory struct {
	Category   CategoryKind `json:"category"`
	Confidence float64      `json:"confidence"` // In [0,1]; rule hits are capped at 0.95.
	Reasoning  string       `json:"reasoning"`
}

// -- Correlation --

// ArtifactSignals is the UI-reality assessment for one failure, fused from
// the trace, the DOM snapshots and any screenshot. A nil entry in the aligned
// slice means no trace was supplied for that failure, not that correlation
// crashed.
type ArtifactSignals struct {
	UIState         string   `json:"uiState"`
	PageState       string   `json:"pageState"`
	BlockingFactors []string `json:"blockingFactors"`
}

// -- Selector Review --

// QualityRating buckets a selector robustness score.
type QualityRating string

const (
	QualityExcellent QualityRating = "excellent" // score >= 0.8
	QualityGood      QualityRating = "good"      // score >= 0.6
	QualityFragile   QualityRating = "fragile"   // score >= 0.4
	QualityPoor      QualityRating = "poor"
)

// RatingForScore maps a clamped robustness score onto its rating bucket.
func RatingForScore(score float64) QualityRating {
	switch {
	case score >= 0.8:
		return QualityExcellent
	case score >= 0.6:
		return QualityGood
	case score >= 0.4:
		return QualityFragile
	default:
		return QualityPoor
	}
}

// SelectorAnalysis is the quality verdict for the selector involved in one
// failure. Nil when the failure is not selector-related or no selector could
// be extracted from any source.
type SelectorAnalysis struct {
	Quality           QualityRating `json:"quality"`
	Score             float64       `json:"score"` // In [0,1].
	Issues            []string      `json:"issues"`
	Strengths         []string      `json:"strengths,omitempty"`
	SuggestedSelector string        `json:"suggestedSelector,omitempty"`
	SuggestionReason  string        `json:"suggestionReason,omitempty"`
	Confidence        float64       `json:"confidence"`
}

// -- Diagnosis --

// VerdictKind locates the root cause of a failure.
type VerdictKind string

const (
	VerdictTestIssue VerdictKind = "test_issue" // The test itself is wrong or brittle.
	VerdictAppIssue  VerdictKind = "app_issue"  // The application under test misbehaved.
	VerdictUnclear   VerdictKind = "unclear"
)

// Valid reports whether v is a defined verdict.
func (v VerdictKind) Valid() bool {
	return v == VerdictTestIssue || v == VerdictAppIssue || v == VerdictUnclear
}

// UrgencyLevel grades how quickly a diagnosis should be acted on.
type UrgencyLevel string

const (
	UrgencyLow    UrgencyLevel = "low"
	UrgencyMedium UrgencyLevel = "medium"
	UrgencyHigh   UrgencyLevel = "high"
)

// Valid reports whether u is a defined urgency level.
func (u UrgencyLevel) Valid() bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

// FinalDiagnosis is the synthesized verdict for one failure. Nil only when
// synthesis had no upstream facts to work from.
type FinalDiagnosis struct {
	Verdict           VerdictKind  `json:"verdict"`
	RecommendedAction string       `json:"recommendedAction"` // Free text drawn from a recommended vocabulary.
	Urgency           UrgencyLevel `json:"urgency"`
	Reason            string       `json:"reason"`
}

// -- Solution --

// SolutionSuggestion is a concrete, copy-pasteable fix proposal for one
// failure. Nil when no diagnosis exists for the failure.
type SolutionSuggestion struct {
	SuggestedCode string   `json:"suggestedCode,omitempty"`
	OriginalCode  string   `json:"originalCode,omitempty"`
	Explanation   string   `json:"explanation"`
	Steps         []string `json:"steps,omitempty"`
	Alternatives  []string `json:"alternatives,omitempty"`
	Confidence    float64  `json:"confidence"`
}

// -- Run Result --

// ReportSummary carries the headline counts for the whole run. A stats block
// in the report is preferred over manual traversal when present.
type ReportSummary struct {
	Total   int `json:"total"`
	Failed  int `json:"failed"`
	Passed  int `json:"passed"`
	Skipped int `json:"skipped"`
}

// AnalysisResult is the complete output of one analysis run. The five result
// slices always have the same length and index order as FailureFacts; a nil
// entry is a defined degraded outcome for that index, never a dropped one.
type AnalysisResult struct {
	RunID               string                `json:"runId"`
	Summary             ReportSummary         `json:"summary"`
	FailureFacts        []FailureFact         `json:"failureFacts"`
	FailureCategories   []*FailureCategory    `json:"failureCategories"`
	ArtifactSignals     []*ArtifactSignals    `json:"artifactSignals"`
	SelectorAnalyses    []*SelectorAnalysis   `json:"selectorAnalyses"`
	Diagnoses           []*FinalDiagnosis     `json:"diagnoses"`
	SolutionSuggestions []*SolutionSuggestion `json:"solutionSuggestions"`
}
