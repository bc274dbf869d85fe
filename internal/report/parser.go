// Package report extracts failure facts from browser-test run reports.
//
// A run report is a tree: suites contain nested suites and specs, specs
// contain tests, tests contain attempt results, and results contain nested
// steps. Parsing is fully deterministic so identical report bytes always
// produce identical failure arrays.
package report

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Result statuses as emitted by the test runner.
const (
	StatusPassed   = "passed"
	StatusFailed   = "failed"
	StatusTimedOut = "timedOut"
	StatusSkipped  = "skipped"
)

// Sentinels used when a failure carries no usable error or location.
const (
	UnknownError = "Unknown error"
	UnknownFile  = "Unknown file"
)

// Report is the top-level run report document.
type Report struct {
	Stats  *Stats  `json:"stats,omitempty"`
	Suites []Suite `json:"suites"`
}

// Stats is the runner's aggregate result block. Optional; older producers
// omit it.
type Stats struct {
	Expected   int `json:"expected"`
	Unexpected int `json:"unexpected"`
	Flaky      int `json:"flaky"`
	Skipped    int `json:"skipped"`
}

// Suite groups specs and further nested suites.
type Suite struct {
	Title  string  `json:"title"`
	File   string  `json:"file,omitempty"`
	Suites []Suite `json:"suites,omitempty"`
	Specs  []Spec  `json:"specs,omitempty"`
}

// Spec is a single test declaration with its source location.
type Spec struct {
	Title  string `json:"title"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Tests  []Test `json:"tests,omitempty"`
}

// Test is one project-level instantiation of a spec, holding its attempts.
type Test struct {
	Title   string   `json:"title,omitempty"`
	Timeout int      `json:"timeout,omitempty"`
	Results []Result `json:"results,omitempty"`
}

// Result is a single attempt outcome.
type Result struct {
	Status string     `json:"status"`
	Error  *TestError `json:"error,omitempty"`
	Steps  []Step     `json:"steps,omitempty"`
}

// Step is one executed action within a result. Steps nest arbitrarily.
type Step struct {
	Title string     `json:"title"`
	Error *TestError `json:"error,omitempty"`
	Steps []Step     `json:"steps,omitempty"`
}

// TestError carries the runner's error message and raw stack text.
type TestError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Matches one stack frame, either "at fn (file:line:col)" or "at file:line:col".
var stackFrameRegex = regexp.MustCompile(`^\s*at\s+(?:.*\()?([^()]+?):(\d+):(\d+)\)?\s*$`)

// Parse extracts one FailureFact per failed or timed-out result, in report
// traversal order. A result also qualifies when any of its steps carries an
// error, even if the result-level status claims otherwise.
func Parse(raw []byte, logger *zap.Logger) ([]schemas.FailureFact, error) {
	var doc Report
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse run report: %w", err)
	}

	facts := make([]schemas.FailureFact, 0)
	for i := range doc.Suites {
		collectSuite(&doc.Suites[i], &facts)
	}

	logger.Info("Run report parsed",
		zap.Int("suites", len(doc.Suites)),
		zap.Int("failures", len(facts)))
	return facts, nil
}

// collectSuite walks a suite depth-first: its own specs, then nested suites.
func collectSuite(suite *Suite, facts *[]schemas.FailureFact) {
	for i := range suite.Specs {
		collectSpec(&suite.Specs[i], facts)
	}
	for i := range suite.Suites {
		collectSuite(&suite.Suites[i], facts)
	}
}

func collectSpec(spec *Spec, facts *[]schemas.FailureFact) {
	for ti := range spec.Tests {
		test := &spec.Tests[ti]
		for ri := range test.Results {
			result := &test.Results[ri]
			if !isFailure(result) {
				continue
			}
			*facts = append(*facts, buildFact(spec, test, result))
		}
	}
}

// isFailure reports whether a result qualifies as a failure: an explicit
// failed/timedOut status, or any step (recursively) carrying an error.
func isFailure(result *Result) bool {
	if result.Status == StatusFailed || result.Status == StatusTimedOut {
		return true
	}
	return firstErrorStep(result.Steps) != nil
}

// firstErrorStep returns the first step carrying an error, depth-first.
func firstErrorStep(steps []Step) *Step {
	for i := range steps {
		if steps[i].Error != nil {
			return &steps[i]
		}
		if found := firstErrorStep(steps[i].Steps); found != nil {
			return found
		}
	}
	return nil
}

func buildFact(spec *Spec, test *Test, result *Result) schemas.FailureFact {
	errStep := firstErrorStep(result.Steps)

	// Effective error: result-level error wins, then the failing step's, then
	// the sentinel.
	var errText, stackText string
	switch {
	case result.Error != nil && result.Error.Message != "":
		errText = result.Error.Message
		stackText = result.Error.Stack
	case errStep != nil && errStep.Error.Message != "":
		errText = errStep.Error.Message
		stackText = errStep.Error.Stack
	default:
		errText = UnknownError
	}

	file, line, column, located := parseStackLocation(stackText)
	if !located {
		file = spec.File
		line = spec.Line
		column = spec.Column
	}
	if file == "" {
		file = UnknownFile
	}

	name := spec.Title
	if name == "" {
		name = test.Title
	}

	var failedStep string
	if errStep != nil {
		failedStep = errStep.Title
	}

	// The configured timeout is only meaningful when the attempt actually
	// timed out; copying it unconditionally would bias classification.
	var timeout int
	if result.Status == StatusTimedOut {
		timeout = test.Timeout
	}

	var stackLines []string
	if stackText != "" {
		stackLines = strings.Split(strings.TrimRight(stackText, "\n"), "\n")
	}

	return schemas.FailureFact{
		TestName:   name,
		File:       file,
		FailedStep: failedStep,
		Error:      errText,
		Timeout:    timeout,
		Line:       line,
		Column:     column,
		StackTrace: stackLines,
	}
}

// parseStackLocation scans stack text for the first frame with a
// file:line:column location.
func parseStackLocation(stack string) (string, int, int, bool) {
	if stack == "" {
		return "", 0, 0, false
	}
	for _, line := range strings.Split(stack, "\n") {
		matches := stackFrameRegex.FindStringSubmatch(line)
		if matches == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(matches[2])
		columnNo, _ := strconv.Atoi(matches[3])
		return matches[1], lineNo, columnNo, true
	}
	return "", 0, 0, false
}
