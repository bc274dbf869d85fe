package report

import (
	"encoding/json"
	"fmt"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Summarize computes run totals. The runner's own stats block is trusted when
// present; otherwise results are counted by traversal using the same failure
// rule as Parse.
func Summarize(raw []byte) (schemas.ReportSummary, error) {
	var doc Report
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schemas.ReportSummary{}, fmt.Errorf("failed to parse run report: %w", err)
	}

	if doc.Stats != nil {
		return schemas.ReportSummary{
			Total:   doc.Stats.Expected + doc.Stats.Unexpected + doc.Stats.Flaky + doc.Stats.Skipped,
			Failed:  doc.Stats.Unexpected,
			Passed:  doc.Stats.Expected,
			Skipped: doc.Stats.Skipped,
		}, nil
	}

	var summary schemas.ReportSummary
	for i := range doc.Suites {
		countSuite(&doc.Suites[i], &summary)
	}
	return summary, nil
}

func countSuite(suite *Suite, summary *schemas.ReportSummary) {
	for i := range suite.Specs {
		for ti := range suite.Specs[i].Tests {
			test := &suite.Specs[i].Tests[ti]
			for ri := range test.Results {
				result := &test.Results[ri]
				summary.Total++
				switch {
				case result.Status == StatusSkipped:
					summary.Skipped++
				case isFailure(result):
					summary.Failed++
				default:
					summary.Passed++
				}
			}
		}
	}
	for i := range suite.Suites {
		countSuite(&suite.Suites[i], summary)
	}
}
