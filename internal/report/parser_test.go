package report

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// Sample run reports for testing.

const (
	// A single failed attempt with a result-level error and a framed stack.
	reportSingleFailure = `{
	  "stats": {"expected": 2, "unexpected": 1, "flaky": 0, "skipped": 1},
	  "suites": [
	    {
	      "title": "checkout.spec.ts",
	      "file": "tests/checkout.spec.ts",
	      "specs": [
	        {
	          "title": "completes checkout with saved card",
	          "file": "tests/checkout.spec.ts",
	          "line": 12,
	          "column": 5,
	          "tests": [
	            {
	              "timeout": 30000,
	              "results": [
	                {
	                  "status": "failed",
	                  "error": {
	                    "message": "Error: locator.click: Timeout 30000ms exceeded.",
	                    "stack": "Error: locator.click: Timeout 30000ms exceeded.\n    at CheckoutPage.submitOrder (/app/tests/pages/checkout-page.ts:42:18)\n    at /app/tests/checkout.spec.ts:19:3"
	                  },
	                  "steps": [
	                    {"title": "Navigate to cart"},
	                    {"title": "Click submit order", "error": {"message": "locator.click: Timeout 30000ms exceeded."}}
	                  ]
	                }
	              ]
	            }
	          ]
	        }
	      ]
	    }
	  ]
	}`

	// Suites nested three deep, one failing spec at each level.
	reportNestedSuites = `{
	  "suites": [
	    {
	      "title": "outer",
	      "specs": [
	        {"title": "outer failure", "file": "outer.spec.ts", "line": 1,
	         "tests": [{"results": [{"status": "failed"}]}]}
	      ],
	      "suites": [
	        {
	          "title": "middle",
	          "specs": [
	            {"title": "middle failure", "file": "middle.spec.ts", "line": 2,
	             "tests": [{"results": [{"status": "failed"}]}]}
	          ],
	          "suites": [
	            {
	              "title": "inner",
	              "specs": [
	                {"title": "inner failure", "file": "inner.spec.ts", "line": 3,
	                 "tests": [{"results": [{"status": "failed"}]}]}
	              ]
	            }
	          ]
	        }
	      ]
	    }
	  ]
	}`

	// A result whose status claims success but whose nested step errored.
	reportStepErrorOnly = `{
	  "suites": [
	    {
	      "title": "profile.spec.ts",
	      "specs": [
	        {
	          "title": "updates display name",
	          "file": "tests/profile.spec.ts",
	          "line": 8,
	          "column": 3,
	          "tests": [
	            {
	              "results": [
	                {
	                  "status": "passed",
	                  "steps": [
	                    {
	                      "title": "Fill profile form",
	                      "steps": [
	                        {"title": "Type display name",
	                         "error": {"message": "locator.fill: Target closed"}}
	                      ]
	                    },
	                    {"title": "Save", "error": {"message": "later error, must not win"}}
	                  ]
	                }
	              ]
	            }
	          ]
	        }
	      ]
	    }
	  ]
	}`
)

func TestParse_SingleFailure(t *testing.T) {
	t.Parallel()

	facts, err := Parse([]byte(reportSingleFailure), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, facts, 1)

	fact := facts[0]
	assert.Equal(t, "completes checkout with saved card", fact.TestName)
	// Location must come from the first stack frame, not the spec header.
	assert.Equal(t, "/app/tests/pages/checkout-page.ts", fact.File)
	assert.Equal(t, 42, fact.Line)
	assert.Equal(t, 18, fact.Column)
	assert.Equal(t, "Click submit order", fact.FailedStep)
	assert.Equal(t, "Error: locator.click: Timeout 30000ms exceeded.", fact.Error)
	assert.Len(t, fact.StackTrace, 3, "Raw stack lines should be preserved")
	// The attempt failed but did not time out, so no timeout is recorded.
	assert.Zero(t, fact.Timeout)
}

func TestParse_TimedOutCarriesTimeout(t *testing.T) {
	t.Parallel()

	raw := `{"suites": [{"title": "s", "specs": [{"title": "slow test", "file": "slow.spec.ts", "line": 4,
		"tests": [{"timeout": 15000, "results": [{"status": "timedOut",
		"error": {"message": "Test timeout of 15000ms exceeded."}}]}]}]}]}`

	facts, err := Parse([]byte(raw), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, facts, 1)

	assert.Equal(t, 15000, facts[0].Timeout)
	assert.Equal(t, "Test timeout of 15000ms exceeded.", facts[0].Error)
	// No stack at all, so the spec header location is used.
	assert.Equal(t, "slow.spec.ts", facts[0].File)
	assert.Equal(t, 4, facts[0].Line)
}

// A result qualifies as a failure when any step carries an error, even if the
// result-level status claims otherwise.
func TestParse_StepErrorQualifiesResult(t *testing.T) {
	t.Parallel()

	facts, err := Parse([]byte(reportStepErrorOnly), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, facts, 1)

	fact := facts[0]
	// Depth-first: the nested "Type display name" error is found before the
	// sibling "Save" error.
	assert.Equal(t, "Type display name", fact.FailedStep)
	assert.Equal(t, "locator.fill: Target closed", fact.Error)
	assert.Equal(t, "tests/profile.spec.ts", fact.File)
}

func TestParse_NestedSuitesTraversalOrder(t *testing.T) {
	t.Parallel()

	facts, err := Parse([]byte(reportNestedSuites), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, facts, 3)

	assert.Equal(t, "outer failure", facts[0].TestName)
	assert.Equal(t, "middle failure", facts[1].TestName)
	assert.Equal(t, "inner failure", facts[2].TestName)
}

func TestParse_LocationAndErrorResolution(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		result   string
		spec     string
		expected schemas.FailureFact
	}{
		{
			name:   "Bare Frame Without Function Name",
			result: `{"status": "failed", "error": {"message": "boom", "stack": "Error: boom\n    at /app/tests/cart.spec.ts:7:11"}}`,
			spec:   `"title": "t", "file": "cart.spec.ts", "line": 1, "column": 1`,
			expected: schemas.FailureFact{
				TestName: "t", File: "/app/tests/cart.spec.ts", Line: 7, Column: 11,
				Error: "boom", StackTrace: []string{"Error: boom", "    at /app/tests/cart.spec.ts:7:11"},
			},
		},
		{
			name:   "Stack Without Frames Falls Back To Spec Location",
			result: `{"status": "failed", "error": {"message": "boom", "stack": "Error: boom\nsomething unhelpful"}}`,
			spec:   `"title": "t", "file": "cart.spec.ts", "line": 9, "column": 2`,
			expected: schemas.FailureFact{
				TestName: "t", File: "cart.spec.ts", Line: 9, Column: 2,
				Error: "boom", StackTrace: []string{"Error: boom", "something unhelpful"},
			},
		},
		{
			name:   "No Error Anywhere Yields Sentinels",
			result: `{"status": "failed"}`,
			spec:   `"title": "t"`,
			expected: schemas.FailureFact{
				TestName: "t", File: UnknownFile, Error: UnknownError,
			},
		},
		{
			name:   "Test Title Fallback",
			result: `{"status": "failed", "error": {"message": "boom"}}`,
			spec:   `"title": "", "file": "x.spec.ts"`,
			expected: schemas.FailureFact{
				TestName: "fallback title", File: "x.spec.ts", Error: "boom",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw := `{"suites": [{"title": "s", "specs": [{` + tc.spec +
				`, "tests": [{"title": "fallback title", "results": [` + tc.result + `]}]}]}]}`

			facts, err := Parse([]byte(raw), zap.NewNop())
			require.NoError(t, err)
			require.Len(t, facts, 1)
			assert.Empty(t, cmp.Diff(tc.expected, facts[0]))
		})
	}
}

func TestParse_PassedAndSkippedIgnored(t *testing.T) {
	t.Parallel()

	raw := `{"suites": [{"title": "s", "specs": [{"title": "green", "file": "g.spec.ts",
		"tests": [{"results": [{"status": "passed"}, {"status": "skipped"}]}]}]}]}`

	facts, err := Parse([]byte(raw), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, facts)
}

// Identical report bytes must always produce identical failure arrays.
func TestParse_Deterministic(t *testing.T) {
	t.Parallel()

	first, err := Parse([]byte(reportSingleFailure), zap.NewNop())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := Parse([]byte(reportSingleFailure), zap.NewNop())
		require.NoError(t, err)
		assert.Empty(t, cmp.Diff(first, again))
	}
}

func TestParse_InvalidJSON(t *testing.T) {
	t.Parallel()

	facts, err := Parse([]byte(`{"suites": [`), zap.NewNop())
	assert.Error(t, err)
	assert.Nil(t, facts)
	assert.Contains(t, err.Error(), "failed to parse run report")
}
