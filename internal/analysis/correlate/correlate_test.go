// internal/analysis/correlate/correlate_test.go
package correlate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/mocks"
)

const blockedCheckoutHTML = `<html><body>
<div class="modal-backdrop" style="position: fixed; z-index: 1050">Session expired</div>
<button id="place-order" style="display: none">Place order</button>
</body></html>`

func checkoutTrace() *schemas.TraceData {
	return &schemas.TraceData{
		StartTime: 1000,
		EndTime:   9000,
		Actions: []schemas.ActionEvent{
			{APIName: "page.goto", Selector: "https://shop.example/checkout", StartTime: 1000, EndTime: 2200},
			{APIName: "locator.click", Selector: "#place-order", StartTime: 3000, EndTime: 8900,
				Error: "Timeout 30000ms exceeded"},
		},
		Network: []schemas.NetworkEvent{
			{URL: "https://shop.example/checkout", Method: "GET", ResourceType: "document", Status: 200, Timestamp: 1100},
			{URL: "https://shop.example/api/stock", Method: "GET", ResourceType: "fetch", Status: 500, Timestamp: 4000},
			{URL: "https://shop.example/api/cart", Method: "GET", Failure: "net::ERR_CONNECTION_REFUSED", Timestamp: 4100},
		},
		Snapshots: []schemas.DOMSnapshot{
			{HTML: "<html><body>early</body></html>", Timestamp: 2000, URL: "https://shop.example/checkout"},
			{HTML: blockedCheckoutHTML, Timestamp: 8000, URL: "https://shop.example/checkout?step=2"},
		},
	}
}

func checkoutFact() *schemas.FailureFact {
	return &schemas.FailureFact{
		TestName:   "checkout completes",
		FailedStep: `click "Place order"`,
		Error:      "locator.click: Timeout 30000ms exceeded.",
	}
}

func newTestCorrelator() (*Correlator, *mocks.MockLLMClient) {
	llm := &mocks.MockLLMClient{}
	return NewCorrelator(llm, zap.NewNop()), llm
}

func TestCorrelate_NilWithoutTrace(t *testing.T) {
	correlator, llm := newTestCorrelator()

	got := correlator.Correlate(context.Background(), checkoutFact(), nil, nil)

	assert.Nil(t, got)
	llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	llm.AssertNotCalled(t, "GenerateVision", mock.Anything, mock.Anything)
}

func TestCorrelate_FusedVerdict(t *testing.T) {
	correlator, llm := newTestCorrelator()

	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		// The fusion prompt has to carry the gathered evidence: the failing
		// request, the latest snapshot, the blocking overlay and the hidden
		// target element.
		return strings.Contains(req.UserPrompt, "net::ERR_CONNECTION_REFUSED") &&
			strings.Contains(req.UserPrompt, "checkout?step=2") &&
			strings.Contains(req.UserPrompt, "modal") &&
			strings.Contains(req.UserPrompt, `"Place order"`) &&
			strings.Contains(req.UserPrompt, "visible=false") &&
			req.Options.ForceJSONFormat
	})).Return(`{"uiState": "order button hidden behind a session modal", "pageState": "timeout", "blockingFactors": ["session expired modal"]}`, nil).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), checkoutTrace(), nil)

	require.NotNil(t, got)
	assert.Equal(t, "order button hidden behind a session modal", got.UIState)
	assert.Equal(t, "timeout", got.PageState)
	assert.Equal(t, []string{"session expired modal"}, got.BlockingFactors)
	llm.AssertExpectations(t)
}

func TestCorrelate_FusionFailureSynthesizesDeterministically(t *testing.T) {
	correlator, llm := newTestCorrelator()
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("model unavailable")).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), checkoutTrace(), nil)

	require.NotNil(t, got)
	assert.Equal(t, "element hidden", got.UIState)
	assert.Equal(t, "timeout", got.PageState)
	require.Len(t, got.BlockingFactors, 2)
	assert.Equal(t, "https://shop.example/api/cart: net::ERR_CONNECTION_REFUSED", got.BlockingFactors[0])
	assert.True(t, strings.HasPrefix(got.BlockingFactors[1], "modal:"), "second factor should be the overlay: %q", got.BlockingFactors[1])
}

func TestCorrelate_ScreenshotFailureAbsorbed(t *testing.T) {
	correlator, llm := newTestCorrelator()
	screenshot := []byte("\x89PNG\r\n\x1a\nnot really a png")

	llm.On("GenerateVision", mock.Anything, mock.Anything).Return("", errors.New("vision offline")).Once()
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return !strings.Contains(req.UserPrompt, "Screenshot read")
	})).Return(`{"uiState": "element hidden", "pageState": "timeout", "blockingFactors": []}`, nil).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), checkoutTrace(), screenshot)

	require.NotNil(t, got)
	assert.Equal(t, "element hidden", got.UIState)
	llm.AssertExpectations(t)
}

func TestCorrelate_ScreenshotInsightSurvivesIntoFallback(t *testing.T) {
	correlator, llm := newTestCorrelator()
	screenshot := []byte("\x89PNG\r\n\x1a\nnot really a png")

	llm.On("GenerateVision", mock.Anything, mock.MatchedBy(func(req schemas.VisionRequest) bool {
		return req.MIMEType == "image/png" && req.Options.ForceJSONFormat
	})).Return(`{"pageState": "error", "blockingElements": ["session expired modal"], "visibleContent": ["Session expired"], "confidence": 0.8}`, nil).Once()
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("model unavailable")).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), checkoutTrace(), screenshot)

	require.NotNil(t, got)
	require.Len(t, got.BlockingFactors, 3)
	assert.Equal(t, "session expired modal", got.BlockingFactors[2])
	llm.AssertExpectations(t)
}

func TestCorrelate_PanickingModelDegrades(t *testing.T) {
	correlator, llm := newTestCorrelator()
	llm.On("Generate", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	}).Return("", nil).Once()

	var got *schemas.ArtifactSignals
	require.NotPanics(t, func() {
		got = correlator.Correlate(context.Background(), checkoutFact(), checkoutTrace(), nil)
	})

	require.NotNil(t, got)
	assert.Equal(t, "unknown", got.UIState)
	assert.Equal(t, "unknown", got.PageState)
	require.Len(t, got.BlockingFactors, 1)
	assert.Contains(t, got.BlockingFactors[0], "correlation error")
	assert.Contains(t, got.BlockingFactors[0], "boom")
}

func TestCorrelate_FailedDocumentBodySurfaced(t *testing.T) {
	correlator, llm := newTestCorrelator()
	trace := checkoutTrace()
	trace.Network = append(trace.Network, schemas.NetworkEvent{
		URL: "https://shop.example/checkout", Method: "GET", ResourceType: "document",
		Status: 503, Timestamp: 8500, ResourceSHA1: "abc123",
	})
	trace.Resources = map[string][]byte{
		"abc123": []byte("<html><body><h1>Service Unavailable</h1><p>upstream connect error</p></body></html>"),
	}

	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		// The stored error page's text, not its markup, reaches the prompt.
		return strings.Contains(req.UserPrompt, "Service Unavailable upstream connect error") &&
			!strings.Contains(req.UserPrompt, "<h1>")
	})).Return(`{"uiState": "error page shown", "pageState": "failed", "blockingFactors": ["503 from the app"]}`, nil).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), trace, nil)

	require.NotNil(t, got)
	assert.Equal(t, "failed", got.PageState)
	llm.AssertExpectations(t)
}

func TestCorrelate_NoSnapshotStillProducesSignals(t *testing.T) {
	correlator, llm := newTestCorrelator()
	trace := checkoutTrace()
	trace.Snapshots = nil

	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("model unavailable")).Once()

	got := correlator.Correlate(context.Background(), checkoutFact(), trace, nil)

	require.NotNil(t, got)
	assert.Equal(t, "unknown", got.UIState)
	assert.Equal(t, "timeout", got.PageState)
	assert.Equal(t, []string{"https://shop.example/api/cart: net::ERR_CONNECTION_REFUSED"}, got.BlockingFactors)
}
