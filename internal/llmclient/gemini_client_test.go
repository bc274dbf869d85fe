package llmclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// -- Test Setup Helpers --

// setupGeminiClient rigs up a GeminiClient pointed at a mock HTTP server.
// It returns the client, the mock server, and a log observer.
func setupGeminiClient(t *testing.T, handler http.HandlerFunc) (*GeminiClient, *httptest.Server, *observer.ObservedLogs) {
	t.Helper()
	if handler == nil {
		// Default handler for tests that don't require HTTP interactions.
		handler = func(w http.ResponseWriter, r *http.Request) {
			t.Log("Warning: Unexpected HTTP request in test.")
			w.WriteHeader(http.StatusNotFound)
		}
	}
	server := httptest.NewServer(handler)

	// Initialize logger with observer to capture Info/Error/Warn level logs.
	loggerCore, observedLogs := observer.New(zap.InfoLevel)
	logger := zap.New(loggerCore)

	cfg := testModelConfig()
	cfg.Endpoint = server.URL

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err, "NewGeminiClient initialization failed")

	// Ensure tests fail fast on unexpected hangs.
	client.httpClient.Timeout = 5 * time.Second

	t.Cleanup(server.Close)
	return client, server, observedLogs
}

// createTestRequest provides a standard generation request structure.
func createTestRequest() schemas.GenerationRequest {
	return schemas.GenerationRequest{
		SystemPrompt: "System prompt instructions.",
		UserPrompt:   "User query.",
		Options: schemas.GenerationOptions{
			Temperature: 0.7,
		},
	}
}

// successResponse builds a minimal valid API response carrying text.
func successResponse(text string) GeminiResponsePayload {
	return GeminiResponsePayload{
		Candidates: []struct {
			Content      GeminiContent `json:"content"`
			FinishReason string        `json:"finishReason"`
		}{
			{
				Content:      GeminiContent{Parts: []GeminiPart{{Text: text}}},
				FinishReason: "STOP",
			},
		},
	}
}

// -- Test Cases: Initialization (NewGeminiClient) --

// Verifies successful initialization and default endpoint configuration.
func TestNewGeminiClient_Success(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testModelConfig()
	// Ensure endpoint is empty to test the default assignment logic.
	cfg.Endpoint = ""

	client, err := NewGeminiClient(cfg, logger)

	require.NoError(t, err)
	require.NotNil(t, client)

	// White box verification of internal state.
	assert.Equal(t, cfg.APIKey, client.apiKey)
	assert.Equal(t, cfg.APITimeout, client.httpClient.Timeout)
	expectedEndpoint := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	assert.Equal(t, expectedEndpoint, client.endpoint)
	assert.NotNil(t, client.backoffFactory, "Backoff factory should be initialized")
	assert.Nil(t, client.limiter, "No limiter expected when rate_limit is unset")
}

// Verifies the requirement for an API key.
func TestNewGeminiClient_Failure_MissingAPIKey(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testModelConfig()
	cfg.APIKey = ""

	client, err := NewGeminiClient(cfg, logger)

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Gemini API Key is required")
}

// Verifies the rate limiter is constructed when configured.
func TestNewGeminiClient_RateLimiter(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testModelConfig()
	cfg.RateLimit = 2.0

	client, err := NewGeminiClient(cfg, logger)

	require.NoError(t, err)
	assert.NotNil(t, client.limiter)
}

// -- Test Cases: Request Payload Generation --

// Verifies the structure and content of the generated payload.
func TestBuildRequestPayload_Standard(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	// Modify client config for this specific test.
	client.config.TopP = 0.9
	client.config.TopK = 50
	client.config.MaxTokens = 2048
	client.config.SafetyFilters = map[string]string{"CAT_A": "BLOCK_LOW", "CAT_B": "BLOCK_HIGH"}

	req := createTestRequest()
	req.Options.Temperature = 0.5 // Specific temperature override.

	payload := client.buildRequestPayload(req)

	// Structure.
	require.NotNil(t, payload.SystemInstruction)
	require.Len(t, payload.Contents, 1)

	// Content.
	assert.Equal(t, req.SystemPrompt, payload.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, req.UserPrompt, payload.Contents[0].Parts[0].Text)

	// Generation config mapping.
	assert.Equal(t, 0.5, payload.GenerationConfig.Temperature)
	assert.Equal(t, float32(0.9), payload.GenerationConfig.TopP)
	assert.Equal(t, 50, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
	assert.Empty(t, payload.GenerationConfig.ResponseMimeType)

	// Safety settings (order independent check).
	require.Len(t, payload.SafetySettings, 2)
	actualSafety := make(map[string]string)
	for _, setting := range payload.SafetySettings {
		actualSafety[setting.Category] = setting.Threshold
	}
	assert.Equal(t, client.config.SafetyFilters, actualSafety)
}

// Verifies the ResponseMimeType is set correctly when requested.
func TestBuildRequestPayload_ForceJSON(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	req := createTestRequest()
	req.Options.ForceJSONFormat = true

	payload := client.buildRequestPayload(req)

	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
}

// Verifies the vision payload carries the image as inline data before the prompt.
func TestBuildVisionPayload(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	imageBytes := []byte{0x89, 0x50, 0x4e, 0x47}
	req := schemas.VisionRequest{
		Prompt:    "Describe the page state.",
		ImageData: imageBytes,
		Options:   schemas.GenerationOptions{ForceJSONFormat: true},
	}

	payload := client.buildVisionPayload(req)

	require.Len(t, payload.Contents, 1)
	require.Len(t, payload.Contents[0].Parts, 2)

	imagePart := payload.Contents[0].Parts[0]
	require.NotNil(t, imagePart.InlineData)
	assert.Equal(t, "image/png", imagePart.InlineData.MIMEType, "MIME type should default to PNG")
	assert.Equal(t, base64.StdEncoding.EncodeToString(imageBytes), imagePart.InlineData.Data)

	textPart := payload.Contents[0].Parts[1]
	assert.Equal(t, req.Prompt, textPart.Text)
	assert.Equal(t, "application/json", payload.GenerationConfig.ResponseMimeType)
}

// -- Test Cases: Generate - Success Scenarios --

// Verifies a standard successful API call, including request validation,
// response parsing, and logging.
func TestGenerate_Success(t *testing.T) {
	expectedResponseText := "This is the generated content."
	expectedPromptTokens := 100
	expectedCompletionTokens := 50

	handler := func(w http.ResponseWriter, r *http.Request) {
		// 1. Verify request integrity.
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "test-api-key", r.Header.Get("x-goog-api-key"))

		// 2. Verify request body structure.
		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		err := json.Unmarshal(body, &payload)
		require.NoError(t, err, "Server received invalid JSON payload")
		assert.Equal(t, createTestRequest().UserPrompt, payload.Contents[0].Parts[0].Text)

		// 3. Send mock success response.
		responsePayload := successResponse(expectedResponseText)
		responsePayload.UsageMetadata.PromptTokenCount = expectedPromptTokens
		responsePayload.UsageMetadata.CandidatesTokenCount = expectedCompletionTokens
		responsePayload.UsageMetadata.TotalTokenCount = expectedPromptTokens + expectedCompletionTokens

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(responsePayload)
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	req := createTestRequest()

	response, err := client.Generate(context.Background(), req)

	assert.NoError(t, err)
	assert.Equal(t, expectedResponseText, response)

	// Verify logging details (token usage and duration).
	require.Equal(t, 1, observedLogs.Len(), "Expected one log entry for successful generation")
	logEntry := observedLogs.All()[0]
	assert.Equal(t, "LLM generation complete (Gemini)", logEntry.Message)
	// Zap logs integers (zap.Int) as int64 in the context map.
	assert.Equal(t, int64(expectedPromptTokens), logEntry.ContextMap()["prompt_tokens"])
	assert.Equal(t, int64(expectedCompletionTokens), logEntry.ContextMap()["completion_tokens"])
	assert.NotNil(t, logEntry.ContextMap()["duration"])
}

// Verifies the vision round trip posts inline image data.
func TestGenerateVision_Success(t *testing.T) {
	imageBytes := []byte("fake-jpeg-bytes")

	handler := func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload GeminiRequestPayload
		require.NoError(t, json.Unmarshal(body, &payload))

		require.Len(t, payload.Contents, 1)
		require.NotNil(t, payload.Contents[0].Parts[0].InlineData)
		assert.Equal(t, "image/jpeg", payload.Contents[0].Parts[0].InlineData.MIMEType)
		assert.Equal(t, base64.StdEncoding.EncodeToString(imageBytes), payload.Contents[0].Parts[0].InlineData.Data)

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(successResponse(`{"pageState":"loaded"}`))
	}

	client, _, _ := setupGeminiClient(t, handler)

	response, err := client.GenerateVision(context.Background(), schemas.VisionRequest{
		Prompt:    "Assess the screenshot.",
		ImageData: imageBytes,
		MIMEType:  "image/jpeg",
	})

	require.NoError(t, err)
	assert.Equal(t, `{"pageState":"loaded"}`, response)
}

// Verifies vision requests without image bytes are rejected before any HTTP call.
func TestGenerateVision_Failure_NoImage(t *testing.T) {
	client, _, _ := setupGeminiClient(t, nil)

	_, err := client.GenerateVision(context.Background(), schemas.VisionRequest{Prompt: "no image"})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "vision request requires image data")
}

// -- Test Cases: Generate - Error Handling & Retries --

// Verifies the exponential backoff mechanism works for transient API errors (5xx).
func TestGenerate_RetryOnTransientErrors(t *testing.T) {
	var attemptCounter int32
	expectedAttempts := 3

	handler := func(w http.ResponseWriter, r *http.Request) {
		attempt := atomic.AddInt32(&attemptCounter, 1)

		if int(attempt) < expectedAttempts {
			// Simulate a transient error (e.g., 503 Service Unavailable).
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable."))
		} else {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(successResponse("Success after retry"))
		}
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	req := createTestRequest()

	// Inject a faster backoff strategy for the test to avoid long wait times.
	client.backoffFactory = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 10 * time.Millisecond
		b.MaxElapsedTime = 5 * time.Second
		return b
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	response, err := client.Generate(ctx, req)

	assert.NoError(t, err)
	assert.Equal(t, "Success after retry", response)
	assert.Equal(t, int32(expectedAttempts), atomic.LoadInt32(&attemptCounter), "The request should have been retried the expected number of times")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	assert.Equal(t, expectedAttempts-1, errorLogs.Len(), "Expected ERROR logs for the failed attempts")
}

// Verifies that network level errors are retried and logged as warnings.
func TestGenerate_RetryOnNetworkError(t *testing.T) {
	client, server, observedLogs := setupGeminiClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler reached despite server being closed.")
	})

	client.backoffFactory = func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}

	// Immediately close the server to simulate a network error (connection refused).
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := client.Generate(ctx, createTestRequest())

	assert.Error(t, err)

	// Network errors must be recognized as transient (not PermanentError).
	var permanentErr *backoff.PermanentError
	assert.False(t, errors.As(err, &permanentErr), "Network errors should be treated as transient and retried")

	warnLogs := observedLogs.FilterLevelExact(zap.WarnLevel)
	assert.Greater(t, warnLogs.Len(), 1, "Expected multiple WARN logs for network errors indicating retries")
	assert.Contains(t, warnLogs.All()[0].Message, "Network error during LLM request, retrying...")
}

// Verifies that permanent errors (e.g., 400/403) fail immediately.
func TestGenerate_NoRetryOnPermanentErrors(t *testing.T) {
	var attemptCounter int32
	errorBody := "API Key Invalid"

	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(errorBody))
	}

	client, _, observedLogs := setupGeminiClient(t, handler)
	req := createTestRequest()

	response, err := client.Generate(context.Background(), req)

	assert.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API error: status 403")

	// Crucially, verify only one attempt was made (backoff.Permanent was used internally).
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Permanent errors must not trigger retries")

	errorLogs := observedLogs.FilterLevelExact(zap.ErrorLevel)
	require.Equal(t, 1, errorLogs.Len())
	logEntry := errorLogs.All()[0]
	assert.Equal(t, "Gemini API returned error status", logEntry.Message)
	// Zap logs integers as int64.
	assert.Equal(t, int64(403), logEntry.ContextMap()["status"])
	assert.Contains(t, logEntry.ContextMap()["response"], errorBody)
}

// Verifies handling of responses blocked by safety filters (Permanent Error).
func TestGenerate_Failure_SafetyBlock(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		// HTTP 200, but FinishReason=SAFETY with no parts.
		responsePayload := GeminiResponsePayload{
			Candidates: []struct {
				Content      GeminiContent `json:"content"`
				FinishReason string        `json:"finishReason"`
			}{
				{Content: GeminiContent{Parts: []GeminiPart{}}, FinishReason: "SAFETY"},
			},
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(responsePayload)
	}

	client, _, _ := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())

	assert.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API blocked the request (Reason: SAFETY)")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "Safety blocks must not trigger retries")
}

// Verifies robustness against empty response lists (Permanent Error).
func TestGenerate_Failure_NoCandidates(t *testing.T) {
	var attemptCounter int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attemptCounter, 1)
		responsePayload := GeminiResponsePayload{}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(responsePayload)
	}

	client, _, _ := setupGeminiClient(t, handler)

	response, err := client.Generate(context.Background(), createTestRequest())

	assert.Error(t, err)
	assert.Empty(t, response)
	assert.Contains(t, err.Error(), "gemini API returned no candidates")
	assert.Equal(t, int32(1), atomic.LoadInt32(&attemptCounter), "No candidates response must not trigger retries")
}

// Verifies cancellation propagates through the rate limiter wait.
func TestGenerate_RateLimiterAbort(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := testModelConfig()
	// A sliver of a rate so the second permit is far in the future.
	cfg.RateLimit = 0.001

	client, err := NewGeminiClient(cfg, logger)
	require.NoError(t, err)

	// Burn the first permit.
	require.NoError(t, client.limiter.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Generate(ctx, createTestRequest())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter wait aborted")
}
