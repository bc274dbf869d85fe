// internal/llmclient/gemini_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/config"
)

// GeminiClient implements the schemas.LLMClient interface for Google Gemini APIs.
type GeminiClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.LLMModelConfig
	limiter    *rate.Limiter
	// backoffFactory builds the retry strategy per request. Tests swap it for
	// a faster schedule.
	backoffFactory func() backoff.BackOff
}

// Wire types for the generateContent endpoint. Field names and casing follow
// the REST API, which mixes snake_case and camelCase across sections.

type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type GeminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *GeminiInlineData `json:"inline_data,omitempty"`
}

type GeminiInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"` // Base64-encoded bytes.
}

type GeminiSystemInstruction struct {
	Parts []GeminiPart `json:"parts"`
}

type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GeminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	TopP             float32 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type GeminiRequestPayload struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiSystemInstruction `json:"system_instruction,omitempty"`
	SafetySettings    []GeminiSafetySetting    `json:"safetySettings,omitempty"`
	GenerationConfig  GeminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type GeminiResponsePayload struct {
	Candidates []struct {
		Content      GeminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient builds a client for one configured model. The endpoint is
// derived from the model name unless the config pins one, which is how tests
// point the client at a local stand-in.
func NewGeminiClient(cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		// Burst of one keeps request spacing close to the configured rate.
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &GeminiClient{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
		httpClient: &http.Client{
			Timeout: cfg.APITimeout,
		},
		logger:  logger.Named("llm_client.gemini"),
		limiter: limiter,
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Generate sends the prompts to the Gemini API and returns the generated
// content with retries.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	return c.doRequest(ctx, c.buildRequestPayload(req))
}

// GenerateVision sends one image plus a prompt to the Gemini API. The
// configured model must be multimodal.
func (c *GeminiClient) GenerateVision(ctx context.Context, req schemas.VisionRequest) (string, error) {
	if len(req.ImageData) == 0 {
		return "", fmt.Errorf("vision request requires image data")
	}
	return c.doRequest(ctx, c.buildVisionPayload(req))
}

// Close releases any idle network connections held by the client.
func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// doRequest posts the payload to the API endpoint, retrying transient
// failures with exponential backoff.
func (c *GeminiClient) doRequest(ctx context.Context, payload GeminiRequestPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter wait aborted: %w", err)
		}
	}

	var reply string

	// backoff.Permanent marks errors the retry loop must not repeat: bad
	// requests, refused prompts, undecodable replies.
	attempt := func() error {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}

		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("x-goog-api-key", c.apiKey)

		start := time.Now()
		resp, err := c.httpClient.Do(request)
		elapsed := time.Since(start)

		if err != nil {
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.classifyAPIError(resp.StatusCode, raw)
		}

		var parsed GeminiResponsePayload
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}

		if len(parsed.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}

		candidate := parsed.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			// Empty parts without a block reason is usually a server hiccup.
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		c.logger.Info("LLM generation complete (Gemini)",
			zap.Duration("duration", elapsed),
			zap.Int("prompt_tokens", parsed.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", parsed.UsageMetadata.CandidatesTokenCount),
			zap.Int("total_tokens", parsed.UsageMetadata.TotalTokenCount),
		)

		reply = candidate.Content.Parts[0].Text
		return nil
	}

	if err := backoff.Retry(attempt, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}

	return reply, nil
}

// generationConfig merges per-request sampling options with the model-level
// limits from config.
func (c *GeminiClient) generationConfig(opts schemas.GenerationOptions) GeminiGenerationConfig {
	gen := GeminiGenerationConfig{
		Temperature:     opts.Temperature,
		TopP:            c.config.TopP,
		TopK:            c.config.TopK,
		MaxOutputTokens: c.config.MaxTokens,
	}
	if opts.ForceJSONFormat {
		gen.ResponseMimeType = "application/json"
	}
	return gen
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) GeminiRequestPayload {
	return GeminiRequestPayload{
		Contents: []GeminiContent{
			{
				Role: "user",
				Parts: []GeminiPart{
					{Text: req.UserPrompt},
				},
			},
		},
		SystemInstruction: &GeminiSystemInstruction{
			Parts: []GeminiPart{
				{Text: req.SystemPrompt},
			},
		},
		GenerationConfig: c.generationConfig(req.Options),
		SafetySettings:   c.safetySettings(),
	}
}

func (c *GeminiClient) buildVisionPayload(req schemas.VisionRequest) GeminiRequestPayload {
	mimeType := req.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}

	return GeminiRequestPayload{
		Contents: []GeminiContent{
			{
				Role: "user",
				Parts: []GeminiPart{
					{
						InlineData: &GeminiInlineData{
							MIMEType: mimeType,
							Data:     base64.StdEncoding.EncodeToString(req.ImageData),
						},
					},
					{Text: req.Prompt},
				},
			},
		},
		GenerationConfig: c.generationConfig(req.Options),
		SafetySettings:   c.safetySettings(),
	}
}

// classifyAPIError decides whether a non-200 status is worth retrying.
// Quota exhaustion and server-side failures are; everything else is not.
func (c *GeminiClient) classifyAPIError(statusCode int, body []byte) error {
	c.logger.Error("Gemini API returned error status", zap.Int("status", statusCode), zap.String("response", string(body)))
	err := fmt.Errorf("gemini API error: status %d, body: %s", statusCode, string(body))

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func (c *GeminiClient) safetySettings() []GeminiSafetySetting {
	settings := make([]GeminiSafetySetting, 0, len(c.config.SafetyFilters))
	for category, threshold := range c.config.SafetyFilters {
		settings = append(settings, GeminiSafetySetting{
			Category:  category,
			Threshold: threshold,
		})
	}
	return settings
}
