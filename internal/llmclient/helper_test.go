package llmclient

import (
	"time"

	"github.com/verdictlabs/verdict-cli/internal/config"
)

// testModelConfig returns a model config that passes validation; individual
// tests override the fields they care about.
func testModelConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        50,
	}
}
