// internal/llmclient/factory.go
package llmclient

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/config"
)

// NewClient is a factory function that creates an LLMClient based on the
// model configuration.
func NewClient(cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, config.ProviderGemini)
	}
}

// NewRouterFromConfig builds the tiered router from the router configuration,
// constructing one client per referenced model.
func NewRouterFromConfig(cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	fastClient, err := NewClient(cfg.ModelConfig(cfg.DefaultFastModel), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create fast tier client: %w", err)
	}

	powerfulClient, err := NewClient(cfg.ModelConfig(cfg.DefaultPowerfulModel), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create powerful tier client: %w", err)
	}

	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = cfg.DefaultFastModel
	}
	visionClient, err := NewClient(cfg.ModelConfig(visionModel), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}

	return NewLLMRouter(logger, fastClient, powerfulClient, visionClient)
}
