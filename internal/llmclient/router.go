package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
)

// LLMRouter implements the LLMClient interface and routes requests to the
// client registered for the requested tier. Vision requests go to their own
// client, since the vision model is configured independently.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
	vision  schemas.LLMClient
}

// NewLLMRouter creates a new router with the specified clients for each tier.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient, visionClient schemas.LLMClient) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}
	if visionClient == nil {
		visionClient = fastClient
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierFast:     fastClient,
			schemas.TierPowerful: powerfulClient,
		},
		vision: visionClient,
	}, nil
}

// Generate selects the appropriate client based on the request's Tier.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierPowerful // Default to the powerful tier if unspecified.
	}

	client, ok := r.clients[tier]
	if !ok {
		return "", fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// GenerateVision forwards the request to the dedicated vision client.
func (r *LLMRouter) GenerateVision(ctx context.Context, req schemas.VisionRequest) (string, error) {
	r.logger.Debug("Routing vision request")
	return r.vision.GenerateVision(ctx, req)
}

// Close closes every distinct underlying client once.
func (r *LLMRouter) Close() error {
	seen := make(map[schemas.LLMClient]bool)
	var firstErr error
	for _, client := range r.clients {
		if seen[client] {
			continue
		}
		seen[client] = true
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.vision != nil && !seen[r.vision] {
		if err := r.vision.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
