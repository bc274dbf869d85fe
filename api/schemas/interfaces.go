package schemas

import (
	"context"
)

// LLMClient is the transport seam between the analysis stages and whatever
// reasoning model backs them. Stages depend on this interface only; the
// concrete Gemini client and the test mock both satisfy it.
type LLMClient interface {
	// Generate produces a text completion for the request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// GenerateVision produces a completion grounded in a single image.
	GenerateVision(ctx context.Context, req VisionRequest) (string, error)
	// Close releases transport resources such as pooled connections.
	Close() error
}

// ModelTier names a capability class rather than a concrete model, so call
// sites can ask for "fast" or "powerful" and leave model selection to config.
type ModelTier string

const (
	TierFast     ModelTier = "fast"     // Cheaper and quicker; fine for classification.
	TierPowerful ModelTier = "powerful" // Slower and stronger; used for synthesis.
)

// GenerationRequest carries one text-completion call: the persona prompt, the
// task input, the tier to route to, and sampling parameters.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"` // Instructions for the model's persona and task.
	UserPrompt   string            `json:"user_prompt"`   // The specific query or input from the user.
	Tier         ModelTier         `json:"tier"`          // The desired model tier (fast or powerful).
	Options      GenerationOptions `json:"options"`       // Advanced generation parameters.
}

// GenerationOptions tunes sampling. Zero values mean "let the model config
// decide"; callers that need strict JSON set ForceJSONFormat.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, forces the model to output valid JSON.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// VisionRequest pairs one image with a prompt, for judgments that need the
// rendered page rather than its HTML.
type VisionRequest struct {
	Prompt    string            `json:"prompt"`
	ImageData []byte            `json:"-"`         // Raw image bytes, base64-encoded at the transport layer.
	MIMEType  string            `json:"mime_type"` // e.g. "image/png".
	Options   GenerationOptions `json:"options"`
}
