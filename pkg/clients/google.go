package clients

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/googleai"
)

const (
	// DefaultGoogleModel is used for distillation when FAST_MODEL is unset.
	DefaultGoogleModel = "gemini-3-flash-preview"
	ProGoogleModel     = "gemini-3-pro-preview"
)

// GoogleAI returns a Gemini model.
// See https://ai.google.dev/gemini-api/docs/models/gemini for possible models.
func GoogleAI(ctx context.Context, apiKey, model string) (*googleai.GoogleAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: GOOGLE_API_KEY", ErrMissingAPIKey)
	}
	if model == "" {
		model = DefaultGoogleModel
	}
	llm, err := googleai.New(ctx, googleai.WithAPIKey(apiKey), googleai.WithDefaultModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create google ai client: %w", err)
	}
	return llm, nil
}
