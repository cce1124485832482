// Package clients builds the language models the research engine talks to.
package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Provider names accepted by LLM_PROVIDER.
const (
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	ErrMissingAPIKey   = errors.New("missing api key")
	ErrUnknownProvider = errors.New("unknown llm provider")
)

// Keys holds one API key per provider; only the selected provider's key is
// required.
type Keys struct {
	Google    string
	Anthropic string
	OpenAI    string
}

// NewModel returns the model for provider. An empty model name selects the
// provider's default.
func NewModel(ctx context.Context, provider, model string, keys Keys) (llms.Model, error) {
	switch normalizeProvider(provider) {
	case ProviderGoogle:
		return GoogleAI(ctx, keys.Google, model)
	case ProviderAnthropic:
		return AnthropicAI(keys.Anthropic, model)
	case ProviderOpenAI:
		return OpenAI(keys.OpenAI, model)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// NewModels returns the reasoning model and the fast model used for
// distillation.
func NewModels(ctx context.Context, provider, reasoning, fast string, keys Keys) (llms.Model, llms.Model, error) {
	if fast == "" {
		fast = FastModelFor(provider)
	}
	reasoningLLM, err := NewModel(ctx, provider, reasoning, keys)
	if err != nil {
		return nil, nil, err
	}
	quick, err := NewModel(ctx, provider, fast, keys)
	if err != nil {
		return nil, nil, err
	}
	return reasoningLLM, quick, nil
}

// FastModelFor names the cheaper model of a provider.
func FastModelFor(provider string) string {
	switch normalizeProvider(provider) {
	case ProviderAnthropic:
		return FastAnthropicModel
	case ProviderOpenAI:
		return FastOpenAIModel
	default:
		return DefaultGoogleModel
	}
}

func normalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" || p == "gemini" {
		return ProviderGoogle
	}
	return p
}
