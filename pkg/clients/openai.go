package clients

import (
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"
)

const (
	DefaultOpenAIModel = "gpt-4.1"
	FastOpenAIModel    = "gpt-4.1-mini"
)

func OpenAI(apiKey, model string) (*openai.LLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingAPIKey)
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	llm, err := openai.New(openai.WithToken(apiKey), openai.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return llm, nil
}
