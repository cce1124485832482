package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
)

var (
	// errNoJSON is returned when a response holds no JSON object at all.
	errNoJSON = errors.New("no json object in response")
	// errValidation wraps rejections from a call site's validator.
	errValidation = errors.New("validation failed")
)

// isMalformed reports whether err came from unusable model output rather
// than a failed call.
func isMalformed(err error) bool {
	return errors.Is(err, errNoJSON) || errors.Is(err, errValidation)
}

// generator wraps a model with the retry policy used at every call site.
type generator struct {
	llm      llms.Model
	attempts int
	backoff  time.Duration
	logger   *slog.Logger
}

// generateWithRetry sends a system/human prompt pair and hands the cleaned
// response to validate. The model is retried when the call fails or
// validate rejects the output, with a linear backoff between attempts.
func (g generator) generateWithRetry(ctx context.Context, system, input string, validate func(string) error) error {
	attempts := g.attempts
	if attempts < 1 {
		attempts = 1
	}

	prompts := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			g.logger.Warn("Retrying LLM generation", "attempt", i+1, "last_error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.backoff * time.Duration(i)):
			}
		}

		resp, err := g.llm.GenerateContent(ctx, prompts, llms.WithJSONMode())
		if err != nil {
			lastErr = fmt.Errorf("llm generation failed: %w", err)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("llm returned no choices")
			continue
		}

		content, err := extractJSON(resp.Choices[0].Content)
		if err != nil {
			lastErr = err
			continue
		}
		if err := validate(content); err != nil {
			lastErr = fmt.Errorf("%w: %w", errValidation, err)
			continue
		}
		return nil
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// generateText is used for the report, which is free-form markdown.
func (g generator) generateText(ctx context.Context, system, input string) (string, error) {
	resp, err := g.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, input),
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// extractJSON strips markdown fences and any prose around the outermost
// JSON object.
func extractJSON(content string) (string, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return s[start : end+1], nil
}

// queryItem accepts either a bare string or an object with a query field.
type queryItem struct {
	Query   string `json:"query"`
	Goal    string `json:"goal"`
	BasedOn string `json:"based_on"`
}

func (q *queryItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.Query = s
		return nil
	}
	type plain queryItem
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*q = queryItem(p)
	return nil
}

// learningItem accepts either a bare string or an object with a text field.
type learningItem struct {
	Text string `json:"text"`
}

func (l *learningItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		l.Text = s
		return nil
	}
	var obj struct {
		Text     string `json:"text"`
		Learning string `json:"learning"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	l.Text = obj.Text
	if l.Text == "" {
		l.Text = obj.Learning
	}
	return nil
}
