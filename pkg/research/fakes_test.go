package research

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedLLM answers by role, picked from the system prompt.
type scriptedLLM struct {
	mu sync.Mutex

	planner  func(input string) (string, error)
	distill  func(input string) (string, error)
	evaluate func(input string) (string, error)
	report   func(input string) (string, error)

	calls  map[string]int
	inputs map[string][]string
}

func roleOf(system string) string {
	switch {
	case strings.Contains(system, "research planner"):
		return "planner"
	case strings.Contains(system, "research analyst"):
		return "distill"
	case strings.Contains(system, "research manager"):
		return "evaluate"
	case strings.Contains(system, "research writer"):
		return "report"
	}
	return "unknown"
}

func (s *scriptedLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if len(messages) != 2 {
		return nil, fmt.Errorf("expected system and human message, got %d", len(messages))
	}
	role := roleOf(messageText(messages[0]))
	input := messageText(messages[1])

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]int)
		s.inputs = make(map[string][]string)
	}
	s.calls[role]++
	s.inputs[role] = append(s.inputs[role], input)
	var fn func(string) (string, error)
	switch role {
	case "planner":
		fn = s.planner
	case "distill":
		fn = s.distill
	case "evaluate":
		fn = s.evaluate
	case "report":
		fn = s.report
	}
	s.mu.Unlock()

	if fn == nil {
		return nil, fmt.Errorf("no script for role %q", role)
	}
	text, err := fn(input)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (s *scriptedLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

func (s *scriptedLLM) count(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[role]
}

func (s *scriptedLLM) lastInput(role string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inputs[role]
	if len(in) == 0 {
		return ""
	}
	return in[len(in)-1]
}

func messageText(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// sourceOf pulls the "Source: <url>" line out of a distill prompt.
func sourceOf(input string) string {
	for _, line := range strings.Split(input, "\n") {
		if u, ok := strings.CutPrefix(line, "Source: "); ok {
			return u
		}
	}
	return ""
}

func reply(s string) func(string) (string, error) {
	return func(string) (string, error) { return s, nil }
}

// learningPerSource returns one distinct learning naming the source URL.
func learningPerSource(input string) (string, error) {
	return fmt.Sprintf(`{"learnings": ["Fact from %s"]}`, sourceOf(input)), nil
}

// searchByQuery returns one result per query whose URL is derived from it.
func searchByQuery(_ context.Context, req SearchRequest) ([]SearchResult, error) {
	slug := strings.ReplaceAll(strings.ToLower(req.Query), " ", "-")
	return []SearchResult{{
		Title:    "About " + req.Query,
		URL:      "https://example.com/" + slug,
		Snippet:  req.Query,
		Category: CategoryWeb,
	}}, nil
}

func extractOK(_ context.Context, url string) (ExtractedDocument, error) {
	return ExtractedDocument{URL: url, Text: "Body of " + url, Status: ExtractionSuccess}, nil
}

type evaluatorFunc func(ctx context.Context, topic string, learnings []Learning, depthReached, maxDepth int) Evaluation

func (f evaluatorFunc) Evaluate(ctx context.Context, topic string, learnings []Learning, depthReached, maxDepth int) Evaluation {
	return f(ctx, topic, learnings, depthReached, maxDepth)
}

// fakeClock is advanced explicitly by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(llm *scriptedLLM, searcher Searcher, extractor Extractor) *Engine {
	e := NewEngine(llm, searcher, extractor)
	e.Logger = discardLogger()
	e.RetryBackoff = 0
	ev := e.Evaluator.(*LLMEvaluator)
	ev.Logger = e.Logger
	ev.RetryBackoff = 0
	return e
}

func testSettings(maxDepth int) Settings {
	s := DefaultSettings()
	s.MaxDepth = maxDepth
	s.MaxResults = 3
	return s
}

var errProvider = errors.New("provider unavailable")
