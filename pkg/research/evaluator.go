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

const (
	// DefaultFanOut is how many follow-up queries the evaluator may propose per depth.
	DefaultFanOut = 3
	// MaxFanOut is the hard ceiling on follow-up queries per depth.
	MaxFanOut = 5
)

// Reasons recorded on an Evaluation when the stop did not come from the model.
const (
	NoteDepthCap   = "depth-cap"
	NoteMalformed  = "malformed-output"
	NoteModelError = "model-error"
	NoteNoQueries  = "no-follow-up-queries"
	NoteCancelled  = "cancelled"
)

// LLMEvaluator asks a language model whether the learnings cover the topic.
type LLMEvaluator struct {
	LLM           llms.Model
	FanOut        int
	RetryAttempts int
	RetryBackoff  time.Duration
	Logger        *slog.Logger
}

// NewLLMEvaluator returns an evaluator with the default fan-out and retry policy.
func NewLLMEvaluator(llm llms.Model) *LLMEvaluator {
	return &LLMEvaluator{
		LLM:           llm,
		FanOut:        DefaultFanOut,
		RetryAttempts: DefaultRetryAttempts,
		RetryBackoff:  DefaultRetryBackoff,
		Logger:        slog.Default(),
	}
}

type reflection struct {
	IsSufficient    *bool       `json:"is_sufficient"`
	KnowledgeGap    string      `json:"knowledge_gap"`
	FollowUpQueries []queryItem `json:"follow_up_queries"`
}

// Evaluate always returns an Evaluation. Any failure to get a usable answer
// from the model is a stop, so a misbehaving model can never extend the run.
func (ev *LLMEvaluator) Evaluate(ctx context.Context, topic string, learnings []Learning, depthReached, maxDepth int) Evaluation {
	out := Evaluation{Depth: depthReached, Decision: DecisionStop}

	if ctx.Err() != nil {
		out.Note = NoteCancelled
		return out
	}

	var r reflection
	g := generator{llm: ev.LLM, attempts: ev.RetryAttempts, backoff: ev.RetryBackoff, logger: ev.logger()}
	system := fmt.Sprintf(evaluatePrompt, ev.fanOut()) + "\n\n# Response Format:\n" + evaluateSchema()

	err := g.generateWithRetry(ctx, system, evaluationInput(topic, learnings, depthReached, maxDepth), func(content string) error {
		r = reflection{}
		if err := json.Unmarshal([]byte(content), &r); err != nil {
			return fmt.Errorf("json parse error: %w", err)
		}
		if r.IsSufficient == nil {
			return errors.New("missing is_sufficient")
		}
		return nil
	})
	if err != nil {
		ev.logger().Warn("Evaluation failed, stopping", "depth", depthReached, "error", err)
		if isMalformed(err) {
			out.Note = NoteMalformed
		} else {
			out.Note = NoteModelError
		}
		return out
	}

	out.KnowledgeGap = strings.TrimSpace(r.KnowledgeGap)
	if *r.IsSufficient {
		out.Sufficient = true
		return out
	}

	for _, q := range r.FollowUpQueries {
		text := strings.TrimSpace(q.Query)
		if text == "" {
			continue
		}
		out.Queries = append(out.Queries, Proposal{Text: text, ParentLearning: strings.TrimSpace(q.BasedOn)})
		if len(out.Queries) == ev.fanOut() {
			break
		}
	}

	switch {
	case len(out.Queries) == 0:
		out.Note = NoteNoQueries
	case depthReached >= maxDepth:
		out.Note = NoteDepthCap
	default:
		out.Decision = DecisionContinue
	}
	return out
}

func (ev *LLMEvaluator) fanOut() int {
	switch {
	case ev.FanOut <= 0:
		return DefaultFanOut
	case ev.FanOut > MaxFanOut:
		return MaxFanOut
	}
	return ev.FanOut
}

func (ev *LLMEvaluator) logger() *slog.Logger {
	if ev.Logger == nil {
		return slog.Default()
	}
	return ev.Logger
}

func evaluationInput(topic string, learnings []Learning, depthReached, maxDepth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nDepth: %d/%d\n\nLearnings:\n", topic, depthReached, maxDepth)
	if len(learnings) == 0 {
		b.WriteString("(none yet)\n")
	}
	for i, l := range learnings {
		fmt.Fprintf(&b, "%d. %s\n", i+1, l.Text)
	}
	return b.String()
}
