package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-search/pkg/splitter"
)

const (
	DefaultConcurrency      = 3
	DefaultInitialQueries   = 3
	DefaultExtractTimeout   = 30 * time.Second
	DefaultMaxDocumentChars = 20000
	DefaultRetryAttempts    = 3
	DefaultRetryBackoff     = time.Second
)

var docSplitter = splitter.NewRecursiveCharacterTextSplitter(2000, 0)

// Engine drives research sessions. An Engine holds no per-session state, so
// one value can run any number of sessions concurrently.
type Engine struct {
	LLM llms.Model
	// FastLLM, when set, handles per-document distillation.
	FastLLM   llms.Model
	Searcher  Searcher
	Extractor Extractor
	Evaluator Evaluator
	// Sink is optional; it receives the new learnings after each depth.
	Sink   LearningSink
	Logger *slog.Logger
	// OnStateUpdate is called from the controlling goroutine after every
	// change to the job. The job must not be retained past the call.
	OnStateUpdate func(job *Job)

	Concurrency      int
	InitialQueries   int
	ExtractTimeout   time.Duration
	MaxDocumentChars int
	RetryAttempts    int
	RetryBackoff     time.Duration
	Now              func() time.Time
	// NewID names each job. Defaults to uuid.New.
	NewID func() uuid.UUID
}

// NewEngine returns an engine using llm for planning, distillation,
// evaluation and the final report.
func NewEngine(llm llms.Model, searcher Searcher, extractor Extractor) *Engine {
	return &Engine{
		LLM:              llm,
		Searcher:         searcher,
		Extractor:        extractor,
		Evaluator:        NewLLMEvaluator(llm),
		Logger:           slog.Default(),
		Concurrency:      DefaultConcurrency,
		InitialQueries:   DefaultInitialQueries,
		ExtractTimeout:   DefaultExtractTimeout,
		MaxDocumentChars: DefaultMaxDocumentChars,
		RetryAttempts:    DefaultRetryAttempts,
		RetryBackoff:     DefaultRetryBackoff,
		Now:              time.Now,
	}
}

// Run researches topic until the depth cap, the time budget or the
// evaluator ends the session. Invalid input fails with ErrInvalidSettings
// before any provider is called. Cancelling ctx ends the session with
// TerminationError; the partial job is returned alongside the error.
func (e *Engine) Run(ctx context.Context, topic string, settings Settings) (*Job, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is empty", ErrInvalidSettings)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if e.LLM == nil || e.Searcher == nil || e.Extractor == nil || e.Evaluator == nil {
		return nil, errors.New("engine is missing a collaborator")
	}

	s := newSession(topic, settings, e.Now)
	job := &Job{
		ID:        e.newID(),
		Topic:     topic,
		Settings:  settings,
		StartedAt: s.now(),
	}

	e.log().Info("Starting research loop", "job_id", job.ID, "topic", topic, "max_depth", settings.MaxDepth, "budget", settings.Budget())
	e.notify(job)

	job.Termination = e.loop(ctx, s, job)

	var runErr error
	if job.Termination == TerminationError {
		runErr = fmt.Errorf("research cancelled: %w", ctx.Err())
		job.Error = runErr.Error()
	}

	job.Report = e.generateReport(ctx, job)
	job.FinishedAt = s.now()

	e.log().Info("Research finished",
		"job_id", job.ID,
		"termination", job.Termination,
		"depth_reached", job.DepthReached,
		"steps", len(job.Steps),
		"learnings", len(job.Learnings),
	)
	e.notify(job)
	return job, runErr
}

// loop runs depths until something ends the session and returns why.
func (e *Engine) loop(ctx context.Context, s *session, job *Job) TerminationReason {
	if s.expired() {
		return TerminationTimeout
	}

	pending := s.admit(0, e.seedQueries(ctx, s), MaxFanOut)
	if ctx.Err() != nil {
		return TerminationError
	}

	for depth := 0; depth < s.settings.MaxDepth; depth++ {
		if ctx.Err() != nil {
			return TerminationError
		}
		if s.expired() {
			return TerminationTimeout
		}

		s.depth = depth
		e.log().Info("Starting depth", "depth", depth+1, "max", s.settings.MaxDepth, "queries", len(pending))

		steps, cut := e.runDepth(ctx, s, pending)
		job.DepthReached = depth + 1
		e.merge(ctx, s, job, steps)

		if ctx.Err() != nil {
			return TerminationError
		}
		if cut || s.expired() {
			return TerminationTimeout
		}

		ev := e.Evaluator.Evaluate(ctx, s.topic, job.Learnings, depth+1, s.settings.MaxDepth)
		job.Evaluations = append(job.Evaluations, ev)
		job.FollowUps = job.FollowUps[:0]
		for _, p := range ev.Queries {
			job.FollowUps = append(job.FollowUps, p.Text)
		}
		e.notify(job)

		if ev.Decision == DecisionStop {
			e.log().Info("Evaluator stopped research", "depth", depth+1, "sufficient", ev.Sufficient, "note", ev.Note)
			if ev.Note == NoteDepthCap {
				return TerminationDepthExhausted
			}
			return TerminationEvaluatorStopped
		}

		// The ceiling holds whatever the evaluator says.
		if depth+1 >= s.settings.MaxDepth {
			break
		}

		next := make([]Query, 0, len(ev.Queries))
		for _, p := range ev.Queries {
			next = append(next, Query{Text: p.Text, ParentLearning: p.ParentLearning})
		}
		// Fan-out holds for any Evaluator.
		if len(next) > MaxFanOut {
			e.log().Warn("Evaluator proposed too many queries", "depth", depth+1, "proposed", len(next), "max", MaxFanOut)
		}
		pending = s.admit(depth+1, next, MaxFanOut)
		if len(pending) == 0 {
			e.log().Info("No new queries after deduplication", "depth", depth+1)
			return TerminationEvaluatorStopped
		}
		job.FollowUps = job.FollowUps[:0]
	}

	return TerminationDepthExhausted
}

// runDepth dispatches every pending query with bounded parallelism. A slot
// is acquired before the deadline is checked, so nothing is dispatched
// after the budget runs out. Queries left undispatched are recorded as
// skipped and cut is true. Steps come back in completion order.
func (e *Engine) runDepth(ctx context.Context, s *session, queries []Query) (steps []Step, cut bool) {
	visited := s.visitedSnapshot()
	done := make(chan Step, len(queries))
	semaphore := make(chan struct{}, e.concurrency())
	var wg sync.WaitGroup

	var skipped []Step
	for _, q := range queries {
		semaphore <- struct{}{}
		if s.expired() || ctx.Err() != nil {
			<-semaphore
			skipped = append(skipped, skippedStep(q))
			continue
		}

		wg.Add(1)
		go func(q Query) {
			defer wg.Done()
			defer func() { <-semaphore }()
			done <- e.executeStep(ctx, s, visited, q)
		}(q)
	}
	wg.Wait()
	close(done)

	for st := range done {
		steps = append(steps, st)
	}
	if len(skipped) > 0 {
		e.log().Warn("Budget exhausted mid-depth", "depth", s.depth+1, "skipped", len(skipped))
	}
	return append(steps, skipped...), len(skipped) > 0
}

// merge is the single point where step results enter the job.
func (e *Engine) merge(ctx context.Context, s *session, job *Job, steps []Step) {
	var fresh []Learning
	for _, st := range steps {
		s.markVisited(st.Documents)
		fresh = append(fresh, s.addLearnings(st.Learnings)...)
		job.Steps = append(job.Steps, st)
	}
	job.Learnings = append(job.Learnings, fresh...)

	if e.Sink != nil && len(fresh) > 0 {
		if err := e.Sink.Store(ctx, s.topic, fresh); err != nil {
			e.log().Error("Failed to store learnings", "error", err)
		}
	}
	e.notify(job)
}

// seedQueries asks the model for the opening queries and falls back to the
// topic itself.
func (e *Engine) seedQueries(ctx context.Context, s *session) []Query {
	fallback := []Query{{Text: s.topic}}
	n := e.InitialQueries
	if n <= 0 {
		n = DefaultInitialQueries
	}
	if n > MaxFanOut {
		n = MaxFanOut
	}

	var items []queryItem
	input := fmt.Sprintf("Topic: %s\nLanguage: %s\nSource types: %v", s.topic, s.settings.Language, s.settings.Categories())
	err := e.gen().generateWithRetry(ctx, fmt.Sprintf(plannerPrompt, n)+"\n\n# Response Format:\n"+plannerSchema(), input, func(content string) error {
		var resp struct {
			Queries []queryItem `json:"queries"`
		}
		if err := json.Unmarshal([]byte(content), &resp); err != nil {
			return fmt.Errorf("json parse error: %w", err)
		}
		items = items[:0]
		for _, q := range resp.Queries {
			if strings.TrimSpace(q.Query) != "" {
				items = append(items, q)
			}
		}
		if len(items) == 0 {
			return errors.New("empty queries list")
		}
		return nil
	})
	if err != nil {
		e.log().Warn("Query planning failed, using topic as the only query", "error", err)
		return fallback
	}

	if len(items) > n {
		items = items[:n]
	}
	out := make([]Query, 0, len(items))
	for _, q := range items {
		out = append(out, Query{Text: q.Query, Goal: strings.TrimSpace(q.Goal)})
	}
	e.log().Info("Generated queries", "count", len(out))
	return out
}

func (e *Engine) generateReport(ctx context.Context, job *Job) string {
	if len(job.Learnings) == 0 || ctx.Err() != nil {
		return fallbackReport(job)
	}

	e.log().Info("Compiling final report", "learnings", len(job.Learnings))
	report, err := e.gen().generateText(ctx, reportPrompt, reportInput(job))
	if err != nil || report == "" {
		e.log().Warn("Report synthesis failed, using learnings list", "error", err)
		return fallbackReport(job)
	}
	return report
}

func reportInput(job *Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\nLearnings:\n", job.Topic)
	for _, l := range job.Learnings {
		fmt.Fprintf(&b, "- %s (sources: %s)\n", l.Text, strings.Join(l.Sources, ", "))
	}
	if len(job.FollowUps) > 0 {
		b.WriteString("\nOpen questions:\n")
		for _, q := range job.FollowUps {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return b.String()
}

func (e *Engine) notify(job *Job) {
	if e.OnStateUpdate != nil {
		e.OnStateUpdate(job)
	}
}

func (e *Engine) gen() generator {
	return generator{llm: e.LLM, attempts: e.RetryAttempts, backoff: e.RetryBackoff, logger: e.log()}
}

func (e *Engine) fastGen() generator {
	g := e.gen()
	if e.FastLLM != nil {
		g.llm = e.FastLLM
	}
	return g
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) newID() uuid.UUID {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.New()
}

func (e *Engine) concurrency() int {
	if e.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return e.Concurrency
}
