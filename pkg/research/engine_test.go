package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunEvaluatorStopsAfterOneDepth(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": [{"query": "rayleigh scattering", "goal": "physics"}, "sky colour at sunset"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "knowledge_gap": "", "follow_up_queries": []}`),
		report:   reply("# Why the sky is blue\n\nRayleigh scattering."),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "Why is the sky blue?", testSettings(1))
	require.NoError(t, err)

	assert.Equal(t, TerminationEvaluatorStopped, job.Termination)
	assert.Equal(t, 1, job.DepthReached)
	assert.Len(t, job.Steps, 2)
	assert.Len(t, job.Learnings, 2)
	assert.NotEmpty(t, job.Report)
	assert.Equal(t, "# Why the sky is blue\n\nRayleigh scattering.", job.Report)
	assert.Equal(t, "physics", job.Steps[0].Query.Goal+job.Steps[1].Query.Goal)
	assert.Equal(t, 1, llm.count("evaluate"))
	assert.Equal(t, 1, llm.count("report"))
	assert.False(t, job.FinishedAt.Before(job.StartedAt))
}

func TestRunDepthExhausted(t *testing.T) {
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["initial question"]}`),
		distill: learningPerSource,
		report:  reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	var evaluations int
	e.Evaluator = evaluatorFunc(func(_ context.Context, _ string, _ []Learning, depthReached, _ int) Evaluation {
		evaluations++
		return Evaluation{
			Depth:    depthReached,
			Decision: DecisionContinue,
			Queries:  []Proposal{{Text: fmt.Sprintf("follow up %d", depthReached)}},
		}
	})

	job, err := e.Run(context.Background(), "topic", testSettings(3))
	require.NoError(t, err)

	assert.Equal(t, TerminationDepthExhausted, job.Termination)
	assert.Equal(t, 3, job.DepthReached)
	require.Len(t, job.Steps, 3)
	assert.Equal(t, 3, evaluations)

	assert.Equal(t, [][]string{{"initial question"}, {"follow up 1"}, {"follow up 2"}}, job.QueriesByDepth())
	for i, s := range job.Steps {
		assert.Equal(t, i, s.Query.Depth)
		assert.Equal(t, StepCompleted, s.Status)
	}
	// The last proposal was never run and is surfaced for further work.
	assert.Equal(t, []string{"follow up 3"}, job.FollowUps)
}

func TestRunDepthCapFromModelEvaluator(t *testing.T) {
	var n int
	var mu sync.Mutex
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["start"]}`),
		distill: learningPerSource,
		evaluate: func(string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf(`{"is_sufficient": false, "knowledge_gap": "more", "follow_up_queries": ["next %d"]}`, n), nil
		},
		report: reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "topic", testSettings(2))
	require.NoError(t, err)

	assert.Equal(t, TerminationDepthExhausted, job.Termination)
	assert.Equal(t, 2, job.DepthReached)
	assert.Len(t, job.Steps, 2)
	require.Len(t, job.Evaluations, 2)
	assert.Equal(t, NoteDepthCap, job.Evaluations[1].Note)
	assert.Equal(t, []string{"next 2"}, job.FollowUps)
}

func TestRunExtractionAlwaysFails(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["a", "b"]}`),
		evaluate: reply(`{"is_sufficient": false, "knowledge_gap": "everything", "follow_up_queries": []}`),
	}
	failing := ExtractorFunc(func(_ context.Context, url string) (ExtractedDocument, error) {
		return ExtractedDocument{URL: url, Status: ExtractionFailed}, nil
	})
	e := newTestEngine(llm, SearcherFunc(searchByQuery), failing)

	job, err := e.Run(context.Background(), "topic", testSettings(2))
	require.NoError(t, err)

	assert.NotEqual(t, TerminationError, job.Termination)
	require.Len(t, job.Steps, 2)
	for _, s := range job.Steps {
		assert.Equal(t, StepCompleted, s.Status)
		assert.Empty(t, s.Learnings)
		require.Len(t, s.Documents, 1)
		assert.Equal(t, ExtractionFailed, s.Documents[0].Status)
	}
	assert.Empty(t, job.Learnings)
	assert.Equal(t, 0, llm.count("distill"))
	assert.Equal(t, 0, llm.count("report"))
	assert.Contains(t, job.Report, "No findings")
}

func TestRunZeroTimeout(t *testing.T) {
	llm := &scriptedLLM{}
	var searches int
	searcher := SearcherFunc(func(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
		searches++
		return searchByQuery(ctx, req)
	})
	e := newTestEngine(llm, searcher, ExtractorFunc(extractOK))

	settings := testSettings(3)
	settings.SearchTimeout = 0

	job, err := e.Run(context.Background(), "topic", settings)
	require.NoError(t, err)

	assert.Equal(t, TerminationTimeout, job.Termination)
	assert.Empty(t, job.Steps)
	assert.Equal(t, 0, job.DepthReached)
	assert.Equal(t, 0, searches)
	assert.Equal(t, 0, llm.count("planner"))
	assert.NotEmpty(t, job.Report)
}

func TestRunTimeoutMidDepth(t *testing.T) {
	clock := newFakeClock()
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["one", "two", "three"]}`),
		distill: learningPerSource,
		report:  reply("partial report"),
	}
	slow := SearcherFunc(func(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
		clock.Advance(3 * time.Second)
		return searchByQuery(ctx, req)
	})
	var extracted []string
	extractor := ExtractorFunc(func(ctx context.Context, url string) (ExtractedDocument, error) {
		extracted = append(extracted, url)
		return extractOK(ctx, url)
	})
	e := newTestEngine(llm, slow, extractor)
	e.Now = clock.Now
	e.Concurrency = 1

	settings := testSettings(3)
	settings.SearchTimeout = 5

	job, err := e.Run(context.Background(), "topic", settings)
	require.NoError(t, err)

	assert.Equal(t, TerminationTimeout, job.Termination)
	require.Len(t, job.Steps, 3)

	// The first search leaves budget for extraction; the second spends it.
	assert.Equal(t, StepCompleted, job.Steps[0].Status)
	assert.Len(t, job.Steps[0].Learnings, 1)
	assert.Equal(t, StepCompleted, job.Steps[1].Status)
	require.Len(t, job.Steps[1].Documents, 1)
	assert.Equal(t, ExtractionFailed, job.Steps[1].Documents[0].Status)
	assert.Equal(t, budgetSpentReason, job.Steps[1].Documents[0].Error)
	assert.Empty(t, job.Steps[1].Learnings)
	assert.Equal(t, StepSkippedTimeout, job.Steps[2].Status)

	assert.Equal(t, []string{"https://example.com/one"}, extracted)
	assert.Equal(t, 1, llm.count("distill"))
	assert.Len(t, job.Learnings, 1)
	assert.Equal(t, 0, llm.count("evaluate"))
	assert.Equal(t, "partial report", job.Report)
}

func TestRunSearchFailureIsolated(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["broken query", "good query"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report:   reply("report"),
	}
	searcher := SearcherFunc(func(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
		if strings.HasPrefix(req.Query, "broken") {
			return nil, errProvider
		}
		return searchByQuery(ctx, req)
	})
	e := newTestEngine(llm, searcher, ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "topic", testSettings(1))
	require.NoError(t, err)

	statuses := map[string]StepStatus{}
	for _, s := range job.Steps {
		statuses[s.Query.Text] = s.Status
	}
	assert.Equal(t, StepFailed, statuses["broken query"])
	assert.Equal(t, StepCompleted, statuses["good query"])

	require.Len(t, job.Learnings, 1)
	assert.Equal(t, "Fact from https://example.com/good-query", job.Learnings[0].Text)
	assert.Contains(t, llm.lastInput("report"), "Fact from https://example.com/good-query")
}

func TestRunDeduplicatesQueriesAcrossDepths(t *testing.T) {
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["Go Channels", "go   channels ", "Mutex"]}`),
		distill: learningPerSource,
		evaluate: func(input string) (string, error) {
			if strings.Contains(input, "Depth: 1/") {
				return `{"is_sufficient": false, "follow_up_queries": ["GO CHANNELS", "mutex", "select statement"]}`, nil
			}
			return `{"is_sufficient": true, "follow_up_queries": []}`, nil
		},
		report: reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "concurrency in go", testSettings(3))
	require.NoError(t, err)

	assert.Equal(t, TerminationEvaluatorStopped, job.Termination)
	byDepth := job.QueriesByDepth()
	require.Len(t, byDepth, 2)
	assert.ElementsMatch(t, []string{"Go Channels", "Mutex"}, byDepth[0])
	assert.Equal(t, []string{"select statement"}, byDepth[1])

	seen := map[string]bool{}
	for _, s := range job.Steps {
		key := strings.ToLower(s.Query.Text)
		assert.False(t, seen[key], "query %q issued twice", s.Query.Text)
		seen[key] = true
	}
}

func TestRunBoundsFanOutOfCustomEvaluator(t *testing.T) {
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["seed"]}`),
		distill: learningPerSource,
		report:  reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))
	e.Evaluator = evaluatorFunc(func(_ context.Context, _ string, _ []Learning, depthReached, _ int) Evaluation {
		var qs []Proposal
		for i := 0; i < 12; i++ {
			qs = append(qs, Proposal{Text: fmt.Sprintf("flood %d-%d", depthReached, i)})
		}
		return Evaluation{Depth: depthReached, Decision: DecisionContinue, Queries: qs}
	})

	job, err := e.Run(context.Background(), "topic", testSettings(2))
	require.NoError(t, err)

	assert.Equal(t, TerminationDepthExhausted, job.Termination)
	byDepth := job.QueriesByDepth()
	require.Len(t, byDepth, 2)
	assert.Len(t, byDepth[0], 1)
	assert.Len(t, byDepth[1], MaxFanOut)
	assert.LessOrEqual(t, len(job.Steps), 2*MaxFanOut)
}

func TestRunStopsWhenAllProposalsAlreadyIssued(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["only query"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": false, "follow_up_queries": ["Only Query"]}`),
		report:   reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "topic", testSettings(5))
	require.NoError(t, err)

	assert.Equal(t, TerminationEvaluatorStopped, job.Termination)
	assert.Len(t, job.Steps, 1)
	assert.Equal(t, 1, llm.count("evaluate"))
}

func TestRunDeduplicatesLearnings(t *testing.T) {
	llm := &scriptedLLM{
		planner: reply(`{"queries": ["first", "second"]}`),
		distill: func(input string) (string, error) {
			if strings.Contains(input, "first") {
				return `{"learnings": ["The answer is 42.", "Unique to first."]}`, nil
			}
			return `{"learnings": ["the answer  is 42."]}`, nil
		},
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report:   reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "topic", testSettings(1))
	require.NoError(t, err)

	assert.Len(t, job.Learnings, 2)
	var answers int
	for _, l := range job.Learnings {
		if normalize(l.Text) == "the answer is 42." {
			answers++
		}
	}
	assert.Equal(t, 1, answers)
}

func TestRunPlannerFailureFallsBackToTopic(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply("I cannot produce JSON today"),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report:   reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "quantum dots", testSettings(2))
	require.NoError(t, err)

	require.Len(t, job.Steps, 1)
	assert.Equal(t, "quantum dots", job.Steps[0].Query.Text)
	assert.Equal(t, DefaultRetryAttempts, llm.count("planner"))
}

func TestRunReportFailureUsesFallback(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["q"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report: func(string) (string, error) {
			return "", errProvider
		},
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	job, err := e.Run(context.Background(), "topic", testSettings(1))
	require.NoError(t, err)

	assert.Contains(t, job.Report, "Fact from https://example.com/q")
	assert.Contains(t, job.Markdown(), string(TerminationEvaluatorStopped))
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llm := &scriptedLLM{
		planner: reply(`{"queries": ["q"]}`),
		distill: learningPerSource,
	}
	searcher := SearcherFunc(func(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
		cancel()
		return searchByQuery(ctx, req)
	})
	e := newTestEngine(llm, searcher, ExtractorFunc(extractOK))

	job, err := e.Run(ctx, "topic", testSettings(3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, job)
	assert.Equal(t, TerminationError, job.Termination)
	assert.NotEmpty(t, job.Error)
	assert.NotEmpty(t, job.Report)
	assert.Equal(t, 0, llm.count("evaluate"))
}

func TestRunRejectsInvalidInput(t *testing.T) {
	llm := &scriptedLLM{}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	_, err := e.Run(context.Background(), "   ", testSettings(1))
	assert.ErrorIs(t, err, ErrInvalidSettings)

	bad := testSettings(1)
	bad.MaxDepth = 0
	_, err = e.Run(context.Background(), "topic", bad)
	assert.ErrorIs(t, err, ErrInvalidSettings)

	assert.Equal(t, 0, llm.count("planner"))
}

func TestRunConcurrentSessionsAreIsolated(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["shared query"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report:   reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))

	var wg sync.WaitGroup
	jobs := make([]*Job, 4)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := e.Run(context.Background(), fmt.Sprintf("topic %d", i), testSettings(1))
			if err == nil {
				jobs[i] = job
			}
		}(i)
	}
	wg.Wait()

	for _, job := range jobs {
		require.NotNil(t, job)
		// Each session issues the shared query itself; dedup state is per session.
		require.Len(t, job.Steps, 1)
		assert.Equal(t, "shared query", job.Steps[0].Query.Text)
		assert.Len(t, job.Learnings, 1)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Learning
}

func (r *recordingSink) Store(_ context.Context, _ string, ls []Learning) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ls)
	return nil
}

func TestRunFeedsSinkAndStateUpdates(t *testing.T) {
	llm := &scriptedLLM{
		planner:  reply(`{"queries": ["a", "b"]}`),
		distill:  learningPerSource,
		evaluate: reply(`{"is_sufficient": true, "follow_up_queries": []}`),
		report:   reply("report"),
	}
	e := newTestEngine(llm, SearcherFunc(searchByQuery), ExtractorFunc(extractOK))
	sink := &recordingSink{}
	e.Sink = sink

	var updates int
	var lastSteps int
	e.OnStateUpdate = func(job *Job) {
		updates++
		assert.GreaterOrEqual(t, len(job.Steps), lastSteps, "steps are append-only")
		lastSteps = len(job.Steps)
	}

	_, err := e.Run(context.Background(), "topic", testSettings(1))
	require.NoError(t, err)

	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
	assert.GreaterOrEqual(t, updates, 3)
}
