package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-search/pkg/database"
	"github.com/mikeboe/deep-search/pkg/research"
	"github.com/mikeboe/deep-search/pkg/vectorstore"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type memRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*database.JobRecord
	logs map[uuid.UUID][]database.LogEntry
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[uuid.UUID]*database.JobRecord{}, logs: map[uuid.UUID][]database.LogEntry{}}
}

func (r *memRepo) CreateJob(_ context.Context, id uuid.UUID, topic string, settings any) (*database.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, _ := json.Marshal(settings)
	job := &database.JobRecord{ID: id, Topic: topic, Status: database.StatusPending, Settings: raw, CreatedAt: time.Now()}
	r.jobs[id] = job
	cp := *job
	return &cp, nil
}

func (r *memRepo) GetJob(_ context.Context, id uuid.UUID) (*database.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, database.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memRepo) ListJobs(_ context.Context, _ int) ([]database.JobRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []database.JobRecord
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	return out, nil
}

func (r *memRepo) set(id uuid.UUID, fn func(*database.JobRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return database.ErrJobNotFound
	}
	fn(job)
	return nil
}

func (r *memRepo) MarkRunning(_ context.Context, id uuid.UUID) error {
	return r.set(id, func(j *database.JobRecord) { j.Status = database.StatusRunning })
}

func (r *memRepo) SaveState(_ context.Context, id uuid.UUID, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.set(id, func(j *database.JobRecord) { j.State = raw })
}

func (r *memRepo) Complete(_ context.Context, id uuid.UUID, report, termination string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return r.set(id, func(j *database.JobRecord) {
		j.Status = database.StatusCompleted
		j.Report = &report
		j.Termination = &termination
		j.State = raw
	})
}

func (r *memRepo) Fail(_ context.Context, id uuid.UUID, reason string) error {
	return r.set(id, func(j *database.JobRecord) {
		j.Status = database.StatusFailed
		j.Error = &reason
	})
}

func (r *memRepo) AppendLog(_ context.Context, id uuid.UUID, at time.Time, level, message string, metadata map[string]any) error {
	raw, _ := json.Marshal(metadata)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[id] = append(r.logs[id], database.LogEntry{ID: len(r.logs[id]) + 1, Timestamp: at, Level: level, Message: message, Metadata: raw})
	return nil
}

func (r *memRepo) GetJobLogs(_ context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]database.LogEntry(nil), r.logs[id]...), nil
}

func (r *memRepo) job(id uuid.UUID) database.JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.jobs[id]
}

// cannedLLM answers every prompt with one object that satisfies the
// planner, distiller and evaluator formats.
type cannedLLM struct{}

const cannedReply = `{"queries":[{"query":"tokamak confinement"}],"learnings":[],"is_sufficient":true,"knowledge_gap":"","follow_up_queries":[]}`

func (cannedLLM) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: cannedReply}}}, nil
}

func (cannedLLM) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return cannedReply, nil
}

func stubEngineFactory(jobID uuid.UUID, logger *slog.Logger) (*research.Engine, error) {
	search := research.SearcherFunc(func(context.Context, research.SearchRequest) ([]research.SearchResult, error) {
		return nil, nil
	})
	extract := research.ExtractorFunc(func(_ context.Context, url string) (research.ExtractedDocument, error) {
		return research.ExtractedDocument{URL: url, Status: research.ExtractionFailed}, nil
	})
	e := research.NewEngine(cannedLLM{}, search, extract)
	e.RetryBackoff = 0
	return e, nil
}

type fakeIndex struct {
	query  string
	source string
	filter map[string]any
}

func (f *fakeIndex) SearchLearnings(_ context.Context, query string, _ int, _ map[string]any) ([]vectorstore.Match, error) {
	f.query = query
	return []vectorstore.Match{{
		Record: vectorstore.Record{Content: "Tokamaks confine plasma.", Metadata: map[string]any{"sources": []any{"https://a"}}},
		Score:  0.9,
	}}, nil
}

func (f *fakeIndex) FindBySource(_ context.Context, url string, _ int) ([]vectorstore.Record, error) {
	f.source = url
	return nil, nil
}

func (f *fakeIndex) FindByMetadata(_ context.Context, filter map[string]any, _ int) ([]vectorstore.Record, error) {
	f.filter = filter
	return []vectorstore.Record{{Content: "ITER is in France."}}, nil
}
