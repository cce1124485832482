package server

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

	"github.com/mikeboe/deep-search/pkg/database"
	"github.com/mikeboe/deep-search/pkg/research"
)

// JobRepository is implemented by database.JobStore.
type JobRepository interface {
	LogAppender
	CreateJob(ctx context.Context, id uuid.UUID, topic string, settings any) (*database.JobRecord, error)
	GetJob(ctx context.Context, id uuid.UUID) (*database.JobRecord, error)
	ListJobs(ctx context.Context, limit int) ([]database.JobRecord, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	SaveState(ctx context.Context, id uuid.UUID, state any) error
	Complete(ctx context.Context, id uuid.UUID, report, termination string, state any) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error)
}

// EngineFactory builds the engine for one job. logger writes to the job's
// log table.
type EngineFactory func(jobID uuid.UUID, logger *slog.Logger) (*research.Engine, error)

type Service struct {
	Jobs      JobRepository
	NewEngine EngineFactory
	Defaults  research.Settings
	Logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(jobs JobRepository, factory EngineFactory, defaults research.Settings) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		Jobs:      jobs,
		NewEngine: factory,
		Defaults:  defaults,
		Logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// CreateJobRequest carries optional settings; fields it omits keep the
// service defaults.
type CreateJobRequest struct {
	Topic    string          `json:"topic"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// CreateJob validates the request, stores a pending job and starts its
// worker. Bad input fails with research.ErrInvalidSettings.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*database.JobRecord, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic is empty", research.ErrInvalidSettings)
	}
	settings := s.Defaults
	if len(req.Settings) > 0 && string(req.Settings) != "null" {
		if err := json.Unmarshal(req.Settings, &settings); err != nil {
			return nil, fmt.Errorf("%w: %v", research.ErrInvalidSettings, err)
		}
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	job, err := s.Jobs.CreateJob(ctx, uuid.New(), topic, settings)
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(job.ID, topic, settings)
	}()

	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*database.JobRecord, error) {
	return s.Jobs.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context) ([]database.JobRecord, error) {
	return s.Jobs.ListJobs(ctx, 50)
}

func (s *Service) GetJobLogs(ctx context.Context, id uuid.UUID) ([]database.LogEntry, error) {
	return s.Jobs.GetJobLogs(ctx, id)
}

// Shutdown cancels running jobs and waits for their workers, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every started worker has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) runWorker(jobID uuid.UUID, topic string, settings research.Settings) {
	ctx := s.ctx
	logger := slog.New(NewDBLogHandler(s.Jobs, jobID, s.Logger.Handler()))

	if err := s.Jobs.MarkRunning(ctx, jobID); err != nil {
		logger.Error("Failed to mark job running", "error", err)
	}

	engine, err := s.NewEngine(jobID, logger)
	if err != nil {
		s.failJob(jobID, logger, fmt.Sprintf("Failed to init engine: %v", err))
		return
	}
	engine.Logger = logger
	engine.NewID = func() uuid.UUID { return jobID }
	engine.OnStateUpdate = func(job *research.Job) {
		if err := s.Jobs.SaveState(ctx, jobID, job.Results()); err != nil {
			logger.Error("Failed to save state to DB", "error", err)
		}
	}

	start := time.Now()
	job, err := engine.Run(ctx, topic, settings)
	if err != nil {
		s.failJob(jobID, logger, fmt.Sprintf("Research failed: %v", err))
		return
	}

	if err := s.Jobs.Complete(ctx, jobID, job.Report, string(job.Termination), job.Results()); err != nil {
		logger.Error("Failed to save final report to DB", "error", err)
		return
	}
	logger.Info("Job completed", "termination", job.Termination, "elapsed", time.Since(start).Round(time.Millisecond).String())
}

// failJob records the failure. It uses a fresh context so a cancelled
// service can still mark its jobs.
func (s *Service) failJob(jobID uuid.UUID, logger *slog.Logger, reason string) {
	logger.Error(reason)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Jobs.Fail(ctx, jobID, reason); err != nil && !errors.Is(err, database.ErrJobNotFound) {
		s.Logger.Error("Failed to mark job failed", "job_id", jobID, "error", err)
	}
}
