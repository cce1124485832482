package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job statuses. A job moves pending -> running -> completed or failed.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrJobNotFound = errors.New("job not found")

type JobRecord struct {
	ID          uuid.UUID       `json:"id"`
	Topic       string          `json:"topic"`
	Status      string          `json:"status"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Report      *string         `json:"report,omitempty"`
	Termination *string         `json:"termination,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// JobStore persists research jobs and their logs.
type JobStore struct {
	db Querier
}

func NewJobStore(db Querier) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) CreateJob(ctx context.Context, id uuid.UUID, topic string, settings any) (*JobRecord, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	job := &JobRecord{ID: id, Topic: topic, Status: StatusPending, Settings: settingsJSON}
	err = s.db.QueryRow(ctx, `
		INSERT INTO research_jobs (id, topic, status, settings)
		VALUES ($1, $2, 'pending', $3)
		RETURNING created_at, updated_at
	`, id, topic, settingsJSON).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

const jobColumns = `id, topic, status, settings, state, report, termination, error, created_at, updated_at`

func scanJob(row pgx.Row) (*JobRecord, error) {
	var job JobRecord
	var settings, state []byte
	if err := row.Scan(&job.ID, &job.Topic, &job.Status, &settings, &state,
		&job.Report, &job.Termination, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Settings = settings
	job.State = state
	return &job, nil
}

func (s *JobStore) GetJob(ctx context.Context, id uuid.UUID) (*JobRecord, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM research_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs first.
func (s *JobStore) ListJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM research_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []JobRecord{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.update(ctx, `UPDATE research_jobs SET status = 'running', updated_at = NOW() WHERE id = $1`, id)
}

// SaveState stores a progress snapshot of a running job.
func (s *JobStore) SaveState(ctx context.Context, id uuid.UUID, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.update(ctx, `UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1`, id, stateJSON)
}

func (s *JobStore) Complete(ctx context.Context, id uuid.UUID, report, termination string, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.update(ctx, `
		UPDATE research_jobs
		SET status = 'completed', report = $2, termination = $3, state = $4, updated_at = NOW()
		WHERE id = $1
	`, id, report, termination, stateJSON)
}

func (s *JobStore) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	return s.update(ctx, `UPDATE research_jobs SET status = 'failed', error = $2, updated_at = NOW() WHERE id = $1`, id, reason)
}

func (s *JobStore) update(ctx context.Context, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *JobStore) AppendLog(ctx context.Context, jobID uuid.UUID, at time.Time, level, message string, metadata map[string]any) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO research_logs (job_id, timestamp, level, message, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, jobID, at, level, message, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (s *JobStore) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var l LogEntry
		var meta []byte
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		l.Metadata = meta
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}
	return logs, nil
}
