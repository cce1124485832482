package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var jobSchema = []string{
	`CREATE TABLE IF NOT EXISTS research_jobs (
		id UUID PRIMARY KEY,
		topic TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		settings JSONB,
		state JSONB,
		report TEXT,
		termination TEXT,
		error TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS research_logs (
		id SERIAL PRIMARY KEY,
		job_id UUID NOT NULL REFERENCES research_jobs(id) ON DELETE CASCADE,
		timestamp TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_research_logs_job_id ON research_logs(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_research_jobs_created_at ON research_jobs(created_at DESC)`,
}

// InitSchema creates the job and log tables.
func InitSchema(ctx context.Context, db Querier) error {
	for _, stmt := range jobSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// EnsureVectorExtension ensures the pgvector extension is installed
func EnsureVectorExtension(ctx context.Context, db Querier) error {
	if _, err := db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	return nil
}

// CreateLearningsTable creates the table holding embedded learnings.
func CreateLearningsTable(ctx context.Context, db Querier, tableName string, dimension int) error {
	table := pgx.Identifier{tableName}.Sanitize()
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, table, dimension)

	if _, err := db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	// HNSW supports up to 2000 dimensions; larger vectors fall back to exact search.
	if dimension <= 2000 {
		indexQuery := fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s
			ON %s USING hnsw (embedding vector_cosine_ops)
		`, pgx.Identifier{tableName + "_embedding_idx"}.Sanitize(), table)

		if _, err := db.Exec(ctx, indexQuery); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", tableName, err)
		}
	}

	return nil
}
