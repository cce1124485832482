// Package index stores research learnings as embeddings and answers
// semantic lookups over them.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-search/pkg/research"
	"github.com/mikeboe/deep-search/pkg/vectorstore"
)

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type Store interface {
	Add(ctx context.Context, records []vectorstore.Record) error
	Search(ctx context.Context, embedding []float32, topK int, filter map[string]any) ([]vectorstore.Match, error)
	BySource(ctx context.Context, url string, limit int) ([]vectorstore.Record, error)
	ByMetadata(ctx context.Context, filter map[string]any, limit int) ([]vectorstore.Record, error)
}

const DefaultTopK = 5

// LearningIndex is a research.LearningSink backed by a vector store.
type LearningIndex struct {
	embedder Embedder
	store    Store
	jobID    uuid.UUID
	Logger   *slog.Logger
}

func New(embedder Embedder, store Store) *LearningIndex {
	return &LearningIndex{embedder: embedder, store: store, Logger: slog.Default()}
}

// ForJob returns a copy that tags stored learnings with the job id.
func (x *LearningIndex) ForJob(id uuid.UUID) *LearningIndex {
	cp := *x
	cp.jobID = id
	return &cp
}

// Store embeds and saves learnings. Metadata carries topic, depth, sources
// and, when set, the job id.
func (x *LearningIndex) Store(ctx context.Context, topic string, learnings []research.Learning) error {
	if len(learnings) == 0 {
		return nil
	}

	texts := make([]string, len(learnings))
	for i, l := range learnings {
		texts[i] = l.Text
	}
	vectors, err := x.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed learnings: %w", err)
	}
	if len(vectors) != len(learnings) {
		return fmt.Errorf("embedder returned %d vectors for %d learnings", len(vectors), len(learnings))
	}

	records := make([]vectorstore.Record, len(learnings))
	for i, l := range learnings {
		sources := make([]any, len(l.Sources))
		for j, s := range l.Sources {
			sources[j] = s
		}
		meta := map[string]any{
			"topic":   topic,
			"depth":   l.Depth,
			"sources": sources,
		}
		if x.jobID != uuid.Nil {
			meta["job_id"] = x.jobID.String()
		}
		records[i] = vectorstore.Record{Content: l.Text, Metadata: meta, Embedding: vectors[i]}
	}

	if err := x.store.Add(ctx, records); err != nil {
		return fmt.Errorf("failed to store learnings: %w", err)
	}
	x.Logger.Debug("Indexed learnings", "topic", topic, "count", len(records))
	return nil
}

// SearchLearnings returns the learnings semantically closest to query,
// optionally narrowed by a metadata filter.
func (x *LearningIndex) SearchLearnings(ctx context.Context, query string, topK int, filter map[string]any) ([]vectorstore.Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is empty")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	vec, err := x.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return x.store.Search(ctx, vec, topK, filter)
}

func (x *LearningIndex) FindBySource(ctx context.Context, url string, limit int) ([]vectorstore.Record, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("source url is empty")
	}
	return x.store.BySource(ctx, strings.TrimSpace(url), limit)
}

func (x *LearningIndex) FindByMetadata(ctx context.Context, filter map[string]any, limit int) ([]vectorstore.Record, error) {
	return x.store.ByMetadata(ctx, filter, limit)
}
