package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-search/pkg/research"
	"github.com/mikeboe/deep-search/pkg/vectorstore"
)

type fakeEmbedder struct {
	err error
}

func (f fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text))}, f.err
}

func (f fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = f.EmbedText(ctx, t)
	}
	return out, nil
}

type fakeStore struct {
	added      []vectorstore.Record
	searchVec  []float32
	searchTopK int
	source     string
	filter     map[string]any
}

func (s *fakeStore) Add(_ context.Context, records []vectorstore.Record) error {
	s.added = append(s.added, records...)
	return nil
}

func (s *fakeStore) Search(_ context.Context, vec []float32, topK int, filter map[string]any) ([]vectorstore.Match, error) {
	s.searchVec, s.searchTopK, s.filter = vec, topK, filter
	return []vectorstore.Match{{Record: vectorstore.Record{Content: "hit"}, Score: 0.8}}, nil
}

func (s *fakeStore) BySource(_ context.Context, url string, _ int) ([]vectorstore.Record, error) {
	s.source = url
	return nil, nil
}

func (s *fakeStore) ByMetadata(_ context.Context, filter map[string]any, _ int) ([]vectorstore.Record, error) {
	s.filter = filter
	return nil, nil
}

func newIndex(e Embedder, s Store) *LearningIndex {
	x := New(e, s)
	x.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return x
}

func TestStoreTagsMetadata(t *testing.T) {
	store := &fakeStore{}
	jobID := uuid.New()
	x := newIndex(fakeEmbedder{}, store).ForJob(jobID)

	err := x.Store(context.Background(), "fusion", []research.Learning{
		{Text: "Tokamaks confine plasma.", Sources: []string{"https://a"}, Depth: 1},
		{Text: "ITER is in France.", Sources: []string{"https://b", "https://c"}, Depth: 2},
	})
	require.NoError(t, err)
	require.Len(t, store.added, 2)

	rec := store.added[1]
	assert.Equal(t, "ITER is in France.", rec.Content)
	assert.Equal(t, []float32{18}, rec.Embedding)
	assert.Equal(t, "fusion", rec.Metadata["topic"])
	assert.Equal(t, 2, rec.Metadata["depth"])
	assert.Equal(t, []any{"https://b", "https://c"}, rec.Metadata["sources"])
	assert.Equal(t, jobID.String(), rec.Metadata["job_id"])
}

func TestStoreWithoutJob(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, newIndex(fakeEmbedder{}, store).Store(context.Background(), "t", []research.Learning{{Text: "x"}}))
	assert.NotContains(t, store.added[0].Metadata, "job_id")

	require.NoError(t, newIndex(fakeEmbedder{}, store).Store(context.Background(), "t", nil))
	assert.Len(t, store.added, 1)
}

func TestStoreEmbedFailure(t *testing.T) {
	store := &fakeStore{}
	err := newIndex(fakeEmbedder{err: errors.New("quota")}, store).Store(context.Background(), "t", []research.Learning{{Text: "x"}})
	assert.ErrorContains(t, err, "quota")
	assert.Empty(t, store.added)
}

var _ research.LearningSink = (*LearningIndex)(nil)

func TestLookups(t *testing.T) {
	store := &fakeStore{}
	x := newIndex(fakeEmbedder{}, store)
	ctx := context.Background()

	matches, err := x.SearchLearnings(ctx, "  plasma  ", 0, map[string]any{"topic": "fusion"})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Equal(t, DefaultTopK, store.searchTopK)
	assert.Equal(t, []float32{6}, store.searchVec)

	_, err = x.SearchLearnings(ctx, " ", 3, nil)
	assert.Error(t, err)

	_, err = x.FindBySource(ctx, " https://a ", 10)
	require.NoError(t, err)
	assert.Equal(t, "https://a", store.source)

	_, err = x.FindBySource(ctx, "", 10)
	assert.Error(t, err)

	filter := map[string]any{"$not": map[string]any{"depth": 1}}
	_, err = x.FindByMetadata(ctx, filter, 10)
	require.NoError(t, err)
	assert.Equal(t, filter, store.filter)
}
