// Package app wires configuration into the research engine and its
// providers for the CLI and the server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/llms"

	"github.com/mikeboe/deep-search/pkg/cache"
	"github.com/mikeboe/deep-search/pkg/clients"
	"github.com/mikeboe/deep-search/pkg/config"
	"github.com/mikeboe/deep-search/pkg/database"
	"github.com/mikeboe/deep-search/pkg/embeddings"
	"github.com/mikeboe/deep-search/pkg/index"
	"github.com/mikeboe/deep-search/pkg/research"
	"github.com/mikeboe/deep-search/pkg/research/tools"
	"github.com/mikeboe/deep-search/pkg/vectorstore"
)

// Stack holds the collaborators shared by every research session of a
// process.
type Stack struct {
	Config    *config.Config
	LLM       llms.Model
	FastLLM   llms.Model
	Searcher  research.Searcher
	Extractor research.Extractor
	Logger    *slog.Logger

	redis *redis.Client
}

// Build creates the models and providers described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	llm, fast, err := clients.NewModels(ctx, cfg.LLMProvider, cfg.ReasoningModel, cfg.FastModel, clients.Keys{
		Google:    cfg.GoogleApiKey,
		Anthropic: cfg.AnthropicApiKey,
		OpenAI:    cfg.OpenAIApiKey,
	})
	if err != nil {
		return nil, err
	}

	s := &Stack{Config: cfg, LLM: llm, FastLLM: fast, Logger: logger}
	s.Searcher = s.newSearcher(ctx)
	s.Extractor = NewExtractor(cfg, logger)
	return s, nil
}

// Engine returns a fresh engine over the shared stack.
func (s *Stack) Engine(logger *slog.Logger) *research.Engine {
	e := research.NewEngine(s.LLM, s.Searcher, s.Extractor)
	e.FastLLM = s.FastLLM
	e.Logger = logger
	if s.Config.Concurrency > 0 {
		e.Concurrency = s.Config.Concurrency
	}
	if s.Config.ExtractTimeout > 0 {
		e.ExtractTimeout = s.Config.ExtractTimeout
	}
	return e
}

func (s *Stack) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func (s *Stack) newSearcher(ctx context.Context) research.Searcher {
	arxiv := tools.NewArxivSearcher()
	arxiv.Logger = s.Logger

	var providers []research.Searcher
	if s.Config.BraveApiKey != "" {
		brave := tools.NewBraveSearcher(s.Config.BraveApiKey)
		brave.Logger = s.Logger
		providers = append(providers, brave)
	} else {
		s.Logger.Warn("BRAVE_API_KEY not set, only academic sources are searchable")
	}
	providers = append(providers, arxiv)

	multi := tools.NewMultiSearcher(providers...)
	multi.Logger = s.Logger

	var store cache.Cache = cache.NewMemory()
	if s.Config.RedisURL != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		r, client, err := cache.NewRedis(pingCtx, s.Config.RedisURL, "deep-search:")
		if err != nil {
			s.Logger.Warn("Redis unavailable, caching searches in memory", "error", err)
		} else {
			store = r
			s.redis = client
		}
	}

	cached := tools.NewCachedSearcher(multi, store, s.Config.SearchCacheTTL)
	cached.Logger = s.Logger
	return cached
}

// NewExtractor routes PDFs to Mistral OCR and pages to Firecrawl when their
// keys are set, with the plain HTTP fetcher as fallback.
func NewExtractor(cfg *config.Config, logger *slog.Logger) *tools.Router {
	fetch := tools.NewHTTPExtractor()
	fetch.Logger = logger

	r := &tools.Router{Primary: fetch, Logger: logger}
	if cfg.FirecrawlApiKey != "" {
		fc := tools.NewFirecrawlExtractor(cfg.FirecrawlApiKey)
		fc.Logger = logger
		r.Primary = fc
		r.Fallback = fetch
	}
	if cfg.MistralApiKey != "" {
		ocr := tools.NewOCRExtractor(cfg.MistralApiKey)
		ocr.Logger = logger
		r.PDF = ocr
	}
	return r
}

// NewIndex prepares the learnings table named collection and returns the
// index writing to it.
func NewIndex(ctx context.Context, cfg *config.Config, db *database.PostgresDB, collection string, logger *slog.Logger) (*index.LearningIndex, error) {
	store, err := vectorstore.NewPGVectorStore(db.Pool, collection)
	if err != nil {
		return nil, err
	}
	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureVectorExtension(ctx, db.Pool); err != nil {
		return nil, err
	}
	if err := database.CreateLearningsTable(ctx, db.Pool, collection, embedder.Dimension()); err != nil {
		return nil, fmt.Errorf("failed to prepare collection %s: %w", collection, err)
	}

	idx := index.New(embedder, store)
	idx.Logger = logger
	return idx, nil
}
