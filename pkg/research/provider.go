package research

import "context"

// Searcher returns ranked results for a query, most relevant first.
// Implementations return an error for provider failures; the engine turns
// that into a failed step.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// Extractor pulls the text of a single URL. A returned error and a
// document with ExtractionFailed status are treated the same way.
type Extractor interface {
	Extract(ctx context.Context, url string) (ExtractedDocument, error)
}

// Evaluator decides after each depth whether to keep researching.
// It must never fail: unusable model output maps to a stop decision.
type Evaluator interface {
	Evaluate(ctx context.Context, topic string, learnings []Learning, depthReached, maxDepth int) Evaluation
}

// LearningSink receives each depth's new learnings as they are merged,
// for example to index them for retrieval.
type LearningSink interface {
	Store(ctx context.Context, topic string, learnings []Learning) error
}

// SearcherFunc adapts a function to the Searcher interface.
type SearcherFunc func(ctx context.Context, req SearchRequest) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	return f(ctx, req)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, url string) (ExtractedDocument, error)

func (f ExtractorFunc) Extract(ctx context.Context, url string) (ExtractedDocument, error) {
	return f(ctx, url)
}
