package tools

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mikeboe/deep-search/pkg/research"
)

// MultiSearcher fans one request out to several providers and interleaves
// their results round-robin, so a short max_results still samples every
// provider. Each provider's own ranking is kept. It fails only when every
// provider fails.
type MultiSearcher struct {
	Searchers []research.Searcher
	Logger    *slog.Logger
}

func NewMultiSearcher(searchers ...research.Searcher) *MultiSearcher {
	return &MultiSearcher{Searchers: searchers, Logger: slog.Default()}
}

func (m *MultiSearcher) Search(ctx context.Context, req research.SearchRequest) ([]research.SearchResult, error) {
	if len(m.Searchers) == 0 {
		return nil, errors.New("no search providers configured")
	}

	results := make([][]research.SearchResult, len(m.Searchers))
	errs := make([]error, len(m.Searchers))

	var g errgroup.Group
	for i, s := range m.Searchers {
		g.Go(func() error {
			results[i], errs[i] = s.Search(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range m.Searchers {
		if errs[i] != nil {
			failed++
			m.Logger.Warn("Search provider failed", "provider", i, "query", req.Query, "error", errs[i])
		}
	}
	if failed == len(m.Searchers) {
		return nil, errors.Join(errs...)
	}
	return interleave(results), nil
}

// interleave merges ranked lists round-robin, dropping repeated URLs.
func interleave(lists [][]research.SearchResult) []research.SearchResult {
	var out []research.SearchResult
	seen := make(map[string]bool)
	for i := 0; ; i++ {
		more := false
		for _, l := range lists {
			if i >= len(l) {
				continue
			}
			more = true
			if seen[l[i].URL] {
				continue
			}
			seen[l[i].URL] = true
			out = append(out, l[i])
		}
		if !more {
			return out
		}
	}
}

// Router picks an extractor per URL: PDFs go to PDF, everything else to
// Primary with Fallback tried when Primary fails.
type Router struct {
	Primary  research.Extractor
	Fallback research.Extractor
	PDF      research.Extractor
	Logger   *slog.Logger
}

func (r *Router) Extract(ctx context.Context, rawURL string) (research.ExtractedDocument, error) {
	if r.PDF != nil && isPDF(rawURL) {
		return r.PDF.Extract(ctx, rawURL)
	}

	doc, err := r.Primary.Extract(ctx, rawURL)
	if (err == nil && doc.Status != research.ExtractionFailed) || r.Fallback == nil || ctx.Err() != nil {
		return doc, err
	}

	r.logger().Warn("Primary extractor failed, trying fallback", "url", rawURL, "error", err)
	return r.Fallback.Extract(ctx, rawURL)
}

func (r *Router) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// isPDF matches direct PDF links and arXiv pdf paths.
func isPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	return strings.HasSuffix(path, ".pdf") || (strings.HasSuffix(u.Host, "arxiv.org") && strings.HasPrefix(path, "/pdf/"))
}
