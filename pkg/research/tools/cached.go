package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mikeboe/deep-search/pkg/cache"
	"github.com/mikeboe/deep-search/pkg/research"
)

// CachedSearcher memoizes a Searcher. Cache failures are logged and the
// request goes through to the provider. Errors are never cached.
type CachedSearcher struct {
	Next   research.Searcher
	Cache  cache.Cache
	TTL    time.Duration
	Logger *slog.Logger
}

func NewCachedSearcher(next research.Searcher, c cache.Cache, ttl time.Duration) *CachedSearcher {
	return &CachedSearcher{Next: next, Cache: c, TTL: ttl, Logger: slog.Default()}
}

func (c *CachedSearcher) Search(ctx context.Context, req research.SearchRequest) ([]research.SearchResult, error) {
	key := searchKey(req)

	if data, ok, err := c.Cache.Get(ctx, key); err != nil {
		c.Logger.Warn("Search cache read failed", "error", err)
	} else if ok {
		var results []research.SearchResult
		if err := json.Unmarshal(data, &results); err == nil {
			c.Logger.Debug("Search cache hit", "query", req.Query)
			return results, nil
		}
	}

	results, err := c.Next.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(results); err == nil {
		if err := c.Cache.Set(ctx, key, data, c.TTL); err != nil {
			c.Logger.Warn("Search cache write failed", "error", err)
		}
	}
	return results, nil
}

// searchKey hashes every request field that changes the provider's answer.
func searchKey(req research.SearchRequest) string {
	cats := make([]string, len(req.Categories))
	for i, c := range req.Categories {
		cats[i] = string(c)
	}
	raw := fmt.Sprintf("%s|%s|%d|%s",
		strings.ToLower(strings.TrimSpace(req.Query)),
		strings.Join(cats, ","),
		req.MaxResults,
		req.Language,
	)
	sum := sha256.Sum256([]byte(raw))
	return "search:" + hex.EncodeToString(sum[:])
}
