package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-search/pkg/research"
)

const (
	braveEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	braveMaxCount   = 20
	braveMaxRetries = 3
	// Brave allows one request per second on the free plan.
	braveInterval = 1100 * time.Millisecond
)

var (
	braveLimitersMu sync.Mutex
	braveLimiters   = map[string]*rate.Limiter{}
)

// braveLimiterFor returns the limiter shared by every client using apiKey.
func braveLimiterFor(apiKey string) *rate.Limiter {
	braveLimitersMu.Lock()
	defer braveLimitersMu.Unlock()
	l, ok := braveLimiters[apiKey]
	if !ok {
		l = rate.NewLimiter(rate.Every(braveInterval), 1)
		braveLimiters[apiKey] = l
	}
	return l
}

// BraveSearcher queries the Brave Search API for web, news and discussion
// results.
type BraveSearcher struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger

	limiter *rate.Limiter
}

// NewBraveSearcher creates a searcher paced per API key.
func NewBraveSearcher(apiKey string) *BraveSearcher {
	return &BraveSearcher{
		APIKey:  apiKey,
		BaseURL: braveEndpoint,
		Client:  &http.Client{Timeout: 15 * time.Second},
		Logger:  slog.Default(),
		limiter: braveLimiterFor(apiKey),
	}
}

type braveItem struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type braveResponse struct {
	Web struct {
		Results []braveItem `json:"results"`
	} `json:"web"`
	News struct {
		Results []braveItem `json:"results"`
	} `json:"news"`
	Discussions struct {
		Results []braveItem `json:"results"`
	} `json:"discussions"`
}

// Search runs one query. Academic is not a Brave category and is ignored.
func (b *BraveSearcher) Search(ctx context.Context, req research.SearchRequest) ([]research.SearchResult, error) {
	if strings.TrimSpace(b.APIKey) == "" {
		return nil, errors.New("brave: API key is missing")
	}

	filters := braveFilters(req.Categories)
	if len(filters) == 0 {
		return nil, nil
	}

	count := req.MaxResults
	if count <= 0 || count > braveMaxCount {
		count = braveMaxCount
	}

	params := url.Values{}
	params.Set("q", req.Query)
	params.Set("count", strconv.Itoa(count))
	params.Set("result_filter", strings.Join(filters, ","))
	if req.Language != "" {
		params.Set("search_lang", req.Language)
	}
	endpoint := b.BaseURL + "?" + params.Encode()

	var body []byte
	for attempt := 0; ; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		status, data, retryAfter, err := b.do(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		if status == http.StatusTooManyRequests && attempt < braveMaxRetries {
			b.Logger.Warn("Brave rate limit exceeded, retrying", "query", req.Query, "wait", retryAfter)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryAfter):
			}
			continue
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("brave http %d: %s", status, truncate(string(data), 200))
		}
		body = data
		break
	}

	var payload braveResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("brave: failed to decode response: %w", err)
	}

	var results []research.SearchResult
	add := func(items []braveItem, cat research.Category) {
		for _, it := range items {
			results = append(results, research.SearchResult{
				Title:    it.Title,
				URL:      it.URL,
				Snippet:  it.Description,
				Category: cat,
			})
		}
	}
	add(payload.Web.Results, research.CategoryWeb)
	add(payload.News.Results, research.CategoryNews)
	add(payload.Discussions.Results, research.CategoryDiscussion)

	b.Logger.Info("Brave search successful", "query", req.Query, "count", len(results))
	return results, nil
}

func (b *BraveSearcher) do(ctx context.Context, endpoint string) (int, []byte, time.Duration, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, 0, err
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Subscription-Token", b.APIKey)

	resp, err := b.Client.Do(httpReq)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("brave: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, 0, fmt.Errorf("brave: failed to read response: %w", err)
	}
	return resp.StatusCode, data, braveRetryDelay(resp.Header), nil
}

func braveFilters(cats []research.Category) []string {
	var out []string
	for _, c := range cats {
		switch c {
		case research.CategoryWeb:
			out = append(out, "web")
		case research.CategoryNews:
			out = append(out, "news")
		case research.CategoryDiscussion:
			out = append(out, "discussions")
		}
	}
	return out
}

// braveRetryDelay reads the smallest reset value from X-RateLimit-Reset,
// e.g. "1, 1419704". It falls back to two seconds.
func braveRetryDelay(h http.Header) time.Duration {
	fallback := 2 * time.Second
	raw := h.Get("X-RateLimit-Reset")
	if raw == "" {
		return fallback
	}
	minReset := -1
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return fallback
	}
	return time.Duration(minReset) * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
