package tools

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/deep-search/pkg/research"
)

const arxivEndpoint = "https://export.arxiv.org/api/query"

// ArxivEntry struct to hold arXiv entry data
type ArxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []ArxivLink `xml:"link"`
}

// ArxivLink struct to hold arXiv link data
type ArxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
}

// ArxivFeed struct to hold the entire arXiv feed
type ArxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []ArxivEntry `xml:"entry"`
}

// PDFLink returns the entry's PDF link, or its abstract page when there is none.
func (e ArxivEntry) PDFLink() string {
	for _, link := range e.Link {
		if link.Type == "application/pdf" {
			return link.Href
		}
	}
	return e.ID
}

// ArxivSearcher serves the academic category from the arXiv export API.
type ArxivSearcher struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewArxivSearcher() *ArxivSearcher {
	return &ArxivSearcher{
		BaseURL: arxivEndpoint,
		Client:  &http.Client{Timeout: 20 * time.Second},
		Logger:  slog.Default(),
	}
}

// Search queries arXiv. It only answers when the academic category is requested.
func (a *ArxivSearcher) Search(ctx context.Context, req research.SearchRequest) ([]research.SearchResult, error) {
	if !hasCategory(req.Categories, research.CategoryAcademic) {
		return nil, nil
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Add("search_query", "all:"+req.Query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")
	apiURL := a.BaseURL + "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		a.Logger.Error("API returned non-200 status code", "status", resp.StatusCode, "body", truncate(string(body), 200))
		return nil, fmt.Errorf("API returned non-200 status code: %d", resp.StatusCode)
	}

	var feed ArxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	results := make([]research.SearchResult, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		link := entry.PDFLink()
		if link == "" {
			continue
		}
		results = append(results, research.SearchResult{
			Title:    collapse(entry.Title),
			URL:      strings.Replace(link, "http://", "https://", 1),
			Snippet:  collapse(entry.Summary),
			Category: research.CategoryAcademic,
		})
	}

	a.Logger.Info("Arxiv search successful", "query", req.Query, "count", len(results))
	return results, nil
}

func hasCategory(cats []research.Category, want research.Category) bool {
	for _, c := range cats {
		if c == want {
			return true
		}
	}
	return false
}

// collapse joins arXiv's hard-wrapped titles and abstracts onto one line.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
