package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mikeboe/deep-search/pkg/research"
)

const firecrawlEndpoint = "https://api.firecrawl.dev"

// FirecrawlExtractor turns pages into markdown through the Firecrawl scrape API.
type FirecrawlExtractor struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewFirecrawlExtractor(apiKey string) *FirecrawlExtractor {
	return &FirecrawlExtractor{
		APIKey:  apiKey,
		BaseURL: firecrawlEndpoint,
		Client:  &http.Client{Timeout: 60 * time.Second},
		Logger:  slog.Default(),
	}
}

type firecrawlResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Data    struct {
		Markdown string `json:"markdown"`
		Metadata struct {
			Title     string `json:"title"`
			SourceURL string `json:"sourceURL"`
		} `json:"metadata"`
	} `json:"data"`
}

func (f *FirecrawlExtractor) Extract(ctx context.Context, url string) (research.ExtractedDocument, error) {
	if strings.TrimSpace(f.APIKey) == "" {
		return research.ExtractedDocument{}, errors.New("firecrawl: API key is missing")
	}

	reqBody, err := json.Marshal(map[string]interface{}{
		"url":             url,
		"formats":         []string{"markdown"},
		"onlyMainContent": true,
	})
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.BaseURL+"/v1/scrape", bytes.NewReader(reqBody))
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.APIKey)

	resp, err := f.Client.Do(req)
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return research.ExtractedDocument{}, fmt.Errorf("firecrawl request failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var out firecrawlResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to unmarshal firecrawl response: %w", err)
	}
	if !out.Success {
		return research.ExtractedDocument{URL: url, Status: research.ExtractionFailed, Error: out.Error}, nil
	}

	text := strings.TrimSpace(out.Data.Markdown)
	if text == "" {
		return research.ExtractedDocument{URL: url, Status: research.ExtractionFailed, Error: "empty markdown"}, nil
	}

	f.Logger.Info("Firecrawl scrape completed", "url", url, "chars", len(text))
	return research.ExtractedDocument{
		URL:    url,
		Title:  out.Data.Metadata.Title,
		Text:   text,
		Status: research.ExtractionSuccess,
	}, nil
}
