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

const mistralOCREndpoint = "https://api.mistral.ai/v1/ocr"

type PdfScrapeResponsePage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type OcrResponse struct {
	Pages []PdfScrapeResponsePage `json:"pages"`
}

// OCRExtractor reads PDFs (arXiv papers mostly) through the Mistral OCR API.
type OCRExtractor struct {
	APIKey   string
	Endpoint string
	Model    string
	// MaxPages bounds how much of a long paper is kept; zero keeps all.
	MaxPages int
	Client   *http.Client
	Logger   *slog.Logger
}

func NewOCRExtractor(apiKey string) *OCRExtractor {
	return &OCRExtractor{
		APIKey:   apiKey,
		Endpoint: mistralOCREndpoint,
		Model:    "mistral-ocr-latest",
		MaxPages: 30,
		Client:   &http.Client{Timeout: 120 * time.Second},
		Logger:   slog.Default(),
	}
}

// Extract OCRs the PDF at url into markdown, one section per page.
func (o *OCRExtractor) Extract(ctx context.Context, url string) (research.ExtractedDocument, error) {
	if o.APIKey == "" {
		return research.ExtractedDocument{}, errors.New("MISTRAL_API_KEY is not set")
	}
	docURL := strings.Replace(url, "http://", "https://", 1)

	reqBody := map[string]interface{}{
		"model": o.Model,
		"document": map[string]string{
			"type":         "document_url",
			"document_url": docURL,
		},
		"include_image_base64": false,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to marshal request body: %w", err)
	}

	clientReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint, bytes.NewBuffer(jsonBody))
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	clientReq.Header.Set("Content-Type", "application/json")
	clientReq.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.Client.Do(clientReq)
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return research.ExtractedDocument{}, fmt.Errorf("API request failed with status: %s, body: %s", resp.Status, truncate(string(body), 200))
	}

	var ocrResponse OcrResponse
	if err := json.Unmarshal(body, &ocrResponse); err != nil {
		return research.ExtractedDocument{}, fmt.Errorf("failed to unmarshal OCR response: %w", err)
	}

	status := research.ExtractionSuccess
	pages := ocrResponse.Pages
	if o.MaxPages > 0 && len(pages) > o.MaxPages {
		pages = pages[:o.MaxPages]
		status = research.ExtractionPartial
	}

	var sb strings.Builder
	for _, page := range pages {
		fmt.Fprintf(&sb, "- Page %d -\n", page.Index)
		sb.WriteString(page.Markdown)
		sb.WriteString("\n\n")
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return research.ExtractedDocument{URL: url, Status: research.ExtractionFailed, Error: "no pages"}, nil
	}

	o.Logger.Info("PDF scraped", "url", url, "pages", len(pages))
	return research.ExtractedDocument{URL: url, Text: text, Status: status}, nil
}
