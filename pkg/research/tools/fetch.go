package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mikeboe/deep-search/pkg/research"
)

const (
	defaultMaxFetchBytes = 2 << 20
	defaultMaxTextChars  = 32 * 1024
	defaultUserAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	multiNewlinePattern = regexp.MustCompile(`\n{3,}`)
	multiSpacePattern   = regexp.MustCompile(`[ \t]+`)
)

// HTTPExtractor downloads a page and converts its HTML to plain text.
type HTTPExtractor struct {
	Client *http.Client
	// MaxBytes caps the download; MaxTextChars caps the extracted text.
	MaxBytes     int64
	MaxTextChars int
	UserAgent    string
	Logger       *slog.Logger
}

func NewHTTPExtractor() *HTTPExtractor {
	return &HTTPExtractor{
		Client:       &http.Client{Timeout: 20 * time.Second},
		MaxBytes:     defaultMaxFetchBytes,
		MaxTextChars: defaultMaxTextChars,
		UserAgent:    defaultUserAgent,
		Logger:       slog.Default(),
	}
}

// Extract fetches url. Pages cut at MaxBytes or MaxTextChars are reported
// as partial.
func (f *HTTPExtractor) Extract(ctx context.Context, url string) (research.ExtractedDocument, error) {
	trimmed := strings.TrimSpace(url)
	if trimmed == "" {
		return research.ExtractedDocument{}, errors.New("fetch url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed, nil)
	if err != nil {
		return research.ExtractedDocument{}, err
	}
	req.Header.Set("User-Agent", f.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.Client.Do(req)
	if err != nil {
		return research.ExtractedDocument{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return research.ExtractedDocument{}, fmt.Errorf("fetch http %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/pdf") {
		return research.ExtractedDocument{}, errors.New("pdf content needs the ocr extractor")
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxFetchBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return research.ExtractedDocument{}, err
	}
	status := research.ExtractionSuccess
	if int64(len(body)) > limit {
		body = body[:limit]
		status = research.ExtractionPartial
	}

	var title, text string
	if strings.Contains(contentType, "text/plain") {
		text = strings.TrimSpace(string(body))
	} else {
		title, text, err = htmlToText(string(body))
		if err != nil {
			return research.ExtractedDocument{}, fmt.Errorf("failed to parse html: %w", err)
		}
	}

	if text == "" {
		return research.ExtractedDocument{URL: trimmed, Status: research.ExtractionFailed, Error: "no text content"}, nil
	}
	if f.MaxTextChars > 0 && len(text) > f.MaxTextChars {
		text = strings.ToValidUTF8(text[:f.MaxTextChars], "")
		status = research.ExtractionPartial
	}

	f.Logger.Info("Web fetch completed", "url", trimmed, "chars", len(text), "status", status)
	return research.ExtractedDocument{URL: trimmed, Title: title, Text: text, Status: status}, nil
}

// htmlToText returns the page title and readable body text.
func htmlToText(content string) (string, string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", "", err
	}

	var title string
	var sb strings.Builder
	walkText(doc, &sb, &title, 0)

	s := multiSpacePattern.ReplaceAllString(sb.String(), " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = multiNewlinePattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(title), strings.TrimSpace(s), nil
}

func walkText(n *html.Node, sb *strings.Builder, title *string, depth int) {
	if depth > 100 {
		return
	}

	switch n.Type {
	case html.TextNode:
		if text := strings.TrimSpace(n.Data); text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "iframe", "svg", "nav", "footer", "header", "form":
			return
		case "title":
			if n.FirstChild != nil && *title == "" {
				*title = n.FirstChild.Data
			}
			return
		case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "table", "blockquote", "pre":
			sb.WriteString("\n\n")
		case "br":
			sb.WriteString("\n")
		case "li":
			sb.WriteString("\n- ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, sb, title, depth+1)
	}
}
