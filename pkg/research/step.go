package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// executeStep runs one query end to end: search, extract, distill. It never
// returns an error; failures are recorded on the Step.
func (e *Engine) executeStep(ctx context.Context, s *session, visited map[string]bool, q Query) (step Step) {
	start := s.now()
	step = Step{Query: q}
	defer func() {
		step.Elapsed = s.now().Sub(start)
	}()

	results, err := e.Searcher.Search(ctx, SearchRequest{
		Query:      q.Text,
		Categories: s.settings.Categories(),
		MaxResults: s.settings.MaxResults,
		Language:   s.settings.Language,
	})
	if err != nil {
		e.log().Warn("Search failed", "query", q.Text, "depth", q.Depth, "error", err)
		step.Status = StepFailed
		step.Error = err.Error()
		return step
	}

	step.Results = boundResults(results, s.settings.MaxResults)
	step.Status = StepCompleted
	if len(step.Results) == 0 {
		e.log().Info("Search returned no results", "query", q.Text)
		return step
	}

	var targets []SearchResult
	for _, r := range step.Results {
		if visited[r.URL] {
			continue
		}
		targets = append(targets, r)
	}

	if s.expired() {
		e.log().Warn("Budget spent before extraction", "query", q.Text, "urls", len(targets))
		step.Documents = budgetSpent(targets)
		return step
	}
	step.Documents = e.extractAll(ctx, s, targets)

	for _, doc := range step.Documents {
		if !doc.Usable() {
			continue
		}
		rem := s.remaining()
		if rem <= 0 {
			e.log().Warn("Budget spent before distillation", "query", q.Text, "url", doc.URL)
			break
		}
		dctx, cancel := context.WithTimeout(ctx, rem)
		step.Learnings = append(step.Learnings, e.distill(dctx, s.topic, q, doc)...)
		cancel()
	}

	e.log().Info("Step complete",
		"query", q.Text,
		"depth", q.Depth,
		"results", len(step.Results),
		"documents", len(step.Documents),
		"learnings", len(step.Learnings),
	)
	return step
}

// boundResults drops empty and duplicate URLs and truncates to limit,
// keeping provider order.
func boundResults(results []SearchResult, limit int) []SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]SearchResult, 0, min(len(results), limit))
	for _, r := range results {
		if len(out) >= limit {
			break
		}
		if r.URL == "" || seen[r.URL] {
			continue
		}
		seen[r.URL] = true
		out = append(out, r)
	}
	return out
}

// extractAll extracts every target concurrently. Each URL gets its own
// timeout so a slow host cannot hold back the rest.
func (e *Engine) extractAll(ctx context.Context, s *session, targets []SearchResult) []ExtractedDocument {
	docs := make([]ExtractedDocument, len(targets))
	var wg sync.WaitGroup

	for i, r := range targets {
		wg.Add(1)
		go func(i int, r SearchResult) {
			defer wg.Done()
			docs[i] = e.extractOne(ctx, s, r.URL)
		}(i, r)
	}
	wg.Wait()
	return docs
}

func (e *Engine) extractOne(ctx context.Context, s *session, url string) ExtractedDocument {
	timeout := e.ExtractTimeout
	if timeout <= 0 {
		timeout = DefaultExtractTimeout
	}
	rem := s.remaining()
	if rem <= 0 {
		return ExtractedDocument{URL: url, Status: ExtractionFailed, Error: budgetSpentReason}
	}
	if rem < timeout {
		timeout = rem
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	doc, err := e.Extractor.Extract(ctx, url)
	if err != nil {
		e.log().Warn("Extraction failed", "url", url, "error", err)
		return ExtractedDocument{URL: url, Status: ExtractionFailed, Error: err.Error()}
	}
	if doc.URL == "" {
		doc.URL = url
	}
	if doc.Status == ExtractionFailed {
		doc.Text = ""
		return doc
	}
	if strings.TrimSpace(doc.Text) == "" {
		doc.Status = ExtractionFailed
		doc.Error = "empty document"
		return doc
	}

	if bounded, cut := docSplitter.Bound(doc.Text, e.MaxDocumentChars); cut {
		doc.Text = bounded
		doc.Status = ExtractionPartial
	}
	return doc
}

// distill asks the model for learnings from one document. Malformed output
// yields no learnings.
func (e *Engine) distill(ctx context.Context, topic string, q Query, doc ExtractedDocument) []Learning {
	var texts []learningItem

	input := fmt.Sprintf("Topic: %s\nQuery: %s\n", topic, q.Text)
	if q.Goal != "" {
		input += fmt.Sprintf("Goal: %s\n", q.Goal)
	}
	input += fmt.Sprintf("Source: %s\n\nDocument:\n%s", doc.URL, doc.Text)

	err := e.fastGen().generateWithRetry(ctx, distillPrompt+"\n\n# Response Format:\n"+distillSchema(), input, func(content string) error {
		var resp struct {
			Learnings []learningItem `json:"learnings"`
		}
		if err := json.Unmarshal([]byte(content), &resp); err != nil {
			return fmt.Errorf("json parse error: %w", err)
		}
		if resp.Learnings == nil {
			return errors.New("missing learnings field")
		}
		texts = resp.Learnings
		return nil
	})
	if err != nil {
		e.log().Warn("Distillation failed", "url", doc.URL, "error", err)
		return nil
	}

	var out []Learning
	for _, t := range texts {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		out = append(out, Learning{Text: text, Sources: []string{doc.URL}, Depth: q.Depth})
	}
	return out
}

const budgetSpentReason = "budget exhausted"

// budgetSpent marks targets that were never extracted because the session
// ran out of time.
func budgetSpent(targets []SearchResult) []ExtractedDocument {
	docs := make([]ExtractedDocument, len(targets))
	for i, r := range targets {
		docs[i] = ExtractedDocument{URL: r.URL, Status: ExtractionFailed, Error: budgetSpentReason}
	}
	return docs
}

// skippedStep records a query that was never dispatched.
func skippedStep(q Query) Step {
	return Step{Query: q, Status: StepSkippedTimeout}
}
