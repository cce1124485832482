package research

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Results is the caller-facing summary of a finished job.
type Results struct {
	Topic          string            `json:"topic"`
	MainReport     string            `json:"main_report"`
	KeyLearnings   []Learning        `json:"key_learnings"`
	VisitedSources []Source          `json:"visited_sources"`
	AreasToExplore []string          `json:"areas_to_explore"`
	DepthReached   int               `json:"depth_reached"`
	Termination    TerminationReason `json:"termination"`
	QueriesByDepth [][]string        `json:"queries_by_depth"`
}

// Results condenses the job into what callers usually want.
func (j *Job) Results() Results {
	return Results{
		Topic:          j.Topic,
		MainReport:     j.Report,
		KeyLearnings:   j.Learnings,
		VisitedSources: j.Sources(),
		AreasToExplore: j.FollowUps,
		DepthReached:   j.DepthReached,
		Termination:    j.Termination,
		QueriesByDepth: j.QueriesByDepth(),
	}
}

// Markdown renders the report followed by the learnings, sources and open
// questions. The termination reason is always stated.
func (j *Job) Markdown() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(j.Report))
	b.WriteString("\n\n---\n\n")

	fmt.Fprintf(&b, "_Research ended: %s after %d of %d depth(s)._\n", j.Termination, j.DepthReached, j.Settings.MaxDepth)
	if j.Error != "" {
		fmt.Fprintf(&b, "_Error: %s_\n", j.Error)
	}

	if len(j.Learnings) > 0 {
		b.WriteString("\n## Key Learnings\n\n")
		for _, l := range j.Learnings {
			fmt.Fprintf(&b, "- %s", l.Text)
			if len(l.Sources) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(l.Sources, ", "))
			}
			b.WriteString("\n")
		}
	}

	if sources := j.Sources(); len(sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for _, s := range sources {
			title := s.Title
			if title == "" {
				title = s.URL
			}
			fmt.Fprintf(&b, "- [%s](%s)\n", title, s.URL)
		}
	}

	if len(j.FollowUps) > 0 {
		b.WriteString("\n## Areas for Further Exploration\n\n")
		for _, q := range j.FollowUps {
			fmt.Fprintf(&b, "- %s\n", q)
		}
	}
	return b.String()
}

// WriteFiles saves report_<unix>.md and sources.json into dir and returns
// the report path.
func WriteFiles(dir string, j *Job) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	reportPath := filepath.Join(dir, fmt.Sprintf("report_%d.md", j.FinishedAt.Unix()))
	if err := os.WriteFile(reportPath, []byte(j.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	data, err := json.MarshalIndent(j.Results(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal sources: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sources.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sources: %w", err)
	}
	return reportPath, nil
}

// fallbackReport is used when there is nothing to synthesize or the model
// could not write the report.
func fallbackReport(j *Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research: %s\n\n", j.Topic)
	if len(j.Learnings) == 0 {
		fmt.Fprintf(&b, "No findings were gathered before research ended (%s).\n", j.Termination)
		return b.String()
	}
	fmt.Fprintf(&b, "A synthesized report could not be produced. %d finding(s) were gathered:\n\n", len(j.Learnings))
	for _, l := range j.Learnings {
		fmt.Fprintf(&b, "- %s\n", l.Text)
	}
	return b.String()
}
