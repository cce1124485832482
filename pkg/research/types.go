package research

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidSettings is returned before any provider call when the caller
// passes settings or a topic the engine cannot run with.
var ErrInvalidSettings = errors.New("invalid research settings")

// Settings is the immutable configuration of one research session.
type Settings struct {
	MaxDepth           int    `json:"max_depth" yaml:"max_depth"`
	SearchTimeout      int    `json:"search_timeout" yaml:"search_timeout"` // seconds, whole session
	MaxResults         int    `json:"max_results" yaml:"max_results"`
	IncludeWebContent  bool   `json:"include_web_content" yaml:"include_web_content"`
	IncludeNews        bool   `json:"include_news" yaml:"include_news"`
	IncludeDiscussions bool   `json:"include_discussions" yaml:"include_discussions"`
	IncludeAcademic    bool   `json:"include_academic" yaml:"include_academic"`
	Language           string `json:"language" yaml:"language"`
}

// DefaultSettings mirrors the settings the CLI has always shipped with.
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:           3,
		SearchTimeout:      300,
		MaxResults:         3,
		IncludeWebContent:  true,
		IncludeNews:        true,
		IncludeDiscussions: true,
		Language:           "en",
	}
}

// Validate reports a wrapped ErrInvalidSettings for unusable settings.
// A zero SearchTimeout is accepted and means the budget is already spent.
func (s Settings) Validate() error {
	switch {
	case s.MaxDepth < 1:
		return fmt.Errorf("%w: max_depth must be >= 1, got %d", ErrInvalidSettings, s.MaxDepth)
	case s.SearchTimeout < 0:
		return fmt.Errorf("%w: search_timeout must be >= 0, got %d", ErrInvalidSettings, s.SearchTimeout)
	case s.MaxResults < 1:
		return fmt.Errorf("%w: max_results must be >= 1, got %d", ErrInvalidSettings, s.MaxResults)
	case len(s.Categories()) == 0:
		return fmt.Errorf("%w: no result categories enabled", ErrInvalidSettings)
	}
	return nil
}

// Budget is the wall-clock budget for the whole session.
func (s Settings) Budget() time.Duration {
	return time.Duration(s.SearchTimeout) * time.Second
}

// Categories returns the result categories gated on by the include flags.
func (s Settings) Categories() []Category {
	var cats []Category
	if s.IncludeWebContent {
		cats = append(cats, CategoryWeb)
	}
	if s.IncludeNews {
		cats = append(cats, CategoryNews)
	}
	if s.IncludeDiscussions {
		cats = append(cats, CategoryDiscussion)
	}
	if s.IncludeAcademic {
		cats = append(cats, CategoryAcademic)
	}
	return cats
}

// Category is the kind of source a search result came from.
type Category string

const (
	CategoryWeb        Category = "web"
	CategoryNews       Category = "news"
	CategoryDiscussion Category = "discussion"
	CategoryAcademic   Category = "academic"
)

// Query is one search string issued during a session.
type Query struct {
	Text  string `json:"text"`
	Depth int    `json:"depth"`
	// Goal is what the planner expects this query to answer, if it said.
	Goal string `json:"goal,omitempty"`
	// ParentLearning is the learning that prompted a follow-up query.
	ParentLearning string `json:"parent_learning,omitempty"`
}

// SearchRequest is what the engine asks a Searcher for.
type SearchRequest struct {
	Query      string
	Categories []Category
	MaxResults int
	Language   string
}

// SearchResult represents a single search result
type SearchResult struct {
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Snippet  string   `json:"snippet"`
	Category Category `json:"category"`
}

// ExtractionStatus tags the outcome of extracting one URL.
type ExtractionStatus string

const (
	ExtractionSuccess ExtractionStatus = "success"
	ExtractionPartial ExtractionStatus = "partial"
	ExtractionFailed  ExtractionStatus = "failed"
)

// ExtractedDocument is the text pulled from one URL. Text is empty when
// Status is ExtractionFailed.
type ExtractedDocument struct {
	URL    string           `json:"url"`
	Title  string           `json:"title,omitempty"`
	Text   string           `json:"-"`
	Status ExtractionStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// Usable reports whether the document carries text worth distilling.
func (d ExtractedDocument) Usable() bool {
	return d.Status != ExtractionFailed && strings.TrimSpace(d.Text) != ""
}

// Learning is a distilled fact with provenance. Learnings are never mutated
// after they are recorded.
type Learning struct {
	Text    string   `json:"text"`
	Sources []string `json:"sources"`
	Depth   int      `json:"depth"`
}

// StepStatus tags the outcome of executing one query.
type StepStatus string

const (
	StepCompleted      StepStatus = "completed"
	StepFailed         StepStatus = "failed"
	StepSkippedTimeout StepStatus = "skipped-timeout"
)

// Step is the execution record of one query.
type Step struct {
	Query     Query               `json:"query"`
	Results   []SearchResult      `json:"results"`
	Documents []ExtractedDocument `json:"documents"`
	Learnings []Learning          `json:"learnings"`
	Elapsed   time.Duration       `json:"elapsed"`
	Status    StepStatus          `json:"status"`
	Error     string              `json:"error,omitempty"`
}

// TerminationReason records why a session stopped.
type TerminationReason string

const (
	TerminationDepthExhausted   TerminationReason = "depth-exhausted"
	TerminationEvaluatorStopped TerminationReason = "evaluator-stopped"
	TerminationTimeout          TerminationReason = "timeout"
	TerminationError            TerminationReason = "error"
)

// Decision is the evaluator's verdict after a depth.
type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionStop     Decision = "stop"
)

// Evaluation is the outcome of one evaluator call.
type Evaluation struct {
	Depth    int      `json:"depth"`
	Decision Decision `json:"decision"`
	// Sufficient is true only when the model judged the learnings enough.
	Sufficient   bool       `json:"sufficient"`
	KnowledgeGap string     `json:"knowledge_gap,omitempty"`
	Queries      []Proposal `json:"queries,omitempty"`
	// Note explains a stop that did not come from the model.
	Note string `json:"note,omitempty"`
}

// Proposal is a follow-up query suggested by the evaluator.
type Proposal struct {
	Text           string `json:"text"`
	ParentLearning string `json:"parent_learning,omitempty"`
}

// Source is a visited URL as surfaced in the final results.
type Source struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Category Category `json:"category"`
	Depth    int      `json:"depth"`
}

// Job is the full record of one session.
type Job struct {
	ID           uuid.UUID         `json:"id"`
	Topic        string            `json:"topic"`
	Settings     Settings          `json:"settings"`
	Steps        []Step            `json:"steps"`
	Learnings    []Learning        `json:"learnings"`
	Evaluations  []Evaluation      `json:"evaluations"`
	FollowUps    []string          `json:"follow_ups"`
	DepthReached int               `json:"depth_reached"`
	Report       string            `json:"report"`
	Termination  TerminationReason `json:"termination"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
}

// StepsAtDepth returns the steps issued at the given depth in record order.
func (j *Job) StepsAtDepth(depth int) []Step {
	var out []Step
	for _, s := range j.Steps {
		if s.Query.Depth == depth {
			out = append(out, s)
		}
	}
	return out
}

// QueriesByDepth returns the progression of query strings, one slice per depth.
func (j *Job) QueriesByDepth() [][]string {
	out := make([][]string, j.DepthReached)
	for _, s := range j.Steps {
		if s.Query.Depth < len(out) {
			out[s.Query.Depth] = append(out[s.Query.Depth], s.Query.Text)
		}
	}
	return out
}

// SuccessfulSteps returns completed steps that produced at least one learning.
func (j *Job) SuccessfulSteps() []Step {
	var out []Step
	for _, s := range j.Steps {
		if s.Status == StepCompleted && len(s.Learnings) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Sources lists every URL that was successfully read, first visit wins.
func (j *Job) Sources() []Source {
	titles := make(map[string]SearchResult)
	for _, s := range j.Steps {
		for _, r := range s.Results {
			if _, ok := titles[r.URL]; !ok {
				titles[r.URL] = r
			}
		}
	}

	seen := make(map[string]bool)
	var out []Source
	for _, s := range j.Steps {
		for _, d := range s.Documents {
			if !d.Usable() || seen[d.URL] {
				continue
			}
			seen[d.URL] = true
			r := titles[d.URL]
			title := r.Title
			if title == "" {
				title = d.Title
			}
			out = append(out, Source{URL: d.URL, Title: title, Category: r.Category, Depth: s.Query.Depth})
		}
	}
	return out
}
