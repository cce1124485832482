package research

import (
	"strings"
	"time"
)

// session is the per-run state shared by the controller and step executors.
// Only the controller goroutine mutates it; steps read a snapshot.
type session struct {
	topic    string
	settings Settings
	deadline time.Time
	now      func() time.Time

	depth   int
	issued  map[string]bool
	learned map[string]bool
	visited map[string]bool
}

func newSession(topic string, settings Settings, now func() time.Time) *session {
	if now == nil {
		now = time.Now
	}
	return &session{
		topic:    topic,
		settings: settings,
		deadline: now().Add(settings.Budget()),
		now:      now,
		issued:   make(map[string]bool),
		learned:  make(map[string]bool),
		visited:  make(map[string]bool),
	}
}

// expired reports whether the wall-clock budget is spent. A zero budget is
// spent from the start.
func (s *session) expired() bool {
	return !s.now().Before(s.deadline)
}

func (s *session) remaining() time.Duration {
	return s.deadline.Sub(s.now())
}

// admit filters candidates down to queries never issued before in this
// session, records them as issued, and stamps them with depth. At most limit
// queries are admitted; candidates past the limit are not recorded.
func (s *session) admit(depth int, candidates []Query, limit int) []Query {
	var out []Query
	for _, q := range candidates {
		if len(out) >= limit {
			break
		}
		key := normalize(q.Text)
		if key == "" || s.issued[key] {
			continue
		}
		s.issued[key] = true
		q.Text = strings.TrimSpace(q.Text)
		q.Depth = depth
		out = append(out, q)
	}
	return out
}

// addLearnings appends the learnings whose normalized text is new and
// returns what was kept.
func (s *session) addLearnings(ls []Learning) []Learning {
	var out []Learning
	for _, l := range ls {
		key := normalize(l.Text)
		if key == "" || s.learned[key] {
			continue
		}
		s.learned[key] = true
		out = append(out, l)
	}
	return out
}

func (s *session) markVisited(docs []ExtractedDocument) {
	for _, d := range docs {
		if d.Usable() {
			s.visited[d.URL] = true
		}
	}
}

// visitedSnapshot copies the visited set so concurrent steps can read it.
func (s *session) visitedSnapshot() map[string]bool {
	out := make(map[string]bool, len(s.visited))
	for k := range s.visited {
		out[k] = true
	}
	return out
}

// normalize lowercases, trims and collapses internal whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
