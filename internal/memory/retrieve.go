package memory

import (
	"sort"
	"strings"

	"courier/internal/models"
)

// Scope weights for retrieval ranking. Same-thread matches outrank
// same-topic, which outrank same-chat, which outrank global.
const (
	scopeThread = 4
	scopeTopic  = 3
	scopeChat   = 2
	scopeGlobal = 1
)

// RetrieveQuery scopes a retrieval request to the asking conversation.
type RetrieveQuery struct {
	Query   string
	ChatID  int64
	TopicID int64
	AgentID string
	Limit   int
}

// Retrieve returns a ranked mix of past events relevant to the query.
// Ranking is keyword overlap weighted by scope with a recency tiebreak,
// so identical inputs always produce identical output.
func (s *Service) Retrieve(q RetrieveQuery) []models.MemoryEvent {
	keywords := extractKeywords(q.Query)
	if len(keywords) == 0 || q.Limit <= 0 {
		return nil
	}

	candidates, err := s.index.Candidates(keywords, q.Limit*20)
	if err != nil {
		// Index down: scan the JSONL tier instead.
		candidates = s.log.Recent(500)
	}

	threadKey := models.ThreadKey(q.ChatID, q.TopicID, q.AgentID)
	topicKey := models.TopicKey(q.ChatID, q.TopicID)

	type scored struct {
		ev    models.MemoryEvent
		score int
	}
	var matches []scored
	for _, ev := range candidates {
		overlap := keywordOverlap(ev.Text, keywords)
		if overlap == 0 {
			continue
		}
		weight := scopeGlobal
		switch {
		case ev.ThreadKey == threadKey:
			weight = scopeThread
		case models.TopicKey(ev.ChatID, ev.TopicID) == topicKey:
			weight = scopeTopic
		case ev.ChatID == q.ChatID:
			weight = scopeChat
		}
		matches = append(matches, scored{ev: ev, score: overlap * weight})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].ev.Timestamp.After(matches[j].ev.Timestamp)
	})

	if len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	out := make([]models.MemoryEvent, len(matches))
	for i, m := range matches {
		out[i] = m.ev
	}
	return out
}

// RetrieveFragment formats retrieval results for prompt injection,
// empty when nothing matched.
func (s *Service) RetrieveFragment(q RetrieveQuery) string {
	events := s.Retrieve(q)
	if len(events) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[RELEVANT MEMORY]\n")
	for _, ev := range events {
		b.WriteString("- ")
		b.WriteString(ev.Role)
		b.WriteString(": ")
		b.WriteString(truncate(ev.Text, 300))
		b.WriteString("\n")
	}
	b.WriteString("[/RELEVANT MEMORY]")
	return b.String()
}

// stopwords excluded from keyword extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "you": true, "are": true, "was": true, "have": true,
	"what": true, "when": true, "where": true, "how": true, "can": true,
	"про": true, "что": true, "как": true,
}

// extractKeywords lowercases, splits on non-word runs, and keeps
// distinct terms of three or more characters, in first-seen order.
func extractKeywords(query string) []string {
	var keywords []string
	seen := make(map[string]bool)
	for _, word := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !isWordRune(r)
	}) {
		if len([]rune(word)) < 3 || stopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
	}
	return keywords
}

func keywordOverlap(text string, keywords []string) int {
	lower := strings.ToLower(text)
	count := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count
}

func isWordRune(r rune) bool {
	return r == '-' || r == '_' ||
		(r >= '0' && r <= '9') ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		r > 127
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
