package memory

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"courier/internal/models"
)

// Markers delimiting the automatically curated section of memory.md.
// Manual edits outside the markers survive re-curation verbatim.
const (
	autoBegin = "<!-- AUTO-CURATED:BEGIN -->"
	autoEnd   = "<!-- AUTO-CURATED:END -->"
)

// CurationState is persisted to memory/state.json after each rebuild.
type CurationState struct {
	EventsSeen      int       `json:"eventsSeen"`
	EventsProcessed int       `json:"eventsProcessed"`
	Bytes           int       `json:"bytes"`
	LastCuratedAt   time.Time `json:"lastCuratedAt"`
}

// Curate rebuilds the auto section of memory.md from recent events
// across all threads, bounded to maxBytes. Fail-soft: errors are
// logged and the previous digest stays in place.
func (s *Service) Curate(maxBytes int) {
	events := s.log.Recent(200)
	auto := buildDigest(events, maxBytes)

	existing, err := os.ReadFile(s.digestPath)
	if err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️ [MEMORY] Read digest failed: %v", err)
		return
	}
	merged := spliceAutoSection(string(existing), auto)

	if err := os.WriteFile(s.digestPath, []byte(merged), 0600); err != nil {
		log.Printf("⚠️ [MEMORY] Write digest failed: %v", err)
		return
	}

	s.mu.Lock()
	s.curation.EventsProcessed = len(events)
	s.curation.Bytes = len(auto)
	s.curation.LastCuratedAt = time.Now()
	state := s.curation
	s.mu.Unlock()
	s.store.SaveJSONAsync(curationStateFile, state)

	log.Printf("🧠 [MEMORY] Curated digest: %d events, %d bytes", len(events), len(auto))
}

// buildDigest renders events as digest lines, newest-last, dropping
// oldest lines first when over budget.
func buildDigest(events []models.MemoryEvent, maxBytes int) string {
	var lines []string
	for _, ev := range events {
		text := strings.TrimSpace(ev.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s %s] %s",
			ev.Timestamp.Format("2006-01-02"), ev.Role, truncate(text, 200)))
	}

	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		total += len(lines[i]) + 1
		if total > maxBytes {
			break
		}
		start = i
	}
	return strings.Join(lines[start:], "\n")
}

// spliceAutoSection replaces the marker-delimited section of memory.md,
// appending one when the file has no markers yet.
func spliceAutoSection(existing, auto string) string {
	section := autoBegin + "\n" + auto + "\n" + autoEnd

	begin := strings.Index(existing, autoBegin)
	end := strings.Index(existing, autoEnd)
	if begin >= 0 && end > begin {
		return existing[:begin] + section + existing[end+len(autoEnd):]
	}
	if strings.TrimSpace(existing) == "" {
		return section + "\n"
	}
	return strings.TrimRight(existing, "\n") + "\n\n" + section + "\n"
}
