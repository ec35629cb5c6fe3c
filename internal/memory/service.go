package memory

import (
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/store"
)

const (
	curationStateFile = "memory/state.json"

	// curateMaxBytes bounds the auto-curated digest section.
	curateMaxBytes = 8 * 1024

	// compactPreambleCap bounds soul and tools in compact bootstraps.
	compactPreambleCap = 800
)

// attachmentTokenPattern matches embedded attachment references that
// must not leak into long-term memory.
var attachmentTokenPattern = regexp.MustCompile(`\[\[attachment:[^\]]*\]\]`)

// Options configures the memory service.
type Options struct {
	CurateEvery     int
	CaptureMaxChars int
}

// Service is the memory subsystem: event capture with curation
// triggers, bootstrap assembly, and scoped retrieval.
type Service struct {
	store      *store.Store
	log        *EventLog
	index      *Index
	opts       Options
	digestPath string
	soulPath   string
	toolsPath  string

	mu       sync.Mutex
	curation CurationState
}

// NewService wires the JSONL log and SQLite index under stateDir.
func NewService(st *store.Store, stateDir string, opts Options) (*Service, error) {
	eventLog, err := NewEventLog(stateDir)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(stateDir)
	if err != nil {
		// The index is an accelerator; run without it.
		log.Printf("⚠️ [MEMORY] Retrieval index unavailable: %v", err)
		index = nil
	}

	s := &Service{
		store:      st,
		log:        eventLog,
		index:      index,
		opts:       opts,
		digestPath: filepath.Join(stateDir, "memory.md"),
		soulPath:   filepath.Join(stateDir, "soul.md"),
		toolsPath:  filepath.Join(stateDir, "tools.md"),
	}
	if _, err := st.LoadJSON(curationStateFile, &s.curation); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the retrieval index.
func (s *Service) Close() {
	if err := s.index.Close(); err != nil {
		log.Printf("⚠️ [MEMORY] Close index failed: %v", err)
	}
}

// Capture records one conversational event. Attachment tokens are
// stripped and long texts truncated before storage. Every curateEvery
// captures, a digest rebuild runs in the background.
func (s *Service) Capture(ev models.MemoryEvent) {
	text := attachmentTokenPattern.ReplaceAllString(ev.Text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if s.opts.CaptureMaxChars > 0 {
		text = truncate(text, s.opts.CaptureMaxChars)
	}
	ev.Text = text
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.log.Append(ev)
	s.index.Add(ev)
	if m := metrics.Get(); m != nil {
		m.MemoryCaptures.Inc()
	}

	s.mu.Lock()
	s.curation.EventsSeen++
	seen := s.curation.EventsSeen
	s.mu.Unlock()

	if s.opts.CurateEvery > 0 && seen%s.opts.CurateEvery == 0 {
		go s.Curate(curateMaxBytes)
	}
}

// Tail returns the newest limit events of a thread, oldest first.
func (s *Service) Tail(threadKey string, limit int) []models.MemoryEvent {
	return s.log.Tail(threadKey, limit)
}

// Bootstrap assembles the preamble for a new or rotated thread: soul,
// tools, curated memory, and the recent thread tail, each wrapped in
// open/close markers. Compact mode truncates soul and tools only.
func (s *Service) Bootstrap(threadKey string, tailLimit int, compact bool) string {
	var sections []string

	soul := readPreamble(s.soulPath)
	tools := readPreamble(s.toolsPath)
	if compact {
		soul = truncate(soul, compactPreambleCap)
		tools = truncate(tools, compactPreambleCap)
	}
	if soul != "" {
		sections = append(sections, wrapSection("SOUL", soul))
	}
	if tools != "" {
		sections = append(sections, wrapSection("TOOLS", tools))
	}
	if digest := readPreamble(s.digestPath); digest != "" {
		sections = append(sections, wrapSection("MEMORY", digest))
	}

	if tail := s.Tail(threadKey, tailLimit); len(tail) > 0 {
		var b strings.Builder
		for _, ev := range tail {
			b.WriteString(ev.Role)
			b.WriteString(": ")
			b.WriteString(truncate(ev.Text, 500))
			b.WriteString("\n")
		}
		sections = append(sections, wrapSection("RECENT CONVERSATION", strings.TrimRight(b.String(), "\n")))
	}

	return strings.Join(sections, "\n\n")
}

// CurationStateSnapshot returns the current curation counters.
func (s *Service) CurationStateSnapshot() CurationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curation
}

// Digest returns the current contents of memory.md.
func (s *Service) Digest() string {
	return readPreamble(s.digestPath)
}

func wrapSection(name, body string) string {
	return "[" + name + "]\n" + body + "\n[/" + name + "]"
}

func readPreamble(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
