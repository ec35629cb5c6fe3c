package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"courier/internal/models"
)

// EventLog is the per-thread JSONL tier: one append-only file per
// thread key under memory/threads/, one JSON object per line.
type EventLog struct {
	dir string
}

// NewEventLog ensures the threads directory exists under the state root.
func NewEventLog(stateDir string) (*EventLog, error) {
	dir := filepath.Join(stateDir, "memory", "threads")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &EventLog{dir: dir}, nil
}

// Append writes one event to its thread log. Fail-soft: I/O errors are
// logged and never returned to the caller.
func (l *EventLog) Append(ev models.MemoryEvent) {
	line, err := json.Marshal(ev)
	if err != nil {
		log.Printf("⚠️ [MEMORY] Marshal event failed: %v", err)
		return
	}

	f, err := os.OpenFile(l.threadPath(ev.ThreadKey), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Printf("⚠️ [MEMORY] Open thread log failed: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("⚠️ [MEMORY] Append to thread log failed: %v", err)
	}
}

// Tail returns the most recent limit events for a thread in
// chronological order.
func (l *EventLog) Tail(threadKey string, limit int) []models.MemoryEvent {
	events := l.readThread(threadKey)
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// Recent returns up to limit of the newest events across every thread,
// newest last.
func (l *EventLog) Recent(limit int) []models.MemoryEvent {
	var all []models.MemoryEvent
	for _, key := range l.threadKeys() {
		all = append(all, l.readThread(key)...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// All returns every stored event, used to rebuild the retrieval index.
func (l *EventLog) All() []models.MemoryEvent {
	return l.Recent(1 << 30)
}

func (l *EventLog) threadKeys() []string {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		log.Printf("⚠️ [MEMORY] Read threads dir failed: %v", err)
		return nil
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".jsonl") {
			keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	sort.Strings(keys)
	return keys
}

func (l *EventLog) readThread(threadKey string) []models.MemoryEvent {
	f, err := os.Open(l.threadPath(threadKey))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ [MEMORY] Open thread log failed: %v", err)
		}
		return nil
	}
	defer f.Close()

	var events []models.MemoryEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev models.MemoryEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A torn write leaves a partial last line; skip it.
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (l *EventLog) threadPath(threadKey string) string {
	return filepath.Join(l.dir, sanitizeKey(threadKey)+".jsonl")
}

// sanitizeKey keeps thread keys filesystem-safe. Colons are preserved
// on Linux but path separators are not.
func sanitizeKey(key string) string {
	return strings.NewReplacer("/", "_", "..", "_").Replace(key)
}
