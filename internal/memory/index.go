package memory

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"courier/internal/models"
)

// Index is the secondary retrieval tier: a SQLite keyword index over
// all captured events. Every operation is fail-soft; retrieval falls
// back to scanning the JSONL logs when the index is unavailable.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) memory/index.db under the state root.
func OpenIndex(stateDir string) (*Index, error) {
	if err := os.MkdirAll(filepath.Join(stateDir, "memory"), 0700); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	path := filepath.Join(stateDir, "memory", "index.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory index: %w", err)
	}
	// The index is only ever touched from the owning service.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_key TEXT NOT NULL,
		chat_id    INTEGER NOT NULL,
		topic_id   INTEGER NOT NULL,
		agent_id   TEXT NOT NULL,
		role       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		text       TEXT NOT NULL,
		ts         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_chat ON events(chat_id, topic_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	return ix.db.Close()
}

// Add records one event. Failures are logged; the JSONL log remains
// the source of truth.
func (ix *Index) Add(ev models.MemoryEvent) {
	if ix == nil || ix.db == nil {
		return
	}
	_, err := ix.db.Exec(
		`INSERT INTO events (thread_key, chat_id, topic_id, agent_id, role, kind, text, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ThreadKey, ev.ChatID, ev.TopicID, ev.AgentID, ev.Role, ev.Kind, ev.Text, ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		log.Printf("⚠️ [MEMORY] Index insert failed: %v", err)
	}
}

// Candidates returns events containing at least one query keyword,
// newest first, capped at limit. An empty keyword list matches nothing.
func (ix *Index) Candidates(keywords []string, limit int) ([]models.MemoryEvent, error) {
	if ix == nil || ix.db == nil {
		return nil, fmt.Errorf("memory index unavailable")
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	for _, kw := range keywords {
		conds = append(conds, "lower(text) LIKE ?")
		args = append(args, "%"+strings.ToLower(kw)+"%")
	}
	args = append(args, limit)

	query := fmt.Sprintf(
		`SELECT thread_key, chat_id, topic_id, agent_id, role, kind, text, ts
		 FROM events WHERE %s ORDER BY ts DESC, id DESC LIMIT ?`,
		strings.Join(conds, " OR "))

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory index: %w", err)
	}
	defer rows.Close()

	var events []models.MemoryEvent
	for rows.Next() {
		var ev models.MemoryEvent
		var ts int64
		if err := rows.Scan(&ev.ThreadKey, &ev.ChatID, &ev.TopicID, &ev.AgentID,
			&ev.Role, &ev.Kind, &ev.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan memory index row: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}
