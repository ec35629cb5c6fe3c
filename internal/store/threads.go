package store

import (
	"log"
	"strings"
	"sync"

	"courier/internal/models"
)

const threadsFile = "threads.json"

// ThreadStore owns the mapping threadKey -> sessionId (threads.json).
// Keys encode "chatId:topicId:agentId". Legacy two-field keys
// ("chatId:agentId") are migrated to three-field keys with the root
// topic sentinel on load.
type ThreadStore struct {
	store    *Store
	mu       sync.Mutex
	sessions map[string]string
	migrated bool
}

// ResolveResult is the outcome of a thread lookup.
type ResolveResult struct {
	ThreadKey string
	SessionID string
	Migrated  bool
}

// NewThreadStore loads threads.json, migrating legacy keys if present.
func NewThreadStore(store *Store) (*ThreadStore, error) {
	ts := &ThreadStore{store: store, sessions: make(map[string]string)}

	raw := make(map[string]string)
	if _, err := store.LoadJSON(threadsFile, &raw); err != nil {
		return nil, err
	}

	for key, session := range raw {
		parts := strings.Split(key, ":")
		if len(parts) == 2 {
			// Legacy "chatId:agentId" key from before topic support.
			migratedKey := parts[0] + ":" + models.RootTopic + ":" + parts[1]
			log.Printf("🔧 [THREADS] Migrating legacy thread key %q -> %q", key, migratedKey)
			ts.sessions[migratedKey] = session
			ts.migrated = true
			continue
		}
		ts.sessions[key] = session
	}

	if ts.migrated {
		ts.persistAsync()
	}
	return ts, nil
}

// Resolve returns the thread key and any stored session id for a conversation.
func (ts *ThreadStore) Resolve(chatID, topicID int64, agentID string) ResolveResult {
	key := models.ThreadKey(chatID, topicID, agentID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ResolveResult{
		ThreadKey: key,
		SessionID: ts.sessions[key],
		Migrated:  ts.migrated,
	}
}

// Get returns the session id for a thread key, if any.
func (ts *ThreadStore) Get(threadKey string) (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	session, ok := ts.sessions[threadKey]
	return session, ok
}

// Set overwrites the session id for a thread key and persists asynchronously.
// The replacement is atomic: readers see either the old or the new id.
func (ts *ThreadStore) Set(threadKey, sessionID string) {
	ts.mu.Lock()
	ts.sessions[threadKey] = sessionID
	ts.mu.Unlock()
	ts.persistAsync()
}

// Clear removes the session mapping for one conversation.
func (ts *ThreadStore) Clear(chatID, topicID int64, agentID string) {
	ts.ClearKey(models.ThreadKey(chatID, topicID, agentID))
}

// ClearKey removes the session mapping for a thread key.
func (ts *ThreadStore) ClearKey(threadKey string) {
	ts.mu.Lock()
	delete(ts.sessions, threadKey)
	ts.mu.Unlock()
	ts.persistAsync()
}

// Snapshot returns a copy of the full mapping (for /status reporting).
func (ts *ThreadStore) Snapshot() map[string]string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make(map[string]string, len(ts.sessions))
	for k, v := range ts.sessions {
		out[k] = v
	}
	return out
}

func (ts *ThreadStore) persistAsync() {
	ts.store.SaveJSONAsync(threadsFile, ts.Snapshot())
}
