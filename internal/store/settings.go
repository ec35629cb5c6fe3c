package store

import (
	"sync"

	"courier/internal/models"
)

const (
	settingsFile  = "config.json"
	overridesFile = "agent-overrides.json"
)

// SettingsStore owns the global settings (config.json) and the
// per-topic agent overrides (agent-overrides.json).
type SettingsStore struct {
	store     *Store
	mu        sync.Mutex
	settings  models.Settings
	overrides map[string]string
}

// NewSettingsStore loads both files, applying defaults for anything unset.
func NewSettingsStore(store *Store, defaultAgent string) (*SettingsStore, error) {
	ss := &SettingsStore{store: store, overrides: make(map[string]string)}

	if _, err := store.LoadJSON(settingsFile, &ss.settings); err != nil {
		return nil, err
	}
	if ss.settings.Agent == "" {
		ss.settings.Agent = defaultAgent
	}
	if ss.settings.Models == nil {
		ss.settings.Models = make(map[string]string)
	}

	if _, err := store.LoadJSON(overridesFile, &ss.overrides); err != nil {
		return nil, err
	}
	if ss.overrides == nil {
		ss.overrides = make(map[string]string)
	}
	return ss, nil
}

// AgentFor returns the effective agent for a conversation: the per-topic
// override when present, the global default otherwise.
func (ss *SettingsStore) AgentFor(chatID, topicID int64) string {
	key := models.TopicKey(chatID, topicID)
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if agent, ok := ss.overrides[key]; ok {
		return agent
	}
	return ss.settings.Agent
}

// SetAgentOverride pins an agent for one chat/topic.
func (ss *SettingsStore) SetAgentOverride(chatID, topicID int64, agentID string) {
	key := models.TopicKey(chatID, topicID)
	ss.mu.Lock()
	ss.overrides[key] = agentID
	snapshot := copyStringMap(ss.overrides)
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(overridesFile, snapshot)
}

// ClearAgentOverride drops the per-topic pin, falling back to the default.
func (ss *SettingsStore) ClearAgentOverride(chatID, topicID int64) {
	key := models.TopicKey(chatID, topicID)
	ss.mu.Lock()
	delete(ss.overrides, key)
	snapshot := copyStringMap(ss.overrides)
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(overridesFile, snapshot)
}

// SetDefaultAgent changes the global default agent.
func (ss *SettingsStore) SetDefaultAgent(agentID string) {
	ss.mu.Lock()
	ss.settings.Agent = agentID
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(settingsFile, snapshot)
}

// ModelFor returns the pinned model for an agent, empty when unset.
func (ss *SettingsStore) ModelFor(agentID string) string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.settings.Models[agentID]
}

// SetModel pins (or with empty model, unpins) a model for an agent.
func (ss *SettingsStore) SetModel(agentID, model string) {
	ss.mu.Lock()
	if model == "" {
		delete(ss.settings.Models, agentID)
	} else {
		ss.settings.Models[agentID] = model
	}
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(settingsFile, snapshot)
}

// Thinking reports whether extended thinking is enabled.
func (ss *SettingsStore) Thinking() bool {
	level := ss.ThinkingLevel()
	return level != "" && level != "off"
}

// ThinkingLevel returns the raw configured thinking level.
func (ss *SettingsStore) ThinkingLevel() string {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.settings.Thinking
}

// SetThinking records the thinking level ("off" or empty disables).
func (ss *SettingsStore) SetThinking(level string) {
	ss.mu.Lock()
	ss.settings.Thinking = level
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(settingsFile, snapshot)
}

// CronChatID returns the chat cron jobs report into when a job has none.
func (ss *SettingsStore) CronChatID() int64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.settings.CronChatID
}

// SetCronChatID records the default chat for cron job output.
func (ss *SettingsStore) SetCronChatID(chatID int64) {
	ss.mu.Lock()
	ss.settings.CronChatID = chatID
	snapshot := ss.snapshotLocked()
	ss.mu.Unlock()
	ss.store.SaveJSONAsync(settingsFile, snapshot)
}

// Snapshot returns a copy of the current settings.
func (ss *SettingsStore) Snapshot() models.Settings {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.snapshotLocked()
}

func (ss *SettingsStore) snapshotLocked() models.Settings {
	out := ss.settings
	out.Models = copyStringMap(ss.settings.Models)
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
