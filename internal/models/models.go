package models

import (
	"fmt"
	"time"
)

// RootTopic is the canonical sentinel for messages outside any forum topic.
const RootTopic = "root"

// TopicName normalizes a Telegram message thread id into a topic name.
// Zero (no topic) maps to the root sentinel.
func TopicName(topicID int64) string {
	if topicID == 0 {
		return RootTopic
	}
	return fmt.Sprintf("%d", topicID)
}

// TopicKey identifies a conversation for queueing and rate limiting:
// "chatId:topicId" with the root sentinel for missing topics.
func TopicKey(chatID int64, topicID int64) string {
	return fmt.Sprintf("%d:%s", chatID, TopicName(topicID))
}

// ThreadKey identifies a session/memory scope: "chatId:topicId:agentId".
func ThreadKey(chatID int64, topicID int64, agentID string) string {
	return fmt.Sprintf("%d:%s:%s", chatID, TopicName(topicID), agentID)
}

// Event roles for memory capture.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event kinds for memory capture.
const (
	KindText     = "text"
	KindCommand  = "command"
	KindAudio    = "audio"
	KindImage    = "image"
	KindDocument = "document"
	KindCron     = "cron"
)

// MemoryEvent is one immutable entry in a thread's append-only memory log.
type MemoryEvent struct {
	ThreadKey string    `json:"thread_key"`
	ChatID    int64     `json:"chat_id"`
	TopicID   int64     `json:"topic_id"`
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CronJob is one scheduled agent invocation.
type CronJob struct {
	ID             string `json:"id"`
	CronExpression string `json:"cron"`
	Timezone       string `json:"timezone,omitempty"`
	Prompt         string `json:"prompt"`
	Enabled        bool   `json:"enabled"`
	ChatID         int64  `json:"chat_id,omitempty"`
	TopicID        int64  `json:"topic_id,omitempty"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
}

// CronFile is the on-disk shape of cron.json.
type CronFile struct {
	Jobs []CronJob `json:"jobs"`
}

// UsageBucket aggregates token traffic for one chat, source, or agent.
type UsageBucket struct {
	Input    int64 `json:"input"`
	Output   int64 `json:"output"`
	Messages int64 `json:"messages"`
}

// UsageState is the current-day token accounting state (usage.json).
// Stale state (date != today) is discarded on access.
type UsageState struct {
	Date         string                  `json:"date"`
	Chats        map[string]*UsageBucket `json:"chats"`
	Sources      map[string]*UsageBucket `json:"sources"`
	Agents       map[string]*UsageBucket `json:"agents"`
	AlertsSent   []int                   `json:"alerts_sent"`
	TotalCostUSD float64                 `json:"total_cost_usd"`
}

// Task statuses for the background task manager.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// ActiveTask is a background task entry retained for /status queries.
type ActiveTask struct {
	ID         string     `json:"id"`
	ChatID     int64      `json:"chat_id"`
	TopicID    int64      `json:"topic_id"`
	PromptHead string     `json:"prompt_head"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Settings is the global configuration file (config.json).
type Settings struct {
	Agent      string            `json:"agent,omitempty"`
	Models     map[string]string `json:"models,omitempty"`
	Thinking   string            `json:"thinking,omitempty"`
	CronChatID int64             `json:"cron_chat_id,omitempty"`
}
