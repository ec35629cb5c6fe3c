package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port         string
	BotToken     string
	WebhookBase  string // public base URL; empty means long polling
	AllowedUsers []string
	DefaultAgent string

	// Subprocess limits
	AgentTimeout   time.Duration
	AgentMaxBuffer int

	// Prompt assembly
	FileInstructionsEvery int

	// Memory
	MemoryCurateEvery     int
	MemoryRetrievalLimit  int
	MemoryCaptureMaxChars int

	// Thread rotation
	ThreadRotationTurns   int
	ThreadMaxContextChars int

	// Token budgets
	TokenBudgetDaily  int64
	CronBudgetGatePct int

	// Speech-to-text (Whisper-compatible endpoint)
	TranscriberURL string
	TranscriberKey string

	// Attachment reaper
	AttachmentTTL             time.Duration
	AttachmentCleanupInterval time.Duration

	// Background task manager
	TaskTTL time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	var allowed []string
	if raw := getEnv("ALLOWED_USER_IDS", ""); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				allowed = append(allowed, id)
			}
		}
	}

	return &Config{
		Port:         getEnv("PORT", "3009"),
		BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		WebhookBase:  getEnv("WEBHOOK_BASE_URL", ""),
		AllowedUsers: allowed,
		DefaultAgent: getEnv("DEFAULT_AGENT", "claude"),

		AgentTimeout:   time.Duration(getIntEnv("AGENT_TIMEOUT_MS", 600000)) * time.Millisecond,
		AgentMaxBuffer: getIntEnv("AGENT_MAX_BUFFER", 10*1024*1024),

		FileInstructionsEvery: getIntEnv("FILE_INSTRUCTIONS_EVERY", 5),

		MemoryCurateEvery:     getIntEnv("MEMORY_CURATE_EVERY", 20),
		MemoryRetrievalLimit:  getIntEnv("MEMORY_RETRIEVAL_LIMIT", 6),
		MemoryCaptureMaxChars: getIntEnv("MEMORY_CAPTURE_MAX_CHARS", 2000),

		ThreadRotationTurns:   getIntEnv("THREAD_ROTATION_TURNS", 0),
		ThreadMaxContextChars: getIntEnv("THREAD_MAX_CONTEXT_CHARS", 150000),

		TokenBudgetDaily:  int64(getIntEnv("TOKEN_BUDGET_DAILY", 0)),
		CronBudgetGatePct: getIntEnv("CRON_BUDGET_GATE_PCT", 90),

		TranscriberURL: getEnv("TRANSCRIBER_URL", ""),
		TranscriberKey: getEnv("TRANSCRIBER_API_KEY", ""),

		AttachmentTTL:             time.Duration(getIntEnv("ATTACHMENT_TTL_HOURS", 24)) * time.Hour,
		AttachmentCleanupInterval: time.Duration(getIntEnv("ATTACHMENT_CLEANUP_INTERVAL_MS", 3600000)) * time.Millisecond,

		TaskTTL: time.Duration(getIntEnv("TASK_TTL_HOURS", 1)) * time.Hour,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
