package bot

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"courier/internal/agents"
	"courier/internal/attachments"
	"courier/internal/audio"
	"courier/internal/config"
	"courier/internal/cron"
	"courier/internal/memory"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/runner"
	"courier/internal/store"
	"courier/internal/tasks"
	"courier/internal/tokens"
)

// Transport is what the dispatcher needs from the messaging layer.
// *telegram.Client satisfies it.
type Transport interface {
	SendToTopic(chatID, topicID int64, text string) error
	SendTyping(chatID, topicID int64) error
	SendPhoto(chatID, topicID int64, path, caption string) error
	SendDocument(chatID, topicID int64, path, caption string) error
	DownloadFile(ctx context.Context, fileID, destDir string) (string, error)
}

// Bot routes inbound updates: allow-list, slash commands, media intake,
// and agent dispatch through the background task manager.
type Bot struct {
	cfg         *config.Config
	transport   Transport
	runner      *runner.Runner
	registry    *agents.Registry
	settings    *store.SettingsStore
	memory      *memory.Service
	tracker     *tokens.Tracker
	tasks       *tasks.Manager
	cron        *cron.Scheduler
	attachments *attachments.Store
	transcriber *audio.Transcriber
}

func New(cfg *config.Config, transport Transport, run *runner.Runner, registry *agents.Registry,
	settings *store.SettingsStore, mem *memory.Service, tracker *tokens.Tracker,
	taskMgr *tasks.Manager, cronSched *cron.Scheduler, att *attachments.Store,
	transcriber *audio.Transcriber) *Bot {
	return &Bot{
		cfg:         cfg,
		transport:   transport,
		runner:      run,
		registry:    registry,
		settings:    settings,
		memory:      mem,
		tracker:     tracker,
		tasks:       taskMgr,
		cron:        cronSched,
		attachments: att,
		transcriber: transcriber,
	}
}

// HandleUpdate is the single ingress point for polled and webhook updates.
func (b *Bot) HandleUpdate(update models.TelegramUpdate) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if !b.isAllowed(msg.From) {
		log.Printf("🚫 [BOT] Blocked message from unauthorized user %v", userID(msg.From))
		return
	}

	chatID := msg.Chat.ID
	topicID := msg.MessageThreadID

	intake, err := b.intake(msg)
	if err != nil {
		log.Printf("❌ [BOT] Intake failed: %v", err)
		b.reply(chatID, topicID, "Could not process that message: "+err.Error())
		return
	}
	if intake == nil {
		return
	}
	if m := metrics.Get(); m != nil {
		m.UpdatesReceived.WithLabelValues(intake.kind).Inc()
	}

	if strings.HasPrefix(intake.prompt, "/") {
		b.handleCommand(chatID, topicID, intake.prompt)
		return
	}
	b.dispatch(chatID, topicID, intake)
}

// dispatch queues the agent run on the topic key. Capture of the user
// event happens inside the queued job so memory order follows
// conversational order.
func (b *Bot) dispatch(chatID, topicID int64, in *intakeResult) {
	// Resolve through the runner's chain so the capture key matches the
	// thread the run actually lands on, even when the topic override
	// names an agent that is no longer registered.
	agentID := b.runner.ResolveAgent(chatID, topicID, "")
	threadKey := models.ThreadKey(chatID, topicID, agentID)
	topicKey := models.TopicKey(chatID, topicID)

	b.tasks.Submit(topicKey, chatID, topicID, in.prompt, func() error {
		b.memory.Capture(models.MemoryEvent{
			ThreadKey: threadKey,
			ChatID:    chatID,
			TopicID:   topicID,
			AgentID:   agentID,
			Role:      models.RoleUser,
			Kind:      in.kind,
			Text:      in.prompt,
		})

		if b.cfg.TokenBudgetDaily > 0 && b.tracker.IsBudgetExhausted() {
			b.reply(chatID, topicID, "Daily token budget is exhausted. Try again tomorrow or raise TOKEN_BUDGET_DAILY.")
			return nil
		}

		started := time.Now()
		res, err := b.runner.Chat(context.Background(), runner.Request{
			ChatID:      chatID,
			TopicID:     topicID,
			Prompt:      in.prompt,
			Attachments: in.attachments,
			Source:      "chat",
		})
		if m := metrics.Get(); m != nil {
			m.AgentRunLatency.Observe(time.Since(started).Seconds())
			if err != nil {
				m.AgentErrors.WithLabelValues(errorKind(err)).Inc()
			} else {
				m.AgentRuns.WithLabelValues(res.AgentID, "chat").Inc()
			}
		}
		if err != nil {
			log.Printf("❌ [BOT] Agent run failed on %s: %v", threadKey, err)
			b.reply(chatID, topicID, "Agent failed: "+err.Error())
			return err
		}

		b.memory.Capture(models.MemoryEvent{
			ThreadKey: threadKey,
			ChatID:    chatID,
			TopicID:   topicID,
			AgentID:   res.AgentID,
			Role:      models.RoleAssistant,
			Kind:      models.KindText,
			Text:      res.Text,
		})

		b.deliver(chatID, topicID, res.Text)
		return nil
	})
}

// deliver sends the agent's reply, shipping any referenced attachments
// as real files.
func (b *Bot) deliver(chatID, topicID int64, text string) {
	paths, stripped := attachments.ExtractTokens(text)
	for _, p := range paths {
		resolved, err := b.attachments.Resolve(p)
		if err != nil {
			log.Printf("⚠️ [BOT] Attachment rejected: %v", err)
			continue
		}
		if isImagePath(resolved) {
			if err := b.transport.SendPhoto(chatID, topicID, resolved, ""); err != nil {
				log.Printf("⚠️ [BOT] Send photo: %v", err)
			}
		} else if err := b.transport.SendDocument(chatID, topicID, resolved, ""); err != nil {
			log.Printf("⚠️ [BOT] Send document: %v", err)
		}
	}
	if stripped == "" {
		return
	}
	b.reply(chatID, topicID, stripped)
}

func (b *Bot) reply(chatID, topicID int64, text string) {
	if err := b.transport.SendToTopic(chatID, topicID, text); err != nil {
		log.Printf("❌ [BOT] Send reply: %v", err)
	}
}

// isAllowed checks the ingress allow-list. An empty list allows everyone.
func (b *Bot) isAllowed(from *models.TelegramUser) bool {
	if len(b.cfg.AllowedUsers) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	id := strconv.FormatInt(from.ID, 10)
	for _, allowed := range b.cfg.AllowedUsers {
		if allowed == id || (from.Username != "" && strings.EqualFold(allowed, from.Username)) {
			return true
		}
	}
	return false
}

func userID(from *models.TelegramUser) int64 {
	if from == nil {
		return 0
	}
	return from.ID
}

func errorKind(err error) string {
	var execErr *runner.ExecError
	if errors.As(err, &execErr) {
		return string(execErr.Kind)
	}
	return "other"
}

func isImagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif", ".webp"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
