package bot

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"courier/internal/models"
)

// handleCommand routes slash commands. Unknown commands get a short hint
// instead of being forwarded to an agent.
func (b *Bot) handleCommand(chatID, topicID int64, text string) {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Group chats address commands as /cmd@botname.
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	args := fields[1:]

	log.Printf("💬 [BOT] Command %s from chat %d topic %d", cmd, chatID, topicID)

	switch cmd {
	case "/start":
		b.reply(chatID, topicID, b.startText())
	case "/agent":
		b.cmdAgent(chatID, topicID, args)
	case "/model":
		b.cmdModel(chatID, topicID, args)
	case "/thinking":
		b.cmdThinking(chatID, topicID, args)
	case "/reset":
		b.cmdReset(chatID, topicID)
	case "/memory":
		b.cmdMemory(chatID, topicID)
	case "/usage":
		b.reply(chatID, topicID, b.tracker.Stats(chatID))
	case "/status":
		b.cmdStatus(chatID, topicID)
	case "/cron":
		b.cmdCron(chatID, topicID, args)
	default:
		b.reply(chatID, topicID, fmt.Sprintf("Unknown command %s. Try /start for the command list.", cmd))
	}
}

func (b *Bot) startText() string {
	var sb strings.Builder
	sb.WriteString("**Courier** routes your messages to CLI agents.\n\n")
	sb.WriteString("Commands:\n")
	sb.WriteString("`/agent [name|default]` — show or switch the agent for this topic\n")
	sb.WriteString("`/model [id|reset]` — pin or unpin a model for the current agent\n")
	sb.WriteString("`/thinking [level]` — set extended thinking (off to disable)\n")
	sb.WriteString("`/reset` — start a fresh session on this thread\n")
	sb.WriteString("`/memory` — show the curated memory digest\n")
	sb.WriteString("`/usage` — today's token usage\n")
	sb.WriteString("`/status` — active and recent tasks\n")
	sb.WriteString("`/cron list|show|assign|unassign|run|logs|reload|chatid` — scheduled jobs\n")
	sb.WriteString(fmt.Sprintf("\nAvailable agents: %s", strings.Join(b.registry.IDs(), ", ")))
	return sb.String()
}

func (b *Bot) cmdAgent(chatID, topicID int64, args []string) {
	if len(args) == 0 {
		current := b.settings.AgentFor(chatID, topicID)
		b.reply(chatID, topicID, fmt.Sprintf("Current agent: **%s**\nAvailable: %s\nUse `/agent <name>` to switch or `/agent default` to clear the topic override.",
			current, strings.Join(b.registry.IDs(), ", ")))
		return
	}
	name := strings.ToLower(args[0])
	if name == "default" {
		b.settings.ClearAgentOverride(chatID, topicID)
		b.reply(chatID, topicID, fmt.Sprintf("Topic override cleared. Using default agent **%s**.", b.settings.AgentFor(chatID, topicID)))
		return
	}
	if !b.registry.Has(name) {
		b.reply(chatID, topicID, fmt.Sprintf("Unknown agent %q. Available: %s", name, strings.Join(b.registry.IDs(), ", ")))
		return
	}
	b.settings.SetAgentOverride(chatID, topicID, name)
	b.reply(chatID, topicID, fmt.Sprintf("Agent for this topic set to **%s**. Each agent keeps its own session and memory thread.", name))
}

func (b *Bot) cmdModel(chatID, topicID int64, args []string) {
	agentID := b.settings.AgentFor(chatID, topicID)
	if len(args) == 0 {
		model := b.settings.ModelFor(agentID)
		if model == "" {
			b.reply(chatID, topicID, fmt.Sprintf("No model pinned for **%s** (the CLI's default applies). Use `/model <id>` to pin one.", agentID))
			return
		}
		b.reply(chatID, topicID, fmt.Sprintf("Model for **%s**: `%s`. Use `/model reset` to unpin.", agentID, model))
		return
	}
	if strings.ToLower(args[0]) == "reset" {
		b.settings.SetModel(agentID, "")
		b.reply(chatID, topicID, fmt.Sprintf("Model unpinned for **%s**.", agentID))
		return
	}
	model := args[0]
	b.settings.SetModel(agentID, model)
	b.reply(chatID, topicID, fmt.Sprintf("Model for **%s** pinned to `%s`. Takes effect on the next message.", agentID, model))
}

func (b *Bot) cmdThinking(chatID, topicID int64, args []string) {
	if len(args) == 0 {
		level := b.settings.ThinkingLevel()
		if level == "" {
			level = "off"
		}
		b.reply(chatID, topicID, fmt.Sprintf("Extended thinking: **%s**. Use `/thinking high` or `/thinking off`.", level))
		return
	}
	level := strings.ToLower(args[0])
	b.settings.SetThinking(level)
	if b.settings.Thinking() {
		b.reply(chatID, topicID, fmt.Sprintf("Extended thinking set to **%s**.", level))
	} else {
		b.reply(chatID, topicID, "Extended thinking disabled.")
	}
}

func (b *Bot) cmdReset(chatID, topicID int64) {
	agentID := b.settings.AgentFor(chatID, topicID)
	threadKey := b.runner.Reset(chatID, topicID, agentID)
	log.Printf("🔄 [BOT] Session reset on %s", threadKey)
	b.reply(chatID, topicID, fmt.Sprintf("Session cleared for **%s** on this topic. The next message starts a fresh conversation with full context.", agentID))
}

func (b *Bot) cmdMemory(chatID, topicID int64) {
	digest := b.memory.Digest()
	if strings.TrimSpace(digest) == "" {
		b.reply(chatID, topicID, "No curated memory yet. It accumulates as conversations happen.")
		return
	}
	b.reply(chatID, topicID, digest)
}

func (b *Bot) cmdStatus(chatID, topicID int64) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Agent: **%s**", b.settings.AgentFor(chatID, topicID)))
	if model := b.settings.ModelFor(b.settings.AgentFor(chatID, topicID)); model != "" {
		sb.WriteString(fmt.Sprintf(" (model `%s`)", model))
	}
	sb.WriteString("\n")
	if b.cfg.TokenBudgetDaily > 0 {
		sb.WriteString(fmt.Sprintf("Daily budget: %d%% used\n", b.tracker.BudgetPct()))
	}

	snapshot := b.tasks.Snapshot()
	if len(snapshot) == 0 {
		sb.WriteString("\nNo active or recent tasks.")
		b.reply(chatID, topicID, sb.String())
		return
	}
	sb.WriteString("\nTasks:\n")
	for _, t := range snapshot {
		line := fmt.Sprintf("- `%s` %s (%s) — %s", t.ID, t.Status, time.Since(t.StartedAt).Round(time.Second), t.PromptHead)
		if t.Error != "" {
			line += fmt.Sprintf(" [%s]", t.Error)
		}
		sb.WriteString(line + "\n")
	}
	b.reply(chatID, topicID, sb.String())
}

func (b *Bot) cmdCron(chatID, topicID int64, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	sub := strings.ToLower(args[0])
	rest := args[1:]

	switch sub {
	case "list":
		b.cmdCronList(chatID, topicID)
	case "show":
		if len(rest) == 0 {
			b.reply(chatID, topicID, "Usage: `/cron show <jobId>`")
			return
		}
		b.cmdCronShow(chatID, topicID, rest[0])
	case "assign":
		b.cmdCronAssign(chatID, topicID, rest)
	case "unassign":
		if len(rest) == 0 {
			b.reply(chatID, topicID, "Usage: `/cron unassign <jobId>`")
			return
		}
		if err := b.cron.SetAssignment(rest[0], 0, 0); err != nil {
			b.reply(chatID, topicID, "Unassign failed: "+err.Error())
			return
		}
		b.reply(chatID, topicID, fmt.Sprintf("Job `%s` unassigned. Output falls back to the cron chat id.", rest[0]))
	case "run":
		if len(rest) == 0 {
			b.reply(chatID, topicID, "Usage: `/cron run <jobId>`")
			return
		}
		if err := b.cron.RunNow(rest[0]); err != nil {
			b.reply(chatID, topicID, "Run failed: "+err.Error())
			return
		}
		b.reply(chatID, topicID, fmt.Sprintf("Job `%s` triggered.", rest[0]))
	case "logs":
		if len(rest) == 0 {
			b.reply(chatID, topicID, "Usage: `/cron logs <jobId>`")
			return
		}
		logs := b.cron.Logs(rest[0])
		if strings.TrimSpace(logs) == "" {
			b.reply(chatID, topicID, fmt.Sprintf("No output captured for `%s` yet.", rest[0]))
			return
		}
		b.reply(chatID, topicID, fmt.Sprintf("```\n%s\n```", logs))
	case "reload":
		if err := b.cron.Reload(); err != nil {
			b.reply(chatID, topicID, "Reload finished with errors: "+err.Error())
			return
		}
		b.reply(chatID, topicID, fmt.Sprintf("Reloaded %d cron jobs.", len(b.cron.Jobs())))
	case "chatid":
		if len(rest) == 0 {
			b.settings.SetCronChatID(chatID)
			b.reply(chatID, topicID, fmt.Sprintf("Cron output now defaults to this chat (%d).", chatID))
			return
		}
		id, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			b.reply(chatID, topicID, "Usage: `/cron chatid [chatId]` (no argument uses the current chat)")
			return
		}
		b.settings.SetCronChatID(id)
		b.reply(chatID, topicID, fmt.Sprintf("Cron output now defaults to chat %d.", id))
	default:
		b.reply(chatID, topicID, "Usage: `/cron <list|show|assign|unassign|run|logs|reload|chatid>`")
	}
}

func (b *Bot) cmdCronList(chatID, topicID int64) {
	jobs := b.cron.Jobs()
	if len(jobs) == 0 {
		b.reply(chatID, topicID, "No cron jobs configured. Add them to cron.json and `/cron reload`.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Scheduled jobs:\n")
	for _, j := range jobs {
		state := b.cron.State(j.ID)
		line := fmt.Sprintf("- `%s` `%s` [%s]", j.ID, j.CronExpression, state)
		if !j.Enabled {
			line += " (disabled)"
		} else if next := b.cron.NextRun(j.ID); !next.IsZero() {
			line += " next " + next.Format("2006-01-02 15:04 MST")
		}
		sb.WriteString(line + "\n")
	}
	b.reply(chatID, topicID, sb.String())
}

func (b *Bot) cmdCronShow(chatID, topicID int64, jobID string) {
	job, ok := b.cron.Job(jobID)
	if !ok {
		b.reply(chatID, topicID, fmt.Sprintf("No cron job `%s`.", jobID))
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Job `%s`\n", job.ID))
	sb.WriteString(fmt.Sprintf("Schedule: `%s`", job.CronExpression))
	if job.Timezone != "" {
		sb.WriteString(" (" + job.Timezone + ")")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("Enabled: %v, state: %s\n", job.Enabled, b.cron.State(job.ID)))
	if job.Agent != "" {
		sb.WriteString("Agent: " + job.Agent + "\n")
	}
	if job.ChatID != 0 {
		sb.WriteString(fmt.Sprintf("Delivers to chat %d topic %s\n", job.ChatID, models.TopicName(job.TopicID)))
	}
	if next := b.cron.NextRun(job.ID); !next.IsZero() {
		sb.WriteString("Next run: " + next.Format(time.RFC1123) + "\n")
	}
	sb.WriteString("Prompt: " + head(job.Prompt, 200))
	b.reply(chatID, topicID, sb.String())
}

// cmdCronAssign binds a job's delivery target. With only a job id the
// current chat and topic are used.
func (b *Bot) cmdCronAssign(chatID, topicID int64, args []string) {
	if len(args) == 0 {
		b.reply(chatID, topicID, "Usage: `/cron assign <jobId> [chatId] [topicId]`")
		return
	}
	jobID := args[0]
	targetChat, targetTopic := chatID, topicID
	var err error
	if len(args) > 1 {
		if targetChat, err = strconv.ParseInt(args[1], 10, 64); err != nil {
			b.reply(chatID, topicID, "chatId must be numeric")
			return
		}
	}
	if len(args) > 2 {
		if targetTopic, err = strconv.ParseInt(args[2], 10, 64); err != nil {
			b.reply(chatID, topicID, "topicId must be numeric")
			return
		}
	}
	if err := b.cron.SetAssignment(jobID, targetChat, targetTopic); err != nil {
		b.reply(chatID, topicID, "Assign failed: "+err.Error())
		return
	}
	b.reply(chatID, topicID, fmt.Sprintf("Job `%s` now delivers to chat %d topic %s.", jobID, targetChat, models.TopicName(targetTopic)))
}

func head(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
