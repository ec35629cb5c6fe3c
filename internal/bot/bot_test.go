package bot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/agents"
	"courier/internal/attachments"
	"courier/internal/audio"
	"courier/internal/config"
	"courier/internal/cron"
	"courier/internal/memory"
	"courier/internal/models"
	"courier/internal/runner"
	"courier/internal/store"
	"courier/internal/tasks"
	"courier/internal/tokens"
)

// fakeTransport records everything the bot sends.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	photos  []string
	docs    []string
	typings int
}

func (f *fakeTransport) SendToTopic(chatID, topicID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) SendTyping(chatID, topicID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings++
	return nil
}

func (f *fakeTransport) SendPhoto(chatID, topicID int64, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, path)
	return nil
}

func (f *fakeTransport) SendDocument(chatID, topicID int64, path, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, path)
	return nil
}

func (f *fakeTransport) DownloadFile(ctx context.Context, fileID, destDir string) (string, error) {
	return "", fmt.Errorf("no downloads in tests")
}

func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

// scriptedExecutor returns canned agent outputs in order.
type scriptedExecutor struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (x *scriptedExecutor) Run(ctx context.Context, cmd agents.Command, opts runner.ExecOptions) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls++
	if len(x.outputs) == 0 {
		return "", &runner.ExecError{Kind: runner.ExecEmptyOutput, Err: fmt.Errorf("script exhausted")}
	}
	out := x.outputs[0]
	x.outputs = x.outputs[1:]
	return out, nil
}

type botFixture struct {
	bot       *Bot
	transport *fakeTransport
	exec      *scriptedExecutor
	mem       *memory.Service
	tracker   *tokens.Tracker
	tasks     *tasks.Manager
}

func newBotFixture(t *testing.T, cfg *config.Config) *botFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	threads, err := store.NewThreadStore(st)
	if err != nil {
		t.Fatalf("NewThreadStore: %v", err)
	}
	settings, err := store.NewSettingsStore(st, cfg.DefaultAgent)
	if err != nil {
		t.Fatalf("NewSettingsStore: %v", err)
	}
	mem, err := memory.NewService(st, dir, memory.Options{CaptureMaxChars: 2000})
	if err != nil {
		t.Fatalf("memory.NewService: %v", err)
	}
	t.Cleanup(mem.Close)
	tracker, err := tokens.NewTracker(st, cfg.TokenBudgetDaily, nil)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	transport := &fakeTransport{}
	ex := &scriptedExecutor{}
	run := runner.New(cfg, agents.NewRegistry(), threads, settings, mem, tracker)
	run.SetExecutor(ex)

	taskMgr := tasks.NewManager(transport, time.Hour)
	t.Cleanup(taskMgr.Close)

	sched, err := cron.NewScheduler(st, run, tracker, transport, settings, mem, cfg.CronBudgetGatePct)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(sched.Stop)

	att, err := attachments.NewStore(dir, time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("attachments.NewStore: %v", err)
	}

	b := New(cfg, transport, run, agents.NewRegistry(), settings, mem, tracker,
		taskMgr, sched, att, audio.NewTranscriber("", ""))
	return &botFixture{bot: b, transport: transport, exec: ex, mem: mem, tracker: tracker, tasks: taskMgr}
}

func testBotConfig() *config.Config {
	return &config.Config{
		DefaultAgent:          "claude",
		AgentTimeout:          10 * time.Second,
		AgentMaxBuffer:        1 << 20,
		FileInstructionsEvery: 5,
		MemoryRetrievalLimit:  6,
		CronBudgetGatePct:     90,
	}
}

func textUpdate(chatID, topicID, userID int64, text string) models.TelegramUpdate {
	return models.TelegramUpdate{
		UpdateID: 1,
		Message: &models.TelegramMessage{
			Chat:            &models.TelegramChat{ID: chatID, Type: "supergroup"},
			From:            &models.TelegramUser{ID: userID, Username: "tester"},
			MessageThreadID: topicID,
			Text:            text,
		},
	}
}

func streamEvent(sessionID, text string) string {
	return fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`+"\n"+
		`{"type":"result","subtype":"success","result":%q,"session_id":%q}`,
		sessionID, text, sessionID)
}

func TestAllowListBlocksUnknownUser(t *testing.T) {
	cfg := testBotConfig()
	cfg.AllowedUsers = []string{"777"}
	f := newBotFixture(t, cfg)

	f.bot.HandleUpdate(textUpdate(1, 0, 999, "hola"))
	f.tasks.Drain()
	if got := len(f.transport.messages()); got != 0 {
		t.Fatalf("blocked user must get no reply, got %d messages", got)
	}
	if f.exec.calls != 0 {
		t.Fatalf("blocked user must not reach the agent, got %d calls", f.exec.calls)
	}
}

func TestAllowListMatchesUsername(t *testing.T) {
	cfg := testBotConfig()
	cfg.AllowedUsers = []string{"Tester"}
	f := newBotFixture(t, cfg)
	f.exec.outputs = []string{streamEvent("s-1", "respuesta")}

	f.bot.HandleUpdate(textUpdate(1, 0, 999, "hola"))
	f.tasks.Drain()
	if f.exec.calls != 1 {
		t.Fatalf("username match should dispatch, got %d calls", f.exec.calls)
	}
}

func TestDispatchDeliversAgentReply(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	f.exec.outputs = []string{streamEvent("s-1", "Hecho: resumen listo")}

	f.bot.HandleUpdate(textUpdate(42, 7, 1, "resume el documento"))
	f.tasks.Drain()

	msgs := f.transport.messages()
	if len(msgs) != 1 || msgs[0] != "Hecho: resumen listo" {
		t.Fatalf("want one agent reply, got %v", msgs)
	}
}

func TestCaptureOrderUserThenAssistant(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	f.exec.outputs = []string{streamEvent("s-1", "la respuesta")}

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "la pregunta"))
	f.tasks.Drain()

	tail := f.mem.Tail(models.ThreadKey(42, 0, "claude"), 10)
	if len(tail) != 2 {
		t.Fatalf("want 2 captured events, got %d", len(tail))
	}
	if tail[0].Role != models.RoleUser || tail[0].Text != "la pregunta" {
		t.Errorf("first event must be the user turn, got %+v", tail[0])
	}
	if tail[1].Role != models.RoleAssistant || tail[1].Text != "la respuesta" {
		t.Errorf("second event must be the assistant turn, got %+v", tail[1])
	}
}

// An override naming an agent that is no longer registered falls back
// to the default; captures must land on the thread the run uses.
func TestStaleOverrideCapturesOnResolvedThread(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	f.bot.settings.SetAgentOverride(42, 0, "ghost")
	f.exec.outputs = []string{streamEvent("s-1", "respuesta")}

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "hola de nuevo"))
	f.tasks.Drain()

	if tail := f.mem.Tail(models.ThreadKey(42, 0, "ghost"), 10); len(tail) != 0 {
		t.Fatalf("events captured under the unregistered agent's key: %+v", tail)
	}
	tail := f.mem.Tail(models.ThreadKey(42, 0, "claude"), 10)
	if len(tail) != 2 {
		t.Fatalf("captured %d events on the resolved thread, want 2", len(tail))
	}
	if tail[0].Role != models.RoleUser || tail[1].Role != models.RoleAssistant {
		t.Errorf("capture order: %+v", tail)
	}
}

func TestBudgetExhaustedRefusal(t *testing.T) {
	cfg := testBotConfig()
	cfg.TokenBudgetDaily = 100
	f := newBotFixture(t, cfg)
	f.tracker.Track(tokens.Event{ChatID: 42, InputTokens: 200, Source: "chat", AgentID: "claude"})

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "otra pregunta"))
	f.tasks.Drain()

	if f.exec.calls != 0 {
		t.Fatalf("exhausted budget must not invoke the agent, got %d calls", f.exec.calls)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "budget") {
		t.Fatalf("want a budget refusal, got %v", msgs)
	}
}

func TestAttachmentTokensBecomeUploads(t *testing.T) {
	f := newBotFixture(t, testBotConfig())

	// Stage a real file inside the sanctioned directory.
	path := filepath.Join(f.bot.attachments.Dir(), "chart.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		t.Fatalf("stage attachment: %v", err)
	}
	f.bot.attachments.Track(path)

	f.exec.outputs = []string{streamEvent("s-1", "Aquí está [[attachment:"+path+"]] el gráfico")}
	f.bot.HandleUpdate(textUpdate(42, 0, 1, "haz un gráfico"))
	f.tasks.Drain()

	if len(f.transport.photos) != 1 {
		t.Fatalf("want one photo upload, got %d", len(f.transport.photos))
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || strings.Contains(msgs[0], "[[attachment:") {
		t.Fatalf("token must be stripped from the text reply, got %v", msgs)
	}
}

func TestAgentCommandSwitchesTopic(t *testing.T) {
	f := newBotFixture(t, testBotConfig())

	f.bot.HandleUpdate(textUpdate(42, 7, 1, "/agent codex"))
	f.tasks.Drain()
	if got := f.bot.settings.AgentFor(42, 7); got != "codex" {
		t.Fatalf("override not applied: %q", got)
	}
	if got := f.bot.settings.AgentFor(42, 8); got != "claude" {
		t.Fatalf("other topics must keep the default, got %q", got)
	}

	f.bot.HandleUpdate(textUpdate(42, 7, 1, "/agent default"))
	if got := f.bot.settings.AgentFor(42, 7); got != "claude" {
		t.Fatalf("default must clear the override, got %q", got)
	}
}

func TestUnknownAgentRejected(t *testing.T) {
	f := newBotFixture(t, testBotConfig())

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/agent nadie"))
	if got := f.bot.settings.AgentFor(42, 0); got != "claude" {
		t.Fatalf("unknown agent must not change settings, got %q", got)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "Unknown agent") {
		t.Fatalf("want an unknown-agent reply, got %v", msgs)
	}
}

func TestModelPinAndReset(t *testing.T) {
	f := newBotFixture(t, testBotConfig())

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/model claude-sonnet-4"))
	if got := f.bot.settings.ModelFor("claude"); got != "claude-sonnet-4" {
		t.Fatalf("pin not applied: %q", got)
	}
	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/model reset"))
	if got := f.bot.settings.ModelFor("claude"); got != "" {
		t.Fatalf("reset must unpin, got %q", got)
	}
}

func TestResetCommandClearsSession(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	f.exec.outputs = []string{
		streamEvent("s-1", "primera"),
		streamEvent("s-2", "segunda"),
	}

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "charla inicial"))
	f.tasks.Drain()
	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/reset"))

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "charla nueva"))
	f.tasks.Drain()
	if f.bot.runner.TurnCount(models.ThreadKey(42, 0, "claude")) != 1 {
		t.Fatalf("reset must restart the turn count")
	}
}

func TestUsageCommandRepliesStats(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	f.tracker.Track(tokens.Event{ChatID: 42, InputTokens: 100, OutputTokens: 50, Source: "chat", AgentID: "claude"})

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/usage"))
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "100") {
		t.Fatalf("want usage stats, got %v", msgs)
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	f := newBotFixture(t, testBotConfig())

	f.bot.HandleUpdate(textUpdate(42, 0, 1, "/agent@courier_bot codex"))
	if got := f.bot.settings.AgentFor(42, 0); got != "codex" {
		t.Fatalf("@bot suffix must be accepted, got %q", got)
	}
}

func TestBotMessagesIgnored(t *testing.T) {
	f := newBotFixture(t, testBotConfig())
	upd := textUpdate(42, 0, 1, "hola")
	upd.Message.From.IsBot = true

	f.bot.HandleUpdate(upd)
	f.tasks.Drain()
	if f.exec.calls != 0 || len(f.transport.messages()) != 0 {
		t.Fatalf("bot-authored messages must be dropped")
	}
}
