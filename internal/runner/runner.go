package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"courier/internal/agents"
	"courier/internal/config"
	"courier/internal/memory"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/store"
	"courier/internal/tokens"
)

// staleSessionPhrases mark agent output that means the stored session
// id no longer exists on the agent side. Matched case-insensitively.
var staleSessionPhrases = []string{
	"no conversation found",
	"conversation not found",
	"session not found",
	"session expired",
	"invalid session",
	"no session found",
}

// retrievalCacheTTL bounds how long a retrieval result is reused for
// an identical prompt in the same conversation.
const retrievalCacheTTL = 60 * time.Second

// retrievalMinChars gates retrieval on prompt substance.
const retrievalMinChars = 15

// Request is one chat invocation of an agent.
type Request struct {
	ChatID        int64
	TopicID       int64
	Prompt        string
	AgentOverride string   // explicit /agent-style override, empty for resolution chain
	Model         string   // explicit model, empty for the pinned one
	Cwd           string   // working directory hint appended to the prompt
	Attachments   []string // absolute paths referenced in the prompt
	Source        string   // "chat", "cron", "task"
}

// Result is what a completed run returns to the dispatcher.
type Result struct {
	Text      string
	AgentID   string
	ThreadKey string
	SessionID string
	Rotated   bool
}

// Runner owns the invocation pipeline and the per-thread turn and
// context-size counters.
type Runner struct {
	cfg      *config.Config
	registry *agents.Registry
	threads  *store.ThreadStore
	settings *store.SettingsStore
	memory   *memory.Service
	tracker  *tokens.Tracker
	exec     Executor

	mu           sync.Mutex
	turns        map[string]int
	contextChars map[string]int

	retrievalCache *cache.Cache
}

func New(cfg *config.Config, registry *agents.Registry, threads *store.ThreadStore,
	settings *store.SettingsStore, mem *memory.Service, tracker *tokens.Tracker) *Runner {
	return &Runner{
		cfg:            cfg,
		registry:       registry,
		threads:        threads,
		settings:       settings,
		memory:         mem,
		tracker:        tracker,
		exec:           &ShellExecutor{},
		turns:          make(map[string]int),
		contextChars:   make(map[string]int),
		retrievalCache: cache.New(retrievalCacheTTL, 5*time.Minute),
	}
}

// SetExecutor swaps the subprocess executor, used by tests.
func (r *Runner) SetExecutor(ex Executor) { r.exec = ex }

// OneShot runs an agent without session continuity, bootstrap, or
// memory capture. Used for ephemeral invocations like cron previews.
func (r *Runner) OneShot(ctx context.Context, agentID, prompt, model string) (string, error) {
	adapter, err := r.registry.Get(agentID)
	if err != nil {
		return "", err
	}
	cmd := adapter.BuildCommand(agents.BuildInput{Prompt: prompt, Model: model})
	raw, err := r.runCommand(ctx, adapter, cmd)
	if err != nil {
		return "", err
	}
	parsed := adapter.ParseOutput(raw)
	if parsed.Text != "" {
		return parsed.Text, nil
	}
	return strings.TrimSpace(raw), nil
}

// Chat is the full pipeline: session continuity, rotation, bootstrap,
// retrieval, two-phase accounting, and stale-session recovery.
func (r *Runner) Chat(ctx context.Context, req Request) (*Result, error) {
	agentID := r.resolveAgent(req)
	adapter, err := r.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	resolved := r.threads.Resolve(req.ChatID, req.TopicID, agentID)
	threadKey := resolved.ThreadKey
	sessionID := resolved.SessionID

	turn := r.bumpTurn(threadKey)

	rotated := false
	if sessionID != "" {
		if reason := r.rotationReason(threadKey, turn); reason != "" {
			log.Printf("🔄 [RUNNER] Rotating %s: %s", threadKey, reason)
			r.threads.ClearKey(threadKey)
			r.resetCounters(threadKey)
			sessionID = ""
			rotated = true
			// The rotated run is turn 1 of the fresh window.
			turn = r.bumpTurn(threadKey)
			if m := metrics.Get(); m != nil {
				m.Rotations.Inc()
			}
		}
	}
	newThread := sessionID == ""

	run := runState{
		req:       req,
		adapter:   adapter,
		agentID:   agentID,
		threadKey: threadKey,
		turn:      turn,
	}

	prompt := r.assemblePrompt(&run, newThread, rotated)
	raw, parsed, execErr := r.invoke(ctx, &run, adapter, prompt, sessionID)

	// One-shot recovery when the agent no longer knows the session.
	if sessionID != "" && execErr == nil && !parsed.SawJSON && isStaleSessionText(raw) {
		log.Printf("♻️ [RUNNER] Stale session on %s, retrying fresh", threadKey)
		r.threads.ClearKey(threadKey)
		r.resetCounters(threadKey)
		r.bumpTurn(threadKey)
		run.turn = 1
		sessionID = ""
		prompt = r.assemblePrompt(&run, true, true)
		raw, parsed, execErr = r.invoke(ctx, &run, adapter, prompt, "")
	}
	if execErr != nil {
		return nil, execErr
	}

	// Fallback: scrape the agent's own session listing.
	if parsed.SessionID == "" {
		parsed.SessionID = r.sessionFromListing(ctx, adapter)
	}
	if parsed.SessionID != "" && parsed.SessionID != sessionID {
		r.threads.Set(threadKey, parsed.SessionID)
	}

	text := parsed.Text
	if text == "" {
		text = strings.TrimSpace(raw)
	}

	r.settleAccounting(&run, parsed, prompt, text)

	return &Result{
		Text:      text,
		AgentID:   agentID,
		ThreadKey: threadKey,
		SessionID: parsed.SessionID,
		Rotated:   rotated,
	}, nil
}

// Reset clears the session and counters for one conversation without
// interrupting an in-flight run.
func (r *Runner) Reset(chatID, topicID int64, agentID string) string {
	key := models.ThreadKey(chatID, topicID, agentID)
	r.threads.ClearKey(key)
	r.mu.Lock()
	delete(r.turns, key)
	delete(r.contextChars, key)
	r.mu.Unlock()
	return key
}

// TurnCount returns the current turn counter for a thread key.
func (r *Runner) TurnCount(threadKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns[threadKey]
}

type runState struct {
	req       Request
	adapter   agents.Adapter
	agentID   string
	threadKey string
	turn      int
	phase1Est int64
}

// ResolveAgent returns the agent id a request for this conversation
// would run under: the override when it names a registered agent, then
// the topic/default settings, then the configured fallback. Callers
// that capture or queue by thread key must use this same chain.
func (r *Runner) ResolveAgent(chatID, topicID int64, override string) string {
	return r.resolveAgent(Request{ChatID: chatID, TopicID: topicID, AgentOverride: override})
}

func (r *Runner) resolveAgent(req Request) string {
	if req.AgentOverride != "" && r.registry.Has(req.AgentOverride) {
		return req.AgentOverride
	}
	if agentID := r.settings.AgentFor(req.ChatID, req.TopicID); r.registry.Has(agentID) {
		return agentID
	}
	return r.cfg.DefaultAgent
}

func (r *Runner) bumpTurn(threadKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[threadKey]++
	return r.turns[threadKey]
}

func (r *Runner) resetCounters(threadKey string) {
	r.mu.Lock()
	r.turns[threadKey] = 0
	r.contextChars[threadKey] = 0
	r.mu.Unlock()
}

// rotationReason decides whether a session must be abandoned. Called
// only when a session id exists.
func (r *Runner) rotationReason(threadKey string, turn int) string {
	r.mu.Lock()
	size, sizeKnown := r.contextChars[threadKey]
	r.mu.Unlock()

	if r.cfg.ThreadRotationTurns > 0 && turn >= r.cfg.ThreadRotationTurns {
		return fmt.Sprintf("turn limit reached (%d/%d)", turn, r.cfg.ThreadRotationTurns)
	}
	if r.cfg.ThreadMaxContextChars > 0 {
		if !sizeKnown {
			return "no context estimate after restart"
		}
		if size >= r.cfg.ThreadMaxContextChars {
			return fmt.Sprintf("context limit reached (%d/%d chars)", size, r.cfg.ThreadMaxContextChars)
		}
	}
	return ""
}

// assemblePrompt builds the final prompt: optional bootstrap, the user
// text, optional retrieval, file/style instructions, and attachments.
func (r *Runner) assemblePrompt(run *runState, newThread, compact bool) string {
	var parts []string

	if newThread {
		if bootstrap := r.memory.Bootstrap(run.threadKey, 10, compact); bootstrap != "" {
			parts = append(parts, bootstrap)
		}
	}

	body := run.req.Prompt
	if run.req.Cwd != "" {
		body = "Working directory: " + run.req.Cwd + "\n\n" + body
	}
	parts = append(parts, body)

	if fragment := r.retrieval(run.req); fragment != "" {
		parts = append(parts, fragment)
	}

	if newThread || (r.cfg.FileInstructionsEvery > 0 && run.turn%r.cfg.FileInstructionsEvery == 0) {
		parts = append(parts, fileInstructions)
	}

	for _, path := range run.req.Attachments {
		parts = append(parts, "[[attachment:"+path+"]]")
	}
	return strings.Join(parts, "\n\n")
}

// fileInstructions tell the agent how to format replies and return files.
const fileInstructions = "[REPLY STYLE]\n" +
	"Reply in plain conversational text suitable for a chat message.\n" +
	"To send a file or image back, write [[attachment:/absolute/path]] on its own line.\n" +
	"[/REPLY STYLE]"

// retrieval consults the memory retriever through a short-lived cache
// so bursts of similar prompts do not hammer the index.
func (r *Runner) retrieval(req Request) string {
	if countNonWhitespace(req.Prompt) < retrievalMinChars {
		return ""
	}
	head := req.Prompt
	if len(head) > 200 {
		head = head[:200]
	}
	key := fmt.Sprintf("%d:%d:%s", req.ChatID, req.TopicID, head)

	if cached, ok := r.retrievalCache.Get(key); ok {
		if m := metrics.Get(); m != nil {
			m.Retrievals.WithLabelValues("hit").Inc()
		}
		return cached.(string)
	}
	if m := metrics.Get(); m != nil {
		m.Retrievals.WithLabelValues("miss").Inc()
	}
	fragment := r.memory.RetrieveFragment(memory.RetrieveQuery{
		Query:   req.Prompt,
		ChatID:  req.ChatID,
		TopicID: req.TopicID,
		AgentID: r.resolveAgent(req),
		Limit:   r.cfg.MemoryRetrievalLimit,
	})
	// An empty result is cached too, to suppress re-querying.
	r.retrievalCache.Set(key, fragment, cache.DefaultExpiration)
	return fragment
}

// invoke builds the command, emits phase-1 accounting, executes, and
// parses. Non-zero exit with usable stdout is downgraded to a warning.
func (r *Runner) invoke(ctx context.Context, run *runState, adapter agents.Adapter,
	prompt, sessionID string) (string, agents.ParseResult, error) {

	model := run.req.Model
	if model == "" {
		model = r.settings.ModelFor(run.agentID)
	}
	cmd := adapter.BuildCommand(agents.BuildInput{
		Prompt:    prompt,
		SessionID: sessionID,
		Model:     model,
		Thinking:  r.settings.Thinking(),
	})

	r.mu.Lock()
	ctxChars := r.contextChars[run.threadKey]
	r.mu.Unlock()
	run.phase1Est = tokens.EstimateTokens(prompt) + int64(ctxChars/4)
	r.tracker.Track(tokens.Event{
		ChatID:      run.req.ChatID,
		InputTokens: run.phase1Est,
		Source:      run.req.Source,
		AgentID:     run.agentID,
	})

	raw, err := r.runCommand(ctx, adapter, cmd)
	if err != nil {
		var execErr *ExecError
		if errors.As(err, &execErr) && execErr.Kind == ExecNonZeroExit && strings.TrimSpace(execErr.Stdout) != "" {
			log.Printf("⚠️ [RUNNER] Agent %s exited non-zero with output, parsing anyway: %v", run.agentID, execErr.Err)
			raw = execErr.Stdout
		} else {
			return "", agents.ParseResult{}, fmt.Errorf("agent %s: %w", run.agentID, err)
		}
	}
	return raw, adapter.ParseOutput(raw), nil
}

func (r *Runner) runCommand(ctx context.Context, adapter agents.Adapter, cmd agents.Command) (string, error) {
	return r.exec.Run(ctx, cmd, ExecOptions{
		Timeout:     r.cfg.AgentTimeout,
		MaxBuffer:   r.cfg.AgentMaxBuffer,
		NeedsPty:    adapter.NeedsPty(),
		MergeStderr: adapter.MergeStderr(),
	})
}

// sessionFromListing is the fail-soft fallback for adapters that can
// enumerate their own sessions.
func (r *Runner) sessionFromListing(ctx context.Context, adapter agents.Adapter) string {
	lister, ok := adapter.(agents.SessionLister)
	if !ok {
		return ""
	}
	cmd := lister.ListSessionsCommand()
	if cmd.Line == "" {
		return ""
	}
	raw, err := r.exec.Run(ctx, cmd, ExecOptions{Timeout: 10 * time.Second, MaxBuffer: 256 * 1024})
	if err != nil {
		log.Printf("⚠️ [RUNNER] Session listing failed: %v", err)
		return ""
	}
	if ids := lister.ParseSessionList(raw); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// settleAccounting emits the phase-2 correction and grows the
// accumulated context size.
func (r *Runner) settleAccounting(run *runState, parsed agents.ParseResult, prompt, text string) {
	ev := tokens.Event{
		ChatID:  run.req.ChatID,
		Source:  run.req.Source,
		AgentID: run.agentID,
		CostUSD: parsed.CostUSD,
	}
	if parsed.Usage != nil {
		ev.InputTokens = parsed.Usage.InputTokens - run.phase1Est
		ev.OutputTokens = parsed.Usage.OutputTokens
	} else {
		ev.OutputTokens = tokens.EstimateTokens(text)
	}
	r.tracker.Track(ev)

	r.mu.Lock()
	r.contextChars[run.threadKey] += len(prompt) + len(text)
	r.mu.Unlock()
}

func isStaleSessionText(raw string) bool {
	lower := strings.ToLower(raw)
	for _, phrase := range staleSessionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func countNonWhitespace(s string) int {
	n := 0
	for _, r := range s {
		if !strings.ContainsRune(" \t\n\r", r) {
			n++
		}
	}
	return n
}
