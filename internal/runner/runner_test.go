package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"courier/internal/agents"
	"courier/internal/config"
	"courier/internal/memory"
	"courier/internal/metrics"
	"courier/internal/store"
	"courier/internal/tokens"
)

// scriptedExecutor returns canned outputs in order and records every
// command it was asked to run.
type scriptedExecutor struct {
	outputs []string
	calls   []agents.Command
}

func (x *scriptedExecutor) Run(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error) {
	x.calls = append(x.calls, cmd)
	if len(x.outputs) == 0 {
		return "", &ExecError{Kind: ExecEmptyOutput, Err: fmt.Errorf("script exhausted")}
	}
	out := x.outputs[0]
	x.outputs = x.outputs[1:]
	return out, nil
}

type fixture struct {
	runner  *Runner
	exec    *scriptedExecutor
	threads *store.ThreadStore
	dir     string
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
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

	ex := &scriptedExecutor{}
	r := New(cfg, agents.NewRegistry(), threads, settings, mem, tracker)
	r.SetExecutor(ex)
	return &fixture{runner: r, exec: ex, threads: threads, dir: dir}
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultAgent:          "claude",
		AgentTimeout:          10 * time.Second,
		AgentMaxBuffer:        1 << 20,
		FileInstructionsEvery: 5,
		MemoryRetrievalLimit:  6,
	}
}

func streamEvent(sessionID, text string) string {
	return fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`+"\n"+
		`{"type":"result","subtype":"success","result":%q,"session_id":%q}`,
		sessionID, text, sessionID)
}

func TestThreadContinuity(t *testing.T) {
	f := newFixture(t, testConfig())
	f.exec.outputs = []string{
		streamEvent("t-1", "Primera respuesta"),
		streamEvent("t-1", "Segunda respuesta"),
	}

	res, err := f.runner.Chat(context.Background(), Request{ChatID: 12345, Prompt: "Hola equipo", Source: "chat"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if res.Text != "Primera respuesta" {
		t.Errorf("first text: %q", res.Text)
	}

	res, err = f.runner.Chat(context.Background(), Request{ChatID: 12345, Prompt: "¿Seguimos?", Source: "chat"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Text != "Segunda respuesta" {
		t.Errorf("second text: %q", res.Text)
	}

	if got := f.exec.calls[0].Env["COURIER_SESSION"]; got != "" {
		t.Errorf("first build must carry no session, got %q", got)
	}
	if got := f.exec.calls[1].Env["COURIER_SESSION"]; got != "t-1" {
		t.Errorf("second build must resume t-1, got %q", got)
	}
	if got := f.threads.Resolve(12345, 0, "claude").SessionID; got != "t-1" {
		t.Errorf("thread store: got %q, want t-1", got)
	}
}

func TestRotationByTurnLimit(t *testing.T) {
	cfg := testConfig()
	cfg.ThreadRotationTurns = 3
	f := newFixture(t, cfg)

	// A long soul makes full vs compact bootstraps distinguishable.
	longSoul := strings.Repeat("s", 2000)
	os.WriteFile(filepath.Join(f.dir, "soul.md"), []byte(longSoul), 0600)

	f.exec.outputs = []string{
		streamEvent("t-1", "uno"),
		streamEvent("t-1", "dos"),
		streamEvent("t-2", "tres"),
	}
	for i := 0; i < 3; i++ {
		if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "mensaje", Source: "chat"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	if s := f.exec.calls[0].Env["COURIER_SESSION"]; s != "" {
		t.Errorf("build 1 should be new, got session %q", s)
	}
	if s := f.exec.calls[1].Env["COURIER_SESSION"]; s != "t-1" {
		t.Errorf("build 2 should resume t-1, got %q", s)
	}
	if s := f.exec.calls[2].Env["COURIER_SESSION"]; s != "" {
		t.Errorf("build 3 should be rotated (no session), got %q", s)
	}

	p1 := f.exec.calls[0].Env["COURIER_PROMPT"]
	p2 := f.exec.calls[1].Env["COURIER_PROMPT"]
	p3 := f.exec.calls[2].Env["COURIER_PROMPT"]
	if !strings.Contains(p1, longSoul) {
		t.Error("build 1 should carry the full bootstrap")
	}
	if strings.Contains(p2, "[SOUL]") {
		t.Error("build 2 (continuing) should carry no bootstrap")
	}
	if !strings.Contains(p3, "[SOUL]") || strings.Contains(p3, longSoul) {
		t.Error("build 3 should carry a compact (truncated) bootstrap")
	}

	if got := f.threads.Resolve(1, 0, "claude").SessionID; got != "t-2" {
		t.Errorf("after rotation session should be t-2, got %q", got)
	}
}

func TestRotationByContextSize(t *testing.T) {
	cfg := testConfig()
	cfg.ThreadRotationTurns = 100
	cfg.ThreadMaxContextChars = 6000
	f := newFixture(t, cfg)

	big := strings.Repeat("r", 5000)
	f.exec.outputs = []string{
		streamEvent("t-1", big),
		streamEvent("t-1", big),
		streamEvent("t-2", "ok"),
	}
	for i := 0; i < 3; i++ {
		if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hi there friend", Source: "chat"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	if s := f.exec.calls[1].Env["COURIER_SESSION"]; s != "t-1" {
		t.Errorf("turn 2 should resume, got %q", s)
	}
	if s := f.exec.calls[2].Env["COURIER_SESSION"]; s != "" {
		t.Errorf("turn 3 should rotate on context size, got session %q", s)
	}
}

func TestPostRestartSafetyRotation(t *testing.T) {
	cfg := testConfig()
	cfg.ThreadMaxContextChars = 6000
	f := newFixture(t, cfg)

	// Session on disk but no in-memory size estimate, as after restart.
	f.threads.Set("1:root:claude", "t-1")

	f.exec.outputs = []string{streamEvent("t-2", "fresh")}
	res, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hello", Source: "chat"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !res.Rotated {
		t.Error("expected post-restart rotation")
	}
	if s := f.exec.calls[0].Env["COURIER_SESSION"]; s != "" {
		t.Errorf("rotated run must not resume, got %q", s)
	}
}

func TestStaleSessionRecovery(t *testing.T) {
	f := newFixture(t, testConfig())
	f.threads.Set("1:root:claude", "t-1")
	f.runner.mu.Lock()
	f.runner.contextChars["1:root:claude"] = 100
	f.runner.turns["1:root:claude"] = 4
	f.runner.mu.Unlock()

	f.exec.outputs = []string{
		"Error: no conversation found with session id t-1",
		streamEvent("t-9", "recovered"),
	}
	res, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "ping", Source: "chat"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "recovered" {
		t.Errorf("text: %q", res.Text)
	}
	if len(f.exec.calls) != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", len(f.exec.calls))
	}
	if s := f.exec.calls[1].Env["COURIER_SESSION"]; s != "" {
		t.Errorf("retry must start fresh, got session %q", s)
	}
	if got := f.threads.Resolve(1, 0, "claude").SessionID; got != "t-9" {
		t.Errorf("thread store after recovery: %q", got)
	}
	if got := f.runner.TurnCount("1:root:claude"); got != 1 {
		t.Errorf("turn counter after recovery: %d, want 1", got)
	}
}

func TestStaleSessionSecondFailureSurfaces(t *testing.T) {
	f := newFixture(t, testConfig())
	f.threads.Set("1:root:claude", "t-1")

	f.exec.outputs = []string{
		"Error: no conversation found with session id t-1",
		"Error: no conversation found with session id t-1",
	}
	res, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "ping", Source: "chat"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// The second stale output is returned as plain text, not retried again.
	if len(f.exec.calls) != 2 {
		t.Errorf("expected 2 calls, got %d", len(f.exec.calls))
	}
	if !strings.Contains(res.Text, "no conversation found") {
		t.Errorf("text: %q", res.Text)
	}
}

func TestResetClearsSession(t *testing.T) {
	f := newFixture(t, testConfig())
	f.exec.outputs = []string{streamEvent("t-1", "hola")}
	if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	f.runner.Reset(1, 0, "claude")
	if got := f.threads.Resolve(1, 0, "claude").SessionID; got != "" {
		t.Errorf("session after reset: %q, want empty", got)
	}
	if got := f.runner.TurnCount("1:root:claude"); got != 0 {
		t.Errorf("turn count after reset: %d, want 0", got)
	}
}

func TestRetrievalGateByPromptLength(t *testing.T) {
	f := newFixture(t, testConfig())

	// 14 non-whitespace chars: below the gate, no retrieval section.
	f.exec.outputs = []string{streamEvent("t-1", "ok")}
	if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "abcdefghijklmn", Source: "chat"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if strings.Contains(f.exec.calls[0].Env["COURIER_PROMPT"], "[RELEVANT MEMORY]") {
		t.Error("retrieval ran below the 15-char gate")
	}
}

func TestNonZeroExitWithOutputIsParsed(t *testing.T) {
	f := newFixture(t, testConfig())
	f.exec.outputs = nil // unused

	f.runner.SetExecutor(execFunc(func(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error) {
		return "", &ExecError{
			Kind:   ExecNonZeroExit,
			Stdout: streamEvent("t-1", "partial but usable"),
			Err:    fmt.Errorf("exit 1"),
		}
	}))

	res, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"})
	if err != nil {
		t.Fatalf("non-zero exit with stdout must be tolerated: %v", err)
	}
	if res.Text != "partial but usable" {
		t.Errorf("text: %q", res.Text)
	}
}

func TestEmptyOutputFails(t *testing.T) {
	f := newFixture(t, testConfig())
	f.runner.SetExecutor(execFunc(func(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error) {
		return "", &ExecError{Kind: ExecEmptyOutput, Err: fmt.Errorf("no output")}
	}))

	if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "hola", Source: "chat"}); err == nil {
		t.Fatal("empty output must surface as an error")
	}
}

// The rotated run is turn 1 of the new window and the counter advances
// by one per run from there, so successive rotation windows all span
// exactly the configured number of turns.
func TestTurnCounterRestartsAtOneAfterRotation(t *testing.T) {
	cfg := testConfig()
	cfg.ThreadRotationTurns = 3
	f := newFixture(t, cfg)

	f.exec.outputs = []string{
		streamEvent("t-1", "uno"),
		streamEvent("t-1", "dos"),
		streamEvent("t-2", "tres"),
		streamEvent("t-2", "cuatro"),
	}
	key := ""
	for i := 0; i < 4; i++ {
		res, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "mensaje", Source: "chat"})
		if err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
		key = res.ThreadKey
		if i == 2 && !res.Rotated {
			t.Fatal("run 3 should rotate")
		}
		if i == 3 && res.Rotated {
			t.Fatal("run 4 should not rotate again")
		}
		switch i {
		case 2:
			if got := f.runner.TurnCount(key); got != 1 {
				t.Errorf("turn count after rotated run: %d, want 1", got)
			}
		case 3:
			if got := f.runner.TurnCount(key); got != 2 {
				t.Errorf("turn count one run after rotation: %d, want 2", got)
			}
		}
	}
	// Run 4 must resume the post-rotation session, not rotate anew.
	if s := f.exec.calls[3].Env["COURIER_SESSION"]; s != "t-2" {
		t.Errorf("build 4 should resume t-2, got %q", s)
	}
}

func TestMetricsWiredThroughPipeline(t *testing.T) {
	m := metrics.Init()
	baseRotations := testutil.ToFloat64(m.Rotations)
	baseMisses := testutil.ToFloat64(m.Retrievals.WithLabelValues("miss"))
	baseInput := testutil.ToFloat64(m.TokensTracked.WithLabelValues("input"))

	cfg := testConfig()
	cfg.ThreadRotationTurns = 2
	f := newFixture(t, cfg)
	f.exec.outputs = []string{
		streamEvent("t-1", "uno"),
		streamEvent("t-2", "dos"),
	}
	for i := 0; i < 2; i++ {
		if _, err := f.runner.Chat(context.Background(), Request{ChatID: 1, Prompt: "cuenta esto por favor", Source: "chat"}); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}

	if got := testutil.ToFloat64(m.Rotations) - baseRotations; got != 1 {
		t.Errorf("rotations counter moved by %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Retrievals.WithLabelValues("miss")) - baseMisses; got < 1 {
		t.Errorf("retrieval miss counter did not move")
	}
	if got := testutil.ToFloat64(m.TokensTracked.WithLabelValues("input")) - baseInput; got <= 0 {
		t.Errorf("input token counter did not move")
	}
}

type execFunc func(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error)

func (f execFunc) Run(ctx context.Context, cmd agents.Command, opts ExecOptions) (string, error) {
	return f(ctx, cmd, opts)
}
