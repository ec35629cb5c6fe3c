package agents

import (
	"encoding/json"
	"strings"
)

// CodexAdapter drives the codex CLI in exec mode. Output is a single
// JSON envelope, possibly preceded by progress noise and terminal
// control sequences, so parsing strips ANSI and falls back to a
// bottom-up line scan for the last parseable object.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) ID() string        { return "codex" }
func (a *CodexAdapter) NeedsPty() bool    { return false }
func (a *CodexAdapter) MergeStderr() bool { return true }

func (a *CodexAdapter) BuildCommand(in BuildInput) Command {
	env := map[string]string{"COURIER_PROMPT": in.Prompt}

	var b strings.Builder
	b.WriteString("codex exec --json --skip-git-repo-check --color never")
	if in.Model != "" {
		b.WriteString(" --model " + ShellQuote(in.Model))
	}
	if in.Thinking {
		b.WriteString(" -c model_reasoning_effort=high")
	}
	if in.SessionID != "" {
		env["COURIER_SESSION"] = in.SessionID
		b.WriteString(` resume "$COURIER_SESSION"`)
	}
	b.WriteString(` "$COURIER_PROMPT"`)
	return Command{Line: b.String(), Env: env}
}

// codexEnvelope is the subset of the final envelope we act on.
type codexEnvelope struct {
	Type         string  `json:"type"`
	SessionID    string  `json:"session_id"`
	ThreadID     string  `json:"thread_id"`
	LastMessage  string  `json:"last_agent_message"`
	Text         string  `json:"text"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *CodexAdapter) ParseOutput(raw string) ParseResult {
	clean := strings.TrimSpace(StripANSI(raw))
	res := ParseResult{}

	env, ok := parseCodexEnvelope(clean)
	if !ok {
		// Bottom-up scan for the last line that parses on its own.
		lines := strings.Split(clean, "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" || !strings.HasPrefix(line, "{") {
				continue
			}
			if env, ok = parseCodexEnvelope(line); ok {
				break
			}
		}
	}
	if !ok {
		res.Text = clean
		return res
	}

	res.SawJSON = true
	res.Text = firstNonEmpty(env.LastMessage, env.Text)
	if res.Text == "" {
		res.Text = clean
	}
	// Session ids scraped from an envelope are only trusted when they
	// look like RFC identifiers.
	for _, candidate := range []string{env.SessionID, env.ThreadID} {
		if IsUUID(candidate) {
			res.SessionID = candidate
			break
		}
	}
	if env.Usage != nil {
		res.Usage = &Usage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
		}
	}
	res.CostUSD = env.TotalCostUSD
	return res
}

// ListSessionsCommand lists recent codex session files, newest first.
func (a *CodexAdapter) ListSessionsCommand() Command {
	return Command{Line: `ls -t "$HOME/.codex/sessions" 2>/dev/null | head -20`}
}

// ParseSessionList extracts session ids from the file listing.
func (a *CodexAdapter) ParseSessionList(raw string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		for _, id := range FindUUIDs(line) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func parseCodexEnvelope(s string) (codexEnvelope, bool) {
	var env codexEnvelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return codexEnvelope{}, false
	}
	return env, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
