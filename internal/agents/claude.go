package agents

import (
	"encoding/json"
	"strings"
)

// ClaudeAdapter drives the claude CLI in print mode with stream-JSON
// output. Each event is a JSON object; a system init event carries the
// session id and the final result event carries text, usage, and cost.
type ClaudeAdapter struct{}

func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) ID() string        { return "claude" }
func (a *ClaudeAdapter) NeedsPty() bool    { return false }
func (a *ClaudeAdapter) MergeStderr() bool { return false }

func (a *ClaudeAdapter) BuildCommand(in BuildInput) Command {
	env := map[string]string{"COURIER_PROMPT": in.Prompt}

	var b strings.Builder
	b.WriteString(`claude -p "$COURIER_PROMPT" --output-format stream-json --verbose --dangerously-skip-permissions`)
	if in.SessionID != "" {
		env["COURIER_SESSION"] = in.SessionID
		b.WriteString(` --resume "$COURIER_SESSION"`)
	}
	if in.Model != "" {
		b.WriteString(" --model " + ShellQuote(in.Model))
	}
	if in.Thinking {
		env["MAX_THINKING_TOKENS"] = "32000"
	}
	return Command{Line: b.String(), Env: env}
}

// claudeEvent is the subset of the stream we act on.
type claudeEvent struct {
	Type      string  `json:"type"`
	Subtype   string  `json:"subtype"`
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	IsError   bool    `json:"is_error"`
	TotalCost float64 `json:"total_cost_usd"`
	Usage     *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (a *ClaudeAdapter) ParseOutput(raw string) ParseResult {
	res := ParseResult{}

	// The stream is a concatenation of JSON objects; a decoder consumes
	// each complete prefix in turn, tolerating embedded newlines.
	dec := json.NewDecoder(strings.NewReader(raw))
	var lastAssistant string
	for {
		var ev claudeEvent
		if err := dec.Decode(&ev); err != nil {
			break
		}
		res.SawJSON = true

		if ev.SessionID != "" && res.SessionID == "" {
			res.SessionID = ev.SessionID
		}
		switch ev.Type {
		case "assistant":
			if ev.Message != nil {
				var parts []string
				for _, c := range ev.Message.Content {
					if c.Type == "text" && c.Text != "" {
						parts = append(parts, c.Text)
					}
				}
				if len(parts) > 0 {
					lastAssistant = strings.Join(parts, "\n")
				}
			}
		case "result":
			// The result event is final and wins over intermediate
			// assistant messages.
			if ev.Result != "" {
				res.Text = ev.Result
			}
			if ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			if ev.Usage != nil {
				res.Usage = &Usage{
					InputTokens:  ev.Usage.InputTokens,
					OutputTokens: ev.Usage.OutputTokens,
				}
			}
			res.CostUSD = ev.TotalCost
		}
	}

	if res.Text == "" {
		res.Text = lastAssistant
	}
	if !res.SawJSON {
		res.Text = strings.TrimSpace(raw)
	}
	return res
}
