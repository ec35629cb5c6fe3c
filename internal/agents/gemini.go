package agents

import "strings"

// GeminiAdapter drives the gemini CLI. Output is plain text with no
// session protocol, so every run is stateless.
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter { return &GeminiAdapter{} }

func (a *GeminiAdapter) ID() string        { return "gemini" }
func (a *GeminiAdapter) NeedsPty() bool    { return false }
func (a *GeminiAdapter) MergeStderr() bool { return false }

func (a *GeminiAdapter) BuildCommand(in BuildInput) Command {
	env := map[string]string{"COURIER_PROMPT": in.Prompt}

	var b strings.Builder
	b.WriteString(`gemini -p "$COURIER_PROMPT"`)
	if in.Model != "" {
		b.WriteString(" -m " + ShellQuote(in.Model))
	}
	return Command{Line: b.String(), Env: env}
}

func (a *GeminiAdapter) ParseOutput(raw string) ParseResult {
	return ParseResult{Text: strings.TrimSpace(StripANSI(raw))}
}
