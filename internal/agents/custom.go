package agents

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CustomSpec is one agent definition from agents.yaml. The command is
// a template; `{prompt}`, `{session}`, and `{model}` are substituted at
// build time. When an expression is configured the placeholder becomes
// that shell expansion and the value travels via the environment;
// otherwise the value is single-quote escaped inline.
type CustomSpec struct {
	ID                string `yaml:"id"`
	Command           string `yaml:"command"`
	SessionFlag       string `yaml:"sessionFlag"`
	ModelFlag         string `yaml:"modelFlag"`
	ThinkingFlag      string `yaml:"thinkingFlag"`
	PromptExpression  string `yaml:"promptExpression"`
	SessionExpression string `yaml:"sessionExpression"`
	Parser            string `yaml:"parser"` // "plain" (default), "envelope", "stream"
	NeedsPtyFlag      bool   `yaml:"needsPty"`
	MergeStderrFlag   bool   `yaml:"mergeStderr"`
	ListSessions      string `yaml:"listSessionsCommand"`
	ListModels        string `yaml:"listModelsCommand"`
}

type customFile struct {
	Agents []CustomSpec `yaml:"agents"`
}

// LoadCustomAgents reads agents.yaml and registers each definition.
// A missing file is not an error; malformed entries are skipped with a
// log line so one bad agent does not take down the rest.
func LoadCustomAgents(path string, reg *Registry) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	var file customFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}

	count := 0
	for _, spec := range file.Agents {
		if spec.ID == "" || !strings.Contains(spec.Command, "{prompt}") {
			log.Printf("⚠️ [AGENTS] Skipping custom agent %q: id and a command with {prompt} are required", spec.ID)
			continue
		}
		reg.Register(&CustomAdapter{spec: spec})
		count++
	}
	return count, nil
}

// CustomAdapter is an Adapter materialized from a CustomSpec.
type CustomAdapter struct {
	spec CustomSpec
}

func (a *CustomAdapter) ID() string        { return a.spec.ID }
func (a *CustomAdapter) NeedsPty() bool    { return a.spec.NeedsPtyFlag }
func (a *CustomAdapter) MergeStderr() bool { return a.spec.MergeStderrFlag }

func (a *CustomAdapter) BuildCommand(in BuildInput) Command {
	env := make(map[string]string)
	line := a.spec.Command

	if a.spec.PromptExpression != "" {
		env["COURIER_PROMPT"] = in.Prompt
		line = strings.ReplaceAll(line, "{prompt}", a.spec.PromptExpression)
	} else {
		line = strings.ReplaceAll(line, "{prompt}", ShellQuote(in.Prompt))
	}

	if in.SessionID != "" && a.spec.SessionFlag != "" {
		flag := a.spec.SessionFlag
		if a.spec.SessionExpression != "" {
			env["COURIER_SESSION"] = in.SessionID
			flag = strings.ReplaceAll(flag, "{session}", a.spec.SessionExpression)
		} else {
			flag = strings.ReplaceAll(flag, "{session}", ShellQuote(in.SessionID))
		}
		line += " " + flag
	}
	if in.Model != "" && a.spec.ModelFlag != "" {
		line += " " + strings.ReplaceAll(a.spec.ModelFlag, "{model}", ShellQuote(in.Model))
	}
	if in.Thinking && a.spec.ThinkingFlag != "" {
		line += " " + a.spec.ThinkingFlag
	}
	return Command{Line: line, Env: env}
}

func (a *CustomAdapter) ParseOutput(raw string) ParseResult {
	switch a.spec.Parser {
	case "stream":
		return (&ClaudeAdapter{}).ParseOutput(raw)
	case "envelope":
		return (&CodexAdapter{}).ParseOutput(raw)
	default:
		return ParseResult{Text: strings.TrimSpace(StripANSI(raw))}
	}
}

// ListSessionsCommand satisfies SessionLister when configured.
func (a *CustomAdapter) ListSessionsCommand() Command {
	return Command{Line: a.spec.ListSessions}
}

// ParseSessionList scrapes RFC-style identifiers from the listing.
func (a *CustomAdapter) ParseSessionList(raw string) []string {
	return (&CodexAdapter{}).ParseSessionList(raw)
}

// HasSessionList reports whether a session listing is configured.
func (a *CustomAdapter) HasSessionList() bool { return a.spec.ListSessions != "" }

// ListModelsCommand satisfies ModelLister when configured.
func (a *CustomAdapter) ListModelsCommand() Command {
	return Command{Line: a.spec.ListModels}
}

// ParseModelList returns one model id per non-empty output line.
func (a *CustomAdapter) ParseModelList(raw string) []string {
	var models []string
	for _, line := range strings.Split(StripANSI(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			models = append(models, line)
		}
	}
	return models
}
