package agents

import (
	"fmt"
	"sort"
	"sync"
)

// Command is a shell command line plus the environment variables it
// expects. Sensitive values (prompts, session ids) travel through the
// environment and are referenced in the line as shell expansions so
// they survive nested shell wrapping.
type Command struct {
	Line string
	Env  map[string]string
}

// BuildInput carries everything an adapter needs to produce a command.
// Optional fields are emitted as flags only when non-empty.
type BuildInput struct {
	Prompt    string
	SessionID string
	Model     string
	Thinking  bool
}

// Usage is structured token usage reported by an agent envelope.
// When present it supersedes character-count estimation.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ParseResult is the outcome of parsing raw agent output.
type ParseResult struct {
	Text      string
	SessionID string
	SawJSON   bool
	Usage     *Usage
	CostUSD   float64
}

// Adapter is the strategy for one agent CLI.
type Adapter interface {
	ID() string
	BuildCommand(in BuildInput) Command
	ParseOutput(raw string) ParseResult
	NeedsPty() bool
	MergeStderr() bool
}

// SessionLister is implemented by adapters that can enumerate their
// recent sessions, used as a fallback when output carries no id.
type SessionLister interface {
	ListSessionsCommand() Command
	ParseSessionList(raw string) []string
}

// ModelLister is implemented by adapters that can enumerate models.
type ModelLister interface {
	ListModelsCommand() Command
	ParseModelList(raw string) []string
}

// Registry holds the known adapters by id.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a registry pre-populated with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	r.Register(NewClaudeAdapter())
	r.Register(NewCodexAdapter())
	r.Register(NewGeminiAdapter())
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for id, or an error listing what is known.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q (known: %v)", id, r.idsLocked())
	}
	return a, nil
}

// Has reports whether an adapter is registered for id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[id]
	return ok
}

// IDs returns all registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
