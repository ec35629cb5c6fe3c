package tokens

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/store"
)

const usageFile = "usage.json"

// alertThresholds are the budget percentages that fire a one-shot
// alert, each at most once per day.
var alertThresholds = []int{25, 50, 75, 85, 95}

// EstimateTokens approximates token count from character length.
// Rough heuristic: ~4 characters per token, rounded up.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64((len(text) + 3) / 4)
}

// Event is one accounting observation from the runner or cron path.
type Event struct {
	ChatID       int64
	InputTokens  int64
	OutputTokens int64
	Source       string // "chat", "cron", "task"
	AgentID      string
	CostUSD      float64
}

// AlertFunc receives budget-threshold notifications. pct is the
// crossed threshold, used/budget the current totals.
type AlertFunc func(pct int, used, budget int64)

// Tracker keeps the current-day token aggregates and fires budget alerts.
type Tracker struct {
	store       *store.Store
	budgetDaily int64
	onAlert     AlertFunc

	mu    sync.Mutex
	state models.UsageState
}

// NewTracker loads usage.json, discarding it if the stored date is stale.
func NewTracker(st *store.Store, budgetDaily int64, onAlert AlertFunc) (*Tracker, error) {
	t := &Tracker{store: st, budgetDaily: budgetDaily, onAlert: onAlert}

	if _, err := st.LoadJSON(usageFile, &t.state); err != nil {
		return nil, err
	}
	today := localDate()
	if t.state.Date != today {
		t.state = freshState(today)
	}
	t.ensureMaps()
	return t, nil
}

// Track records one accounting event. Persistence is asynchronous and
// best-effort: an accounting call never fails.
func (t *Tracker) Track(ev Event) {
	t.mu.Lock()

	t.rolloverLocked()

	bumpBucket(t.state.Chats, strconv.FormatInt(ev.ChatID, 10), ev)
	if ev.Source != "" {
		bumpBucket(t.state.Sources, ev.Source, ev)
	}
	if ev.AgentID != "" {
		bumpBucket(t.state.Agents, ev.AgentID, ev)
	}
	t.state.TotalCostUSD += ev.CostUSD

	// Phase-2 corrections can carry a negative input delta; counters
	// only move forward.
	if m := metrics.Get(); m != nil {
		if ev.InputTokens > 0 {
			m.TokensTracked.WithLabelValues("input").Add(float64(ev.InputTokens))
		}
		if ev.OutputTokens > 0 {
			m.TokensTracked.WithLabelValues("output").Add(float64(ev.OutputTokens))
		}
	}

	var fired []int
	var used int64
	if t.budgetDaily > 0 {
		used = t.totalLocked()
		pct := int(used * 100 / t.budgetDaily)
		for _, threshold := range alertThresholds {
			if pct >= threshold && !containsInt(t.state.AlertsSent, threshold) {
				t.state.AlertsSent = append(t.state.AlertsSent, threshold)
				fired = append(fired, threshold)
			}
		}
		sort.Ints(t.state.AlertsSent)
	}

	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.store.SaveJSONAsync(usageFile, snapshot)

	for _, threshold := range fired {
		log.Printf("⚠️ [TOKENS] Daily budget at %d%% (%d/%d tokens)", threshold, used, t.budgetDaily)
		if t.onAlert != nil {
			t.onAlert(threshold, used, t.budgetDaily)
		}
	}
}

// IsBudgetExhausted reports whether the daily budget is used up.
// Always false when no budget is configured.
func (t *Tracker) IsBudgetExhausted() bool {
	return t.BudgetPct() >= 100
}

// BudgetPct returns today's usage as a percentage of the daily budget,
// 0 when no budget is configured.
func (t *Tracker) BudgetPct() int {
	if t.budgetDaily <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return int(t.totalLocked() * 100 / t.budgetDaily)
}

// Stats formats today's usage for command reporting. When chatID is
// non-zero the per-chat bucket is included.
func (t *Tracker) Stats(chatID int64) string {
	t.mu.Lock()
	t.rolloverLocked()
	state := t.snapshotLocked()
	total := t.totalLocked()
	t.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Usage for %s\n", state.Date)
	fmt.Fprintf(&b, "Total: %d tokens", total)
	if t.budgetDaily > 0 {
		fmt.Fprintf(&b, " (%d%% of %d daily)", total*100/t.budgetDaily, t.budgetDaily)
	}
	b.WriteString("\n")
	if state.TotalCostUSD > 0 {
		fmt.Fprintf(&b, "Cost: $%.4f\n", state.TotalCostUSD)
	}

	if chatID != 0 {
		if bucket, ok := state.Chats[strconv.FormatInt(chatID, 10)]; ok {
			fmt.Fprintf(&b, "This chat: %d in / %d out over %d messages\n",
				bucket.Input, bucket.Output, bucket.Messages)
		}
	}

	if len(state.Agents) > 0 {
		b.WriteString("By agent:\n")
		for _, name := range sortedKeys(state.Agents) {
			bucket := state.Agents[name]
			fmt.Fprintf(&b, "  %s: %d in / %d out (%d msgs)\n",
				name, bucket.Input, bucket.Output, bucket.Messages)
		}
	}
	if len(state.Sources) > 0 {
		b.WriteString("By source:\n")
		for _, name := range sortedKeys(state.Sources) {
			bucket := state.Sources[name]
			fmt.Fprintf(&b, "  %s: %d in / %d out\n", name, bucket.Input, bucket.Output)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// rolloverLocked resets state when the local date has changed.
func (t *Tracker) rolloverLocked() {
	today := localDate()
	if t.state.Date != today {
		log.Printf("🔄 [TOKENS] Daily rollover: %s -> %s", t.state.Date, today)
		t.state = freshState(today)
	}
}

func (t *Tracker) totalLocked() int64 {
	var total int64
	for _, bucket := range t.state.Chats {
		total += bucket.Input + bucket.Output
	}
	return total
}

func (t *Tracker) ensureMaps() {
	if t.state.Chats == nil {
		t.state.Chats = make(map[string]*models.UsageBucket)
	}
	if t.state.Sources == nil {
		t.state.Sources = make(map[string]*models.UsageBucket)
	}
	if t.state.Agents == nil {
		t.state.Agents = make(map[string]*models.UsageBucket)
	}
}

func (t *Tracker) snapshotLocked() models.UsageState {
	out := models.UsageState{
		Date:         t.state.Date,
		Chats:        copyBuckets(t.state.Chats),
		Sources:      copyBuckets(t.state.Sources),
		Agents:       copyBuckets(t.state.Agents),
		AlertsSent:   append([]int(nil), t.state.AlertsSent...),
		TotalCostUSD: t.state.TotalCostUSD,
	}
	return out
}

// bumpBucket adds an event to one bucket. The message counter moves
// only on positive input tokens so phase-2 corrections (input delta 0
// or negative) do not double-count a message.
func bumpBucket(m map[string]*models.UsageBucket, key string, ev Event) {
	bucket, ok := m[key]
	if !ok {
		bucket = &models.UsageBucket{}
		m[key] = bucket
	}
	bucket.Input += ev.InputTokens
	bucket.Output += ev.OutputTokens
	if ev.InputTokens > 0 {
		bucket.Messages++
	}
}

func freshState(date string) models.UsageState {
	return models.UsageState{
		Date:    date,
		Chats:   make(map[string]*models.UsageBucket),
		Sources: make(map[string]*models.UsageBucket),
		Agents:  make(map[string]*models.UsageBucket),
	}
}

func copyBuckets(in map[string]*models.UsageBucket) map[string]*models.UsageBucket {
	out := make(map[string]*models.UsageBucket, len(in))
	for k, v := range in {
		b := *v
		out[k] = &b
	}
	return out
}

func sortedKeys(m map[string]*models.UsageBucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func localDate() string {
	return time.Now().Local().Format("2006-01-02")
}
