package cron

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	robfig "github.com/robfig/cron/v3"

	"courier/internal/memory"
	"courier/internal/metrics"
	"courier/internal/models"
	"courier/internal/runner"
	"courier/internal/store"
	"courier/internal/tokens"
)

const cronFile = "cron.json"

// Silent tokens: when a job's response contains one, the outbound
// message is suppressed entirely.
const (
	SilentHeartbeat = "HEARTBEAT_OK"
	SilentCuration  = "CURATION_EMPTY"
)

// ringCap bounds the per-job live output capture.
const ringCap = 50 * 1024

// JobState is the run-state of one scheduled job.
type JobState string

const (
	StateIdle      JobState = "idle"
	StateScheduled JobState = "scheduled"
	StateRunning   JobState = "running"
	StateFailed    JobState = "failed"
)

// Sender delivers a job's output to its chat.
type Sender interface {
	SendToTopic(chatID, topicID int64, text string) error
}

// Scheduler owns cron.json, the gocron registrations, and per-job
// run state and output rings.
type Scheduler struct {
	store         *store.Store
	runner        *runner.Runner
	tracker       *tokens.Tracker
	sender        Sender
	settings      *store.SettingsStore
	memory        *memory.Service
	budgetGatePct int

	scheduler gocron.Scheduler

	mu     sync.Mutex
	jobs   map[string]models.CronJob
	handle map[string]gocron.Job
	state  map[string]JobState
	rings  map[string]*outputRing
}

func NewScheduler(st *store.Store, run *runner.Runner, tracker *tokens.Tracker,
	sender Sender, settings *store.SettingsStore, mem *memory.Service,
	budgetGatePct int) (*Scheduler, error) {

	gs, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{
		store:         st,
		runner:        run,
		tracker:       tracker,
		sender:        sender,
		settings:      settings,
		memory:        mem,
		budgetGatePct: budgetGatePct,
		scheduler:     gs,
		jobs:          make(map[string]models.CronJob),
		handle:        make(map[string]gocron.Job),
		state:         make(map[string]JobState),
		rings:         make(map[string]*outputRing),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	log.Printf("⏰ [CRON] Scheduler started with %d jobs", len(s.jobs))
}

// Stop shuts the scheduler down, waiting for running fires.
func (s *Scheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [CRON] Shutdown: %v", err)
	}
}

// Reload re-reads cron.json and reconciles registrations against the
// current job set.
func (s *Scheduler) Reload() error {
	var file models.CronFile
	if _, err := s.store.LoadJSON(cronFile, &file); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Drop registrations for jobs that no longer exist.
	current := make(map[string]bool, len(file.Jobs))
	for _, job := range file.Jobs {
		current[job.ID] = true
	}
	for id, h := range s.handle {
		if !current[id] {
			if err := s.scheduler.RemoveJob(h.ID()); err != nil {
				log.Printf("⚠️ [CRON] Remove job %s: %v", id, err)
			}
			delete(s.handle, id)
			delete(s.jobs, id)
			delete(s.state, id)
			delete(s.rings, id)
		}
	}

	for _, job := range file.Jobs {
		s.jobs[job.ID] = job
		if _, ok := s.rings[job.ID]; !ok {
			s.rings[job.ID] = newOutputRing(ringCap)
		}
		// Re-register so expression or enablement changes take effect.
		if h, ok := s.handle[job.ID]; ok {
			if err := s.scheduler.RemoveJob(h.ID()); err != nil {
				log.Printf("⚠️ [CRON] Remove job %s: %v", job.ID, err)
			}
			delete(s.handle, job.ID)
			s.state[job.ID] = StateIdle
		}
		if !job.Enabled {
			s.state[job.ID] = StateIdle
			continue
		}
		if err := s.registerLocked(job); err != nil {
			log.Printf("❌ [CRON] Register job %s: %v", job.ID, err)
			s.state[job.ID] = StateFailed
		}
	}
	log.Printf("⏰ [CRON] Reloaded %d jobs", len(file.Jobs))
	return nil
}

func (s *Scheduler) registerLocked(job models.CronJob) error {
	if err := ValidateExpression(job.CronExpression); err != nil {
		return err
	}
	tz := job.Timezone
	if tz == "" {
		tz = "UTC"
	}
	cronWithTZ := fmt.Sprintf("CRON_TZ=%s %s", tz, job.CronExpression)

	id := job.ID
	h, err := s.scheduler.NewJob(
		gocron.CronJob(cronWithTZ, false),
		gocron.NewTask(func() { s.fire(id) }),
		gocron.WithName(id),
	)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", cronWithTZ, err)
	}
	s.handle[job.ID] = h
	s.state[job.ID] = StateScheduled
	return nil
}

// fire runs one job: budget gate, dispatch through the runner, silent
// token filtering, delivery.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	ring := s.rings[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.budgetGatePct > 0 && s.tracker.BudgetPct() >= s.budgetGatePct {
		log.Printf("⏭️ [CRON] Skipping job %s: budget at %d%% (gate %d%%)",
			jobID, s.tracker.BudgetPct(), s.budgetGatePct)
		if m := metrics.Get(); m != nil {
			m.CronSkips.Inc()
		}
		return
	}

	s.setState(jobID, StateRunning)
	log.Printf("⏰ [CRON] Firing job %s", jobID)
	if m := metrics.Get(); m != nil {
		m.CronFires.Inc()
	}

	chatID := job.ChatID
	if chatID == 0 {
		chatID = s.settings.CronChatID()
	}

	// Scheduled conversations leave the same memory trail as chat ones.
	agentID := s.runner.ResolveAgent(chatID, job.TopicID, job.Agent)
	threadKey := models.ThreadKey(chatID, job.TopicID, agentID)
	s.memory.Capture(models.MemoryEvent{
		ThreadKey: threadKey,
		ChatID:    chatID,
		TopicID:   job.TopicID,
		AgentID:   agentID,
		Role:      models.RoleUser,
		Kind:      models.KindCron,
		Text:      job.Prompt,
	})

	res, err := s.runner.Chat(context.Background(), runner.Request{
		ChatID:        chatID,
		TopicID:       job.TopicID,
		Prompt:        job.Prompt,
		AgentOverride: job.Agent,
		Model:         job.Model,
		Cwd:           job.Cwd,
		Source:        "cron",
	})
	if err != nil {
		log.Printf("❌ [CRON] Job %s failed: %v", jobID, err)
		ring.Write(fmt.Sprintf("[%s] error: %v\n", time.Now().Format(time.RFC3339), err))
		s.setState(jobID, StateFailed)
		return
	}

	ring.Write(fmt.Sprintf("[%s] %s\n", time.Now().Format(time.RFC3339), res.Text))

	if isSilent(res.Text) {
		log.Printf("🤫 [CRON] Job %s produced a silent token, suppressing output", jobID)
		s.setState(jobID, StateScheduled)
		return
	}

	s.memory.Capture(models.MemoryEvent{
		ThreadKey: res.ThreadKey,
		ChatID:    chatID,
		TopicID:   job.TopicID,
		AgentID:   res.AgentID,
		Role:      models.RoleAssistant,
		Kind:      models.KindText,
		Text:      res.Text,
	})
	if chatID != 0 && s.sender != nil {
		if err := s.sender.SendToTopic(chatID, job.TopicID, res.Text); err != nil {
			log.Printf("⚠️ [CRON] Deliver job %s output: %v", jobID, err)
		}
	}
	s.setState(jobID, StateScheduled)
}

// RunNow fires a job immediately, bypassing its schedule but not the
// budget gate.
func (s *Scheduler) RunNow(jobID string) error {
	s.mu.Lock()
	_, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown cron job %q", jobID)
	}
	go s.fire(jobID)
	return nil
}

// Jobs returns all jobs sorted by id.
func (s *Scheduler) Jobs() []models.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Job returns one job by id.
func (s *Scheduler) Job(jobID string) (models.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return j, ok
}

// State returns the run-state of one job.
func (s *Scheduler) State(jobID string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state[jobID]; ok {
		return st
	}
	return StateIdle
}

// Logs returns the captured recent output of one job.
func (s *Scheduler) Logs(jobID string) string {
	s.mu.Lock()
	ring := s.rings[jobID]
	s.mu.Unlock()
	if ring == nil {
		return ""
	}
	return ring.String()
}

// NextRun returns the next fire time of a job, zero when unscheduled.
func (s *Scheduler) NextRun(jobID string) time.Time {
	s.mu.Lock()
	h, ok := s.handle[jobID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	next, err := h.NextRun()
	if err != nil {
		return time.Time{}
	}
	return next
}

// Save persists the job list and reconciles registrations.
func (s *Scheduler) Save(jobs []models.CronJob) error {
	if err := s.store.SaveJSON(cronFile, models.CronFile{Jobs: jobs}); err != nil {
		return err
	}
	return s.Reload()
}

// SetAssignment points a job at a chat/topic and persists.
func (s *Scheduler) SetAssignment(jobID string, chatID, topicID int64) error {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown cron job %q", jobID)
	}
	job.ChatID = chatID
	job.TopicID = topicID

	jobs := s.Jobs()
	for i := range jobs {
		if jobs[i].ID == jobID {
			jobs[i] = job
		}
	}
	return s.Save(jobs)
}

func (s *Scheduler) setState(jobID string, st JobState) {
	s.mu.Lock()
	s.state[jobID] = st
	s.mu.Unlock()
}

func isSilent(text string) bool {
	return strings.Contains(text, SilentHeartbeat) || strings.Contains(text, SilentCuration)
}

// ValidateExpression checks standard five-field cron syntax.
func ValidateExpression(expr string) error {
	parser := robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextAfter computes the next fire time of an expression in a timezone
// after a reference instant, used for previews before registration.
func NextAfter(expr, tz string, after time.Time) (time.Time, error) {
	if err := ValidateExpression(expr); err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	parser := robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after.In(loc)), nil
}
