package tasks

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"courier/internal/models"
	"courier/internal/queue"
)

// typingPeriod is how often the typing indicator is refreshed while a
// task runs. Telegram drops the indicator after about five seconds.
const typingPeriod = 4 * time.Second

// Typer refreshes the typing indicator for a chat/topic.
type Typer interface {
	SendTyping(chatID, topicID int64) error
}

// Manager is the parallel dispatch path: it accepts work and returns a
// task handle immediately. Tasks on the same thread key are chained;
// different keys run concurrently. Settled tasks are kept for status
// queries until a TTL reaper removes them.
type Manager struct {
	queue *queue.TopicQueue
	typer Typer
	ttl   time.Duration

	mu      sync.Mutex
	tasks   map[string]*models.ActiveTask
	stopped bool
	reaper  *time.Ticker
	done    chan struct{}
}

func NewManager(typer Typer, ttl time.Duration) *Manager {
	m := &Manager{
		queue: queue.New(),
		typer: typer,
		ttl:   ttl,
		tasks: make(map[string]*models.ActiveTask),
		done:  make(chan struct{}),
	}
	m.reaper = time.NewTicker(10 * time.Minute)
	go m.reapLoop()
	return m
}

// Submit schedules work on a thread key and returns its task id.
// The work function's error marks the task failed.
func (m *Manager) Submit(threadKey string, chatID, topicID int64, prompt string, work func() error) string {
	task := &models.ActiveTask{
		ID:         uuid.NewString()[:8],
		ChatID:     chatID,
		TopicID:    topicID,
		PromptHead: head(prompt, 80),
		Status:     models.TaskRunning,
		StartedAt:  time.Now(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	log.Printf("🚀 [TASKS] Task %s queued on %s", task.ID, threadKey)

	m.queue.Enqueue(threadKey, func() {
		stopTyping := m.startTyping(chatID, topicID)
		defer stopTyping()

		err := work()

		m.mu.Lock()
		defer m.mu.Unlock()
		now := time.Now()
		task.FinishedAt = &now
		if err != nil {
			task.Status = models.TaskFailed
			task.Error = err.Error()
			log.Printf("❌ [TASKS] Task %s failed: %v", task.ID, err)
			return
		}
		task.Status = models.TaskCompleted
	})
	return task.ID
}

// Cancel marks a still-running task cancelled for status purposes.
// The underlying subprocess is not interrupted.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != models.TaskRunning {
		return false
	}
	task.Status = models.TaskCancelled
	now := time.Now()
	task.FinishedAt = &now
	return true
}

// Snapshot returns all retained tasks, running first, then by start time.
func (m *Manager) Snapshot() []models.ActiveTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActiveTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sortTasks(out)
	return out
}

// Drain waits for queued work, used at shutdown.
func (m *Manager) Drain() { m.queue.Wait() }

// Close stops the reaper.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	m.reaper.Stop()
	close(m.done)
}

// startTyping keeps the typing indicator alive until the returned stop
// function is called.
func (m *Manager) startTyping(chatID, topicID int64) func() {
	if m.typer == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		if err := m.typer.SendTyping(chatID, topicID); err != nil {
			log.Printf("⚠️ [TASKS] Typing indicator: %v", err)
		}
		ticker := time.NewTicker(typingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := m.typer.SendTyping(chatID, topicID); err != nil {
					log.Printf("⚠️ [TASKS] Typing indicator: %v", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (m *Manager) reapLoop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.reaper.C:
			m.reap(time.Now())
		}
	}
}

// reap removes settled tasks older than the TTL.
func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, task := range m.tasks {
		if task.Status == models.TaskRunning || task.FinishedAt == nil {
			continue
		}
		if now.Sub(*task.FinishedAt) > m.ttl {
			delete(m.tasks, id)
		}
	}
}

func sortTasks(tasks []models.ActiveTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		iRunning := tasks[i].Status == models.TaskRunning
		jRunning := tasks[j].Status == models.TaskRunning
		if iRunning != jRunning {
			return iRunning
		}
		return tasks[i].StartedAt.Before(tasks[j].StartedAt)
	})
}

func head(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return fmt.Sprintf("%s…", string(runes[:max]))
}
