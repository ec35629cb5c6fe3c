package tasks

import (
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/models"
)

type nopTyper struct {
	mu    sync.Mutex
	count int
}

func (n *nopTyper) SendTyping(chatID, topicID int64) error {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
	return nil
}

func TestSubmitCompletes(t *testing.T) {
	m := NewManager(&nopTyper{}, time.Hour)
	defer m.Close()

	done := make(chan struct{})
	id := m.Submit("1:root:claude", 1, 0, "summarize the report", func() error {
		close(done)
		return nil
	})
	<-done
	m.Drain()

	tasks := m.Snapshot()
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
	if tasks[0].ID != id || tasks[0].Status != models.TaskCompleted {
		t.Errorf("task: %+v", tasks[0])
	}
	if tasks[0].FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestSubmitFailureRecordsError(t *testing.T) {
	m := NewManager(nil, time.Hour)
	defer m.Close()

	m.Submit("1:root:claude", 1, 0, "doomed", func() error {
		return errors.New("agent blew up")
	})
	m.Drain()

	tasks := m.Snapshot()
	if tasks[0].Status != models.TaskFailed {
		t.Errorf("status: %s", tasks[0].Status)
	}
	if tasks[0].Error != "agent blew up" {
		t.Errorf("error: %q", tasks[0].Error)
	}
}

func TestSameThreadKeyChains(t *testing.T) {
	m := NewManager(nil, time.Hour)
	defer m.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.Submit("1:root:claude", 1, 0, "step", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	m.Drain()

	for i, got := range order {
		if got != i {
			t.Fatalf("chain order broken: %v", order)
		}
	}
}

func TestDifferentThreadKeysConcurrent(t *testing.T) {
	m := NewManager(nil, time.Hour)
	defer m.Close()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})
	otherDone := make(chan struct{})

	m.Submit("1:root:claude", 1, 0, "slow", func() error {
		close(blockerStarted)
		<-release
		return nil
	})
	<-blockerStarted
	m.Submit("2:root:claude", 2, 0, "fast", func() error {
		close(otherDone)
		return nil
	})

	select {
	case <-otherDone:
	case <-time.After(2 * time.Second):
		t.Fatal("task on a different thread key was blocked")
	}
	close(release)
	m.Drain()
}

func TestReapRemovesSettledAfterTTL(t *testing.T) {
	m := NewManager(nil, time.Minute)
	defer m.Close()

	m.Submit("1:root:claude", 1, 0, "quick", func() error { return nil })
	m.Drain()

	m.reap(time.Now())
	if len(m.Snapshot()) != 1 {
		t.Fatal("fresh settled task reaped too early")
	}
	m.reap(time.Now().Add(2 * time.Minute))
	if len(m.Snapshot()) != 0 {
		t.Error("settled task not reaped past TTL")
	}
}

func TestTypingIndicatorRuns(t *testing.T) {
	typer := &nopTyper{}
	m := NewManager(typer, time.Hour)
	defer m.Close()

	m.Submit("1:root:claude", 1, 0, "typing", func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	m.Drain()

	typer.mu.Lock()
	defer typer.mu.Unlock()
	if typer.count == 0 {
		t.Error("typing indicator never sent")
	}
}
