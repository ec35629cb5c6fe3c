package queue

import (
	"sync"
	"testing"
	"time"
)

func TestSameKeyRunsInOrder(t *testing.T) {
	q := New()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		q.Enqueue("1:root", func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	q.Wait()

	if len(order) != 20 {
		t.Fatalf("ran %d jobs, want 20", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order[%d] = %d, want %d (full: %v)", i, got, i, order)
		}
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	q := New()

	slowStarted := make(chan struct{})
	release := make(chan struct{})
	fastDone := make(chan struct{})

	q.Enqueue("1:root", func() {
		close(slowStarted)
		<-release
	})
	<-slowStarted

	q.Enqueue("2:root", func() { close(fastDone) })

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("job on a different key was blocked by an unrelated key")
	}
	close(release)
	q.Wait()
}

func TestEntryRemovedWhenDrained(t *testing.T) {
	q := New()

	done := make(chan struct{})
	q.Enqueue("1:root", func() { close(done) })
	<-done

	deadline := time.After(2 * time.Second)
	for q.Pending("1:root") {
		select {
		case <-deadline:
			t.Fatal("queue entry not removed after drain")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestPanicDoesNotBlockKey(t *testing.T) {
	q := New()

	q.Enqueue("1:root", func() { panic("boom") })

	ran := make(chan struct{})
	q.Enqueue("1:root", func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking job blocked the queue")
	}
	q.Wait()
}
