package queue

import (
	"log"
	"sync"
)

// TopicQueue serializes jobs per topic key. Jobs submitted under the
// same key run strictly in submission order; jobs under different keys
// run concurrently. A key's entry is removed once its last job settles
// so the map stays bounded by the number of active topics.
type TopicQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

func New() *TopicQueue {
	return &TopicQueue{tails: make(map[string]chan struct{})}
}

// Enqueue schedules job to run after the current tail for key and
// returns immediately. A panicking job is logged and does not block
// later jobs on the same key.
func (q *TopicQueue) Enqueue(key string, job func()) {
	done := make(chan struct{})

	q.mu.Lock()
	prev := q.tails[key]
	q.tails[key] = done
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("❌ [QUEUE] Job panic on key %s: %v", key, r)
			}
			close(done)
			q.mu.Lock()
			if q.tails[key] == done {
				delete(q.tails, key)
			}
			q.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		job()
	}()
}

// Pending reports whether any job is queued or running for key.
func (q *TopicQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}

// Wait blocks until every enqueued job has settled. Used during
// shutdown drain, typically raced against a timeout by the caller.
func (q *TopicQueue) Wait() {
	q.wg.Wait()
}
