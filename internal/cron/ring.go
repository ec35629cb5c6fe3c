package cron

import "sync"

// outputRing is a bounded byte ring holding the most recent output of
// one job. Oldest bytes are dropped first when the cap is exceeded.
type outputRing struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newOutputRing(max int) *outputRing {
	return &outputRing{max: max}
}

func (r *outputRing) Write(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, chunk...)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
	}
}

func (r *outputRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *outputRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
}
