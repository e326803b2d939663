package mesh

import "sync"

// taskQueue runs submitted funcs one at a time in submission order. A worker
// goroutine exists only while tasks are pending.
type taskQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// submit never blocks. The returned channel is closed once fn has returned.
func (q *taskQueue) submit(fn func()) <-chan struct{} {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}

	q.mu.Lock()
	q.pending = append(q.pending, task)
	if q.running {
		q.mu.Unlock()
		return done
	}
	q.running = true
	q.mu.Unlock()

	go q.run()
	return done
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		task()
	}
}
