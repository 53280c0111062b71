package coord

import "sync"

// Queue runs submitted functions one at a time, in submission order, on its
// own goroutine. Push never blocks. Backends without a native per-watch
// goroutine use one Queue per subscription to keep per-path ordering.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	done    chan struct{}
	closed  bool
}

// NewQueue starts a Queue.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Push schedules fn. It is dropped if the queue is closed.
func (q *Queue) Push(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close discards pending work and stops the queue goroutine once the running
// function, if any, returns. It does not wait.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.pending = nil
	close(q.done)
}

func (q *Queue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if q.closed || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
