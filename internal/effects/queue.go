package effects

import "sync"

// activityQueue is an unbounded FIFO of activities.
//
// Enqueue never blocks, so a slow recorder cannot stall the write path.
// The signal channel (buffered, size 1) lets the worker wait with select
// on its context; Close closes it to wake the worker.
type activityQueue struct {
	mu     sync.Mutex
	items  []Activity
	closed bool
	signal chan struct{}

	// pending counts enqueued activities not yet finished by the worker.
	pending int
	idle    chan struct{}
}

func newActivityQueue() *activityQueue {
	idle := make(chan struct{})
	close(idle)
	return &activityQueue{
		items:  make([]Activity, 0, 16),
		signal: make(chan struct{}, 1),
		idle:   idle,
	}
}

// enqueue appends a. Returns false once the queue is closed.
func (q *activityQueue) enqueue(a Activity) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, a)
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue pops the front activity without blocking.
func (q *activityQueue) tryDequeue() (Activity, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Activity{}, false
	}
	a := q.items[0]
	q.items[0] = Activity{} // release metadata for GC
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return a, true
}

// done marks one dequeued activity as finished.
func (q *activityQueue) done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// wait signals that items may be available.
func (q *activityQueue) wait() <-chan struct{} { return q.signal }

// idleCh is closed whenever nothing is pending.
func (q *activityQueue) idleCh() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *activityQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *activityQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// close stops further enqueues and wakes the worker.
func (q *activityQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
