package pipeline

import "sync"

// Queue is a FIFO guarded by a mutex and a not-empty condition. A non-zero
// limit makes Push refuse items once the queue holds that many.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   sync.Cond
	ring   []T
	head   int
	n      int
	limit  int
	closed bool

	// observe, if set, sees the queue length before every push and pop.
	observe func(n int)
}

// NewQueue returns an empty queue. limit 0 means unbounded.
func NewQueue[T any](limit int) *Queue[T] {
	q := &Queue[T]{limit: limit}
	q.cond.L = &q.mu
	return q
}

// Limit returns the admission limit.
func (q *Queue[T]) Limit() int {
	return q.limit
}

// Push appends t unless the queue is at its limit or closed. It never blocks
// on capacity and leaves the queue untouched on refusal.
func (q *Queue[T]) Push(t T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.report()
	if q.closed || (q.limit > 0 && q.n >= q.limit) {
		return false
	}
	q.append(t)
	q.cond.Signal()
	return true
}

// PushForce appends t regardless of the limit. It reports false only for a
// closed queue.
func (q *Queue[T]) PushForce(t T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.append(t)
	q.report()
	q.cond.Signal()
	return true
}

// PopOrWait removes the oldest item, waiting while the queue is empty. It
// returns false once the queue is closed.
func (q *Queue[T]) PopOrWait() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		var zero T
		return zero, false
	}
	q.report()
	return q.pop(), true
}

// TryPop removes the oldest item if there is one.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.n == 0 {
		var zero T
		return zero, false
	}
	q.report()
	return q.pop(), true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Close wakes every waiter; later pushes fail and waits return false.
// Items still queued stay reachable through TryPop.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Queue[T]) report() {
	if q.observe != nil {
		q.observe(q.n)
	}
}

func (q *Queue[T]) append(t T) {
	if q.n == len(q.ring) {
		q.grow()
	}
	q.ring[(q.head+q.n)%len(q.ring)] = t
	q.n++
}

func (q *Queue[T]) pop() T {
	var zero T
	t := q.ring[q.head]
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.n--
	return t
}

func (q *Queue[T]) grow() {
	size := max(2*len(q.ring), 16)
	ring := make([]T, size)
	for i := range q.n {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
}
