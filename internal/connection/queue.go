package connection

import "sync"

// sendQueue is a FIFO ring of outbound frames for one connection.
// It doubles its backing array when 70% full, up to limit items; pushing
// beyond limit fails so a slow reader cannot grow memory without bound.
type sendQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	head   int
	count  int
	limit  int
	closed bool
}

func newSendQueue(initial, limit int) *sendQueue {
	if initial < 1 {
		initial = 1
	}
	if limit < initial {
		limit = initial
	}
	q := &sendQueue{
		buf:   make([][]byte, initial),
		limit: limit,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a frame. It fails with ErrQueueFull at the limit and
// ErrNotConnected once the queue is closed.
func (q *sendQueue) push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrNotConnected
	}
	if q.count >= q.limit {
		return ErrQueueFull
	}

	threshold := len(q.buf) * 70 / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold && len(q.buf) < q.limit {
		q.grow()
	}

	q.buf[(q.head+q.count)%len(q.buf)] = frame
	q.count++
	q.cond.Signal()
	return nil
}

// pop blocks until a frame is available. It returns false once the queue
// is closed; frames still queued at close are discarded.
func (q *sendQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}

	frame := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return frame, true
}

func (q *sendQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *sendQueue) capacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// grow doubles the ring, capped at limit. Must be called with lock held.
func (q *sendQueue) grow() {
	size := len(q.buf) * 2
	if size > q.limit {
		size = q.limit
	}
	next := make([][]byte, size)
	for i := 0; i < q.count; i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = next
	q.head = 0
}
