package session

import (
	"sync"

	"github.com/zsiec/replay/internal/engine"
)

type opKind int

const (
	opDrain opKind = iota
	opSnapshot
	opShutdown
)

type command struct {
	kind  opKind
	dest  string
	reply chan engine.Result
}

// queue is an unbounded FIFO with a single consumer. Producers never block.
// Once closed it accepts nothing further, so the closing command is always
// the last one popped.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []command
	head   int
	closed bool
}

func newQueue() *queue {
	q := &queue{items: make([]command, 0, 64)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends c, reporting false if the queue is closed.
func (q *queue) push(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, c)
	q.cond.Signal()
	return true
}

// closeWith appends c as the final command.
func (q *queue) closeWith(c command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, c)
	q.closed = true
	q.cond.Signal()
	return true
}

// pop blocks until a command is available.
func (q *queue) pop() command {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) {
		q.cond.Wait()
	}
	c := q.items[q.head]
	q.items[q.head] = command{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return c
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
