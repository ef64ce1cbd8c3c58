package engine

import (
	"sync"

	"github.com/spinneret/spinneret/spider"
)

// taskQueue is an unbounded FIFO with a blocking Pop. Workers block on
// Pop until a task arrives or the queue closes; Push on a closed queue
// is refused so a late retry cannot revive a finished run.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*spider.Task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task and reports whether the queue accepted it.
func (q *taskQueue) Push(t *spider.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return true
}

// Pop blocks until a task is available or the queue is closed. It
// returns false only once the queue is closed and drained.
func (q *taskQueue) Pop() (*spider.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	return q.shift(), true
}

// TryPop removes the head without blocking.
func (q *taskQueue) TryPop() (*spider.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.shift(), true
}

// shift removes and returns the head. Callers hold q.mu.
func (q *taskQueue) shift() *spider.Task {
	t := q.items[0]
	q.items[0] = nil // release the reference
	q.items = q.items[1:]
	return t
}

// Close wakes every blocked worker; once the queue drains they observe
// the close and exit.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
