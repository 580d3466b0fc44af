package session

import "sync"

// workQueue runs functions one at a time in FIFO order on its own goroutine.
type workQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []func()
	suspended bool
	closed    bool
	done      chan struct{}
}

func newWorkQueue() *workQueue {
	q := &workQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue appends fn. It is dropped if the queue is closed.
func (q *workQueue) Enqueue(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

// CancelAll drops every item that has not started running.
func (q *workQueue) CancelAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

// Suspend holds queued items until Resume.
func (q *workQueue) Suspend() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = true
}

func (q *workQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.suspended = false
	q.cond.Broadcast()
}

// Close drops pending items and waits for the running item, if any. It must
// not be called from a queued function.
func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *workQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (q.suspended || len(q.items) == 0) {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
