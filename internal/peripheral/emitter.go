package peripheral

import "sync"

// Emitter delivers events in the order they were emitted without ever
// blocking the producer. Radio callbacks (D-Bus method handlers, TinyGo
// handlers) emit from their own goroutines; the consumer reads C.
type Emitter struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan Event
	once sync.Once
}

// NewEmitter starts the delivery goroutine.
func NewEmitter() *Emitter {
	e := &Emitter{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go e.run()
	return e
}

// C returns the delivery channel. It is closed after Close.
func (e *Emitter) C() <-chan Event {
	return e.out
}

// Emit queues ev. Events emitted after Close are discarded.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. Undelivered events are dropped.
func (e *Emitter) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Emitter) run() {
	defer close(e.out)
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			select {
			case <-e.wake:
				continue
			case <-e.done:
				return
			}
		}
		ev := e.queue[0]
		e.queue[0] = Event{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		select {
		case e.out <- ev:
		case <-e.done:
			return
		}
	}
}
