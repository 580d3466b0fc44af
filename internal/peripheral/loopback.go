package peripheral

import (
	"sync"
)

// Response is a write answer observed on a Loopback.
type Response struct {
	Request *WriteRequest
	Err     error
}

// Loopback is an in-memory Manager. Its central-side methods (Subscribe,
// Write, Notifications) let a test or the simulator play the IOX.
type Loopback struct {
	emitter *Emitter

	mu          sync.Mutex
	state       State
	services    []Service
	advertising bool
	adv         Advertisement
	central     *Central
	addErr      error
	advErr      error
	closed      bool

	notifications chan []byte
	responses     chan Response
}

var _ Manager = (*Loopback)(nil)

// DefaultCentral is the central used by Loopback.Subscribe callers that do
// not care about identity.
var DefaultCentral = Central{ID: "loopback-central", MaxUpdateValueLength: 182}

// NewLoopback returns a powered-on loopback manager.
func NewLoopback() *Loopback {
	return &Loopback{
		emitter:       NewEmitter(),
		state:         StatePoweredOn,
		notifications: make(chan []byte, 256),
		responses:     make(chan Response, 256),
	}
}

// ============================================================================
// Manager
// ============================================================================

func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loopback) Events() <-chan Event {
	return l.emitter.C()
}

func (l *Loopback) AddService(svc Service) {
	l.mu.Lock()
	err := l.addErr
	if err == nil {
		l.services = append(l.services, svc)
	}
	l.mu.Unlock()
	l.emitter.Emit(Event{Kind: EventServiceAdded, Err: err})
}

func (l *Loopback) RemoveAllServices() {
	l.mu.Lock()
	l.services = nil
	l.mu.Unlock()
}

func (l *Loopback) StartAdvertising(adv Advertisement) {
	l.mu.Lock()
	err := l.advErr
	if err == nil {
		l.advertising = true
		l.adv = adv
	}
	l.mu.Unlock()
	l.emitter.Emit(Event{Kind: EventAdvertisingStarted, Err: err})
}

func (l *Loopback) StopAdvertising() {
	l.mu.Lock()
	l.advertising = false
	l.mu.Unlock()
}

func (l *Loopback) UpdateValue(value []byte) bool {
	l.mu.Lock()
	subscribed := l.central != nil && !l.closed
	l.mu.Unlock()
	if !subscribed {
		return false
	}

	v := make([]byte, len(value))
	copy(v, value)
	select {
	case l.notifications <- v:
		return true
	default:
		return false
	}
}

func (l *Loopback) Respond(req *WriteRequest, err error) {
	Answer(req, err)
	select {
	case l.responses <- Response{Request: req, Err: err}:
	default:
	}
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.emitter.Close()
	return nil
}

// ============================================================================
// Central side
// ============================================================================

// SetState changes the power state and reports it.
func (l *Loopback) SetState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.emitter.Emit(Event{Kind: EventStateUpdated, State: s})
}

// FailAddService makes subsequent AddService calls complete with err.
func (l *Loopback) FailAddService(err error) {
	l.mu.Lock()
	l.addErr = err
	l.mu.Unlock()
}

// FailAdvertising makes subsequent StartAdvertising calls complete with err.
func (l *Loopback) FailAdvertising(err error) {
	l.mu.Lock()
	l.advErr = err
	l.mu.Unlock()
}

// Subscribe connects c and subscribes it to notifications.
func (l *Loopback) Subscribe(c Central) {
	l.mu.Lock()
	l.central = &c
	l.mu.Unlock()
	l.emitter.Emit(Event{Kind: EventCentralSubscribed, Central: c})
}

// Unsubscribe drops the subscribed central, if any.
func (l *Loopback) Unsubscribe() {
	l.mu.Lock()
	c := l.central
	l.central = nil
	l.mu.Unlock()
	if c == nil {
		return
	}
	l.emitter.Emit(Event{Kind: EventCentralUnsubscribed, Central: *c})
}

// Write delivers values as one batch of write requests from the subscribed
// central (or DefaultCentral if none).
func (l *Loopback) Write(values ...[]byte) {
	if len(values) == 0 {
		return
	}
	l.mu.Lock()
	c := DefaultCentral
	if l.central != nil {
		c = *l.central
	}
	l.mu.Unlock()

	reqs := make([]*WriteRequest, 0, len(values))
	for _, v := range values {
		reqs = append(reqs, NewWriteRequest(c, 0, v, nil))
	}
	l.emitter.Emit(Event{Kind: EventWriteRequests, Central: c, Requests: reqs})
}

// Notifications returns the values passed to UpdateValue.
func (l *Loopback) Notifications() <-chan []byte {
	return l.notifications
}

// Responses returns the answers passed to Respond.
func (l *Loopback) Responses() <-chan Response {
	return l.responses
}

// Advertising reports whether the manager is advertising, and with what.
func (l *Loopback) Advertising() (Advertisement, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adv, l.advertising
}

// Services returns the currently published services.
func (l *Loopback) Services() []Service {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Service(nil), l.services...)
}
