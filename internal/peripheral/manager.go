// Package peripheral abstracts the BLE peripheral role: a local GATT service
// that a remote central (the IOX) subscribes to and writes into.
//
// Backends report everything that happens on the radio as Events on a single
// ordered channel. The session consuming that channel is the only place that
// reacts to them.
package peripheral

import (
	"fmt"
	"sync"
)

// ============================================================================
// Manager State
// ============================================================================

// State is the power/authorization state of the local Bluetooth stack.
type State int

const (
	StateUnknown State = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Transient reports whether the stack may still come up on its own.
func (s State) Transient() bool {
	return s == StateUnknown || s == StateResetting
}

// ============================================================================
// GATT description
// ============================================================================

// Service is the single primary service exposed to the IOX. One
// characteristic carries both directions: the IOX writes into it and
// subscribes to its notifications.
type Service struct {
	UUID               string
	CharacteristicUUID string
}

// Advertisement is what the peripheral broadcasts while waiting for a central.
type Advertisement struct {
	LocalName    string
	ServiceUUIDs []string
}

// Central identifies the remote device subscribed to the characteristic.
type Central struct {
	ID string
	// MaxUpdateValueLength is the largest notification the link accepts
	// (ATT MTU minus 3). Zero when the backend does not know it.
	MaxUpdateValueLength int
}

// WriteRequest is one ATT write received from a central.
type WriteRequest struct {
	Central Central
	Offset  int
	Value   []byte

	once  sync.Once
	reply func(error)
}

// NewWriteRequest builds a request. reply, if non-nil, is called at most once
// with the answer the session gives for the batch the request belongs to.
func NewWriteRequest(central Central, offset int, value []byte, reply func(error)) *WriteRequest {
	v := make([]byte, len(value))
	copy(v, value)
	return &WriteRequest{Central: central, Offset: offset, Value: v, reply: reply}
}

// answer delivers err to the backend that produced the request.
func (r *WriteRequest) answer(err error) {
	r.once.Do(func() {
		if r.reply != nil {
			r.reply(err)
		}
	})
}

// Answer is used by backends implementing Manager.Respond.
func Answer(r *WriteRequest, err error) {
	if r != nil {
		r.answer(err)
	}
}

// ============================================================================
// Events
// ============================================================================

// EventKind identifies an Event.
type EventKind int

const (
	EventStateUpdated EventKind = iota + 1
	EventServiceAdded
	EventAdvertisingStarted
	EventCentralSubscribed
	EventCentralUnsubscribed
	EventWriteRequests
)

func (k EventKind) String() string {
	switch k {
	case EventStateUpdated:
		return "stateUpdated"
	case EventServiceAdded:
		return "serviceAdded"
	case EventAdvertisingStarted:
		return "advertisingStarted"
	case EventCentralSubscribed:
		return "centralSubscribed"
	case EventCentralUnsubscribed:
		return "centralUnsubscribed"
	case EventWriteRequests:
		return "writeRequests"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one callback from the peripheral stack.
//
//	EventStateUpdated        State
//	EventServiceAdded        Err (nil on success)
//	EventAdvertisingStarted  Err (nil on success)
//	EventCentralSubscribed   Central
//	EventCentralUnsubscribed Central
//	EventWriteRequests       Requests, never empty
type Event struct {
	Kind     EventKind
	State    State
	Err      error
	Central  Central
	Requests []*WriteRequest
}

// ============================================================================
// Manager
// ============================================================================

// Manager is a BLE peripheral stack. Operations that complete asynchronously
// (AddService, StartAdvertising) report their result as an Event.
type Manager interface {
	// State returns the current power/authorization state.
	State() State
	// Events returns the ordered event stream. It is closed by Close.
	Events() <-chan Event
	// AddService publishes the GATT service.
	AddService(svc Service)
	// RemoveAllServices withdraws every published service.
	RemoveAllServices()
	// StartAdvertising starts broadcasting adv.
	StartAdvertising(adv Advertisement)
	// StopAdvertising stops broadcasting. It is a no-op when not advertising.
	StopAdvertising()
	// UpdateValue notifies subscribed centrals. It returns false when the
	// value could not be queued.
	UpdateValue(value []byte) bool
	// Respond answers a write request.
	Respond(req *WriteRequest, err error)
	// Close releases the stack.
	Close() error
}
