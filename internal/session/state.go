package session

import (
	"fmt"

	"ioxble/internal/protocol"
)

// State is the lifecycle state of the peripheral session. The numeric values
// are what the hosted web content sees.
type State int

const (
	StateIdle State = iota
	StateAdvertising
	StateSyncing
	StateHandshaking
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAdvertising:
		return "advertising"
	case StateSyncing:
		return "syncing"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// awaitingLink reports whether the sync byte is still being repeated.
func (s State) awaitingLink() bool {
	return s == StateSyncing || s == StateHandshaking
}

// EventKind identifies an Event delivered to a Listener.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventStartCompleted
	EventStoppedUnexpectedly
	EventReceived
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "stateChanged"
	case EventStartCompleted:
		return "startCompleted"
	case EventStoppedUnexpectedly:
		return "stoppedUnexpectedly"
	case EventReceived:
		return "eventReceived"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one session notification.
//
//	EventStateChanged        State
//	EventStartCompleted      Err (nil on success)
//	EventStoppedUnexpectedly Err
//	EventReceived            Data, or Err for a frame that failed to decode
//	EventDisconnected        nothing
type Event struct {
	Kind  EventKind
	State State
	Err   error
	Data  *protocol.GoDeviceData
}

// Listener receives session events. Events are delivered one at a time, in
// order, from a single goroutine.
type Listener interface {
	HandleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) HandleEvent(ev Event) { f(ev) }
