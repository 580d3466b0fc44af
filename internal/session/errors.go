package session

import (
	"errors"

	"ioxble/internal/peripheral"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyStarted  = errors.New("service already started")
	ErrStartInProgress = errors.New("only one start call at a time")
	ErrStopped         = errors.New("session stopped")
	ErrClosed          = errors.New("session closed")
	ErrManagerClosed   = errors.New("peripheral manager closed")
)

// CapabilityError reports that the local Bluetooth stack cannot serve the
// peripheral role.
type CapabilityError struct {
	State peripheral.State
}

func (e *CapabilityError) Error() string {
	switch e.State {
	case peripheral.StatePoweredOff:
		return "bluetooth is powered off"
	case peripheral.StateUnauthorized:
		return "bluetooth use is not authorized"
	case peripheral.StateUnsupported:
		return "bluetooth low energy peripheral role is not supported"
	default:
		return "bluetooth unavailable (" + e.State.String() + ")"
	}
}

// IsCapabilityError reports whether err is a CapabilityError.
func IsCapabilityError(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
