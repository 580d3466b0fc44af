package protocol

import (
	"errors"
	"fmt"
)

// ErrInvalidPayload is the root of every framing and decoding failure.
var ErrInvalidPayload = errors.New("invalid data payload")

// ParseError describes why a frame or payload was rejected.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return ErrInvalidPayload.Error() + ": " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return ErrInvalidPayload
}

func parseErrorf(format string, args ...interface{}) error {
	return &ParseError{Reason: fmt.Sprintf(format, args...)}
}
