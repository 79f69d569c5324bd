package handle

import (
	"context"
	"errors"
	"fmt"
)

// Status is the terminal status carried by a SHUTDOWN frame and reported by
// capability operations.
type Status int32

const (
	StatusOK          Status = 0
	StatusInternal    Status = 1
	StatusPeerClosed  Status = 2
	StatusIO          Status = 3
	StatusBadState    Status = 4
	StatusCanceled    Status = 5
	StatusUnavailable Status = 6
	StatusProtocol    Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInternal:
		return "INTERNAL"
	case StatusPeerClosed:
		return "PEER_CLOSED"
	case StatusIO:
		return "IO"
	case StatusBadState:
		return "BAD_STATE"
	case StatusCanceled:
		return "CANCELED"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusProtocol:
		return "PROTOCOL"
	default:
		return fmt.Sprintf("STATUS(%d)", int32(s))
	}
}

// StatusError is an error carrying a Status. Two StatusErrors match under
// errors.Is when their statuses are equal.
type StatusError struct {
	Status Status
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return "status " + e.Status.String()
	}
	return e.Msg + " (" + e.Status.String() + ")"
}

// Is reports whether target is a StatusError with the same status.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}

var (
	// ErrPeerClosed is returned when the other end of a capability is gone.
	ErrPeerClosed = &StatusError{Status: StatusPeerClosed, Msg: "peer closed"}

	// ErrClosed is returned for operations on a locally closed capability.
	ErrClosed = &StatusError{Status: StatusBadState, Msg: "handle closed"}
)

// FromStatus converts a Status to an error; StatusOK becomes nil.
func FromStatus(s Status) error {
	if s == StatusOK {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusOf extracts the Status an error should be reported as on the wire.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusCanceled
	}
	return StatusInternal
}
