package slcan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roffe/slcan/pkg/transport"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrPortUnavailable  = transport.ErrPortUnavailable
	ErrTimeout          = errors.New("no reply within deadline")
	ErrProtocol         = errors.New("adapter replied with error byte")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrConfiguration    = errors.New("invalid configuration")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrAlreadyListening = errors.New("listener already running")
	ErrTransportBusy    = errors.New("transport owned by another reader")
	ErrSendFailed       = errors.New("send failed")
)

// SendError is returned when every encoding of a frame was refused.
type SendError struct {
	Frame    *CANFrame
	Attempts []Attempt
}

func (e *SendError) Error() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("send of %s failed after %d attempt(s)", e.Frame.idString(), len(e.Attempts)))
	for _, a := range e.Attempts {
		out.WriteString("; " + a.String())
	}
	return out.String()
}

func (e *SendError) Is(target error) bool {
	switch target {
	case ErrSendFailed:
		return true
	case ErrProtocol:
		return len(e.Attempts) > 0 && e.Attempts[len(e.Attempts)-1].Reply == ReplyError
	}
	return false
}
