package lib

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedSegment = errors.New("malformed segment")
	ErrConnectionClosed = errors.New("connection closed")
	ErrListenerClosed   = errors.New("listener closed")
	ErrWouldBlock       = errors.New("operation would block")
	ErrMessageTooLarge  = errors.New("message exceeds fragment limit")

	// ErrConnectionTimedOut is returned when the handshake, the idle timer or
	// the retransmission limit gives up on the peer.
	ErrConnectionTimedOut = &TimeoutError{msg: "connection timed out"}

	errDeadline = &TimeoutError{msg: "i/o timeout"}
)

// TimeoutError implements net.Error.
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

// TransportError wraps a failure of the underlying datagram socket.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedSegment, fmt.Sprintf(format, args...))
}

// timedOut wraps ErrConnectionTimedOut with the reason.
func timedOut(reason string) error {
	return fmt.Errorf("%w: %s", ErrConnectionTimedOut, reason)
}
