package asyncio

import (
	"errors"
	"strings"
)

// Standard errors.
var (
	// ErrInvalidState is returned when completing an already-settled future,
	// reading the result of a pending future, or registering a second
	// protocol on a transport.
	ErrInvalidState = errors.New("asyncio: invalid state")

	// ErrCancelled reports that a future or task was cancelled. It is
	// distinct from every other failure and is delivered to coroutine code
	// through [Coro.Await].
	ErrCancelled = errors.New("asyncio: cancelled")

	// ErrInvalidArgument is returned for conflicting or malformed options,
	// e.g. both host and sock supplied, or mismatched datagram address
	// families.
	ErrInvalidArgument = errors.New("asyncio: invalid argument")

	// ErrTimeout is returned by deadline wrappers such as [WaitFor] when
	// the inner future does not settle before the deadline fires.
	ErrTimeout = errors.New("asyncio: timed out")

	// ErrLoopClosed is returned when operations are attempted on a closed
	// event loop.
	ErrLoopClosed = errors.New("asyncio: loop is closed")

	// ErrLoopRunning is returned when RunForever is invoked on a loop that
	// is already running, or Close on a running loop.
	ErrLoopRunning = errors.New("asyncio: loop is already running")

	// ErrProtocolRegistered is returned when a second protocol is attached
	// to a transport. One transport owns at most one protocol.
	ErrProtocolRegistered = errors.New("asyncio: transport already has a protocol")
)

// TypeError reports that a coroutine yielded something the task machinery
// cannot drive, e.g. a future belonging to a different loop.
type TypeError struct {
	Message string
}

// Error implements the error interface.
func (e *TypeError) Error() string {
	if e.Message == "" {
		return "asyncio: type error"
	}
	return e.Message
}

// ConnectError aggregates the per-candidate failures of a multi-address
// connection attempt. It is only produced when more than one address was
// tried; a single failure surfaces unwrapped.
type ConnectError struct {
	Errors []error
}

// Error implements the error interface. The message lists every attempt:
// "Multiple exceptions: err1, err2".
func (e *ConnectError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "Multiple exceptions: " + strings.Join(msgs, ", ")
}

// Unwrap returns the errors slice for multi-error unwrapping, enabling
// [errors.Is] and [errors.As] against each attempt's failure.
func (e *ConnectError) Unwrap() []error {
	return e.Errors
}
