package lock

import (
	"errors"
	"fmt"
	"time"
)

// Common errors for locking operations.
var (
	// ErrInvalidArgument is returned for malformed resource names, lists, modes or timeouts.
	// Nothing is sent to the store.
	ErrInvalidArgument = errors.New("invalid lock argument")

	// ErrCapability is returned when the negotiated protocol version does not support an operation.
	// Nothing is sent to the store.
	ErrCapability = errors.New("operation not supported by locking protocol version")

	// ErrLockTimeout is returned when the store reports that the lock wait elapsed.
	ErrLockTimeout = errors.New("lock request timed out")

	// ErrProtocol is returned when the store answers outside the protocol. It is never retried.
	ErrProtocol = errors.New("locking protocol error")

	// ErrTransport is returned for connection-level failures. It is the only retryable class.
	ErrTransport = errors.New("locking store transport error")

	// ErrReleaseAfterGone is returned when releasing a lock that is no longer held.
	ErrReleaseAfterGone = errors.New("lock already released")

	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("lock session closed")

	// ErrInvalidSessionState is returned when a session call is not allowed in its current state.
	ErrInvalidSessionState = errors.New("invalid lock session state")
)

// CapabilityError reports an operation that needs a newer protocol version.
type CapabilityError struct {
	Operation string
	Required  Version
	Actual    Version
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s requires locking protocol version >= %d, negotiated version is %d",
		e.Operation, e.Required, e.Actual)
}

// Unwrap allows errors.Is(err, ErrCapability).
func (e *CapabilityError) Unwrap() error {
	return ErrCapability
}

// TimeoutError reports that a lock could not be granted within the requested timeout.
type TimeoutError struct {
	// Resource is the resource whose wait elapsed. For ordered requests it is
	// the first resource in the list that could not be granted.
	Resource string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout == InfiniteTimeout {
		return fmt.Sprintf("timed out waiting for lock on %q", e.Resource)
	}
	return fmt.Sprintf("timed out after %s waiting for lock on %q", e.Timeout, e.Resource)
}

// Unwrap allows errors.Is(err, ErrLockTimeout).
func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// IsTransient reports whether err is a transport failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport)
}
