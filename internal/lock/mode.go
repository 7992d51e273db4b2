package lock

import "fmt"

// Mode is the granularity of exclusion requested on a resource.
type Mode int

const (
	// NoLock means no lock is held on the resource.
	NoLock Mode = iota
	// Shared locks are compatible with each other.
	Shared
	// Exclusive locks exclude every other holder.
	Exclusive
)

// String returns the store encoding of the mode.
func (m Mode) String() string {
	switch m {
	case NoLock:
		return "NoLock"
	case Shared:
		return "Shared"
	case Exclusive:
		return "Exclusive"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode decodes a mode string returned by the store.
// Unknown values are protocol errors.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "NoLock":
		return NoLock, nil
	case "Shared":
		return Shared, nil
	case "Exclusive":
		return Exclusive, nil
	default:
		return NoLock, fmt.Errorf("%w: unknown lock mode %q", ErrProtocol, s)
	}
}

// Compatible reports whether a lock in mode m can be granted while another
// holder owns the resource in mode other.
func (m Mode) Compatible(other Mode) bool {
	if m == NoLock || other == NoLock {
		return true
	}
	return m == Shared && other == Shared
}

func (m Mode) validForAcquire() error {
	if m != Shared && m != Exclusive {
		return fmt.Errorf("%w: cannot acquire lock in mode %s", ErrInvalidArgument, m)
	}
	return nil
}

// AcquireResult is the outcome of an acquire request.
type AcquireResult int

const (
	// Granted means the lock was granted without waiting.
	Granted AcquireResult = iota
	// GrantedAfterWait means the lock was granted after incompatible holders released it.
	GrantedAfterWait
	// TimedOut means the wait elapsed before the lock could be granted.
	TimedOut
)

// String returns a label for the result, also used as a metric label.
func (r AcquireResult) String() string {
	switch r {
	case Granted:
		return "granted"
	case GrantedAfterWait:
		return "granted_after_wait"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("AcquireResult(%d)", int(r))
	}
}

// Acquired reports whether the lock is held.
func (r AcquireResult) Acquired() bool {
	return r == Granted || r == GrantedAfterWait
}

// resultFromStatus maps a raw store status onto an AcquireResult.
func resultFromStatus(status int32) (AcquireResult, error) {
	switch status {
	case StatusGranted:
		return Granted, nil
	case StatusGrantedAfterWait:
		return GrantedAfterWait, nil
	case StatusTimedOut:
		return TimedOut, nil
	default:
		return TimedOut, fmt.Errorf("%w: unexpected acquire status %d", ErrProtocol, status)
	}
}
