package lock

import (
	"fmt"
	"math"
	"time"
)

// InfiniteTimeout waits for a lock forever.
const InfiniteTimeout time.Duration = -1

// DefaultCommandTimeout is the minimum command-level timeout applied to
// acquire calls when none is configured.
const DefaultCommandTimeout = 30 * time.Second

// storeTimeouts is a lock timeout translated for the store boundary.
type storeTimeouts struct {
	// lockWait is the wait passed to the acquire primitive in milliseconds;
	// the store reads 0 as "wait forever".
	lockWait int32
	// command bounds the whole store call. Zero means no deadline.
	command time.Duration
}

func validateTimeout(timeout time.Duration) error {
	if timeout == InfiniteTimeout {
		return nil
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: lock timeout must be positive or InfiniteTimeout, got %s", ErrInvalidArgument, timeout)
	}
	if ms := ceilMillis(timeout); ms > math.MaxInt32 {
		return fmt.Errorf("%w: lock timeout %s exceeds %d ms", ErrInvalidArgument, timeout, math.MaxInt32)
	}
	return nil
}

// translateTimeout converts a caller timeout into store parameters. The
// command deadline is the lock wait plus minCommand of headroom, so the
// store's own wait always expires and reports a status before the client
// gives up on the call. A non-positive minCommand falls back to
// DefaultCommandTimeout.
func translateTimeout(timeout, minCommand time.Duration) storeTimeouts {
	if timeout == InfiniteTimeout {
		return storeTimeouts{}
	}
	headroom := minCommand
	if headroom <= 0 {
		headroom = DefaultCommandTimeout
	}
	return storeTimeouts{
		lockWait: int32(ceilMillis(timeout)),
		command:  timeout + headroom,
	}
}

func ceilMillis(d time.Duration) int64 {
	ms := int64(d / time.Millisecond)
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}
