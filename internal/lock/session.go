package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

// SessionState is a step in a session's lifecycle:
//
//	Idle -> Acquiring -> {Held, TimedOut, Faulted} -> Releasing -> Closed
type SessionState int

const (
	StateIdle SessionState = iota
	StateAcquiring
	StateHeld
	StateTimedOut
	StateFaulted
	StateReleasing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateHeld:
		return "held"
	case StateTimedOut:
		return "timed_out"
	case StateFaulted:
		return "faulted"
	case StateReleasing:
		return "releasing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Session binds one store connection for the acquire/release span of a lock
// or an ordered batch of locks. The release always runs on the connection that
// acquired, since the session never exposes it.
//
// A Session is single-use and must not be copied. Always Close it, typically
// with defer; Close returns or destroys the connection depending on whether a
// lock may still be outstanding.
type Session struct {
	mu sync.Mutex

	id       string
	protocol *Protocol
	conn     PooledConn
	logger   zerolog.Logger

	state     SessionState
	mode      Mode
	resources []string
	batch     bool
	heldAt    time.Time
}

// NewSession wraps a checked-out connection. The session owns conn from now on.
func NewSession(protocol *Protocol, conn PooledConn, logger zerolog.Logger) *Session {
	id := uuid.NewString()
	metrics.LockSessionsActive.Inc()
	return &Session{
		id:       id,
		protocol: protocol,
		conn:     conn,
		logger:   logger.With().Str("component", "lock-session").Str("sessionId", id).Logger(),
		state:    StateIdle,
	}
}

// ID returns the session id used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Resources returns the resources this session acquired or attempted.
func (s *Session) Resources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resources...)
}

// Acquire takes a single lock. Validation errors leave the session Idle; a
// timeout moves it to TimedOut and any store failure to Faulted.
func (s *Session) Acquire(ctx context.Context, resource string, mode Mode, timeout time.Duration) (AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginAcquire(); err != nil {
		return TimedOut, err
	}

	start := time.Now()
	result, err := s.protocol.AcquireSingle(ctx, s.conn, resource, mode, timeout)
	s.finishAcquire([]string{resource}, mode, false, result, err, start)
	return result, err
}

// AcquireOrdered takes every lock in resources, in order, as one unit. When
// the batch times out, the resource that could not be granted is returned and
// no lock from the batch is held.
func (s *Session) AcquireOrdered(ctx context.Context, resources []string, mode Mode, timeout time.Duration) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.beginAcquire(); err != nil {
		return false, "", err
	}

	start := time.Now()
	granted, timedOut, err := s.protocol.AcquireBatch(ctx, s.conn, resources, mode, timeout)
	result := TimedOut
	if granted {
		result = Granted
	}
	s.finishAcquire(append([]string(nil), resources...), mode, true, result, err, start)
	return granted, timedOut, err
}

// Release releases whatever the session holds. It is only valid in the Held
// state. The session is Closed afterwards whatever the outcome; when the
// release fails the connection is destroyed so the store drops the lock.
func (s *Session) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateHeld:
	case StateClosed:
		return fmt.Errorf("%w: %w", ErrReleaseAfterGone, ErrSessionClosed)
	default:
		return fmt.Errorf("%w: release called in state %s", ErrInvalidSessionState, s.state)
	}

	s.state = StateReleasing
	var err error
	if s.batch {
		err = s.protocol.ReleaseBatch(ctx, s.conn, s.resources)
	} else {
		err = s.protocol.ReleaseSingle(ctx, s.conn, s.resources[0])
	}

	metrics.RecordLockHeld(s.mode.String(), time.Since(s.heldAt).Seconds())
	if err != nil {
		metrics.RecordRelease("failed")
		s.logger.Error().Err(err).Strs("resources", s.resources).Msg("lock release failed, destroying connection")
		s.closeLocked(true)
		return err
	}

	metrics.RecordRelease("released")
	s.logger.Debug().Strs("resources", s.resources).Msg("lock released")
	s.closeLocked(false)
	return nil
}

// QueryMode reports the current mode of resource using this session's
// connection. It does not change the session state.
func (s *Session) QueryMode(ctx context.Context, resource string) (Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return NoLock, ErrSessionClosed
	}
	mode, err := s.protocol.QueryMode(ctx, s.conn, resource)
	if err != nil && IsTransient(err) {
		s.state = StateFaulted
	}
	return mode, err
}

// Close ends the session. The connection goes back to the pool when no lock
// can be outstanding and is destroyed otherwise. Closing a closed session is
// a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return
	case StateIdle, StateTimedOut:
		s.closeLocked(false)
	case StateHeld:
		s.logger.Warn().Strs("resources", s.resources).Msg("session closed while holding locks, destroying connection")
		s.closeLocked(true)
	default:
		s.closeLocked(true)
	}
}

func (s *Session) beginAcquire() error {
	switch s.state {
	case StateIdle:
		s.state = StateAcquiring
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: acquire called in state %s", ErrInvalidSessionState, s.state)
	}
}

func (s *Session) finishAcquire(resources []string, mode Mode, batch bool, result AcquireResult, err error, start time.Time) {
	elapsed := time.Since(start).Seconds()

	switch {
	case err == nil && result.Acquired():
		s.state = StateHeld
		s.heldAt = time.Now()
		s.logger.Debug().Strs("resources", resources).Str("mode", mode.String()).Str("result", result.String()).Msg("lock acquired")
	case err == nil:
		s.state = StateTimedOut
		s.logger.Debug().Strs("resources", resources).Str("mode", mode.String()).Msg("lock request timed out")
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrCapability):
		// Rejected before reaching the store.
		s.state = StateIdle
		return
	default:
		s.state = StateFaulted
		metrics.RecordAcquire(mode.String(), "error", elapsed)
		return
	}

	s.mode = mode
	s.resources = resources
	s.batch = batch
	metrics.RecordAcquire(mode.String(), result.String(), elapsed)
}

func (s *Session) closeLocked(destroy bool) {
	if destroy {
		s.conn.Destroy()
	} else {
		s.conn.Release()
	}
	s.state = StateClosed
	metrics.LockSessionsActive.Dec()
}
