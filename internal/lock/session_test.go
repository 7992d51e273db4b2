package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

func newTestSession(t *testing.T, store *MemoryStore, version Version) *Session {
	t.Helper()
	return NewSession(mustProtocol(t, version, 1), checkout(t, store), zerolog.Nop())
}

func TestSession_AcquireRelease(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)
	assert.Equal(t, StateIdle, s.State())
	assert.NotEmpty(t, s.ID())

	result, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Granted, result)
	assert.Equal(t, StateHeld, s.State())
	assert.Equal(t, []string{"r"}, s.Resources())

	mode, err := s.QueryMode(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, Exclusive, mode)

	require.NoError(t, s.Release(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(0), store.OpenConns())
}

func TestSession_ReleaseAfterClosed(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)

	_, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Release(context.Background()))

	err = s.Release(context.Background())
	assert.ErrorIs(t, err, ErrReleaseAfterGone)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_ReleaseWithoutHold(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)
	defer s.Close()

	assert.ErrorIs(t, s.Release(context.Background()), ErrInvalidSessionState)
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_TimedOut(t *testing.T) {
	store := NewMemoryStore(1)
	holder := newTestSession(t, store, Version1)
	defer holder.Close()
	_, err := holder.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)

	s := newTestSession(t, store, Version1)
	result, err := s.Acquire(context.Background(), "r", Shared, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, result)
	assert.Equal(t, StateTimedOut, s.State())

	assert.ErrorIs(t, s.Release(context.Background()), ErrInvalidSessionState)
	_, err = s.Acquire(context.Background(), "r", Shared, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidSessionState)

	// Nothing is outstanding, so the connection goes back to the pool.
	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(1), store.OpenConns())
}

func TestSession_ValidationLeavesIdle(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)
	defer s.Close()

	_, err := s.Acquire(context.Background(), "", Exclusive, time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, StateIdle, s.State())

	_, _, err = s.AcquireOrdered(context.Background(), []string{"a", "b"}, Exclusive, time.Second)
	assert.ErrorIs(t, err, ErrCapability)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, int64(0), store.Calls())

	result, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)
	assert.True(t, result.Acquired())
}

func TestSession_FaultedDestroysConnection(t *testing.T) {
	store := NewMemoryStore(1)
	store.InjectFault(OpAcquireLock, fmt.Errorf("%w: connection reset", ErrTransport))
	s := newTestSession(t, store, Version1)

	_, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateFaulted, s.State())

	s.Close()
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int64(0), store.OpenConns())
}

func TestSession_CloseWhileHeldDropsLock(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)

	_, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)

	s.Close()
	s.Close()

	observer := newTestSession(t, store, Version1)
	defer observer.Close()
	mode, err := observer.QueryMode(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, NoLock, mode)
}

func TestSession_FailedReleaseDestroysConnection(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)

	_, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	require.NoError(t, err)

	store.InjectFault(OpReleaseLock, fmt.Errorf("%w: broken pipe", ErrTransport))
	err = s.Release(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateClosed, s.State())

	observer := newTestSession(t, store, Version1)
	defer observer.Close()
	mode, err := observer.QueryMode(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, NoLock, mode)
}

func TestSession_AcquireOrdered(t *testing.T) {
	store := NewMemoryStore(2)
	s := newTestSession(t, store, Version2)

	granted, timedOut, err := s.AcquireOrdered(context.Background(), []string{"b", "a"}, Exclusive, time.Second)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Empty(t, timedOut)
	assert.Equal(t, StateHeld, s.State())
	assert.Equal(t, []string{"b", "a"}, s.Resources())

	require.NoError(t, s.Release(context.Background()))

	observer := newTestSession(t, store, Version2)
	defer observer.Close()
	for _, r := range []string{"a", "b"} {
		mode, err := observer.QueryMode(context.Background(), r)
		require.NoError(t, err)
		assert.Equal(t, NoLock, mode)
	}
}

func TestSession_ClosedRejectsUse(t *testing.T) {
	store := NewMemoryStore(1)
	s := newTestSession(t, store, Version1)
	s.Close()

	_, err := s.Acquire(context.Background(), "r", Exclusive, time.Second)
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = s.QueryMode(context.Background(), "r")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_ActiveGauge(t *testing.T) {
	store := NewMemoryStore(1)
	before := testutil.ToFloat64(metrics.LockSessionsActive)

	s := newTestSession(t, store, Version1)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LockSessionsActive))

	s.Close()
	assert.Equal(t, before, testutil.ToFloat64(metrics.LockSessionsActive))
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "held", StateHeld.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "SessionState(42)", SessionState(42).String())
}
