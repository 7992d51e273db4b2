package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{NoLock, Shared, Exclusive} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, parsed)
	}

	_, err := ParseMode("Update")
	assert.ErrorIs(t, err, ErrProtocol)

	_, err = ParseMode("exclusive")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMode_Compatible(t *testing.T) {
	assert.True(t, Shared.Compatible(Shared))
	assert.False(t, Shared.Compatible(Exclusive))
	assert.False(t, Exclusive.Compatible(Shared))
	assert.False(t, Exclusive.Compatible(Exclusive))
	assert.True(t, Exclusive.Compatible(NoLock))
	assert.True(t, NoLock.Compatible(Exclusive))
}

func TestMode_ValidForAcquire(t *testing.T) {
	assert.NoError(t, Shared.validForAcquire())
	assert.NoError(t, Exclusive.validForAcquire())
	assert.ErrorIs(t, NoLock.validForAcquire(), ErrInvalidArgument)
	assert.ErrorIs(t, Mode(9).validForAcquire(), ErrInvalidArgument)
}

func TestResultFromStatus(t *testing.T) {
	tests := []struct {
		status   int32
		expected AcquireResult
		acquired bool
	}{
		{StatusGranted, Granted, true},
		{StatusGrantedAfterWait, GrantedAfterWait, true},
		{StatusTimedOut, TimedOut, false},
	}

	for _, tt := range tests {
		result, err := resultFromStatus(tt.status)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, result)
		assert.Equal(t, tt.acquired, result.Acquired())
	}

	for _, status := range []int32{-2, 2, 99} {
		_, err := resultFromStatus(status)
		assert.ErrorIs(t, err, ErrProtocol, "status %d", status)
	}
}

func TestAcquireResult_String(t *testing.T) {
	assert.Equal(t, "granted", Granted.String())
	assert.Equal(t, "granted_after_wait", GrantedAfterWait.String())
	assert.Equal(t, "timed_out", TimedOut.String())
}

func TestErrors_Unwrap(t *testing.T) {
	capErr := &CapabilityError{Operation: "AcquireBatch", Required: Version2, Actual: Version1}
	assert.ErrorIs(t, capErr, ErrCapability)
	assert.Contains(t, capErr.Error(), "AcquireBatch")

	timeoutErr := &TimeoutError{Resource: "orders", Timeout: 50 * time.Millisecond}
	assert.ErrorIs(t, timeoutErr, ErrLockTimeout)
	assert.Contains(t, timeoutErr.Error(), "50ms")

	infinite := &TimeoutError{Resource: "orders", Timeout: InfiniteTimeout}
	assert.NotContains(t, infinite.Error(), "after")

	assert.True(t, IsTransient(ErrTransport))
	assert.False(t, IsTransient(ErrProtocol))
	assert.False(t, IsTransient(timeoutErr))
}
