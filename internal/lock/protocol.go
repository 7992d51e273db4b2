package lock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/kneutral-org/lockservice/internal/metrics"
)

// Version is the locking service version installed in the store. It caps
// which operations the protocol may issue.
type Version int

const (
	// Version1 supports single-resource acquire, release and query.
	Version1 Version = 1
	// Version2 adds ordered batch acquire and release.
	Version2 Version = 2
	// Version3 has the operations of Version2 and addresses multi-tenant
	// stores, so the partition id must be supplied explicitly.
	Version3 Version = 3
)

// ParseVersion validates a version number reported by the store or configuration.
func ParseVersion(v int) (Version, error) {
	if v < int(Version1) || v > int(Version3) {
		return 0, fmt.Errorf("%w: unsupported locking protocol version %d", ErrInvalidArgument, v)
	}
	return Version(v), nil
}

// SupportsBatch reports whether AcquireBatch and ReleaseBatch are available.
func (v Version) SupportsBatch() bool {
	return v >= Version2
}

// MultiTenant reports whether the partition id is taken from the caller.
func (v Version) MultiTenant() bool {
	return v >= Version3
}

// Protocol translates logical lock operations into store calls, honoring the
// capability ceiling of its version. A Protocol is immutable and safe for
// concurrent use; all per-lock state lives in the Conn passed to each call.
type Protocol struct {
	version        Version
	partition      PartitionID
	commandTimeout time.Duration
	logger         zerolog.Logger
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithCommandTimeout sets the minimum command-level timeout for acquire calls.
func WithCommandTimeout(d time.Duration) ProtocolOption {
	return func(p *Protocol) {
		p.commandTimeout = d
	}
}

// WithProtocolLogger sets the logger used to trace failed store calls.
func WithProtocolLogger(logger zerolog.Logger) ProtocolOption {
	return func(p *Protocol) {
		p.logger = logger
	}
}

// NewProtocol creates a protocol for the given version. Versions below 3
// address a single tenant and always use DefaultPartitionID; version 3
// requires a positive partition.
func NewProtocol(version Version, partition PartitionID, opts ...ProtocolOption) (*Protocol, error) {
	if _, err := ParseVersion(int(version)); err != nil {
		return nil, err
	}
	if !version.MultiTenant() {
		partition = DefaultPartitionID
	} else if partition <= 0 {
		return nil, fmt.Errorf("%w: protocol version %d needs an explicit partition id", ErrInvalidArgument, version)
	}

	p := &Protocol{
		version:        version,
		partition:      partition,
		commandTimeout: DefaultCommandTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().
		Str("component", "lock-protocol").
		Int("protocolVersion", int(version)).
		Int("partitionId", int(p.partition)).
		Logger()
	return p, nil
}

// Version returns the negotiated protocol version.
func (p *Protocol) Version() Version {
	return p.version
}

// Partition returns the partition every resource is encoded with.
func (p *Protocol) Partition() PartitionID {
	return p.partition
}

// CommandTimeout returns the minimum command-level timeout.
func (p *Protocol) CommandTimeout() time.Duration {
	return p.commandTimeout
}

// SupportsBatch reports whether AcquireBatch and ReleaseBatch may be used.
func (p *Protocol) SupportsBatch() bool {
	return p.version.SupportsBatch()
}

// AcquireSingle acquires resource in mode on conn, waiting up to timeout.
func (p *Protocol) AcquireSingle(ctx context.Context, conn Conn, resource string, mode Mode, timeout time.Duration) (AcquireResult, error) {
	key, err := EncodeKey(p.partition, resource)
	if err != nil {
		return TimedOut, err
	}
	if err := mode.validForAcquire(); err != nil {
		return TimedOut, err
	}
	if err := validateTimeout(timeout); err != nil {
		return TimedOut, err
	}

	t := translateTimeout(timeout, p.commandTimeout)
	callCtx, cancel := withCommandTimeout(ctx, t.command)
	defer cancel()

	status, err := conn.AcquireLock(callCtx, mode.String(), key, t.lockWait)
	if err != nil {
		return TimedOut, p.fail("AcquireSingle", key, err)
	}

	// Drop the verification lock so schema upgrades are not blocked while
	// this connection holds the resource lock.
	if err := conn.ReleaseVerificationLock(ctx); err != nil {
		return TimedOut, p.fail("ReleaseVerificationLock", key, err)
	}

	result, err := resultFromStatus(status)
	if err != nil {
		return TimedOut, p.fail("AcquireSingle", key, err)
	}
	return result, nil
}

// ReleaseSingle releases resource on conn. Releasing a lock that is no longer
// held is an error; failures are logged and returned.
func (p *Protocol) ReleaseSingle(ctx context.Context, conn Conn, resource string) error {
	key, err := EncodeKey(p.partition, resource)
	if err != nil {
		return err
	}
	if err := conn.ReleaseLock(ctx, key); err != nil {
		return p.fail("ReleaseSingle", key, err)
	}
	return nil
}

// QueryMode returns the mode of any lock currently granted on resource.
// It always asks the store.
func (p *Protocol) QueryMode(ctx context.Context, conn Conn, resource string) (Mode, error) {
	key, err := EncodeKey(p.partition, resource)
	if err != nil {
		return NoLock, err
	}
	raw, err := conn.QueryLockMode(ctx, key)
	if err != nil {
		return NoLock, p.fail("QueryMode", key, err)
	}
	mode, err := ParseMode(raw)
	if err != nil {
		return NoLock, p.fail("QueryMode", key, err)
	}
	return mode, nil
}

// AcquireBatch acquires resources in the given order in one round trip. The
// store stops at the first resource whose wait elapses and releases the ones
// it already took; that resource is returned with granted=false.
func (p *Protocol) AcquireBatch(ctx context.Context, conn Conn, resources []string, mode Mode, timeout time.Duration) (bool, string, error) {
	if err := p.require("AcquireBatch", Version2); err != nil {
		return false, "", err
	}
	keys, err := EncodeKeys(p.partition, resources)
	if err != nil {
		return false, "", err
	}
	if err := mode.validForAcquire(); err != nil {
		return false, "", err
	}
	if err := validateTimeout(timeout); err != nil {
		return false, "", err
	}

	t := translateTimeout(timeout, p.commandTimeout)
	callCtx, cancel := withCommandTimeout(ctx, t.command)
	defer cancel()

	status, timedOutKey, err := conn.AcquireLocks(callCtx, mode.String(), t.lockWait, keys)
	if err != nil {
		return false, "", p.fail("AcquireBatch", keys[0], err)
	}

	// Same as AcquireSingle: unblock schema upgrades.
	if err := conn.ReleaseVerificationLock(ctx); err != nil {
		return false, "", p.fail("ReleaseVerificationLock", keys[0], err)
	}

	result, err := resultFromStatus(status)
	if err != nil {
		return false, "", p.fail("AcquireBatch", keys[0], err)
	}
	if result.Acquired() {
		return true, "", nil
	}

	if timedOutKey == nil {
		return false, "", p.fail("AcquireBatch", keys[0],
			fmt.Errorf("%w: batch timed out without naming a resource", ErrProtocol))
	}
	idx := slices.Index(keys, *timedOutKey)
	if idx < 0 {
		return false, "", p.fail("AcquireBatch", keys[0],
			fmt.Errorf("%w: store reported timeout on %q which is not in the batch", ErrProtocol, *timedOutKey))
	}
	return false, resources[idx], nil
}

// ReleaseBatch releases resources in the order they were encoded. The store
// releases every lock it can before reporting any that were already gone.
func (p *Protocol) ReleaseBatch(ctx context.Context, conn Conn, resources []string) error {
	if err := p.require("ReleaseBatch", Version2); err != nil {
		p.logger.Error().Err(err).Msg("batch release rejected")
		return err
	}
	keys, err := EncodeKeys(p.partition, resources)
	if err != nil {
		return err
	}
	if err := conn.ReleaseLocks(ctx, keys); err != nil {
		return p.fail("ReleaseBatch", keys[0], err)
	}
	return nil
}

func (p *Protocol) require(operation string, min Version) error {
	if p.version < min {
		return &CapabilityError{Operation: operation, Required: min, Actual: p.version}
	}
	return nil
}

// fail logs a failed store call and returns err unchanged.
func (p *Protocol) fail(operation, key string, err error) error {
	event := p.logger.Error()
	if errors.Is(err, ErrTransport) {
		event = p.logger.Warn()
	}
	if errors.Is(err, ErrProtocol) {
		metrics.RecordProtocolError(operation)
	}
	event.Err(err).
		Str("operation", operation).
		Str("resource", key).
		Msg("lock store call failed")
	return err
}

func withCommandTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
