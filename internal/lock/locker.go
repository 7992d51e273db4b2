package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Locker runs caller code under store-backed resource locks. It owns no lock
// state; every lock lives in a Session that is released before the call
// returns.
type Locker struct {
	pool     Pool
	protocol *Protocol
	retrier  *Retrier
	logger   zerolog.Logger
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithRetrier sets the retrier used for opening sessions and acquiring locks.
func WithRetrier(r *Retrier) LockerOption {
	return func(l *Locker) {
		l.retrier = r
	}
}

// NewLocker creates a Locker drawing sessions from pool.
func NewLocker(pool Pool, protocol *Protocol, logger zerolog.Logger, opts ...LockerOption) *Locker {
	l := &Locker{
		pool:     pool,
		protocol: protocol,
		logger:   logger.With().Str("component", "locker").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retrier == nil {
		l.retrier = NewRetrier(DefaultRetryAttempts, DefaultRetryBackoff, WithOnRetry(func(err error) {
			l.logger.Warn().Err(err).Msg("transient lock store failure, retrying")
		}))
	}
	return l
}

// Protocol returns the negotiated protocol.
func (l *Locker) Protocol() *Protocol {
	return l.protocol
}

// OpenSession checks out a dedicated connection and wraps it in a Session.
// The caller must Close the session.
func (l *Locker) OpenSession(ctx context.Context) (*Session, error) {
	return Invoke(ctx, l.retrier, "open_session", l.openSession)
}

// WithResourceLock acquires resource in mode, runs body while holding it and
// releases it on every exit path, including a panic in body. A timeout is
// returned as *TimeoutError.
func (l *Locker) WithResourceLock(ctx context.Context, resource string, mode Mode, timeout time.Duration, body func(ctx context.Context) error) error {
	if _, err := EncodeKey(l.protocol.Partition(), resource); err != nil {
		return err
	}
	if err := mode.validForAcquire(); err != nil {
		return err
	}
	if err := validateTimeout(timeout); err != nil {
		return err
	}

	session, err := Invoke(ctx, l.retrier, "acquire", func(ctx context.Context) (*Session, error) {
		s, err := l.openSession(ctx)
		if err != nil {
			return nil, err
		}
		result, err := s.Acquire(ctx, resource, mode, timeout)
		if err != nil {
			s.Close()
			return nil, err
		}
		if !result.Acquired() {
			s.Close()
			return nil, &TimeoutError{Resource: resource, Timeout: timeout}
		}
		return s, nil
	})
	if err != nil {
		return err
	}

	return l.runHeld(ctx, session, body)
}

// WithOrderedResourceLocks acquires every resource in order as one unit, runs
// body while holding them and releases them on every exit path. Protocol
// version 1 cannot acquire several locks atomically, so the call fails with
// *CapabilityError instead of locking one resource at a time.
func (l *Locker) WithOrderedResourceLocks(ctx context.Context, resources []string, mode Mode, timeout time.Duration, body func(ctx context.Context) error) error {
	if !l.protocol.SupportsBatch() {
		return &CapabilityError{Operation: "WithOrderedResourceLocks", Required: Version2, Actual: l.protocol.Version()}
	}
	if _, err := EncodeKeys(l.protocol.Partition(), resources); err != nil {
		return err
	}
	if err := mode.validForAcquire(); err != nil {
		return err
	}
	if err := validateTimeout(timeout); err != nil {
		return err
	}

	session, err := Invoke(ctx, l.retrier, "acquire_ordered", func(ctx context.Context) (*Session, error) {
		s, err := l.openSession(ctx)
		if err != nil {
			return nil, err
		}
		granted, timedOut, err := s.AcquireOrdered(ctx, resources, mode, timeout)
		if err != nil {
			s.Close()
			return nil, err
		}
		if !granted {
			s.Close()
			return nil, &TimeoutError{Resource: timedOut, Timeout: timeout}
		}
		return s, nil
	})
	if err != nil {
		return err
	}

	return l.runHeld(ctx, session, body)
}

// QueryMode returns the current mode of resource. It is a live store query on
// a short-lived session.
func (l *Locker) QueryMode(ctx context.Context, resource string) (Mode, error) {
	if _, err := EncodeKey(l.protocol.Partition(), resource); err != nil {
		return NoLock, err
	}
	return Invoke(ctx, l.retrier, "query_mode", func(ctx context.Context) (Mode, error) {
		s, err := l.openSession(ctx)
		if err != nil {
			return NoLock, err
		}
		defer s.Close()
		return s.QueryMode(ctx, resource)
	})
}

func (l *Locker) openSession(ctx context.Context) (*Session, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return NewSession(l.protocol, conn, l.logger), nil
}

// runHeld runs body and then releases the session. The release is detached
// from ctx cancellation so a canceled caller still leaves nothing held.
func (l *Locker) runHeld(ctx context.Context, session *Session, body func(ctx context.Context) error) (err error) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout())
		defer cancel()

		if releaseErr := session.Release(releaseCtx); releaseErr != nil {
			err = errors.Join(err, fmt.Errorf("release locks: %w", releaseErr))
		}
		session.Close()
	}()

	return body(ctx)
}

func (l *Locker) releaseTimeout() time.Duration {
	if d := l.protocol.CommandTimeout(); d > 0 {
		return d
	}
	return DefaultCommandTimeout
}

// VersionSource reports the locking service version installed in a store.
type VersionSource interface {
	ServiceVersion(ctx context.Context) (int, error)
}

// NegotiateVersion determines the protocol version once per store. A
// non-zero override is used as is; otherwise the store is asked.
func NegotiateVersion(ctx context.Context, source VersionSource, override int) (Version, error) {
	if override != 0 {
		return ParseVersion(override)
	}
	v, err := source.ServiceVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("query locking service version: %w", err)
	}
	return ParseVersion(v)
}
