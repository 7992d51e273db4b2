package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names accepted by MemoryStore.InjectFault.
const (
	OpConnect                 = "connect"
	OpAcquireLock             = "acquire_lock"
	OpReleaseLock             = "release_lock"
	OpQueryLockMode           = "query_lock_mode"
	OpAcquireLocks            = "acquire_locks"
	OpReleaseLocks            = "release_locks"
	OpReleaseVerificationLock = "release_verification_lock"
)

// MemoryStore is an in-memory implementation of Pool for testing and
// development. It follows the store contract: locks belong to the connection
// that took them, shared locks are compatible with each other, waiters block
// until a release or their timeout, and destroying a connection drops its locks.
type MemoryStore struct {
	version int

	mu      sync.Mutex
	holds   map[string]map[int64]*memoryHold
	changed chan struct{}
	faults  map[string][]error
	nextID  int64

	calls                atomic.Int64
	verificationReleases atomic.Int64
	openConns            atomic.Int64
}

type memoryHold struct {
	shared    int
	exclusive int
}

// NewMemoryStore creates an empty store reporting the given service version.
func NewMemoryStore(version int) *MemoryStore {
	return &MemoryStore{
		version: version,
		holds:   make(map[string]map[int64]*memoryHold),
		changed: make(chan struct{}),
		faults:  make(map[string][]error),
	}
}

// Acquire implements Pool.Acquire.
func (s *MemoryStore) Acquire(ctx context.Context) (PooledConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if err := s.takeFault(OpConnect); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	s.openConns.Add(1)
	return &memoryConn{store: s, id: id}, nil
}

// ServiceVersion implements Pool.ServiceVersion.
func (s *MemoryStore) ServiceVersion(ctx context.Context) (int, error) {
	return s.version, nil
}

// InjectFault makes the next call of operation fail with err. Faults for the
// same operation are consumed in the order they were injected.
func (s *MemoryStore) InjectFault(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[operation] = append(s.faults[operation], err)
}

// Calls returns the number of calls made on connections.
func (s *MemoryStore) Calls() int64 {
	return s.calls.Load()
}

// VerificationReleases returns how many times the verification lock was released.
func (s *MemoryStore) VerificationReleases() int64 {
	return s.verificationReleases.Load()
}

// OpenConns returns the number of connections checked out and not yet
// released or destroyed.
func (s *MemoryStore) OpenConns() int64 {
	return s.openConns.Load()
}

func (s *MemoryStore) takeFault(operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.faults[operation]
	if len(queue) == 0 {
		return nil
	}
	s.faults[operation] = queue[1:]
	return queue[0]
}

// tryGrant must be called with s.mu held.
func (s *MemoryStore) tryGrant(connID int64, key, mode string) bool {
	for holder, h := range s.holds[key] {
		if holder == connID {
			continue
		}
		if h.exclusive > 0 {
			return false
		}
		if mode == Exclusive.String() && h.shared > 0 {
			return false
		}
	}

	holders, ok := s.holds[key]
	if !ok {
		holders = make(map[int64]*memoryHold)
		s.holds[key] = holders
	}
	h, ok := holders[connID]
	if !ok {
		h = &memoryHold{}
		holders[connID] = h
	}
	if mode == Exclusive.String() {
		h.exclusive++
	} else {
		h.shared++
	}
	return true
}

// release must be called with s.mu held.
func (s *MemoryStore) release(connID int64, key string) bool {
	h, ok := s.holds[key][connID]
	if !ok {
		return false
	}
	if h.exclusive > 0 {
		h.exclusive--
	} else {
		h.shared--
	}
	if h.exclusive == 0 && h.shared == 0 {
		delete(s.holds[key], connID)
		if len(s.holds[key]) == 0 {
			delete(s.holds, key)
		}
	}
	s.broadcast()
	return true
}

// broadcast wakes every waiter. Must be called with s.mu held.
func (s *MemoryStore) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *MemoryStore) dropConn(connID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := false
	for key, holders := range s.holds {
		if _, ok := holders[connID]; ok {
			delete(holders, connID)
			dropped = true
		}
		if len(holders) == 0 {
			delete(s.holds, key)
		}
	}
	if dropped {
		s.broadcast()
	}
}

// acquire waits until key can be granted to connID or deadline passes. A zero
// deadline waits forever.
func (s *MemoryStore) acquire(ctx context.Context, connID int64, key, mode string, deadline time.Time) (int32, error) {
	waited := false
	for {
		s.mu.Lock()
		if s.tryGrant(connID, key, mode) {
			s.mu.Unlock()
			if waited {
				return StatusGrantedAfterWait, nil
			}
			return StatusGranted, nil
		}
		changed := s.changed
		s.mu.Unlock()
		waited = true

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return StatusTimedOut, nil
			}
			timer = time.NewTimer(remaining)
			expired = timer.C
		}

		select {
		case <-changed:
		case <-expired:
			return StatusTimedOut, nil
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return 0, fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

type memoryConn struct {
	store        *MemoryStore
	id           int64
	verification int
	closed       atomic.Bool
}

func (c *memoryConn) begin(operation string) error {
	c.store.calls.Add(1)
	if c.closed.Load() {
		return fmt.Errorf("%w: connection %d is closed", ErrTransport, c.id)
	}
	return c.store.takeFault(operation)
}

func checkMode(mode string) error {
	if mode != Shared.String() && mode != Exclusive.String() {
		return fmt.Errorf("%w: invalid lock mode %q", ErrProtocol, mode)
	}
	return nil
}

func lockDeadline(lockTimeout int32) time.Time {
	if lockTimeout == 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(lockTimeout) * time.Millisecond)
}

func (c *memoryConn) AcquireLock(ctx context.Context, mode string, resource string, lockTimeout int32) (int32, error) {
	if err := c.begin(OpAcquireLock); err != nil {
		return 0, err
	}
	if err := checkMode(mode); err != nil {
		return 0, err
	}
	c.verification++
	return c.store.acquire(ctx, c.id, resource, mode, lockDeadline(lockTimeout))
}

func (c *memoryConn) ReleaseLock(ctx context.Context, resource string) error {
	if err := c.begin(OpReleaseLock); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.store.release(c.id, resource) {
		return fmt.Errorf("%w: lock %q is not held by this connection", ErrReleaseAfterGone, resource)
	}
	return nil
}

func (c *memoryConn) QueryLockMode(ctx context.Context, resource string) (string, error) {
	if err := c.begin(OpQueryLockMode); err != nil {
		return "", err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	mode := NoLock
	for _, h := range c.store.holds[resource] {
		if h.exclusive > 0 {
			return Exclusive.String(), nil
		}
		if h.shared > 0 {
			mode = Shared
		}
	}
	return mode.String(), nil
}

func (c *memoryConn) AcquireLocks(ctx context.Context, mode string, lockTimeout int32, resources []string) (int32, *string, error) {
	if err := c.begin(OpAcquireLocks); err != nil {
		return 0, nil, err
	}
	if err := checkMode(mode); err != nil {
		return 0, nil, err
	}
	c.verification++

	deadline := lockDeadline(lockTimeout)
	result := StatusGranted
	for i, resource := range resources {
		status, err := c.store.acquire(ctx, c.id, resource, mode, deadline)
		if err == nil && status == StatusGrantedAfterWait {
			result = StatusGrantedAfterWait
		}
		if err == nil && status != StatusTimedOut {
			continue
		}

		c.store.mu.Lock()
		for _, acquired := range resources[:i] {
			c.store.release(c.id, acquired)
		}
		c.store.mu.Unlock()
		if err != nil {
			return 0, nil, err
		}
		timedOut := resource
		return StatusTimedOut, &timedOut, nil
	}
	return result, nil, nil
}

func (c *memoryConn) ReleaseLocks(ctx context.Context, resources []string) error {
	if err := c.begin(OpReleaseLocks); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	var missing []string
	for _, resource := range resources {
		if !c.store.release(c.id, resource) {
			missing = append(missing, resource)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: locks not held by this connection: %s", ErrReleaseAfterGone, strings.Join(missing, ", "))
	}
	return nil
}

func (c *memoryConn) ReleaseVerificationLock(ctx context.Context) error {
	if err := c.begin(OpReleaseVerificationLock); err != nil {
		return err
	}
	if c.verification > 0 {
		c.verification--
	}
	c.store.verificationReleases.Add(1)
	return nil
}

func (c *memoryConn) Release() {
	if c.closed.CompareAndSwap(false, true) {
		c.store.openConns.Add(-1)
	}
}

func (c *memoryConn) Destroy() {
	if c.closed.CompareAndSwap(false, true) {
		c.store.openConns.Add(-1)
		c.store.dropConn(c.id)
	}
}
