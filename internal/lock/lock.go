// Package lock provides distributed advisory locking over a shared relational
// store, for coordinating access to named resources across multiple service
// instances that have no direct channel to each other.
//
// The store is the only serialization point. Locks are owned by the store
// connection that acquired them, so every acquire/release pair runs on one
// dedicated connection held by a Session.
package lock

import (
	"context"
)

// Raw acquire statuses returned by the store.
const (
	StatusGranted          int32 = 0
	StatusGrantedAfterWait int32 = 1
	StatusTimedOut         int32 = -1
)

// Conn is the stored-procedure surface of one store connection.
// Implementations are not required to be safe for concurrent use; a Conn is
// only ever driven by the Session that owns it.
type Conn interface {
	// AcquireLock takes the lock on resource in the given mode, waiting up to
	// lockTimeout milliseconds (0 waits forever). It returns the raw status.
	AcquireLock(ctx context.Context, mode string, resource string, lockTimeout int32) (int32, error)

	// ReleaseLock releases a lock held by this connection.
	ReleaseLock(ctx context.Context, resource string) error

	// QueryLockMode returns the mode of any lock currently granted on resource.
	QueryLockMode(ctx context.Context, resource string) (string, error)

	// AcquireLocks takes the locks on resources in order and stops at the
	// first one that times out, which is returned along with the status.
	AcquireLocks(ctx context.Context, mode string, lockTimeout int32, resources []string) (int32, *string, error)

	// ReleaseLocks releases every lock in resources held by this connection.
	ReleaseLocks(ctx context.Context, resources []string) error

	// ReleaseVerificationLock drops the schema verification lock taken by
	// the acquire primitives.
	ReleaseVerificationLock(ctx context.Context) error
}

// PooledConn is a Conn checked out of a Pool.
type PooledConn interface {
	Conn

	// Release returns the connection to the pool.
	Release()

	// Destroy closes the underlying connection instead of returning it, so
	// the store drops every lock the connection still owns.
	Destroy()
}

// Pool hands out dedicated store connections.
type Pool interface {
	// Acquire checks out a connection for exclusive use.
	Acquire(ctx context.Context) (PooledConn, error)

	// ServiceVersion returns the locking service version installed in the store.
	ServiceVersion(ctx context.Context) (int, error)
}
