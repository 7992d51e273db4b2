package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MinPoolConns is the lowest pool ceiling used for locking connections.
// Lock sessions hold their connection for as long as the lock is held, so the
// general-purpose default is far too small under lock-heavy load.
const MinPoolConns int32 = 400

// ApplicationName identifies locking connections in pg_stat_activity.
const ApplicationName = "lockservice"

// SQLSTATEs raised by the locking functions.
const (
	sqlStateInvalidLockRequest = "LK001"
	sqlStateLockNotHeld        = "LK002"
)

// ServiceName is the row of lock_service_version describing this protocol.
const ServiceName = "Locking"

// NewPostgresPool opens a pgx pool tuned for lock sessions: the connection
// ceiling is raised to at least MinPoolConns.
func NewPostgresPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns < MinPoolConns {
		maxConns = MinPoolConns
	}
	cfg.MaxConns = maxConns
	cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open lock pool: %w", err)
	}
	return pool, nil
}

// PostgresStore is a PostgreSQL implementation of Pool. Locks are session
// advisory locks taken by the prc_* functions installed by Migrate.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed lock store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Acquire implements Pool.Acquire.
func (s *PostgresStore) Acquire(ctx context.Context) (PooledConn, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &postgresConn{conn: conn}, nil
}

// ServiceVersion implements Pool.ServiceVersion.
func (s *PostgresStore) ServiceVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRow(ctx,
		"SELECT version FROM lock_service_version WHERE service_name = $1", ServiceName,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: locking service is not installed", ErrProtocol)
	}
	if err != nil {
		return 0, classifyPgError(err)
	}
	return version, nil
}

// Ping checks that the store is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return classifyPgError(err)
	}
	return nil
}

type postgresConn struct {
	conn *pgxpool.Conn
}

func (c *postgresConn) AcquireLock(ctx context.Context, mode string, resource string, lockTimeout int32) (int32, error) {
	var status int32
	err := c.conn.QueryRow(ctx, "SELECT prc_acquire_lock($1, $2, $3)", mode, resource, lockTimeout).Scan(&status)
	if err != nil {
		return 0, classifyPgError(err)
	}
	return status, nil
}

func (c *postgresConn) ReleaseLock(ctx context.Context, resource string) error {
	if _, err := c.conn.Exec(ctx, "SELECT prc_release_lock($1)", resource); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (c *postgresConn) QueryLockMode(ctx context.Context, resource string) (string, error) {
	var mode string
	err := c.conn.QueryRow(ctx, "SELECT lock_mode FROM prc_query_lock_mode($1)", resource).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: prc_query_lock_mode returned no rows", ErrProtocol)
	}
	if err != nil {
		return "", classifyPgError(err)
	}
	return mode, nil
}

func (c *postgresConn) AcquireLocks(ctx context.Context, mode string, lockTimeout int32, resources []string) (int32, *string, error) {
	var (
		status   int32
		timedOut *string
	)
	err := c.conn.QueryRow(ctx,
		"SELECT status, resource FROM prc_acquire_locks($1, $2, $3)", mode, lockTimeout, resources,
	).Scan(&status, &timedOut)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("%w: prc_acquire_locks returned no rows", ErrProtocol)
	}
	if err != nil {
		return 0, nil, classifyPgError(err)
	}
	return status, timedOut, nil
}

func (c *postgresConn) ReleaseLocks(ctx context.Context, resources []string) error {
	if _, err := c.conn.Exec(ctx, "SELECT prc_release_locks($1)", resources); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (c *postgresConn) ReleaseVerificationLock(ctx context.Context) error {
	if _, err := c.conn.Exec(ctx, "SELECT prc_release_verification_lock()"); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (c *postgresConn) Release() {
	c.conn.Release()
}

// Destroy takes the connection out of the pool and closes it; PostgreSQL
// releases every advisory lock of the backend when the session ends.
func (c *postgresConn) Destroy() {
	raw := c.conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultCommandTimeout)
	defer cancel()
	_ = raw.Close(ctx)
}

// classifyPgError maps driver errors onto the lock error taxonomy.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == sqlStateLockNotHeld:
			return fmt.Errorf("%w: %s", ErrReleaseAfterGone, pgErr.Message)
		case pgErr.Code == sqlStateInvalidLockRequest:
			return fmt.Errorf("%w: %s", ErrProtocol, pgErr.Message)
		case isTransientSQLState(pgErr.Code):
			return fmt.Errorf("%w: %w", ErrTransport, err)
		default:
			return err
		}
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr),
		pgconn.Timeout(err),
		pgconn.SafeToRetry(err):
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}

func isTransientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection_exception
		return true
	case code == "57P01", code == "57P02", code == "57P03": // admin/crash shutdown, cannot connect now
		return true
	case code == "53300": // too_many_connections
		return true
	case code == "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}
