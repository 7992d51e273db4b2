// Package cli implements the lockctl command line tool.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kneutral-org/lockservice/internal/config"
	"github.com/kneutral-org/lockservice/internal/lock"
	"github.com/kneutral-org/lockservice/internal/logging"
)

const (
	// Wrap is the number of characters to wrap flag help text at.
	Wrap int = 50

	// ExitLockTimeout is the exit status when a lock could not be granted in time (EX_TEMPFAIL).
	ExitLockTimeout = 75
)

// backend is an opened lock store.
type backend struct {
	pool    lock.Pool
	migrate func(ctx context.Context) (int64, error)
	close   func()
}

// openBackend connects to the lock store. Tests replace it.
var openBackend = openPostgresBackend

func openPostgresBackend(ctx context.Context, s settings, logger zerolog.Logger) (*backend, error) {
	pool, err := lock.NewPostgresPool(ctx, s.DatabaseURL, s.PoolMaxConns)
	if err != nil {
		return nil, err
	}
	return &backend{
		pool: lock.NewPostgresStore(pool),
		migrate: func(ctx context.Context) (int64, error) {
			return lock.Migrate(ctx, pool, logger)
		},
		close: pool.Close,
	}, nil
}

// settings is the resolved flag and environment configuration.
type settings struct {
	DatabaseURL     string
	PoolMaxConns    int32
	ProtocolVersion int
	Partition       int
	CommandTimeout  time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	LogLevel        string
	LogFormat       string
}

// app carries per-invocation state shared by the subcommands.
type app struct {
	v      *viper.Viper
	logger zerolog.Logger
}

// NewRootCmd builds the lockctl command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "lockctl",
		Short: "inspect and use store-backed resource locks",
		Long: `lockctl talks to the PostgreSQL lock store directly.

It installs the locking functions, reports the protocol version, queries lock
modes and runs commands while holding one or more resource locks.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.String("database-url", config.DefaultDatabaseURL, WrapString("connection string of the lock store (env LOCK_DATABASE_URL or DATABASE_URL)"))
	flags.Int32("pool-max-conns", config.MinLockPoolConns, WrapString("connection ceiling of the lock pool, never below 400"))
	flags.Int("protocol-version", 0, WrapString("locking protocol version, 0 reads it from the store"))
	flags.Int("partition", 0, WrapString("partition id, required by protocol version 3 and ignored below it"))
	flags.Duration("command-timeout", config.DefaultCommandTimeout, WrapString("minimum command timeout for acquire calls"))
	flags.Int("retry-attempts", config.DefaultRetryAttempts, WrapString("calls made for transient store failures"))
	flags.Duration("retry-backoff", config.DefaultRetryBackoff, WrapString("delay between retried calls"))
	flags.String("log-level", "warn", WrapString("log level (debug, info, warn, error)"))
	flags.String("log-format", "pretty", WrapString("log format (json, pretty)"))

	root.AddCommand(
		a.migrateCmd(),
		a.versionCmd(),
		a.queryCmd(),
		a.runCmd(),
		a.runOrderedCmd(),
	)
	return root
}

// Execute runs lockctl and exits with its status.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(ExitCode(err))
	}
}

// ExitCode maps a command error to a process exit status. A wrapped command
// keeps its own status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	if errors.Is(err, lock.ErrLockTimeout) {
		return ExitLockTimeout
	}
	return 1
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("lock")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindEnv("database-url", "LOCK_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}
	if err := a.v.BindEnv("partition", "LOCK_PARTITION", "LOCK_PARTITION_ID"); err != nil {
		return err
	}
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	s := a.settings()
	a.logger = logging.NewWithOutput(cmd.ErrOrStderr(), "lockctl", s.LogLevel, s.LogFormat)
	return nil
}

func (a *app) settings() settings {
	return settings{
		DatabaseURL:     a.v.GetString("database-url"),
		PoolMaxConns:    a.v.GetInt32("pool-max-conns"),
		ProtocolVersion: a.v.GetInt("protocol-version"),
		Partition:       a.v.GetInt("partition"),
		CommandTimeout:  a.v.GetDuration("command-timeout"),
		RetryAttempts:   a.v.GetInt("retry-attempts"),
		RetryBackoff:    a.v.GetDuration("retry-backoff"),
		LogLevel:        a.v.GetString("log-level"),
		LogFormat:       a.v.GetString("log-format"),
	}
}

// open connects to the store. The caller must call close on the result.
func (a *app) open(ctx context.Context) (*backend, error) {
	b, err := openBackend(ctx, a.settings(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock store: %w", err)
	}
	return b, nil
}

// locker negotiates the protocol and builds a Locker over b.
func (a *app) locker(ctx context.Context, b *backend) (*lock.Locker, error) {
	s := a.settings()

	version, err := lock.NegotiateVersion(ctx, b.pool, s.ProtocolVersion)
	if err != nil {
		return nil, err
	}
	protocol, err := lock.NewProtocol(version, lock.PartitionID(s.Partition),
		lock.WithCommandTimeout(s.CommandTimeout),
		lock.WithProtocolLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}

	retrier := lock.NewRetrier(s.RetryAttempts, s.RetryBackoff, lock.WithOnRetry(func(err error) {
		a.logger.Warn().Err(err).Msg("transient lock store failure, retrying")
	}))
	return lock.NewLocker(b.pool, protocol, a.logger, lock.WithRetrier(retrier)), nil
}

// WrapString wraps a string at Wrap characters.
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}
