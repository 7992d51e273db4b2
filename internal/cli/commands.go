package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kneutral-org/lockservice/internal/lock"
	"github.com/kneutral-org/lockservice/internal/logging"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Install or upgrade the locking functions in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close()

			version, err := b.migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema_version=%d\n", version)
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the locking protocol version installed in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close()

			locker, err := a.locker(ctx, b)
			if err != nil {
				return err
			}
			p := locker.Protocol()
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d partition=%d batch=%t\n",
				p.Version(), p.Partition(), p.SupportsBatch())
			return nil
		},
	}
}

func (a *app) queryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query [resource]",
		Short: "Print the mode of any lock currently granted on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer b.close()

			locker, err := a.locker(ctx, b)
			if err != nil {
				return err
			}
			mode, err := locker.QueryMode(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to query lock mode: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", mode)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [resource] -- [command...]",
		Short: "Run a command while holding a lock on a resource",
		Args:  commandArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, timeout, err := lockFlags(cmd)
			if err != nil {
				return err
			}
			resource, command := args[0], args[1:]

			return a.withLocker(cmd, func(ctx context.Context, locker *lock.Locker) error {
				logger := logging.LockLogger(a.logger, []string{resource}, mode.String())
				return locker.WithResourceLock(ctx, resource, mode, timeout, func(ctx context.Context) error {
					logger.Info().Strs("command", command).Msg("lock held, running command")
					return runCommand(ctx, cmd, command)
				})
			})
		},
	}
	addLockFlags(cmd)
	return cmd
}

func (a *app) runOrderedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-ordered [resource,resource,...] -- [command...]",
		Short: "Run a command while holding locks on several resources, acquired in order as one unit",
		Args:  commandArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, timeout, err := lockFlags(cmd)
			if err != nil {
				return err
			}
			resources := splitResources(args[0])
			command := args[1:]

			return a.withLocker(cmd, func(ctx context.Context, locker *lock.Locker) error {
				logger := logging.LockLogger(a.logger, resources, mode.String())
				return locker.WithOrderedResourceLocks(ctx, resources, mode, timeout, func(ctx context.Context) error {
					logger.Info().Strs("command", command).Msg("locks held, running command")
					return runCommand(ctx, cmd, command)
				})
			})
		},
	}
	addLockFlags(cmd)
	return cmd
}

func (a *app) withLocker(cmd *cobra.Command, fn func(ctx context.Context, locker *lock.Locker) error) error {
	ctx := cmd.Context()
	b, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer b.close()

	locker, err := a.locker(ctx, b)
	if err != nil {
		return err
	}
	return fn(ctx, locker)
}

// commandArgs requires exactly one argument before "--" and a command after it.
func commandArgs(cmd *cobra.Command, args []string) error {
	dash := cmd.ArgsLenAtDash()
	if dash != 1 || len(args) < 2 {
		return fmt.Errorf("usage: %s", cmd.UseLine())
	}
	return nil
}

func addLockFlags(cmd *cobra.Command) {
	cmd.Flags().String("mode", "exclusive", WrapString("lock mode (shared, exclusive)"))
	cmd.Flags().Duration("timeout", 30*time.Second, WrapString("how long to wait for the lock"))
	cmd.Flags().Bool("wait", false, WrapString("wait for the lock without a timeout"))
}

func lockFlags(cmd *cobra.Command) (lock.Mode, time.Duration, error) {
	rawMode, _ := cmd.Flags().GetString("mode")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	wait, _ := cmd.Flags().GetBool("wait")

	var mode lock.Mode
	switch strings.ToLower(rawMode) {
	case "shared":
		mode = lock.Shared
	case "exclusive":
		mode = lock.Exclusive
	default:
		return lock.NoLock, 0, fmt.Errorf("%w: invalid mode %q, expected shared or exclusive", lock.ErrInvalidArgument, rawMode)
	}

	if wait {
		timeout = lock.InfiniteTimeout
	}
	return mode, timeout, nil
}

func splitResources(raw string) []string {
	var resources []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			resources = append(resources, r)
		}
	}
	return resources
}

func runCommand(ctx context.Context, cmd *cobra.Command, command []string) error {
	child := exec.CommandContext(ctx, command[0], command[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	return child.Run()
}
