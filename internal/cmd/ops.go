// internal/cmd/ops.go
package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FairForge/shipyard/internal/api"
	"github.com/FairForge/shipyard/internal/devops"
)

// backupResult is the JSON shape of the backup verb
type backupResult struct {
	Backup      devops.Backup         `json:"backup"`
	RestoreTest *devops.RestoreReport `json:"restore_test,omitempty"`
}

func newBackupCmd(c *cli) *cobra.Command {
	var testRestore bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Take and verify a backup of the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("test-restore") {
				testRestore = c.cfg.Backup.TestRestore
			}
			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			defer app.PushMetrics(cmd.Context())

			result := backupResult{}
			result.Backup, err = app.Backups.Snapshot(cmd.Context(), c.cfg.Environment)
			if err != nil {
				return err
			}
			if testRestore {
				report, err := app.Backups.TestRestore(cmd.Context(), result.Backup)
				result.RestoreTest = &report
				if err != nil {
					_ = c.printBackup(result)
					return err
				}
			}
			return c.printBackup(result)
		},
	}

	cmd.Flags().BoolVar(&testRestore, "test-restore", false, "restore into a scratch database and check it (default from backup.test_restore)")
	return cmd
}

func (c *cli) printBackup(r backupResult) error {
	if c.output == "json" {
		return writeJSON(c.out, r)
	}
	b := r.Backup
	_, _ = fmt.Fprintf(c.out, "backup %s\n  file:     %s\n  size:     %d bytes\n  checksum: %s\n  verified: %t\n",
		b.ID, b.File, b.SizeBytes, b.Checksum, b.Verified)
	if b.OffsiteKey != "" {
		_, _ = fmt.Fprintf(c.out, "  offsite:  %s\n", b.OffsiteKey)
	}
	if r.RestoreTest != nil {
		_, _ = fmt.Fprintf(c.out, "  restore test: passed=%t tables=%d duration=%s\n",
			r.RestoreTest.Passed, r.RestoreTest.TablesFound, r.RestoreTest.Duration.Round(time.Millisecond))
	}
	return nil
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run every health probe against the live environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()
			defer app.PushMetrics(cmd.Context())

			report, err := app.Aggregator.Evaluate(cmd.Context(), app.Probes)
			if err != nil {
				return err
			}
			if err := c.printHealth(report); err != nil {
				return err
			}
			if !report.OverallStatus.Healthy() {
				return fmt.Errorf("health is %s: %w", report.OverallStatus, devops.ErrProbeFailure)
			}
			return nil
		},
	}
}

func newCleanupCmd(c *cli) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete backups past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			env := c.cfg.Environment
			lease, err := app.Leases.Acquire(env, holder())
			if err != nil {
				return err
			}
			defer func() {
				if err := lease.Release(); err != nil {
					c.logger.Warn("failed to release lease", zap.Error(err))
				}
			}()

			policy := app.Backups.Config().Policy()
			var result devops.RetentionResult
			if dryRun {
				backups, err := app.Backups.List()
				if err != nil {
					return err
				}
				result = devops.EnforceRetention(backups, policy, time.Now())
			} else {
				result, err = app.Backups.Cleanup(cmd.Context(), policy)
				if err != nil {
					return err
				}
				app.Metrics.RecordRetention(string(env), len(result.Deleted))
				app.PushMetrics(cmd.Context())
			}

			if c.output == "json" {
				return writeJSON(c.out, result)
			}
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			for _, b := range result.Deleted {
				_, _ = fmt.Fprintf(c.out, "%s %s (%s)\n", verb, b.File, b.CreatedAt.Format(time.RFC3339))
			}
			_, _ = fmt.Fprintf(c.out, "%s %d, kept %d, freed %d bytes\n",
				verb, len(result.Deleted), len(result.Kept), result.FreedBytes)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted")
	return cmd
}

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /healthz, /livez, /version and /metrics, and run scheduled backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			if addr == "" {
				addr = c.cfg.Server.Addr
			}
			server := api.NewServer(api.Config{
				Addr:         addr,
				Environment:  c.cfg.Environment,
				Version:      Version,
				ReadTimeout:  c.cfg.Server.ReadTimeout,
				WriteTimeout: c.cfg.Server.WriteTimeout,
			}, app.Aggregator, app.Probes, app.Metrics, c.logger.Named("api"))

			var scheduler *devops.BackupScheduler
			if spec := c.cfg.Backup.Schedule; spec != "" {
				schedule, err := devops.ParseSchedule(spec)
				if err != nil {
					return fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
				}
				scheduler = devops.NewBackupScheduler(schedule, c.cfg.Environment,
					app.Backups, app.Leases, app.Metrics, c.logger.Named("scheduler"))
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return server.Start(ctx) })
			if scheduler != nil {
				g.Go(func() error { return scheduler.Run(ctx) })
			}
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	return cmd
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the shipyard version",
		Args:  cobra.NoArgs,
		// version works without a valid configuration
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(c.out, "shipyard %s\n", Version)
			return err
		},
	}
}
