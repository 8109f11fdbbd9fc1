// internal/cmd/deploy.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/FairForge/shipyard/internal/devops"
)

func newDeployCmd(c *cli) *cobra.Command {
	var (
		version        string
		backup         bool
		dryRun         bool
		force          bool
		strict         bool
		noAutoRollback bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a version with backup, health gating and automatic rollback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version == "" {
				return fmt.Errorf("%w: --version is required", devops.ErrConfigInvalid)
			}
			if !cmd.Flags().Changed("backup") {
				backup = c.cfg.Backup.Enabled
			}
			env := c.cfg.Environment
			if err := confirm(c.in, c.out, env, "deploy "+version, force, dryRun); err != nil {
				return err
			}

			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			outcome, runErr := app.Orchestrator.Deploy(cmd.Context(), devops.DeployRequest{
				Environment:  env,
				Version:      version,
				Backup:       backup,
				DryRun:       dryRun,
				Strict:       strict,
				AutoRollback: c.cfg.Deploy.AutoRollback && !noAutoRollback,
				Holder:       holder(),
			})
			app.PushMetrics(cmd.Context())
			if err := c.printOutcome(outcome); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version to deploy (required)")
	cmd.Flags().BoolVar(&backup, "backup", false, "take a verified backup first (default from backup.enabled)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and forecast without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "skip the production confirmation prompt")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat configuration warnings as errors")
	cmd.Flags().BoolVar(&noAutoRollback, "no-auto-rollback", false, "leave a failed deployment in place")

	return cmd
}

func newRollbackCmd(c *cli) *cobra.Command {
	var (
		version string
		dryRun  bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the latest verified backup and restart the prior release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := c.cfg.Environment
			if err := confirm(c.in, c.out, env, "roll back", force, dryRun); err != nil {
				return err
			}

			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			outcome, runErr := app.Orchestrator.Rollback(cmd.Context(), devops.RollbackRequest{
				Environment: env,
				Version:     version,
				DryRun:      dryRun,
				Holder:      holder(),
			})
			app.PushMetrics(cmd.Context())
			if err := c.printOutcome(outcome); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version to restart after the restore (default: the prior release)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve the rollback target without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "skip the production confirmation prompt")

	return cmd
}

func newRestoreCmd(c *cli) *cobra.Command {
	var (
		version string
		dryRun  bool
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "restore <artifact>",
		Short: "Restore a specific backup by ID, file name or path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := c.cfg.Environment
			if err := confirm(c.in, c.out, env, "restore "+args[0], force, dryRun); err != nil {
				return err
			}

			app, err := c.app()
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			outcome, runErr := app.Orchestrator.Restore(cmd.Context(), devops.RestoreRequest{
				Environment: env,
				Ref:         args[0],
				Version:     version,
				DryRun:      dryRun,
				Holder:      holder(),
			})
			app.PushMetrics(cmd.Context())
			if err := c.printOutcome(outcome); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&version, "version", "", "version to restart after the restore (default: the live release)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve the artifact without changing anything")
	cmd.Flags().BoolVar(&force, "force", false, "skip the production confirmation prompt")

	return cmd
}
