// internal/cmd/root.go
// Package cmd implements the shipyard command line
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/config"
	"github.com/FairForge/shipyard/internal/devops"
	"github.com/FairForge/shipyard/internal/logger"
)

// Version is set at build time with -ldflags "-X ...cmd.Version=..."
var Version = "dev"

// cli carries the state shared by every verb of one invocation
type cli struct {
	env        string
	configPath string
	logLevel   string
	output     string

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *zap.Logger

	// newApp is replaced in tests
	newApp func(cfg *config.Config, logger *zap.Logger) (*App, error)
}

// NewRootCmd creates the shipyard command tree
func NewRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	c := &cli{in: in, out: out, errOut: errOut, newApp: NewApp}

	root := &cobra.Command{
		Use:           "shipyard",
		Short:         "Deploy, verify and roll back a database-backed service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
	})
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVarP(&c.env, "env", "e", "", "target environment (development, staging, production); defaults to $SHIPYARD_ENV")
	flags.StringVarP(&c.configPath, "config", "c", "", "configuration file (default "+config.DefaultFile+" when present)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVarP(&c.output, "output", "o", "text", "output format (text, json)")

	root.AddCommand(newDeployCmd(c))
	root.AddCommand(newRollbackCmd(c))
	root.AddCommand(newRestoreCmd(c))
	root.AddCommand(newBackupCmd(c))
	root.AddCommand(newHealthCmd(c))
	root.AddCommand(newCleanupCmd(c))
	root.AddCommand(newServeCmd(c))
	root.AddCommand(newVersionCmd(c))

	return root
}

// load resolves the environment, reads the configuration and builds the logger
func (c *cli) load() error {
	if c.output != "text" && c.output != "json" {
		return fmt.Errorf("%w: unknown output format %q", devops.ErrConfigInvalid, c.output)
	}
	if err := config.LoadDotenv(); err != nil {
		return fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
	}
	env, err := config.ResolveEnvironment(c.env)
	if err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath, env)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, c.errOut)
	if err != nil {
		return fmt.Errorf("%w: %w", devops.ErrConfigInvalid, err)
	}
	c.cfg = cfg
	c.logger = log.With(zap.String("environment", string(env)))
	return nil
}

// app validates the configuration and builds the component graph for verbs
// that touch the environment
func (c *cli) app() (*App, error) {
	warnings, err := c.cfg.Check(false)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		c.logger.Debug("config warning", zap.String("warning", w))
	}
	return c.newApp(c.cfg, c.logger)
}

// holder identifies this process in lease files and logs
func holder() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	user := config.GetEnvOrDefault("USER", "unknown")
	return fmt.Sprintf("%s@%s:%d", user, host, os.Getpid())
}

// Execute runs the command line and returns the process exit code
func Execute(ctx context.Context) int {
	root := NewRootCmd(os.Stdin, os.Stdout, os.Stderr)
	return run(ctx, root)
}

func run(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	}
	return ExitCode(err)
}
