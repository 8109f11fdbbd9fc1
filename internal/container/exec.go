// internal/container/exec.go
package container

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/common"
	"github.com/FairForge/shipyard/internal/devops"
)

// ExecConfig holds the command lines of an ExecController
type ExecConfig struct {
	StartCommand  string
	StopCommand   string
	StatusCommand string
}

// ExecController implements devops.StoreControl with shell commands, for
// services managed by systemd, compose or a vendor script.
type ExecController struct {
	config ExecConfig
	ready  devops.Reachability
	logger *zap.Logger
}

// NewExecController validates the command lines and builds a controller
func NewExecController(config ExecConfig, ready devops.Reachability, logger *zap.Logger) (*ExecController, error) {
	if strings.TrimSpace(config.StartCommand) == "" {
		return nil, errors.New("start command is required")
	}
	if strings.TrimSpace(config.StopCommand) == "" {
		return nil, errors.New("stop command is required")
	}
	for _, line := range []string{config.StartCommand, config.StopCommand, config.StatusCommand} {
		if line == "" {
			continue
		}
		if _, err := common.ParseCommand(line, nil); err != nil {
			return nil, err
		}
	}
	return &ExecController{config: config, ready: ready, logger: logger}, nil
}

// Start runs the start command with {version} expanded
func (c *ExecController) Start(ctx context.Context, version string) error {
	cmd, err := common.ParseCommand(c.config.StartCommand, map[string]string{"version": version})
	if err != nil {
		return err
	}
	if err := cmd.Run(ctx, nil, nil); err != nil {
		return fmt.Errorf("start %s: %w", version, err)
	}
	c.logger.Info("service started", zap.String("version", version))
	return nil
}

// Stop runs the stop command
func (c *ExecController) Stop(ctx context.Context) error {
	cmd, err := common.ParseCommand(c.config.StopCommand, nil)
	if err != nil {
		return err
	}
	if err := cmd.Run(ctx, nil, nil); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	c.logger.Info("service stopped")
	return nil
}

// IsRunning runs the status command; exit status 0 means running. Without
// a status command the readiness check decides.
func (c *ExecController) IsRunning(ctx context.Context) (bool, error) {
	if c.config.StatusCommand == "" {
		if c.ready == nil {
			return false, nil
		}
		return c.ready.IsReachable(ctx) == nil, nil
	}
	cmd, err := common.ParseCommand(c.config.StatusCommand, nil)
	if err != nil {
		return false, err
	}
	if err := cmd.Run(ctx, nil, nil); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// IsReachable succeeds when the service runs and accepts connections
func (c *ExecController) IsReachable(ctx context.Context) error {
	if c.config.StatusCommand != "" {
		running, err := c.IsRunning(ctx)
		if err != nil {
			return err
		}
		if !running {
			return errors.New("service is not running")
		}
	}
	if c.ready == nil {
		return nil
	}
	return c.ready.IsReachable(ctx)
}
