// internal/devops/orchestrator.go
package devops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/shipyard/internal/metrics"
)

// StartupConfig bounds the wait for a freshly started service
type StartupConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`
}

// ConfigValidator runs pre-flight configuration checks. It returns the
// warnings it found and an error wrapping ErrConfigInvalid when the
// configuration must not be used. In strict mode warnings are errors.
type ConfigValidator interface {
	Check(strict bool) ([]string, error)
}

// DeployRequest asks for a version to be promoted
type DeployRequest struct {
	Environment  Environment
	Version      string
	Backup       bool
	DryRun       bool
	Strict       bool
	AutoRollback bool
	Holder       string
}

// RollbackRequest asks for the environment to be restored from its latest
// verified backup. Version overrides the version restarted afterwards.
type RollbackRequest struct {
	Environment Environment
	Version     string
	DryRun      bool
	Holder      string
}

// RestoreRequest asks for a specific backup to be restored
type RestoreRequest struct {
	Environment Environment
	Ref         string
	Version     string
	DryRun      bool
	Holder      string
}

// Outcome is the terminal state of one orchestrated run
type Outcome struct {
	Deployment   *Deployment
	Health       *HealthReport
	DeployHealth *HealthReport
	ReportPath   string
}

// Components are the collaborators an Orchestrator sequences
type Components struct {
	Validator  ConfigValidator
	Backups    *BackupManager
	Control    StoreControl
	Aggregator *Aggregator
	Probes     []Probe
	Rollback   *RollbackManager
	Sink       *ReportingSink
	Leases     *LeaseRegistry
	Ledger     *ReleaseLedger
	Metrics    *metrics.Collector
}

// Orchestrator drives a deployment through its state machine
type Orchestrator struct {
	c       Components
	startup StartupConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(c Components, startup StartupConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		c:       c,
		startup: startup,
		logger:  logger,
		now:     time.Now,
	}
}

// Deploy promotes req.Version. The returned error is nil only when the
// deployment SUCCEEDED; it is classified with errors.Is against the package
// sentinels. The outcome is always populated and always reported.
func (o *Orchestrator) Deploy(ctx context.Context, req DeployRequest) (*Outcome, error) {
	d := NewDeployment(KindDeploy, req.Environment, req.Version, req.DryRun, o.now())
	out := &Outcome{Deployment: d}
	log := o.logger.With(
		zap.String("deployment_id", d.ID),
		zap.String("environment", string(d.Environment)),
		zap.String("target_version", d.TargetVersion),
		zap.Bool("dry_run", d.DryRun))

	runErr := o.deploy(ctx, req, out, log)
	return out, o.finish(ctx, out, runErr, log)
}

func (o *Orchestrator) deploy(ctx context.Context, req DeployRequest, out *Outcome, log *zap.Logger) error {
	d := out.Deployment

	if err := o.step(d, StatusValidating, "checking configuration"); err != nil {
		return err
	}
	if err := o.validate(req, log); err != nil {
		return o.fail(d, err)
	}

	lease, err := o.c.Leases.Acquire(d.Environment, holder(req.Holder, d))
	if err != nil {
		return o.fail(d, err)
	}
	defer func() { _ = lease.Release() }()

	previous, err := o.c.Ledger.Current(d.Environment)
	if err != nil {
		return o.fail(d, err)
	}
	d.PreviousVersion = previous
	if IsDowngrade(previous, d.TargetVersion) {
		log.Warn("target version is older than the live version", zap.String("previous_version", previous))
	}

	if req.Backup {
		if err := o.step(d, StatusBackingUp, "creating pre-deploy backup"); err != nil {
			return err
		}
		if d.DryRun {
			log.Info("dry run: backup skipped", zap.String("dir", o.c.Backups.Config().Dir))
		} else {
			backup, err := o.c.Backups.Snapshot(ctx, d.Environment)
			if err != nil {
				return o.fail(d, abortCause(ctx, fmt.Errorf("deploy: pre-deploy backup: %w", err)))
			}
			d.BackupRef = backup.ID
		}
	} else {
		log.Warn("backups disabled, deploying without a safety net")
	}

	if err := o.step(d, StatusDeploying, fmt.Sprintf("%s -> %s", d.PreviousVersion, d.TargetVersion)); err != nil {
		return err
	}
	if d.DryRun {
		log.Info("dry run: would stop the running version and start the target",
			zap.String("previous_version", d.PreviousVersion))
	} else if err := o.transition(ctx, d, log); err != nil {
		return o.fail(d, abortCause(ctx, err))
	}

	if err := o.step(d, StatusAwaitingHealth, "evaluating health"); err != nil {
		return err
	}
	if d.DryRun {
		forecast := Forecast(o.c.Probes, o.now())
		out.Health = &forecast
		log.Info("dry run: health forecast", zap.Int("probes", len(forecast.Results)))
		return o.step(d, StatusSucceeded, "dry run")
	}

	report, err := o.c.Aggregator.Evaluate(ctx, o.c.Probes)
	if errors.Is(ctx.Err(), context.Canceled) {
		return o.fail(d, fmt.Errorf("%w: health evaluation interrupted", ErrAborted))
	}

	var healthErr error
	switch {
	case err != nil:
		healthErr = fmt.Errorf("deploy: %w", err)
	case !report.OverallStatus.Healthy():
		out.Health = &report
		healthErr = fmt.Errorf("deploy: health %s: %w", report.OverallStatus, failedProbes(report))
	default:
		out.Health = &report
		if report.OverallStatus == HealthDegraded {
			log.Warn("deployment is degraded, promoting anyway", zap.Error(degradedProbes(report)))
		}
		if err := o.c.Ledger.Record(d.Environment, ReleaseRecord{
			Version:      d.TargetVersion,
			DeploymentID: d.ID,
			Kind:         d.Kind,
			PromotedAt:   o.now().UTC(),
		}); err != nil {
			log.Error("failed to record release", zap.Error(err))
		}
		return o.step(d, StatusSucceeded, string(report.OverallStatus))
	}

	if !req.AutoRollback {
		return o.fail(d, healthErr)
	}

	log.Warn("health check failed, rolling back", zap.Error(healthErr))
	if err := o.step(d, StatusRollingBack, healthErr.Error()); err != nil {
		return err
	}
	out.DeployHealth = out.Health
	out.Health = nil

	backups, err := o.c.Backups.List()
	if err != nil {
		return o.fail(d, errors.Join(healthErr, err))
	}
	result, err := o.c.Rollback.Rollback(ctx, d, backups)
	if result.Health != nil {
		out.Health = result.Health
	}
	if err != nil {
		return errors.Join(healthErr, err)
	}
	return healthErr
}

// Rollback restores the latest verified backup of an environment
func (o *Orchestrator) Rollback(ctx context.Context, req RollbackRequest) (*Outcome, error) {
	d := NewDeployment(KindRollback, req.Environment, req.Version, req.DryRun, o.now())
	out := &Outcome{Deployment: d}
	log := o.logger.With(
		zap.String("deployment_id", d.ID),
		zap.String("environment", string(d.Environment)),
		zap.String("kind", d.Kind),
		zap.Bool("dry_run", d.DryRun))

	runErr := o.manual(ctx, out, req.Holder, log, func() (RollbackResult, error) {
		backups, err := o.c.Backups.List()
		if err != nil {
			return RollbackResult{}, o.fail(d, err)
		}
		return o.c.Rollback.Rollback(ctx, d, backups)
	})
	return out, o.finish(ctx, out, runErr, log)
}

// Restore verifies and restores the backup named by req.Ref
func (o *Orchestrator) Restore(ctx context.Context, req RestoreRequest) (*Outcome, error) {
	d := NewDeployment(KindRestore, req.Environment, req.Version, req.DryRun, o.now())
	out := &Outcome{Deployment: d}
	log := o.logger.With(
		zap.String("deployment_id", d.ID),
		zap.String("environment", string(d.Environment)),
		zap.String("kind", d.Kind),
		zap.String("ref", req.Ref),
		zap.Bool("dry_run", d.DryRun))

	runErr := o.manual(ctx, out, req.Holder, log, func() (RollbackResult, error) {
		backup, err := o.c.Backups.Get(req.Ref)
		if err != nil {
			return RollbackResult{}, o.fail(d, fmt.Errorf("%w: %w", ErrNoRollbackTarget, err))
		}
		backup, err = o.c.Backups.VerifyIntegrity(ctx, backup)
		if err != nil {
			return RollbackResult{}, o.fail(d, err)
		}
		d.BackupRef = backup.ID
		return o.c.Rollback.RestoreTo(ctx, d, backup)
	})
	return out, o.finish(ctx, out, runErr, log)
}

func (o *Orchestrator) manual(ctx context.Context, out *Outcome, requested string, log *zap.Logger, restore func() (RollbackResult, error)) error {
	d := out.Deployment

	lease, err := o.c.Leases.Acquire(d.Environment, holder(requested, d))
	if err != nil {
		return o.fail(d, err)
	}
	defer func() { _ = lease.Release() }()

	live, err := o.c.Ledger.History(d.Environment)
	if err != nil {
		return o.fail(d, err)
	}
	if len(live) > 0 {
		d.PreviousVersion = live[len(live)-1].Version
	}
	if d.TargetVersion == "" {
		d.TargetVersion = priorVersion(d.Kind, live)
	}
	if d.TargetVersion == "" {
		return o.fail(d, fmt.Errorf("%s: %w: no release recorded for %s, pass a version to restart", d.Kind, ErrConfigInvalid, d.Environment))
	}
	if err := ValidateVersion(d.TargetVersion); err != nil {
		return o.fail(d, fmt.Errorf("%s: %w: %w", d.Kind, ErrConfigInvalid, err))
	}

	result, err := restore()
	if result.Health != nil {
		out.Health = result.Health
	}
	if err != nil {
		return err
	}

	if !d.DryRun && d.TargetVersion != d.PreviousVersion {
		if err := o.c.Ledger.Record(d.Environment, ReleaseRecord{
			Version:      d.TargetVersion,
			DeploymentID: d.ID,
			Kind:         d.Kind,
			PromotedAt:   o.now().UTC(),
		}); err != nil {
			log.Error("failed to record release", zap.Error(err))
		}
	}
	return nil
}

// priorVersion is the version a manual run restarts: the release before the
// live one for a rollback, the live one for a restore
func priorVersion(kind string, history []ReleaseRecord) string {
	switch {
	case len(history) == 0:
		return ""
	case kind == KindRollback && len(history) > 1:
		return history[len(history)-2].Version
	default:
		return history[len(history)-1].Version
	}
}

func (o *Orchestrator) validate(req DeployRequest, log *zap.Logger) error {
	if _, err := ParseEnvironment(string(req.Environment)); err != nil {
		return fmt.Errorf("validate: %w: %w", ErrConfigInvalid, err)
	}
	if err := ValidateVersion(req.Version); err != nil {
		return fmt.Errorf("validate: %w: %w", ErrConfigInvalid, err)
	}
	if o.c.Validator == nil {
		return nil
	}
	warnings, err := o.c.Validator.Check(req.Strict)
	for _, w := range warnings {
		log.Warn("configuration warning", zap.String("warning", w))
	}
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// transition stops the running version, starts the target and waits for it
// to become reachable
func (o *Orchestrator) transition(ctx context.Context, d *Deployment, log *zap.Logger) error {
	running, err := o.c.Control.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("deploy: inspect running version: %w", err)
	}
	if running {
		log.Info("stopping running version", zap.String("version", d.PreviousVersion))
		if err := o.c.Control.Stop(ctx); err != nil {
			return fmt.Errorf("deploy: stop %s: %w", d.PreviousVersion, err)
		}
	}

	log.Info("starting target version")
	if err := o.c.Control.Start(ctx, d.TargetVersion); err != nil {
		return fmt.Errorf("deploy: start %s: %w", d.TargetVersion, err)
	}
	if err := awaitStartup(ctx, o.c.Control, o.startup, log); err != nil {
		return fmt.Errorf("deploy: %w", err)
	}
	return nil
}

func (o *Orchestrator) step(d *Deployment, to Status, message string) error {
	if err := d.Transition(to, message, o.now()); err != nil {
		return o.fail(d, err)
	}
	return nil
}

func (o *Orchestrator) fail(d *Deployment, cause error) error {
	if d.Status.IsTerminal() {
		return cause
	}
	if err := d.Fail(cause, o.now()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// finish reports the terminal deployment. The run error is returned
// unchanged; reporting problems are logged and joined.
func (o *Orchestrator) finish(ctx context.Context, out *Outcome, runErr error, log *zap.Logger) error {
	d := out.Deployment
	if !d.Status.IsTerminal() {
		cause := runErr
		if cause == nil {
			cause = errors.New("run ended without a terminal status")
		}
		_ = o.fail(d, cause)
	}

	elapsed := d.Elapsed(o.now())
	o.c.Metrics.RecordDeployment(string(d.Environment), d.Kind, string(d.Status), elapsed)

	fields := []zap.Field{
		zap.String("status", string(d.Status)),
		zap.String("previous_version", d.PreviousVersion),
		zap.String("backup_ref", d.BackupRef),
		zap.Duration("elapsed", elapsed),
	}
	if out.Health != nil {
		fields = append(fields, zap.String("health", string(out.Health.OverallStatus)))
	}
	if runErr != nil {
		log.Error(d.Kind+" finished", append(fields, zap.Error(runErr))...)
	} else {
		log.Info(d.Kind+" finished", fields...)
	}

	if o.c.Sink != nil {
		path, err := o.c.Sink.Emit(ctx, d, out.Health, out.DeployHealth)
		if err != nil {
			log.Error("failed to write deployment report", zap.Error(err))
			return errors.Join(runErr, err)
		}
		out.ReportPath = path
	}
	return runErr
}

// awaitStartup polls reachability every PollInterval until Timeout
func awaitStartup(ctx context.Context, reach Reachability, cfg StartupConfig, log *zap.Logger) error {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(waitCtx); err != nil {
			break
		}
		lastErr = reach.IsReachable(waitCtx)
		if lastErr == nil {
			log.Info("service reachable", zap.Int("attempts", attempt))
			return nil
		}
		log.Debug("service not reachable yet", zap.Int("attempt", attempt), zap.Error(lastErr))
	}

	if ctx.Err() != nil {
		return fmt.Errorf("startup interrupted: %w", ctx.Err())
	}
	return fmt.Errorf("%w: not reachable within %v: %v", ErrStartupTimeout, cfg.Timeout, lastErr)
}

func degradedProbes(report HealthReport) error {
	var errs []error
	for _, r := range report.Results {
		if r.Status != ProbePass {
			errs = append(errs, fmt.Errorf("%s %s: %s", r.ProbeName, r.Status, r.Message))
		}
	}
	return errors.Join(errs...)
}

func holder(requested string, d *Deployment) string {
	if requested != "" {
		return requested
	}
	return d.Kind + "/" + d.ID
}
