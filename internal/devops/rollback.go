// internal/devops/rollback.go
package devops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RollbackResult contains rollback results
type RollbackResult struct {
	BackupID        string        `json:"backup_id"`
	RestoredVersion string        `json:"restored_version"`
	Health          *HealthReport `json:"health,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// RollbackManager restores the most recent verified backup and re-checks health
type RollbackManager struct {
	backups    *BackupManager
	control    StoreControl
	aggregator *Aggregator
	probes     []Probe
	startup    StartupConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewRollbackManager creates a rollback manager
func NewRollbackManager(backups *BackupManager, control StoreControl, aggregator *Aggregator, probes []Probe, startup StartupConfig, logger *zap.Logger) *RollbackManager {
	return &RollbackManager{
		backups:    backups,
		control:    control,
		aggregator: aggregator,
		probes:     probes,
		startup:    startup,
		logger:     logger,
		now:        time.Now,
	}
}

// Rollback restores LatestVerified(backups) and moves d to ROLLED_BACK when
// post-restore health is PASS or DEGRADED, otherwise to FAILED. It never
// triggers a second rollback.
func (m *RollbackManager) Rollback(ctx context.Context, d *Deployment, backups []Backup) (RollbackResult, error) {
	target := LatestVerified(backups)
	if target == nil {
		err := fmt.Errorf("rollback: %w: no verified backup among %d", ErrNoRollbackTarget, len(backups))
		return RollbackResult{}, m.fail(d, err)
	}
	return m.RestoreTo(ctx, d, *target)
}

// RestoreTo restores a specific verified backup and re-checks health
func (m *RollbackManager) RestoreTo(ctx context.Context, d *Deployment, target Backup) (RollbackResult, error) {
	start := m.now()
	log := m.logger.With(
		zap.String("deployment_id", d.ID),
		zap.String("environment", string(d.Environment)),
		zap.String("backup_id", target.ID))

	if !target.Verified {
		return RollbackResult{}, m.fail(d, fmt.Errorf("rollback: %w: backup %s is not verified", ErrNoRollbackTarget, target.ID))
	}
	if d.Status != StatusRollingBack {
		if err := d.Transition(StatusRollingBack, "restoring "+target.File, m.now()); err != nil {
			return RollbackResult{}, err
		}
	}
	if d.BackupRef == "" {
		d.BackupRef = target.ID
	}

	result := RollbackResult{BackupID: target.ID, RestoredVersion: restartVersion(d)}

	if d.DryRun {
		log.Info("dry run: would restart service and restore backup",
			zap.String("file", target.File),
			zap.String("version", result.RestoredVersion))
		forecast := Forecast(m.probes, m.now())
		result.Health = &forecast
		result.Duration = m.now().Sub(start)
		return result, d.Transition(StatusRolledBack, "dry run", m.now())
	}

	log.Info("rolling back", zap.String("file", target.File), zap.String("version", result.RestoredVersion))

	// The dump is replayed through the store itself, so it has to be up at
	// the restore version before the replay starts.
	if err := m.control.Stop(ctx); err != nil {
		return result, m.fail(d, abortCause(ctx, fmt.Errorf("rollback: stop service: %w", err)))
	}
	if err := m.control.Start(ctx, result.RestoredVersion); err != nil {
		return result, m.fail(d, abortCause(ctx, fmt.Errorf("rollback: start %s: %w", result.RestoredVersion, err)))
	}
	if err := awaitStartup(ctx, m.control, m.startup, log); err != nil {
		return result, m.fail(d, abortCause(ctx, fmt.Errorf("rollback: %w", err)))
	}
	if err := m.backups.Restore(ctx, target); err != nil {
		return result, m.fail(d, abortCause(ctx, fmt.Errorf("rollback: %w", err)))
	}

	report, err := m.aggregator.Evaluate(ctx, m.probes)
	if err != nil {
		return result, m.fail(d, abortCause(ctx, fmt.Errorf("rollback: %w", err)))
	}
	result.Health = &report
	result.Duration = m.now().Sub(start)

	if !report.OverallStatus.Healthy() {
		return result, m.fail(d, fmt.Errorf("rollback: post-restore health %s: %w", report.OverallStatus, failedProbes(report)))
	}

	log.Info("rollback complete",
		zap.String("overall_status", string(report.OverallStatus)),
		zap.Duration("duration", result.Duration))
	return result, d.Transition(StatusRolledBack, "restored "+target.File, m.now())
}

func (m *RollbackManager) fail(d *Deployment, cause error) error {
	if d.Status.IsTerminal() {
		return cause
	}
	if err := d.Fail(cause, m.now()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// restartVersion picks the version to start after a restore: the rollback
// target for manual rollbacks, otherwise the version that was live before
// the deployment, falling back to the deployment's own target.
func restartVersion(d *Deployment) string {
	if d.Kind != KindDeploy {
		return d.TargetVersion
	}
	if d.PreviousVersion != "" && d.PreviousVersion != NoPreviousVersion {
		return d.PreviousVersion
	}
	return d.TargetVersion
}

// failedProbes summarises the failing probes of a report as one ProbeFailure error
func failedProbes(report HealthReport) error {
	var errs []error
	for _, r := range report.Results {
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return ErrProbeFailure
	}
	return errors.Join(errs...)
}

// abortCause marks err as an operator abort when ctx was cancelled
func abortCause(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return err
}
