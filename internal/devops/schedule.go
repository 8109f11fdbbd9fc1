// internal/devops/schedule.go
package devops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/metrics"
)

// ParseSchedule parses a cron expression with a seconds field, or a
// descriptor such as @daily or @every 6h.
func ParseSchedule(spec string) (cron.Schedule, error) {
	schedule, err := cron.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid expression %q: %w", spec, err)
	}
	return schedule, nil
}

// BackupScheduler takes a verified backup and sweeps expired ones on a
// cron schedule. Each run holds the environment lease so it never overlaps
// a deployment.
type BackupScheduler struct {
	schedule cron.Schedule
	env      Environment
	backups  *BackupManager
	leases   *LeaseRegistry
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// NewBackupScheduler creates a scheduler for env
func NewBackupScheduler(schedule cron.Schedule, env Environment, backups *BackupManager, leases *LeaseRegistry, collector *metrics.Collector, logger *zap.Logger) *BackupScheduler {
	return &BackupScheduler{
		schedule: schedule,
		env:      env,
		backups:  backups,
		leases:   leases,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, firing RunOnce at every scheduled time.
// Failed runs are logged; the next run still happens.
func (s *BackupScheduler) Run(ctx context.Context) error {
	for {
		next := s.schedule.Next(s.now())
		s.logger.Info("next scheduled backup", zap.Time("at", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := s.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrDeploymentInProgress) {
				s.logger.Warn("scheduled backup skipped", zap.Error(err))
				continue
			}
			s.logger.Error("scheduled backup failed", zap.Error(err))
		}
	}
}

// RunOnce snapshots the environment and then enforces retention
func (s *BackupScheduler) RunOnce(ctx context.Context) error {
	lease, err := s.leases.Acquire(s.env, "scheduler")
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			s.logger.Warn("failed to release lease", zap.Error(err))
		}
	}()

	backup, err := s.backups.Snapshot(ctx, s.env)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	result, err := s.backups.Cleanup(ctx, s.backups.Config().Policy())
	if err != nil {
		return fmt.Errorf("schedule: retention: %w", err)
	}
	s.metrics.RecordRetention(string(s.env), len(result.Deleted))

	s.logger.Info("scheduled backup finished",
		zap.String("backup_id", backup.ID),
		zap.Int("expired", len(result.Deleted)),
		zap.Int64("freed_bytes", result.FreedBytes))
	return nil
}
