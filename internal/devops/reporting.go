// internal/devops/reporting.go
package devops

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

//go:embed report.schema.json
var reportSchema string

const reportSchemaVersion = 1

// DeploymentRecord is the immutable report written for every terminal deployment
type DeploymentRecord struct {
	SchemaVersion   int           `json:"schema_version"`
	DeploymentID    string        `json:"deployment_id"`
	Kind            string        `json:"kind"`
	Environment     Environment   `json:"environment"`
	Status          Status        `json:"status"`
	TargetVersion   string        `json:"target_version"`
	PreviousVersion string        `json:"previous_version"`
	BackupRef       *string       `json:"backup_ref"`
	DryRun          bool          `json:"dry_run"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	Error           string        `json:"error,omitempty"`
	History         []StatusEntry `json:"history"`
	Health          *HealthReport `json:"health"`
	DeployHealth    *HealthReport `json:"deploy_health,omitempty"`
}

// NewDeploymentRecord builds the report for a terminal deployment. health is
// the final evaluation; deployHealth is the failed evaluation that caused a
// rollback, if any.
func NewDeploymentRecord(d *Deployment, health, deployHealth *HealthReport) DeploymentRecord {
	record := DeploymentRecord{
		SchemaVersion:   reportSchemaVersion,
		DeploymentID:    d.ID,
		Kind:            d.Kind,
		Environment:     d.Environment,
		Status:          d.Status,
		TargetVersion:   d.TargetVersion,
		PreviousVersion: d.PreviousVersion,
		DryRun:          d.DryRun,
		StartedAt:       d.StartedAt,
		Error:           d.Error,
		History:         d.History,
		Health:          health,
		DeployHealth:    deployHealth,
	}
	if d.BackupRef != "" {
		ref := d.BackupRef
		record.BackupRef = &ref
	}
	if d.FinishedAt != nil {
		record.FinishedAt = *d.FinishedAt
		record.ElapsedSeconds = d.FinishedAt.Sub(d.StartedAt).Seconds()
	}
	return record
}

// Summary condenses the record for notification channels
func (r DeploymentRecord) Summary() Summary {
	s := Summary{
		DeploymentID:    r.DeploymentID,
		Environment:     string(r.Environment),
		Kind:            r.Kind,
		Status:          string(r.Status),
		TargetVersion:   r.TargetVersion,
		PreviousVersion: r.PreviousVersion,
		ElapsedSeconds:  r.ElapsedSeconds,
		DryRun:          r.DryRun,
		Message:         r.Error,
	}
	if r.BackupRef != nil {
		s.BackupRef = *r.BackupRef
	}
	if r.Health != nil {
		s.Health = string(r.Health.OverallStatus)
	}
	return s
}

// ReportingSink writes deployment reports and forwards summaries
type ReportingSink struct {
	dir           string
	schema        *gojsonschema.Schema
	notifier      Notifier
	notifyTimeout time.Duration
	logger        *zap.Logger
}

// NewReportingSink creates a sink writing into dir. notifier may be nil.
func NewReportingSink(dir string, notifier Notifier, logger *zap.Logger) (*ReportingSink, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(reportSchema))
	if err != nil {
		return nil, fmt.Errorf("report: load schema: %w", err)
	}
	return &ReportingSink{
		dir:           dir,
		schema:        schema,
		notifier:      notifier,
		notifyTimeout: 30 * time.Second,
		logger:        logger,
	}, nil
}

// Emit writes one report for a terminal deployment and notifies. Only the
// report write can fail; notification errors are logged.
func (s *ReportingSink) Emit(ctx context.Context, d *Deployment, health, deployHealth *HealthReport) (string, error) {
	if !d.Status.IsTerminal() {
		return "", fmt.Errorf("report: deployment %s is %s, not terminal", d.ID, d.Status)
	}

	record := NewDeploymentRecord(d, health, deployHealth)
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: encode: %w", err)
	}
	if err := s.validate(data); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return "", fmt.Errorf("report: create dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", d.ID, record.FinishedAt.UTC().Format(artifactTimeFmt))
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o440)
	if err != nil {
		return "", fmt.Errorf("report: create %s: %w", name, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("report: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("report: close %s: %w", name, err)
	}

	s.logger.Info("deployment report written", zap.String("deployment_id", d.ID), zap.String("path", path))
	s.notify(ctx, record.Summary())
	return path, nil
}

func (s *ReportingSink) validate(data []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("report: schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New("report: invalid record: " + strings.Join(msgs, "; "))
	}
	return nil
}

func (s *ReportingSink) notify(ctx context.Context, summary Summary) {
	if s.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	if err := s.notifier.Send(notifyCtx, summary); err != nil {
		s.logger.Warn("notification failed",
			zap.String("deployment_id", summary.DeploymentID),
			zap.Error(err))
	}
}
