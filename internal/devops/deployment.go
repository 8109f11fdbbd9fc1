// internal/devops/deployment.go
package devops

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a deployment state
type Status string

// Deployment statuses
const (
	StatusPending        Status = "PENDING"
	StatusValidating     Status = "VALIDATING"
	StatusBackingUp      Status = "BACKING_UP"
	StatusDeploying      Status = "DEPLOYING"
	StatusAwaitingHealth Status = "AWAITING_HEALTH"
	StatusRollingBack    Status = "ROLLING_BACK"
	StatusSucceeded      Status = "SUCCEEDED"
	StatusRolledBack     Status = "ROLLED_BACK"
	StatusFailed         Status = "FAILED"
)

// Kinds of deployment attempt
const (
	KindDeploy   = "deploy"
	KindRollback = "rollback"
	KindRestore  = "restore"
)

// NoPreviousVersion marks a first deployment
const NoPreviousVersion = "none"

var transitions = map[Status][]Status{
	StatusPending:        {StatusValidating, StatusRollingBack, StatusFailed},
	StatusValidating:     {StatusBackingUp, StatusDeploying, StatusFailed},
	StatusBackingUp:      {StatusDeploying, StatusFailed},
	StatusDeploying:      {StatusAwaitingHealth, StatusFailed},
	StatusAwaitingHealth: {StatusSucceeded, StatusRollingBack, StatusFailed},
	StatusRollingBack:    {StatusRolledBack, StatusFailed},
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusRolledBack || s == StatusFailed
}

// CanTransition reports whether from -> to is an edge of the state graph
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StatusEntry tracks status changes
type StatusEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// Deployment is one attempt to promote, roll back or restore a version
type Deployment struct {
	ID              string        `json:"id"`
	Kind            string        `json:"kind"`
	Environment     Environment   `json:"environment"`
	TargetVersion   string        `json:"target_version"`
	PreviousVersion string        `json:"previous_version"`
	Status          Status        `json:"status"`
	BackupRef       string        `json:"backup_ref,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	DryRun          bool          `json:"dry_run"`
	Error           string        `json:"error,omitempty"`
	History         []StatusEntry `json:"history"`
}

// NewDeployment creates a PENDING deployment
func NewDeployment(kind string, env Environment, target string, dryRun bool, now time.Time) *Deployment {
	d := &Deployment{
		ID:              uuid.New().String(),
		Kind:            kind,
		Environment:     env,
		TargetVersion:   target,
		PreviousVersion: NoPreviousVersion,
		Status:          StatusPending,
		StartedAt:       now.UTC(),
		DryRun:          dryRun,
	}
	d.History = append(d.History, StatusEntry{Status: StatusPending, Timestamp: d.StartedAt})
	return d
}

// Transition moves the deployment along the state graph
func (d *Deployment) Transition(to Status, message string, now time.Time) error {
	if d.Status.IsTerminal() {
		return fmt.Errorf("deployment %s: %w: %s is terminal", d.ID, ErrInvalidTransition, d.Status)
	}
	if !CanTransition(d.Status, to) {
		return fmt.Errorf("deployment %s: %w: %s -> %s", d.ID, ErrInvalidTransition, d.Status, to)
	}

	d.Status = to
	d.History = append(d.History, StatusEntry{Status: to, Timestamp: now.UTC(), Message: message})
	if to.IsTerminal() {
		finished := now.UTC()
		d.FinishedAt = &finished
	}
	return nil
}

// Fail moves the deployment to FAILED and records the cause
func (d *Deployment) Fail(cause error, now time.Time) error {
	d.Error = cause.Error()
	return d.Transition(StatusFailed, cause.Error(), now)
}

// Elapsed returns the time between start and finish, or until now while running
func (d *Deployment) Elapsed(now time.Time) time.Duration {
	if d.FinishedAt != nil {
		return d.FinishedAt.Sub(d.StartedAt)
	}
	return now.Sub(d.StartedAt)
}

// Visited reports whether the deployment ever entered status s
func (d *Deployment) Visited(s Status) bool {
	for _, entry := range d.History {
		if entry.Status == s {
			return true
		}
	}
	return false
}
