// internal/devops/errors.go
package devops

import "errors"

var (
	// ErrConfigInvalid is returned when pre-flight validation finds violations.
	ErrConfigInvalid = errors.New("configuration invalid")

	// ErrSourceUnavailable is returned when the store cannot be reached for a snapshot.
	ErrSourceUnavailable = errors.New("backup source unavailable")

	// ErrCorruptArtifact is returned when a backup artifact fails an integrity check.
	ErrCorruptArtifact = errors.New("corrupt backup artifact")

	// ErrStartupTimeout is returned when the target version never became reachable.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrHealthEvaluationTimeout is returned when the store stays unreachable past the
	// global health ceiling.
	ErrHealthEvaluationTimeout = errors.New("health evaluation timeout")

	// ErrProbeFailure marks an individual probe failure. It is folded into a
	// HealthReport and never aborts an evaluation.
	ErrProbeFailure = errors.New("probe failure")

	// ErrNoRollbackTarget is returned when no verified backup exists.
	ErrNoRollbackTarget = errors.New("no rollback target")

	// ErrDeploymentInProgress is returned when another deployment holds the
	// environment lease.
	ErrDeploymentInProgress = errors.New("deployment in progress")

	// ErrAborted is returned when the operator cancels a run.
	ErrAborted = errors.New("aborted by operator")

	// ErrInvalidTransition is returned when a status change is not on the state graph.
	ErrInvalidTransition = errors.New("invalid status transition")
)
