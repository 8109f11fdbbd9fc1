// internal/cmd/exitcode.go
package cmd

import (
	"errors"

	"github.com/FairForge/shipyard/internal/devops"
)

// Process exit codes
const (
	ExitOK                   = 0
	ExitInternal             = 1
	ExitConfigInvalid        = 2
	ExitHealthFailure        = 3
	ExitNoRollbackTarget     = 4
	ExitDeploymentInProgress = 5
	ExitBackupFailure        = 6
	ExitStartupTimeout       = 7
	ExitAborted              = 8
)

// ExitCode maps an error returned by a verb to the process exit code.
// Order matters: an aborted run may also carry a probe failure, and a
// rollback that found no target is reported as such even after a failed
// health evaluation.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, devops.ErrAborted):
		return ExitAborted
	case errors.Is(err, devops.ErrConfigInvalid):
		return ExitConfigInvalid
	case errors.Is(err, devops.ErrDeploymentInProgress):
		return ExitDeploymentInProgress
	case errors.Is(err, devops.ErrNoRollbackTarget):
		return ExitNoRollbackTarget
	case errors.Is(err, devops.ErrStartupTimeout):
		return ExitStartupTimeout
	case errors.Is(err, devops.ErrProbeFailure), errors.Is(err, devops.ErrHealthEvaluationTimeout):
		return ExitHealthFailure
	case errors.Is(err, devops.ErrSourceUnavailable), errors.Is(err, devops.ErrCorruptArtifact):
		return ExitBackupFailure
	default:
		return ExitInternal
	}
}
