// internal/devops/release.go
package devops

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"
)

const (
	releasesFileName  = "releases.json"
	maxReleaseHistory = 50
)

var (
	semverLike = regexp.MustCompile(`^v?\d+\.\d+`)
	tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
)

// ValidateVersion accepts a semantic version, or failing that a plain image
// tag. Strings that look like a semantic version must parse as one.
func ValidateVersion(version string) error {
	if strings.TrimSpace(version) == "" {
		return errors.New("release: version is required")
	}
	if semverLike.MatchString(version) {
		if _, err := semver.Parse(strings.TrimPrefix(version, "v")); err != nil {
			return fmt.Errorf("release: invalid semantic version %q: %w", version, err)
		}
		return nil
	}
	if !tagPattern.MatchString(version) {
		return fmt.Errorf("release: invalid version tag %q", version)
	}
	return nil
}

// IsDowngrade reports whether target is an older semantic version than
// previous. Non-semantic versions are never a downgrade.
func IsDowngrade(previous, target string) bool {
	prev, err := semver.Parse(strings.TrimPrefix(previous, "v"))
	if err != nil {
		return false
	}
	next, err := semver.Parse(strings.TrimPrefix(target, "v"))
	if err != nil {
		return false
	}
	return next.LT(prev)
}

// ReleaseRecord records a version that went live
type ReleaseRecord struct {
	Version      string    `json:"version"`
	DeploymentID string    `json:"deployment_id"`
	Kind         string    `json:"kind"`
	PromotedAt   time.Time `json:"promoted_at"`
}

// ReleaseLedger persists the live version per environment in
// <dir>/releases.json
type ReleaseLedger struct {
	path string
	mu   sync.Mutex
}

// NewReleaseLedger creates a ledger stored in dir
func NewReleaseLedger(dir string) *ReleaseLedger {
	return &ReleaseLedger{path: filepath.Join(dir, releasesFileName)}
}

// Current returns the live version of env, or NoPreviousVersion
func (l *ReleaseLedger) Current(env Environment) (string, error) {
	history, err := l.History(env)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return NoPreviousVersion, nil
	}
	return history[len(history)-1].Version, nil
}

// History returns the releases of env, oldest first
func (l *ReleaseLedger) History(env Environment) ([]ReleaseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ledger, err := l.load()
	if err != nil {
		return nil, err
	}
	return ledger[env], nil
}

// Record marks version as live in env
func (l *ReleaseLedger) Record(env Environment, record ReleaseRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ledger, err := l.load()
	if err != nil {
		return err
	}
	history := append(ledger[env], record)
	if len(history) > maxReleaseHistory {
		history = history[len(history)-maxReleaseHistory:]
	}
	ledger[env] = history

	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("release: encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("release: create state dir: %w", err)
	}
	return writeFileAtomic(l.path, data, 0o640)
}

func (l *ReleaseLedger) load() (map[Environment][]ReleaseRecord, error) {
	ledger := make(map[Environment][]ReleaseRecord)
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return ledger, nil
	}
	if err != nil {
		return nil, fmt.Errorf("release: read ledger: %w", err)
	}
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("release: parse ledger: %w", err)
	}
	return ledger, nil
}
