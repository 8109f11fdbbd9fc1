// internal/devops/lease.go
//go:build !windows

package devops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Lease is an exclusive claim on one environment
type Lease struct {
	Environment Environment
	Holder      string
	AcquiredAt  time.Time

	file     *os.File
	registry *LeaseRegistry
	once     sync.Once
}

// LeaseRegistry hands out per-environment leases. Leases are tracked in
// process and backed by a flock(2) on <dir>/<env>.lock so that separate
// processes exclude each other too.
type LeaseRegistry struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
	held   map[Environment]*Lease
}

// NewLeaseRegistry creates a registry storing lock files in dir
func NewLeaseRegistry(dir string, logger *zap.Logger) *LeaseRegistry {
	return &LeaseRegistry{
		dir:    dir,
		logger: logger,
		held:   make(map[Environment]*Lease),
	}
}

// Acquire claims env for holder. It never waits: a held environment fails
// immediately with ErrDeploymentInProgress.
func (r *LeaseRegistry) Acquire(env Environment, holder string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.held[env]; ok {
		return nil, fmt.Errorf("lease: %s held by %s: %w", env, current.Holder, ErrDeploymentInProgress)
	}

	if err := os.MkdirAll(r.dir, 0o750); err != nil {
		return nil, fmt.Errorf("lease: create state dir: %w", err)
	}

	path := filepath.Join(r.dir, string(env)+".lock")
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("lease: open %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			owner, _ := os.ReadFile(path)
			return nil, fmt.Errorf("lease: %s locked by another process (%s): %w", env, owner, ErrDeploymentInProgress)
		}
		return nil, fmt.Errorf("lease: flock %s: %w", path, err)
	}

	lease := &Lease{
		Environment: env,
		Holder:      holder,
		AcquiredAt:  time.Now().UTC(),
		file:        file,
		registry:    r,
	}

	if err := file.Truncate(0); err == nil {
		_, _ = fmt.Fprintf(file, "%s pid=%d at=%s", holder, os.Getpid(), lease.AcquiredAt.Format(time.RFC3339))
	}

	r.held[env] = lease
	r.logger.Debug("lease acquired", zap.String("environment", string(env)), zap.String("holder", holder))
	return lease, nil
}

// Held reports whether env is leased by this process
func (r *LeaseRegistry) Held(env Environment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[env]
	return ok
}

// Release gives the environment back. It is safe to call more than once.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() {
		r := l.registry
		r.mu.Lock()
		delete(r.held, l.Environment)
		r.mu.Unlock()

		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		err = l.file.Close()
		r.logger.Debug("lease released", zap.String("environment", string(l.Environment)))
	})
	return err
}
