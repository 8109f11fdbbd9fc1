// internal/devops/backup.go
package devops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/archive"
	"github.com/FairForge/shipyard/internal/metrics"
)

const (
	indexFileName   = "index.json"
	artifactTimeFmt = "20060102T150405Z"
	scratchTeardown = 2 * time.Minute
)

// Backup is an immutable snapshot artifact plus its verification state
type Backup struct {
	ID                string      `json:"id"`
	File              string      `json:"file"`
	CreatedAt         time.Time   `json:"created_at"`
	SourceEnvironment Environment `json:"source_environment"`
	SizeBytes         int64       `json:"size_bytes"`
	Checksum          string      `json:"checksum"`
	Compressed        bool        `json:"compressed"`
	Codec             string      `json:"codec"`
	RetainedUntil     time.Time   `json:"retained_until"`
	Verified          bool        `json:"verified"`
	VerifiedAt        *time.Time  `json:"verified_at,omitempty"`
	RestoreTested     bool        `json:"restore_tested"`
	OffsiteKey        string      `json:"offsite_key,omitempty"`
}

// Age returns the age of the backup relative to now
func (b Backup) Age(now time.Time) time.Duration {
	return now.Sub(b.CreatedAt)
}

// BackupConfig configures backup behavior
type BackupConfig struct {
	Dir                string   `json:"dir"`
	Codec              string   `json:"codec"`
	RetentionDays      int      `json:"retention_days"`
	MinKeep            int      `json:"min_keep"`
	CriticalTables     []string `json:"critical_tables"`
	RequiredExtensions []string `json:"required_extensions"`
	ScratchPrefix      string   `json:"scratch_prefix"`
}

// Policy returns the retention policy derived from the configuration
func (c *BackupConfig) Policy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: c.RetentionDays, MinKeep: c.MinKeep}
}

// RestoreReport holds the outcome of a scratch restore
type RestoreReport struct {
	BackupID          string        `json:"backup_id"`
	ScratchTarget     string        `json:"scratch_target"`
	TablesFound       int           `json:"tables_found"`
	MissingTables     []string      `json:"missing_tables,omitempty"`
	MissingExtensions []string      `json:"missing_extensions,omitempty"`
	Passed            bool          `json:"passed"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
}

// Reachability reports whether the store accepts connections
type Reachability interface {
	IsReachable(ctx context.Context) error
}

type backupIndex struct {
	Backups []Backup `json:"backups"`
}

// BackupOption configures a BackupManager
type BackupOption func(*BackupManager)

// WithReplicator copies verified artifacts to secondary storage
func WithReplicator(r ArtifactReplicator) BackupOption {
	return func(m *BackupManager) {
		m.replicator = r
	}
}

// WithBackupMetrics records backup outcomes
func WithBackupMetrics(c *metrics.Collector) BackupOption {
	return func(m *BackupManager) {
		m.metrics = c
	}
}

// WithBackupClock overrides the wall clock
func WithBackupClock(now func() time.Time) BackupOption {
	return func(m *BackupManager) {
		m.now = now
	}
}

// BackupManager creates, verifies and restores snapshots of the store
type BackupManager struct {
	config     *BackupConfig
	source     SnapshotSource
	reach      Reachability
	replicator ArtifactReplicator
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.Mutex
}

// NewBackupManager creates a backup manager
func NewBackupManager(config *BackupConfig, source SnapshotSource, reach Reachability, logger *zap.Logger, opts ...BackupOption) *BackupManager {
	if config.ScratchPrefix == "" {
		config.ScratchPrefix = "shipyard_restore"
	}
	m := &BackupManager{
		config: config,
		source: source,
		reach:  reach,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the configuration
func (m *BackupManager) Config() *BackupConfig {
	return m.config
}

func (m *BackupManager) artifactPath(b Backup) string {
	return filepath.Join(m.config.Dir, b.File)
}

// CreateBackup dumps the store into a new compressed artifact. The returned
// backup is not verified.
func (m *BackupManager) CreateBackup(ctx context.Context, env Environment) (Backup, error) {
	if err := m.reach.IsReachable(ctx); err != nil {
		m.metrics.RecordBackup(string(env), "unavailable", 0)
		return Backup{}, fmt.Errorf("backup: %w: %w", ErrSourceUnavailable, err)
	}

	codec, err := archive.Lookup(m.config.Codec)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: %w", err)
	}

	if err := os.MkdirAll(m.config.Dir, 0o750); err != nil {
		return Backup{}, fmt.Errorf("backup: create dir: %w", err)
	}

	created := m.now().UTC()
	tmp, err := os.CreateTemp(m.config.Dir, ".partial-*")
	if err != nil {
		return Backup{}, fmt.Errorf("backup: create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	digest := archive.NewDigestWriter(tmp)
	w, err := codec.NewWriter(digest)
	if err != nil {
		_ = tmp.Close()
		return Backup{}, fmt.Errorf("backup: %w", err)
	}

	if err := m.source.Dump(ctx, w); err != nil {
		_ = w.Close()
		_ = tmp.Close()
		m.metrics.RecordBackup(string(env), "unavailable", 0)
		return Backup{}, fmt.Errorf("backup: dump: %w: %w", ErrSourceUnavailable, err)
	}
	if err := w.Close(); err != nil {
		_ = tmp.Close()
		return Backup{}, fmt.Errorf("backup: flush artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Backup{}, fmt.Errorf("backup: sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Backup{}, fmt.Errorf("backup: close artifact: %w", err)
	}

	name, err := m.uniqueName(env, created, codec.Extension())
	if err != nil {
		return Backup{}, err
	}
	if err := os.Chmod(tmpPath, 0o440); err != nil {
		return Backup{}, fmt.Errorf("backup: seal artifact: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(m.config.Dir, name)); err != nil {
		return Backup{}, fmt.Errorf("backup: publish artifact: %w", err)
	}

	backup := Backup{
		ID:                uuid.New().String(),
		File:              name,
		CreatedAt:         created,
		SourceEnvironment: env,
		SizeBytes:         digest.Size(),
		Checksum:          digest.Sum(),
		Compressed:        codec.Compressed(),
		Codec:             codec.Name(),
		RetainedUntil:     created.AddDate(0, 0, m.config.RetentionDays),
	}

	if err := m.upsert(backup); err != nil {
		return Backup{}, err
	}

	m.metrics.RecordBackup(string(env), "created", backup.SizeBytes)
	m.logger.Info("backup created",
		zap.String("backup_id", backup.ID),
		zap.String("file", backup.File),
		zap.Int64("size_bytes", backup.SizeBytes),
		zap.String("checksum", backup.Checksum))

	return backup, nil
}

func (m *BackupManager) uniqueName(env Environment, created time.Time, ext string) (string, error) {
	base := fmt.Sprintf("%s-%s", env, created.Format(artifactTimeFmt))
	for i := 0; i < 100; i++ {
		name := base + ".dump" + ext
		if i > 0 {
			name = fmt.Sprintf("%s-%d.dump%s", base, i, ext)
		}
		_, err := os.Stat(filepath.Join(m.config.Dir, name))
		if errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("backup: stat artifact: %w", err)
		}
	}
	return "", fmt.Errorf("backup: too many artifacts named %s", base)
}

// VerifyIntegrity checks size, readability, checksum and decompression of an
// artifact. On failure the backup is returned unverified together with an
// error wrapping ErrCorruptArtifact; the failure is logged so callers
// verifying many backups can continue.
func (m *BackupManager) VerifyIntegrity(ctx context.Context, b Backup) (Backup, error) {
	b.Verified = false
	b.VerifiedAt = nil

	reason := m.checkArtifact(ctx, b)
	if reason != "" {
		m.logger.Warn("backup failed integrity check",
			zap.String("backup_id", b.ID),
			zap.String("file", b.File),
			zap.String("reason", reason))
		m.metrics.RecordBackup(string(b.SourceEnvironment), "corrupt", 0)
		if err := m.upsert(b); err != nil {
			m.logger.Error("failed to record verification", zap.Error(err))
		}
		return b, fmt.Errorf("backup: verify %s: %w: %s", b.File, ErrCorruptArtifact, reason)
	}

	now := m.now().UTC()
	b.Verified = true
	b.VerifiedAt = &now
	if err := m.upsert(b); err != nil {
		return b, err
	}

	m.metrics.RecordBackup(string(b.SourceEnvironment), "verified", b.SizeBytes)
	m.logger.Info("backup verified", zap.String("backup_id", b.ID), zap.String("file", b.File))
	return b, nil
}

func (m *BackupManager) checkArtifact(ctx context.Context, b Backup) string {
	if err := ctx.Err(); err != nil {
		return err.Error()
	}
	if b.File == "" {
		return "no artifact file recorded"
	}
	if b.SizeBytes <= 0 || b.Checksum == "" {
		return "no size or checksum recorded"
	}

	info, err := os.Stat(m.artifactPath(b))
	if err != nil {
		return fmt.Sprintf("artifact not readable: %v", err)
	}
	if info.Size() == 0 {
		return "artifact is empty"
	}
	if info.Size() != b.SizeBytes {
		return fmt.Sprintf("artifact size %d does not match recorded %d", info.Size(), b.SizeBytes)
	}

	f, err := os.Open(m.artifactPath(b))
	if err != nil {
		return fmt.Sprintf("artifact not readable: %v", err)
	}
	defer func() { _ = f.Close() }()

	digest := archive.NewDigestWriter(io.Discard)
	tee := io.TeeReader(f, digest)

	if b.Compressed {
		codec, err := archive.Lookup(b.Codec)
		if err != nil {
			return err.Error()
		}
		if _, err := archive.Decompress(codec, io.Discard, tee); err != nil {
			return fmt.Sprintf("decompression failed: %v", err)
		}
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return fmt.Sprintf("artifact not readable: %v", err)
	}

	if digest.Sum() != b.Checksum {
		return "checksum mismatch"
	}
	return ""
}

// VerifyAll verifies every indexed backup, continuing past corrupt ones
func (m *BackupManager) VerifyAll(ctx context.Context) ([]Backup, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	out := make([]Backup, 0, len(backups))
	for _, b := range backups {
		verified, _ := m.VerifyIntegrity(ctx, b)
		out = append(out, verified)
	}
	return out, nil
}

// Snapshot creates, verifies and replicates a backup
func (m *BackupManager) Snapshot(ctx context.Context, env Environment) (Backup, error) {
	backup, err := m.CreateBackup(ctx, env)
	if err != nil {
		return Backup{}, err
	}
	backup, err = m.VerifyIntegrity(ctx, backup)
	if err != nil {
		return backup, err
	}
	return m.replicate(ctx, backup), nil
}

func (m *BackupManager) replicate(ctx context.Context, b Backup) Backup {
	if m.replicator == nil || b.OffsiteKey != "" {
		return b
	}
	f, err := os.Open(m.artifactPath(b))
	if err != nil {
		m.logger.Warn("offsite copy skipped", zap.String("backup_id", b.ID), zap.Error(err))
		return b
	}
	defer func() { _ = f.Close() }()

	key, err := m.replicator.Replicate(ctx, b.File, f, b.SizeBytes)
	if err != nil {
		m.logger.Warn("offsite copy failed", zap.String("backup_id", b.ID), zap.Error(err))
		return b
	}
	b.OffsiteKey = key
	if err := m.upsert(b); err != nil {
		m.logger.Warn("failed to record offsite copy", zap.Error(err))
	}
	return b
}

// TestRestore restores a backup into a scratch database and checks the
// critical tables and extensions. The scratch database is always dropped.
func (m *BackupManager) TestRestore(ctx context.Context, b Backup) (RestoreReport, error) {
	start := m.now()
	scratch := fmt.Sprintf("%s_%s", m.config.ScratchPrefix, uuid.New().String()[:8])
	report := RestoreReport{BackupID: b.ID, ScratchTarget: scratch}

	fail := func(err error) (RestoreReport, error) {
		report.Error = err.Error()
		report.Duration = m.now().Sub(start)
		return report, err
	}

	if err := m.source.CreateScratch(ctx, scratch); err != nil {
		return fail(fmt.Errorf("backup: create scratch %s: %w", scratch, err))
	}
	defer func() {
		teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scratchTeardown)
		defer cancel()
		if err := m.source.DropScratch(teardownCtx, scratch); err != nil {
			m.logger.Error("failed to drop scratch target",
				zap.String("scratch", scratch), zap.Error(err))
		}
	}()

	if err := m.restoreInto(ctx, b, scratch); err != nil {
		return fail(err)
	}

	catalog, err := m.source.Catalog(ctx, scratch)
	if err != nil {
		return fail(fmt.Errorf("backup: inspect scratch %s: %w", scratch, err))
	}

	report.TablesFound = len(catalog.Tables)
	report.MissingTables = missing(m.config.CriticalTables, catalog.Tables)
	report.MissingExtensions = missing(m.config.RequiredExtensions, catalog.Extensions)
	report.Passed = len(report.MissingTables) == 0 && len(report.MissingExtensions) == 0
	report.Duration = m.now().Sub(start)

	b.RestoreTested = report.Passed
	if err := m.upsert(b); err != nil {
		m.logger.Warn("failed to record restore test", zap.Error(err))
	}

	m.logger.Info("restore test finished",
		zap.String("backup_id", b.ID),
		zap.Bool("passed", report.Passed),
		zap.Strings("missing_tables", report.MissingTables),
		zap.Strings("missing_extensions", report.MissingExtensions))

	if !report.Passed {
		return report, fmt.Errorf("backup: restore test of %s: %w: missing critical entities", b.File, ErrCorruptArtifact)
	}
	return report, nil
}

// Restore loads a backup into the live database
func (m *BackupManager) Restore(ctx context.Context, b Backup) error {
	if err := m.restoreInto(ctx, b, m.source.Database()); err != nil {
		return err
	}
	m.logger.Info("backup restored", zap.String("backup_id", b.ID), zap.String("file", b.File))
	return nil
}

func (m *BackupManager) restoreInto(ctx context.Context, b Backup, database string) error {
	f, err := os.Open(m.artifactPath(b))
	if err != nil {
		return fmt.Errorf("backup: open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	codec, err := archive.Lookup(b.Codec)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if !b.Compressed {
		codec = archive.NoopCodec{}
	}
	r, err := codec.NewReader(f)
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := m.source.Restore(ctx, database, r); err != nil {
		return fmt.Errorf("backup: restore %s into %s: %w", b.File, database, err)
	}
	return nil
}

// Cleanup enforces the retention policy on disk and in the index
func (m *BackupManager) Cleanup(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, err := m.loadIndex()
	if err != nil {
		return RetentionResult{}, err
	}

	result := EnforceRetention(index.Backups, policy, m.now())
	doomed := make(map[string]bool, len(result.Deleted))
	for _, b := range result.Deleted {
		if err := ctx.Err(); err != nil {
			return RetentionResult{}, err
		}
		if err := os.Remove(m.artifactPath(b)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return RetentionResult{}, fmt.Errorf("backup: delete %s: %w", b.File, err)
		}
		doomed[b.ID] = true
		m.logger.Info("backup expired", zap.String("backup_id", b.ID), zap.String("file", b.File))
	}

	survivors := index.Backups[:0]
	for _, b := range index.Backups {
		if !doomed[b.ID] {
			survivors = append(survivors, b)
		}
	}
	index.Backups = survivors
	if err := m.saveIndex(index); err != nil {
		return RetentionResult{}, err
	}
	return result, nil
}

// List returns all indexed backups, newest first
func (m *BackupManager) List() ([]Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, err := m.loadIndex()
	if err != nil {
		return nil, err
	}
	backups := append([]Backup(nil), index.Backups...)
	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Get finds a backup by ID, file name or artifact path
func (m *BackupManager) Get(ref string) (Backup, error) {
	backups, err := m.List()
	if err != nil {
		return Backup{}, err
	}
	name := filepath.Base(ref)
	for _, b := range backups {
		if b.ID == ref || b.File == name {
			return b, nil
		}
	}
	return Backup{}, fmt.Errorf("backup: %s not found", ref)
}

// LatestVerified returns the most recent verified backup, or nil when none exist
func LatestVerified(backups []Backup) *Backup {
	var latest *Backup
	for i := range backups {
		b := backups[i]
		if !b.Verified {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = &b
		}
	}
	return latest
}

func (m *BackupManager) upsert(b Backup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	index, err := m.loadIndex()
	if err != nil {
		return err
	}
	replaced := false
	for i := range index.Backups {
		if index.Backups[i].ID == b.ID {
			index.Backups[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		index.Backups = append(index.Backups, b)
	}
	return m.saveIndex(index)
}

func (m *BackupManager) loadIndex() (*backupIndex, error) {
	data, err := os.ReadFile(filepath.Join(m.config.Dir, indexFileName))
	if errors.Is(err, os.ErrNotExist) {
		return &backupIndex{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backup: read index: %w", err)
	}
	var index backupIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("backup: parse index: %w", err)
	}
	return &index, nil
}

func (m *BackupManager) saveIndex(index *backupIndex) error {
	if err := os.MkdirAll(m.config.Dir, 0o750); err != nil {
		return fmt.Errorf("backup: create dir: %w", err)
	}
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("backup: encode index: %w", err)
	}
	return writeFileAtomic(filepath.Join(m.config.Dir, indexFileName), data, 0o640)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmpPath, path)
}

func missing(required, present []string) []string {
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p] = true
	}
	var out []string
	for _, r := range required {
		if !have[r] {
			out = append(out, r)
		}
	}
	return out
}
