// internal/devops/backup_test.go
package devops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBackupManager(t *testing.T, source *fakeSource, control *fakeControl, opts ...BackupOption) *BackupManager {
	t.Helper()
	config := &BackupConfig{
		Dir:                t.TempDir(),
		Codec:              "zstd",
		RetentionDays:      30,
		MinKeep:            DefaultMinKeep,
		CriticalTables:     []string{"knowledge_base", "job_status"},
		RequiredExtensions: []string{"vector", "uuid-ossp", "pg_trgm"},
	}
	return NewBackupManager(config, source, control, zap.NewNop(), opts...)
}

func TestBackupManager_CreateBackup(t *testing.T) {
	t.Run("writes timestamp named artifact", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})

		backup, err := manager.CreateBackup(context.Background(), EnvProduction)
		require.NoError(t, err)

		assert.NotEmpty(t, backup.ID)
		assert.Regexp(t, regexp.MustCompile(`^production-\d{8}T\d{6}Z\.dump\.zst$`), backup.File)
		assert.False(t, backup.Verified)
		assert.True(t, backup.Compressed)
		assert.Len(t, backup.Checksum, 64)
		assert.Positive(t, backup.SizeBytes)
		assert.Equal(t, backup.CreatedAt.AddDate(0, 0, 30), backup.RetainedUntil)

		info, err := os.Stat(filepath.Join(manager.Config().Dir, backup.File))
		require.NoError(t, err)
		assert.Equal(t, backup.SizeBytes, info.Size())
	})

	t.Run("records backup in index", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(context.Background(), EnvStaging)
		require.NoError(t, err)

		found, err := manager.Get(backup.File)
		require.NoError(t, err)
		assert.Equal(t, backup.ID, found.ID)

		found, err = manager.Get(backup.ID)
		require.NoError(t, err)
		assert.Equal(t, backup.File, found.File)
	})

	t.Run("unique names within one second", func(t *testing.T) {
		fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{},
			WithBackupClock(func() time.Time { return fixed }))

		first, err := manager.CreateBackup(context.Background(), EnvProduction)
		require.NoError(t, err)
		second, err := manager.CreateBackup(context.Background(), EnvProduction)
		require.NoError(t, err)
		assert.NotEqual(t, first.File, second.File)
	})

	t.Run("unreachable store is SourceUnavailable", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{unreachable: true})

		_, err := manager.CreateBackup(context.Background(), EnvProduction)
		assert.ErrorIs(t, err, ErrSourceUnavailable)

		entries, _ := os.ReadDir(manager.Config().Dir)
		assert.Empty(t, entries)
	})

	t.Run("failed dump leaves no artifact", func(t *testing.T) {
		source := newFakeSource()
		source.dumpErr = errors.New("pg_dump: connection reset")
		manager := newTestBackupManager(t, source, &fakeControl{})

		_, err := manager.CreateBackup(context.Background(), EnvProduction)
		assert.ErrorIs(t, err, ErrSourceUnavailable)

		backups, err := manager.List()
		require.NoError(t, err)
		assert.Empty(t, backups)

		entries, _ := os.ReadDir(manager.Config().Dir)
		assert.Empty(t, entries)
	})
}

func TestBackupManager_VerifyIntegrity(t *testing.T) {
	ctx := context.Background()

	t.Run("verifies intact artifact", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)

		verified, err := manager.VerifyIntegrity(ctx, backup)
		require.NoError(t, err)
		assert.True(t, verified.Verified)
		assert.NotNil(t, verified.VerifiedAt)

		stored, err := manager.Get(backup.ID)
		require.NoError(t, err)
		assert.True(t, stored.Verified)
	})

	t.Run("zero byte artifact is never verified", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)

		path := filepath.Join(manager.Config().Dir, backup.File)
		require.NoError(t, os.Chmod(path, 0o640))
		require.NoError(t, os.Truncate(path, 0))

		result, err := manager.VerifyIntegrity(ctx, backup)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)
	})

	t.Run("truncated artifact is never verified", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)

		path := filepath.Join(manager.Config().Dir, backup.File)
		require.NoError(t, os.Chmod(path, 0o640))
		require.NoError(t, os.Truncate(path, backup.SizeBytes/2))

		result, err := manager.VerifyIntegrity(ctx, backup)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)

		// even a record claiming the truncated size fails
		backup.SizeBytes = backup.SizeBytes / 2
		result, err = manager.VerifyIntegrity(ctx, backup)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)
	})

	t.Run("checksum mismatch is never verified", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)

		backup.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
		result, err := manager.VerifyIntegrity(ctx, backup)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)
	})

	t.Run("record without size or checksum is never verified", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		backup, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)

		unsized := backup
		unsized.SizeBytes = 0
		result, err := manager.VerifyIntegrity(ctx, unsized)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)

		unsummed := backup
		unsummed.Checksum = ""
		result, err = manager.VerifyIntegrity(ctx, unsummed)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)

		result, err = manager.VerifyIntegrity(ctx, backup)
		require.NoError(t, err)
		assert.True(t, result.Verified)
	})

	t.Run("missing artifact is never verified", func(t *testing.T) {
		manager := newTestBackupManager(t, newFakeSource(), &fakeControl{})
		result, err := manager.VerifyIntegrity(ctx, Backup{ID: "gone", File: "production-20260101T000000Z.dump.zst", SizeBytes: 10, Checksum: "00"})
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, result.Verified)
	})
}

func TestBackupManager_VerifyAll(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	manager := newTestBackupManager(t, newFakeSource(), &fakeControl{},
		WithBackupClock(func() time.Time { return fixed }))

	good, err := manager.CreateBackup(ctx, EnvProduction)
	require.NoError(t, err)
	bad, err := manager.CreateBackup(ctx, EnvProduction)
	require.NoError(t, err)

	path := filepath.Join(manager.Config().Dir, bad.File)
	require.NoError(t, os.Chmod(path, 0o640))
	require.NoError(t, os.Truncate(path, 0))

	results, err := manager.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]Backup{}
	for _, b := range results {
		byID[b.ID] = b
	}
	assert.True(t, byID[good.ID].Verified)
	assert.False(t, byID[bad.ID].Verified)
}

func TestBackupManager_Snapshot(t *testing.T) {
	replicator := &fakeReplicator{}
	manager := newTestBackupManager(t, newFakeSource(), &fakeControl{}, WithReplicator(replicator))

	backup, err := manager.Snapshot(context.Background(), EnvProduction)
	require.NoError(t, err)
	assert.True(t, backup.Verified)
	assert.Equal(t, "backups/"+backup.File, backup.OffsiteKey)
	assert.Equal(t, []string{backup.File}, replicator.names)
}

func TestBackupManager_TestRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("passes and drops scratch target", func(t *testing.T) {
		source := newFakeSource()
		manager := newTestBackupManager(t, source, &fakeControl{})
		backup, err := manager.Snapshot(ctx, EnvProduction)
		require.NoError(t, err)

		report, err := manager.TestRestore(ctx, backup)
		require.NoError(t, err)
		assert.True(t, report.Passed)
		assert.Equal(t, 2, report.TablesFound)
		assert.Equal(t, source.payload, source.restoredInto(report.ScratchTarget))
		assert.Empty(t, source.scratch)
		assert.Equal(t, []string{report.ScratchTarget}, source.dropped)

		stored, err := manager.Get(backup.ID)
		require.NoError(t, err)
		assert.True(t, stored.RestoreTested)
	})

	t.Run("missing critical entities fail and still drop scratch", func(t *testing.T) {
		source := newFakeSource()
		manager := newTestBackupManager(t, source, &fakeControl{})
		backup, err := manager.Snapshot(ctx, EnvProduction)
		require.NoError(t, err)

		source.catalog = Catalog{Tables: []string{"knowledge_base"}, Extensions: []string{"uuid-ossp"}}
		report, err := manager.TestRestore(ctx, backup)
		assert.ErrorIs(t, err, ErrCorruptArtifact)
		assert.False(t, report.Passed)
		assert.Equal(t, []string{"job_status"}, report.MissingTables)
		assert.Equal(t, []string{"vector", "pg_trgm"}, report.MissingExtensions)
		assert.Empty(t, source.scratch)
	})

	t.Run("cancelled context still drops scratch", func(t *testing.T) {
		source := newFakeSource()
		manager := newTestBackupManager(t, source, &fakeControl{})
		backup, err := manager.Snapshot(ctx, EnvProduction)
		require.NoError(t, err)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err = manager.TestRestore(cancelled, backup)
		assert.Error(t, err)
		assert.Empty(t, source.scratch)
		assert.Len(t, source.dropped, 1)
	})
}

func TestBackupManager_Restore(t *testing.T) {
	source := newFakeSource()
	manager := newTestBackupManager(t, source, &fakeControl{})

	backup, err := manager.Snapshot(context.Background(), EnvProduction)
	require.NoError(t, err)

	require.NoError(t, manager.Restore(context.Background(), backup))
	assert.Equal(t, source.payload, source.restoredInto("app"))
}

func TestBackupManager_Cleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.AddDate(0, 0, -60)
	manager := newTestBackupManager(t, newFakeSource(), &fakeControl{},
		WithBackupClock(func() time.Time { return clock }))

	for i := 0; i < 10; i++ {
		_, err := manager.CreateBackup(ctx, EnvProduction)
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
	}
	clock = now

	result, err := manager.Cleanup(ctx, RetentionPolicy{RetentionDays: 30, MinKeep: 7})
	require.NoError(t, err)
	assert.Len(t, result.Deleted, 3)
	assert.Positive(t, result.FreedBytes)

	remaining, err := manager.List()
	require.NoError(t, err)
	assert.Len(t, remaining, 7)
	for _, b := range result.Deleted {
		_, err := os.Stat(filepath.Join(manager.Config().Dir, b.File))
		assert.True(t, os.IsNotExist(err))
	}

	again, err := manager.Cleanup(ctx, RetentionPolicy{RetentionDays: 30, MinKeep: 7})
	require.NoError(t, err)
	assert.Empty(t, again.Deleted)
}

func TestLatestVerified(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("none when empty", func(t *testing.T) {
		assert.Nil(t, LatestVerified(nil))
	})

	t.Run("none when only unverified", func(t *testing.T) {
		backups := []Backup{
			{ID: "a", CreatedAt: base},
			{ID: "b", CreatedAt: base.Add(time.Hour)},
		}
		assert.Nil(t, LatestVerified(backups))
	})

	t.Run("newest verified wins", func(t *testing.T) {
		backups := []Backup{
			{ID: "old", CreatedAt: base, Verified: true},
			{ID: "newest-unverified", CreatedAt: base.Add(3 * time.Hour)},
			{ID: "new", CreatedAt: base.Add(2 * time.Hour), Verified: true},
		}
		latest := LatestVerified(backups)
		require.NotNil(t, latest)
		assert.Equal(t, "new", latest.ID)
	})
}
