// internal/container/controller_test.go
package container

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEngine struct {
	mu      sync.Mutex
	pulled  []string
	runs    []RunSpec
	removed int
	state   State
	pullErr error
	runErr  error
}

func (e *fakeEngine) Pull(_ context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pulled = append(e.pulled, ref)
	return e.pullErr
}

func (e *fakeEngine) Run(_ context.Context, spec RunSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runErr != nil {
		return "", e.runErr
	}
	e.runs = append(e.runs, spec)
	e.state = State{Exists: true, Running: true, Image: spec.Image, Version: spec.Labels[LabelVersion]}
	return "0123456789abcdef0123", nil
}

func (e *fakeEngine) Remove(_ context.Context, _ string, _ time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed++
	e.state = State{}
	return nil
}

func (e *fakeEngine) State(_ context.Context, _ string) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

type fakeReady struct{ err error }

func (r fakeReady) IsReachable(context.Context) error { return r.err }

func newTestDocker(t *testing.T, engine *fakeEngine, ready fakeReady) *DockerController {
	t.Helper()
	ctl, err := NewDockerControllerWithEngine(DockerConfig{
		Image:         "postgres",
		ContainerName: "shipyard-staging",
		Ports:         []string{"5432:5432"},
		Volumes:       []string{"shipyard-staging-data:/var/lib/postgresql/data"},
	}, engine, ready, zap.NewNop())
	require.NoError(t, err)
	return ctl
}

func TestDockerController(t *testing.T) {
	ctx := context.Background()

	t.Run("start replaces container with tagged image", func(t *testing.T) {
		engine := &fakeEngine{}
		ctl := newTestDocker(t, engine, fakeReady{})

		require.NoError(t, ctl.Start(ctx, "16.4"))
		assert.Equal(t, []string{"postgres:16.4"}, engine.pulled)
		require.Len(t, engine.runs, 1)
		assert.Equal(t, "shipyard-staging", engine.runs[0].Name)
		assert.Equal(t, "16.4", engine.runs[0].Labels[LabelVersion])
		assert.Equal(t, 1, engine.removed)

		running, err := ctl.IsRunning(ctx)
		require.NoError(t, err)
		assert.True(t, running)

		version, err := ctl.RunningVersion(ctx)
		require.NoError(t, err)
		assert.Equal(t, "16.4", version)
	})

	t.Run("data volume survives container replacement", func(t *testing.T) {
		engine := &fakeEngine{}
		ctl := newTestDocker(t, engine, fakeReady{})
		require.NoError(t, ctl.Start(ctx, "16.3"))
		require.NoError(t, ctl.Stop(ctx))
		require.NoError(t, ctl.Start(ctx, "16.4"))

		require.Len(t, engine.runs, 2)
		for _, run := range engine.runs {
			assert.Equal(t, []string{"shipyard-staging-data:/var/lib/postgresql/data"}, run.Volumes)
		}
	})

	t.Run("pull failure falls back to local image", func(t *testing.T) {
		engine := &fakeEngine{pullErr: errors.New("registry unreachable")}
		ctl := newTestDocker(t, engine, fakeReady{})
		require.NoError(t, ctl.Start(ctx, "16.4"))
		assert.Len(t, engine.runs, 1)
	})

	t.Run("create failure surfaces", func(t *testing.T) {
		engine := &fakeEngine{runErr: errors.New("container create: no such image")}
		ctl := newTestDocker(t, engine, fakeReady{})
		assert.Error(t, ctl.Start(ctx, "16.4"))
	})

	t.Run("reachability", func(t *testing.T) {
		engine := &fakeEngine{}
		ctl := newTestDocker(t, engine, fakeReady{err: errors.New("connection refused")})
		assert.Error(t, ctl.IsReachable(ctx))

		require.NoError(t, ctl.Start(ctx, "16.4"))
		assert.ErrorContains(t, ctl.IsReachable(ctx), "connection refused")

		ctl.ready = fakeReady{}
		assert.NoError(t, ctl.IsReachable(ctx))

		engine.state.Health = "starting"
		assert.ErrorContains(t, ctl.IsReachable(ctx), "starting")
	})

	t.Run("stop", func(t *testing.T) {
		engine := &fakeEngine{}
		ctl := newTestDocker(t, engine, fakeReady{})
		require.NoError(t, ctl.Start(ctx, "16.4"))
		require.NoError(t, ctl.Stop(ctx))

		running, err := ctl.IsRunning(ctx)
		require.NoError(t, err)
		assert.False(t, running)
	})

	t.Run("digest versions", func(t *testing.T) {
		ctl := newTestDocker(t, &fakeEngine{}, fakeReady{})
		assert.Equal(t, "postgres@sha256:abc", ctl.ImageRef("sha256:abc"))
		assert.Equal(t, "postgres:16", ctl.ImageRef("16"))
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewDockerControllerWithEngine(DockerConfig{Image: "postgres"}, &fakeEngine{}, nil, zap.NewNop())
		assert.Error(t, err)
		_, err = NewDockerControllerWithEngine(DockerConfig{Image: "postgres", ContainerName: "x", Ports: []string{"abc:def"}}, &fakeEngine{}, nil, zap.NewNop())
		assert.Error(t, err)
		_, err = NewDockerControllerWithEngine(DockerConfig{Image: "postgres", ContainerName: "x", Volumes: []string{"data"}}, &fakeEngine{}, nil, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestParseMounts(t *testing.T) {
	mounts, err := ParseMounts([]string{
		"pgdata:/var/lib/postgresql/data",
		"/srv/conf:/etc/postgresql:ro",
		"./init:/docker-entrypoint-initdb.d:rw",
	})
	require.NoError(t, err)
	require.Len(t, mounts, 3)

	assert.Equal(t, mount.TypeVolume, mounts[0].Type)
	assert.Equal(t, "pgdata", mounts[0].Source)
	assert.Equal(t, "/var/lib/postgresql/data", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)

	assert.Equal(t, mount.TypeBind, mounts[1].Type)
	assert.True(t, mounts[1].ReadOnly)

	assert.Equal(t, mount.TypeBind, mounts[2].Type)
	assert.False(t, mounts[2].ReadOnly)

	for _, bad := range []string{"", "pgdata", ":/data", "pgdata:relative", "pgdata:/data:rx", "a:/b:ro:x"} {
		_, err := ParseMounts([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestExecController(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	marker := filepath.Join(dir, "running")

	ctl, err := NewExecController(ExecConfig{
		StartCommand:  `sh -c "echo {version} > ` + marker + `"`,
		StopCommand:   "rm -f " + marker,
		StatusCommand: "test -f " + marker,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	running, err := ctl.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Error(t, ctl.IsReachable(ctx))

	require.NoError(t, ctl.Start(ctx, "2.1.0"))
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "2.1.0\n", string(data))

	running, err = ctl.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)
	assert.NoError(t, ctl.IsReachable(ctx))

	require.NoError(t, ctl.Stop(ctx))
	running, err = ctl.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestExecController_Failures(t *testing.T) {
	_, err := NewExecController(ExecConfig{StopCommand: "true"}, nil, zap.NewNop())
	assert.Error(t, err)

	ctl, err := NewExecController(ExecConfig{StartCommand: "false", StopCommand: "true"}, fakeReady{err: errors.New("refused")}, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, ctl.Start(context.Background(), "1.0.0"))

	running, err := ctl.IsRunning(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
	assert.ErrorContains(t, ctl.IsReachable(context.Background()), "refused")
}
