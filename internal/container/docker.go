// internal/container/docker.go
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/FairForge/shipyard/internal/devops"
)

// Labels set on every managed container
const (
	LabelManaged = "io.shipyard.managed"
	LabelVersion = "io.shipyard.version"
)

// DockerConfig describes the managed container
type DockerConfig struct {
	Host          string
	Image         string
	ContainerName string
	Ports         []string
	Env           []string
	Network       string
	// Volumes are "source:target[:ro]" mounts. A source that is an absolute
	// or relative path is bind mounted, anything else is a named volume.
	Volumes     []string
	StopTimeout time.Duration
}

// RunSpec is a container to create and start
type RunSpec struct {
	Name    string
	Image   string
	Env     []string
	Ports   []string
	Network string
	Volumes []string
	Labels  map[string]string
}

// State is the observed state of a named container
type State struct {
	Exists  bool
	Running bool
	Health  string
	Image   string
	Version string
}

// Engine is the slice of the Docker Engine API the controller uses
type Engine interface {
	Pull(ctx context.Context, ref string) error
	Run(ctx context.Context, spec RunSpec) (string, error)
	Remove(ctx context.Context, name string, timeout time.Duration) error
	State(ctx context.Context, name string) (State, error)
}

// DockerController implements devops.StoreControl on a Docker host
type DockerController struct {
	config DockerConfig
	engine Engine
	ready  devops.Reachability
	logger *zap.Logger
}

// NewDockerController connects to the Docker daemon from the environment
// (DOCKER_HOST and friends) or config.Host.
func NewDockerController(config DockerConfig, ready devops.Reachability, logger *zap.Logger) (*DockerController, error) {
	engine, err := NewDockerEngine(config.Host)
	if err != nil {
		return nil, err
	}
	return NewDockerControllerWithEngine(config, engine, ready, logger)
}

// NewDockerControllerWithEngine builds a controller on an existing engine
func NewDockerControllerWithEngine(config DockerConfig, engine Engine, ready devops.Reachability, logger *zap.Logger) (*DockerController, error) {
	if strings.TrimSpace(config.ContainerName) == "" {
		return nil, errors.New("container name cannot be empty")
	}
	if strings.TrimSpace(config.Image) == "" {
		return nil, errors.New("image name cannot be empty")
	}
	if _, _, err := nat.ParsePortSpecs(config.Ports); err != nil {
		return nil, fmt.Errorf("invalid port spec: %w", err)
	}
	if _, err := ParseMounts(config.Volumes); err != nil {
		return nil, err
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 30 * time.Second
	}
	return &DockerController{
		config: config,
		engine: engine,
		ready:  ready,
		logger: logger.With(zap.String("container", config.ContainerName)),
	}, nil
}

// ImageRef returns the image reference for version
func (c *DockerController) ImageRef(version string) string {
	if strings.Contains(version, "@") || strings.HasPrefix(version, "sha256:") {
		return c.config.Image + "@" + strings.TrimPrefix(version, "@")
	}
	return c.config.Image + ":" + version
}

// Start replaces the managed container with one running version
func (c *DockerController) Start(ctx context.Context, version string) error {
	ref := c.ImageRef(version)
	if err := c.engine.Pull(ctx, ref); err != nil {
		// a locally built image may not exist in any registry
		c.logger.Warn("image pull failed, trying local image", zap.String("image", ref), zap.Error(err))
	}
	if err := c.engine.Remove(ctx, c.config.ContainerName, c.config.StopTimeout); err != nil {
		return fmt.Errorf("replace container: %w", err)
	}

	id, err := c.engine.Run(ctx, RunSpec{
		Name:    c.config.ContainerName,
		Image:   ref,
		Env:     c.config.Env,
		Ports:   c.config.Ports,
		Network: c.config.Network,
		Volumes: c.config.Volumes,
		Labels:  map[string]string{LabelManaged: "true", LabelVersion: version},
	})
	if err != nil {
		return err
	}
	c.logger.Info("container started", zap.String("image", ref), zap.String("id", shortID(id)))
	return nil
}

// Stop stops and removes the managed container. A missing container is
// already stopped.
func (c *DockerController) Stop(ctx context.Context) error {
	if err := c.engine.Remove(ctx, c.config.ContainerName, c.config.StopTimeout); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	c.logger.Info("container stopped")
	return nil
}

// IsRunning reports whether the managed container is running
func (c *DockerController) IsRunning(ctx context.Context) (bool, error) {
	state, err := c.engine.State(ctx, c.config.ContainerName)
	if err != nil {
		return false, err
	}
	return state.Running, nil
}

// IsReachable succeeds once the container runs, passes its own healthcheck
// if it has one, and the readiness check accepts connections.
func (c *DockerController) IsReachable(ctx context.Context) error {
	state, err := c.engine.State(ctx, c.config.ContainerName)
	if err != nil {
		return err
	}
	if !state.Running {
		return fmt.Errorf("container %s is not running", c.config.ContainerName)
	}
	if state.Health != "" && state.Health != "healthy" {
		return fmt.Errorf("container %s is %s", c.config.ContainerName, state.Health)
	}
	if c.ready != nil {
		return c.ready.IsReachable(ctx)
	}
	return nil
}

// RunningVersion returns the version label of the managed container
func (c *DockerController) RunningVersion(ctx context.Context) (string, error) {
	state, err := c.engine.State(ctx, c.config.ContainerName)
	if err != nil {
		return "", err
	}
	return state.Version, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// dockerEngine implements Engine with the Docker SDK
type dockerEngine struct {
	inner *client.Client
}

// NewDockerEngine creates an Engine using environment defaults
func NewDockerEngine(host string) (Engine, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerEngine{inner: inner}, nil
}

func (e *dockerEngine) Pull(ctx context.Context, ref string) error {
	rc, err := e.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer func() { _ = rc.Close() }()
	// the pull completes when the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

func (e *dockerEngine) Run(ctx context.Context, spec RunSpec) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("parse ports: %w", err)
	}
	mounts, err := ParseMounts(spec.Volumes)
	if err != nil {
		return "", err
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	r, err := e.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := e.inner.ContainerStart(ctx, r.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return r.ID, nil
}

func (e *dockerEngine) Remove(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := e.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	if err := e.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (e *dockerEngine) State(ctx context.Context, name string) (State, error) {
	inspect, err := e.inner.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return State{}, nil
		}
		return State{}, fmt.Errorf("container inspect: %w", err)
	}

	state := State{Exists: true}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		if inspect.State.Health != nil {
			state.Health = inspect.State.Health.Status
		}
	}
	if inspect.Config != nil {
		state.Image = inspect.Config.Image
		state.Version = inspect.Config.Labels[LabelVersion]
	}
	return state, nil
}

// ParseMounts converts "source:target[:ro]" specs into engine mounts. Data
// has to outlive the container, which is replaced on every Start.
func ParseMounts(volumes []string) ([]mount.Mount, error) {
	mounts := make([]mount.Mount, 0, len(volumes))
	for _, v := range volumes {
		parts := strings.Split(v, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || !strings.HasPrefix(parts[1], "/") {
			return nil, fmt.Errorf("invalid volume %q: want source:/target[:ro]", v)
		}
		m := mount.Mount{Type: mount.TypeVolume, Source: parts[0], Target: parts[1]}
		if strings.HasPrefix(parts[0], "/") || strings.HasPrefix(parts[0], ".") {
			m.Type = mount.TypeBind
		}
		if len(parts) == 3 {
			if parts[2] != "ro" && parts[2] != "rw" {
				return nil, fmt.Errorf("invalid volume mode %q in %q", parts[2], v)
			}
			m.ReadOnly = parts[2] == "ro"
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
