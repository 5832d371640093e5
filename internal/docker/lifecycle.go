package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// State is the observed status of a named container.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateMissing State = "missing"
)

// RunSpec describes a detached container for one environment slot.
type RunSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Network       string
}

func (s RunSpec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("image name cannot be empty")
	}
	if s.HostPort < 1 || s.HostPort > 65535 {
		return fmt.Errorf("invalid host port %d", s.HostPort)
	}
	if s.ContainerPort < 1 || s.ContainerPort > 65535 {
		return fmt.Errorf("invalid container port %d", s.ContainerPort)
	}
	return nil
}

// EnsureRunning replaces any container with the same name by a fresh one
// publishing HostPort:ContainerPort and restarting unless stopped.
func (c *Client) EnsureRunning(ctx context.Context, spec RunSpec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	if err := c.Remove(ctx, spec.Name); err != nil {
		c.logger.Warn("pre-start cleanup failed", "container", spec.Name, "error", err)
	}

	cfg, hostCfg, netCfg := buildRunConfig(spec)
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if errdefs.IsNotFound(err) {
		if pullErr := c.pull(ctx, spec.Image); pullErr != nil {
			return pullErr
		}
		created, err = c.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	}
	if err != nil {
		return fmt.Errorf("container create: %w", err)
	}

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := c.inner.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !errdefs.IsNotFound(rmErr) {
			c.logger.Warn("cleanup after failed start", "container", spec.Name, "error", rmErr)
		}
		return fmt.Errorf("container start: %w", err)
	}
	c.logger.Info("container started", "container", spec.Name, "image", spec.Image, "host_port", spec.HostPort, "app_port", spec.ContainerPort)
	return nil
}

func (c *Client) pull(ctx context.Context, ref string) error {
	c.logger.Info("pulling image", "image", ref)
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

// Stop stops a container. A missing or already stopped container is not an error.
func (c *Client) Stop(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	timeout := c.stopTimeout
	if err := c.inner.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsNotModified(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Remove force-removes a container. A missing container is not an error.
func (c *Client) Remove(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		// removal already in progress
		if errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// InspectState reports whether the named container is running, stopped or
// missing. It never changes the container.
func (c *Client) InspectState(ctx context.Context, name string) (State, error) {
	info, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateMissing, nil
		}
		return StateMissing, fmt.Errorf("container inspect: %w", err)
	}
	return stateFromInspect(info), nil
}

// Exec runs cmd inside a running container and waits for it to exit.
func (c *Client) Exec(ctx context.Context, name string, cmd []string) error {
	created, err := c.inner.ContainerExecCreate(ctx, name, container.ExecOptions{Cmd: cmd, AttachStdout: true, AttachStderr: true})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: container %s", ErrNotFound, name)
		}
		return fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.inner.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	output, _ := io.ReadAll(attach.Reader)
	attach.Close()

	inspect, err := c.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("%w: %s exited %d: %s", ErrExecFailed, strings.Join(cmd, " "), inspect.ExitCode, strings.TrimSpace(string(output)))
	}
	return nil
}

func buildRunConfig(spec RunSpec) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	port := nat.Port(strconv.Itoa(spec.ContainerPort) + "/tcp")
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		Labels: map[string]string{
			"switchyard.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostPort: strconv.Itoa(spec.HostPort)}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: []string{spec.Name}},
			},
		}
	}
	return cfg, hostCfg, netCfg
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func stateFromInspect(info types.ContainerJSON) State {
	if info.ContainerJSONBase == nil || info.State == nil {
		return StateStopped
	}
	if info.State.Running {
		return StateRunning
	}
	return StateStopped
}

// IsNotFound reports whether err means the container or image does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errdefs.IsNotFound(err)
}
