package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
)

// Start launches the container of a stopped slot. Runtime failures leave
// the persisted slot untouched.
func (e *Engine) Start(ctx context.Context, actor domain.Actor, serviceID, label string) (domain.ServiceDetail, error) {
	const op = "registry.Start"
	if err := authorize(op, actor); err != nil {
		return domain.ServiceDetail{}, err
	}
	unlock := e.lockService(serviceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, serviceID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	idx, err := findEnvironment(op, envs, label)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	env := envs[idx]
	meta := env.Metadata
	if env.Running() {
		return domain.ServiceDetail{}, fail(KindPrecondition, op, ErrAlreadyRunning, "%s is already running", env.Label)
	}
	if env.DockerImage == "" {
		return domain.ServiceDetail{}, fail(KindValidation, op, ErrMissingImage, "environment %s is missing a docker image", env.Label)
	}
	if meta.AppPort == 0 {
		return domain.ServiceDetail{}, fail(KindValidation, op, ErrMissingAppPort, "set APP_PORT for %s before starting", env.Label)
	}

	res, err := e.reserve(ctx, op, meta.HostPort, nil, env.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	defer res.Release()

	meta.HostPort = res.Port
	if meta.ContainerName == "" {
		meta.ContainerName = domain.ContainerName(svc.Name, env.Label)
	}
	if err := e.runtime.EnsureRunning(ctx, e.runSpec(env, meta, "manual-"+e.stamp())); err != nil {
		e.logger.Error("start container failed", "service_id", svc.ID, "label", env.Label, "container", meta.ContainerName, "error", err)
		return domain.ServiceDetail{}, fail(KindRuntime, op, errors.Join(ErrRuntime, err), "failed to start %s: %v", env.Label, err)
	}

	meta.ContainerState = domain.ContainerRunning
	env.Metadata = meta
	env.TargetURL = e.targetURL(meta)
	if err := e.persistEnvironment(ctx, op, &env); err != nil {
		return domain.ServiceDetail{}, err
	}
	e.logger.Info("environment started", "service_id", svc.ID, "label", env.Label, "host_port", meta.HostPort, "app_port", meta.AppPort)

	e.recordActivity(ctx, activity{
		serviceID:     svc.ID,
		environmentID: env.ID,
		actor:         actor,
		kind:          domain.ActivityEnvironmentStarted,
		message:       fmt.Sprintf("Started %s slot (host %d -> app %d)", env.Label, meta.HostPort, meta.AppPort),
		metadata:      map[string]any{"hostPort": meta.HostPort, "appPort": meta.AppPort, "dockerImage": env.DockerImage},
	})

	detail, err := e.reload(ctx, op, svc.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	e.emit(events.ServiceUpdated, svc.ID, detail)
	e.publishRouter(fmt.Sprintf("start %s (%s)", svc.Name, env.Label))
	return detail, nil
}

// Stop stops and removes the container of a running slot. Stopping a
// stopped slot succeeds without touching the runtime.
func (e *Engine) Stop(ctx context.Context, actor domain.Actor, serviceID, label string) (domain.ServiceDetail, error) {
	const op = "registry.Stop"
	if err := authorize(op, actor); err != nil {
		return domain.ServiceDetail{}, err
	}
	unlock := e.lockService(serviceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, serviceID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	idx, err := findEnvironment(op, envs, label)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	env := envs[idx]
	if !env.Running() {
		return e.detail(ctx, op, svc, envs)
	}

	meta := env.Metadata
	if meta.ContainerName == "" {
		meta.ContainerName = domain.ContainerName(svc.Name, env.Label)
	}
	e.teardown(ctx, svc.ID, meta.ContainerName)

	meta.ContainerState = domain.ContainerStopped
	if err := e.store.UpdateEnvironmentMetadata(ctx, env.ID, meta); err != nil {
		return domain.ServiceDetail{}, internal(op, err)
	}
	e.logger.Info("environment stopped", "service_id", svc.ID, "label", env.Label)

	e.recordActivity(ctx, activity{
		serviceID:     svc.ID,
		environmentID: env.ID,
		actor:         actor,
		kind:          domain.ActivityEnvironmentStopped,
		message:       fmt.Sprintf("Stopped %s slot and removed container %s", env.Label, meta.ContainerName),
	})

	detail, err := e.reload(ctx, op, svc.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	e.emit(events.ServiceUpdated, svc.ID, detail)
	e.publishRouter(fmt.Sprintf("stop %s (%s)", svc.Name, env.Label))
	return detail, nil
}

// teardown stops and removes a container, logging failures.
func (e *Engine) teardown(ctx context.Context, serviceID, name string) {
	if err := e.runtime.Stop(ctx, name); err != nil {
		e.logger.Warn("stop container failed", "service_id", serviceID, "container", name, "error", err)
	}
	if err := e.runtime.Remove(ctx, name); err != nil {
		e.logger.Warn("remove container failed", "service_id", serviceID, "container", name, "error", err)
	}
}
