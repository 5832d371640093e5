package registry

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/ports"
	"github.com/CuAuPro/switchyard/internal/repository"
)

// EnvironmentInput describes one slot in a registration request.
type EnvironmentInput struct {
	Label         string `json:"label"`
	DockerImage   string `json:"dockerImage"`
	AppPort       int    `json:"appPort,omitempty"`
	WeightPercent *int   `json:"weightPercent,omitempty"`
}

// RegisterInput creates a service or reseeds an existing one with the same name.
type RegisterInput struct {
	Name           string             `json:"name"`
	Description    string             `json:"description,omitempty"`
	RepositoryURL  string             `json:"repositoryUrl,omitempty"`
	HealthEndpoint string             `json:"healthEndpoint,omitempty"`
	Environments   []EnvironmentInput `json:"environments"`
}

// Register creates a service with both slots. The primary slot starts out
// active. Registering an existing name updates its slots in place.
func (e *Engine) Register(ctx context.Context, actor domain.Actor, in RegisterInput) (domain.ServiceDetail, error) {
	const op = "registry.Register"
	if err := authorize(op, actor); err != nil {
		return domain.ServiceDetail{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := validateName(op, in.Name); err != nil {
		return domain.ServiceDetail{}, err
	}
	if err := validateRepositoryURL(op, in.RepositoryURL); err != nil {
		return domain.ServiceDetail{}, err
	}
	if err := validateHealthEndpoint(op, in.HealthEndpoint); err != nil {
		return domain.ServiceDetail{}, err
	}
	slots, err := normalizeSlots(op, in.Environments)
	if err != nil {
		return domain.ServiceDetail{}, err
	}

	unlockName := e.locks.Lock("name:" + strings.ToLower(in.Name))
	defer unlockName()

	existing, err := e.store.GetServiceByName(ctx, in.Name)
	switch {
	case err == nil:
		return e.reseed(ctx, actor, existing, in, slots)
	case !errors.Is(err, repository.ErrNotFound):
		return domain.ServiceDetail{}, internal(op, err)
	}

	svc := &domain.Service{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Description:    strings.TrimSpace(in.Description),
		RepositoryURL:  in.RepositoryURL,
		HealthEndpoint: strings.TrimSpace(in.HealthEndpoint),
	}
	envs := make([]domain.Environment, 0, len(domain.SlotLabels))
	var held []ports.Reservation
	defer func() {
		for _, r := range held {
			r.Release()
		}
	}()
	for _, label := range domain.SlotLabels {
		slot := slots[label]
		res, err := e.reserve(ctx, op, 0, nil)
		if err != nil {
			return domain.ServiceDetail{}, err
		}
		held = append(held, res)
		meta := domain.Metadata{
			HostPort:       res.Port,
			AppPort:        e.appPortOr(slot.AppPort, 0),
			ContainerName:  domain.ContainerName(svc.Name, label),
			ContainerState: domain.ContainerStopped,
		}
		env := domain.Environment{
			ID:          uuid.NewString(),
			ServiceID:   svc.ID,
			Label:       label,
			DockerImage: strings.TrimSpace(slot.DockerImage),
			IsActive:    label == domain.PrimarySlot,
			Status:      domain.StatusUnknown,
			Metadata:    meta,
			TargetURL:   e.targetURL(meta),
		}
		if env.IsActive {
			env.WeightPercent = 100
			svc.ActiveTrafficID = env.ID
		}
		envs = append(envs, env)
	}

	if err := e.store.CreateService(ctx, svc, envs); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.ServiceDetail{}, fail(KindPrecondition, op, ErrServiceExists, "service %s already exists or a host port is taken", svc.Name)
		}
		return domain.ServiceDetail{}, internal(op, err)
	}
	e.logger.Info("service registered", "service_id", svc.ID, "name", svc.Name)

	unlock := e.lockService(svc.ID)
	defer unlock()
	provisionErr := e.provision(ctx, op, svc, envs)

	detail, err := e.reload(ctx, op, svc.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	e.emit(events.ServiceUpdated, svc.ID, detail)
	e.publishRouter("service registered: " + svc.Name)
	if provisionErr != nil {
		return detail, provisionErr
	}
	return detail, nil
}

// reseed updates an existing registration. Running slots keep their host
// port; stopped slots get a fresh reservation preferring the old port.
func (e *Engine) reseed(ctx context.Context, actor domain.Actor, svc *domain.Service, in RegisterInput, slots map[string]EnvironmentInput) (domain.ServiceDetail, error) {
	const op = "registry.Register"
	unlock := e.lockService(svc.ID)
	defer unlock()

	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	ids := make([]string, 0, len(envs))
	for _, env := range envs {
		ids = append(ids, env.ID)
	}
	keep := make(map[int]struct{}, len(envs))
	for _, env := range envs {
		if env.Running() && env.Metadata.HostPort > 0 {
			keep[env.Metadata.HostPort] = struct{}{}
		}
	}

	var held []ports.Reservation
	defer func() {
		for _, r := range held {
			r.Release()
		}
	}()
	for i := range envs {
		env := &envs[i]
		slot, ok := slots[env.Label]
		if !ok {
			continue
		}
		meta := env.Metadata
		if !env.Running() || meta.HostPort == 0 {
			res, err := e.reserve(ctx, op, meta.HostPort, keep, ids...)
			if err != nil {
				return domain.ServiceDetail{}, err
			}
			held = append(held, res)
			meta.HostPort = res.Port
		}
		meta.AppPort = e.appPortOr(slot.AppPort, meta.AppPort)
		meta.ContainerName = domain.ContainerName(svc.Name, env.Label)
		env.Metadata = meta
		env.DockerImage = strings.TrimSpace(slot.DockerImage)
		env.TargetURL = e.targetURL(meta)
		env.IsActive = env.Label == domain.PrimarySlot
		env.WeightPercent = 0
		if env.IsActive {
			env.WeightPercent = 100
			svc.ActiveTrafficID = env.ID
		}
	}
	if in.Description != "" {
		svc.Description = strings.TrimSpace(in.Description)
	}
	if in.RepositoryURL != "" {
		svc.RepositoryURL = in.RepositoryURL
	}
	if in.HealthEndpoint != "" {
		svc.HealthEndpoint = strings.TrimSpace(in.HealthEndpoint)
	}

	if err := e.store.SaveService(ctx, svc, envs); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.ServiceDetail{}, fail(KindPrecondition, op, err, "host port already taken, retry registration")
		}
		return domain.ServiceDetail{}, internal(op, err)
	}

	var stopped []domain.Environment
	for _, env := range envs {
		if !env.Running() {
			stopped = append(stopped, env)
		}
	}
	provisionErr := e.provision(ctx, op, svc, stopped)

	e.recordActivity(ctx, activity{
		serviceID: svc.ID,
		actor:     actor,
		kind:      domain.ActivityServiceReseeded,
		message:   "Reinitialized " + svc.Name + " registration",
	})
	detail, err := e.reload(ctx, op, svc.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	e.logger.Info("service reseeded", "service_id", svc.ID, "name", svc.Name)
	e.emit(events.ServiceUpdated, svc.ID, detail)
	e.publishRouter("service reseeded: " + svc.Name)
	if provisionErr != nil {
		return detail, provisionErr
	}
	return detail, nil
}

// provision starts the given slots when autostart is enabled. It stops at
// the first runtime failure. The caller holds the service lock.
func (e *Engine) provision(ctx context.Context, op string, svc *domain.Service, envs []domain.Environment) error {
	if !e.cfg.DockerAutostart {
		return nil
	}
	for _, env := range envs {
		meta := env.Metadata
		if env.DockerImage == "" || meta.HostPort == 0 || meta.AppPort == 0 {
			continue
		}
		if meta.ContainerName == "" {
			meta.ContainerName = domain.ContainerName(svc.Name, env.Label)
		}
		if err := e.runtime.EnsureRunning(ctx, e.runSpec(env, meta, "bootstrap-"+e.stamp())); err != nil {
			e.logger.Error("provision container failed", "service_id", svc.ID, "label", env.Label, "error", err)
			return fail(KindRuntime, op, errors.Join(ErrRuntime, err), "failed to start docker container for %s", env.Label)
		}
		meta.ContainerState = domain.ContainerRunning
		env.Metadata = meta
		env.TargetURL = e.targetURL(meta)
		if err := e.persistEnvironment(ctx, op, &env); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) appPortOr(requested, current int) int {
	if requested > 0 {
		return requested
	}
	if current > 0 {
		return current
	}
	return e.cfg.DefaultAppPort
}
