package registry

import (
	"context"
	"errors"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/repository"
)

// List returns every service with reconciled slots and recent history.
func (e *Engine) List(ctx context.Context) ([]domain.ServiceDetail, error) {
	const op = "registry.List"
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return nil, internal(op, err)
	}
	out := make([]domain.ServiceDetail, 0, len(services))
	for i := range services {
		svc := &services[i]
		envs, err := e.environments(ctx, op, svc, false)
		if err != nil {
			return nil, err
		}
		detail, err := e.detail(ctx, op, svc, envs)
		if err != nil {
			return nil, err
		}
		out = append(out, detail)
	}
	return out, nil
}

// Get returns one service with reconciled slots and recent history.
func (e *Engine) Get(ctx context.Context, serviceID string) (domain.ServiceDetail, error) {
	const op = "registry.Get"
	svc, err := e.loadService(ctx, op, serviceID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, false)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	return e.detail(ctx, op, svc, envs)
}

// Topology returns services with their persisted slots, without history or
// reconciliation.
func (e *Engine) Topology(ctx context.Context) ([]domain.ServiceDetail, error) {
	const op = "registry.Topology"
	services, err := e.store.ListServices(ctx)
	if err != nil {
		return nil, internal(op, err)
	}
	all, err := e.store.ListAllEnvironments(ctx)
	if err != nil {
		return nil, internal(op, err)
	}
	byService := make(map[string][]domain.Environment, len(services))
	for _, env := range all {
		byService[env.ServiceID] = append(byService[env.ServiceID], env)
	}
	out := make([]domain.ServiceDetail, 0, len(services))
	for _, svc := range services {
		out = append(out, domain.ServiceDetail{Service: svc, Environments: byService[svc.ID]})
	}
	return out, nil
}

// RecordHealth persists a probe outcome and notifies observers.
func (e *Engine) RecordHealth(ctx context.Context, environmentID string, status domain.EnvironmentStatus, latencyMs *int) (*domain.Environment, error) {
	const op = "registry.RecordHealth"
	if !status.Valid() {
		return nil, fail(KindValidation, op, ErrInvalidInput, "unknown status %q", status)
	}
	env, err := e.store.UpdateEnvironmentHealth(ctx, environmentID, status, latencyMs, e.now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fail(KindNotFound, op, ErrEnvNotFound, "environment not found")
		}
		return nil, internal(op, err)
	}
	e.emit(events.EnvironmentHealth, env.ServiceID, events.HealthPayload{
		ServiceID:     env.ServiceID,
		EnvironmentID: env.ID,
		Status:        string(status),
		LatencyMs:     latencyMs,
	})
	return env, nil
}
