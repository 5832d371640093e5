package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
)

// DeployInput queues a version for the inactive slot.
type DeployInput struct {
	ServiceID   string         `json:"-"`
	Label       string         `json:"environmentLabel"`
	Version     string         `json:"version"`
	DockerImage string         `json:"dockerImage"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Deploy records a deployment intent against the inactive slot. It never
// touches containers.
func (e *Engine) Deploy(ctx context.Context, actor domain.Actor, in DeployInput) (domain.Deployment, error) {
	const op = "registry.Deploy"
	if err := authorize(op, actor); err != nil {
		return domain.Deployment{}, err
	}
	in.Version = strings.TrimSpace(in.Version)
	in.DockerImage = strings.TrimSpace(in.DockerImage)
	label := strings.ToLower(strings.TrimSpace(in.Label))
	if in.Version == "" {
		return domain.Deployment{}, fail(KindValidation, op, ErrInvalidInput, "version is required")
	}
	if err := validateImage(op, label, in.DockerImage); err != nil {
		return domain.Deployment{}, err
	}
	var rawMeta json.RawMessage
	if len(in.Metadata) > 0 {
		raw, err := json.Marshal(in.Metadata)
		if err != nil {
			return domain.Deployment{}, fail(KindValidation, op, ErrInvalidInput, "metadata is not valid JSON: %v", err)
		}
		rawMeta = raw
	}

	unlock := e.lockService(in.ServiceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, in.ServiceID)
	if err != nil {
		return domain.Deployment{}, err
	}
	envs, err := e.store.ListEnvironments(ctx, svc.ID)
	if err != nil {
		return domain.Deployment{}, internal(op, err)
	}
	idx, err := findEnvironment(op, envs, label)
	if err != nil {
		return domain.Deployment{}, err
	}
	env := envs[idx]
	if env.IsActive {
		return domain.Deployment{}, fail(KindPrecondition, op, ErrDeployActiveSlot, "deployments may only target the inactive slot, %s is live", env.Label)
	}

	dep := &domain.Deployment{
		ID:            uuid.NewString(),
		ServiceID:     svc.ID,
		EnvironmentID: env.ID,
		Version:       in.Version,
		DockerImage:   in.DockerImage,
		Status:        domain.DeploymentDeploying,
		Metadata:      rawMeta,
		InitiatedByID: actor.ID,
	}
	if err := e.store.CreateDeployment(ctx, dep); err != nil {
		return domain.Deployment{}, internal(op, err)
	}
	e.logger.Info("deployment queued", "service", svc.Name, "label", env.Label, "version", in.Version, "image", in.DockerImage)

	e.emit(events.DeploymentCreated, svc.ID, events.DeploymentPayload{
		ServiceID:     svc.ID,
		EnvironmentID: env.ID,
		Version:       in.Version,
		DockerImage:   in.DockerImage,
	})
	e.recordActivity(ctx, activity{
		serviceID:     svc.ID,
		environmentID: env.ID,
		actor:         actor,
		kind:          domain.ActivityDeploymentQueued,
		message:       fmt.Sprintf("Queued deployment %s on %s", in.Version, env.Label),
		metadata:      map[string]any{"dockerImage": in.DockerImage},
	})
	return *dep, nil
}

// Delete tears down both containers and removes the service with its history.
func (e *Engine) Delete(ctx context.Context, actor domain.Actor, serviceID string) error {
	const op = "registry.Delete"
	if err := authorize(op, actor); err != nil {
		return err
	}
	unlock := e.lockService(serviceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, serviceID)
	if err != nil {
		return err
	}
	envs, err := e.store.ListEnvironments(ctx, svc.ID)
	if err != nil {
		return internal(op, err)
	}
	for _, env := range envs {
		name := domain.ContainerName(svc.Name, env.Label)
		e.teardown(ctx, svc.ID, name)
		if recorded := env.Metadata.ContainerName; recorded != "" && recorded != name {
			e.teardown(ctx, svc.ID, recorded)
		}
	}
	if err := e.store.DeleteService(ctx, svc.ID); err != nil {
		return internal(op, err)
	}
	e.logger.Info("service deleted", "service_id", svc.ID, "name", svc.Name, "actor", actor.ID)
	e.emit(events.ServiceDeleted, svc.ID, events.DeletedPayload{ServiceID: svc.ID})
	e.publishRouter("delete " + svc.Name)
	return nil
}
