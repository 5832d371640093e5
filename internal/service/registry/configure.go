package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
)

// EnvironmentPatch edits one slot. Nil fields are left unchanged.
type EnvironmentPatch struct {
	Label       string  `json:"label"`
	DockerImage *string `json:"dockerImage,omitempty"`
	AppPort     *int    `json:"appPort,omitempty"`
}

// ConfigureInput edits a service in place. Nil fields are left unchanged.
type ConfigureInput struct {
	ServiceID      string             `json:"-"`
	Description    *string            `json:"description,omitempty"`
	RepositoryURL  *string            `json:"repositoryUrl,omitempty"`
	HealthEndpoint *string            `json:"healthEndpoint,omitempty"`
	Environments   []EnvironmentPatch `json:"environments,omitempty"`
}

type slotChange struct {
	env     domain.Environment
	details []string
	fields  map[string]any
}

// Configure edits service metadata and slot settings. Service metadata can
// only change while every slot is stopped; a slot's app port only while
// that slot is stopped.
func (e *Engine) Configure(ctx context.Context, actor domain.Actor, in ConfigureInput) (domain.ServiceDetail, error) {
	const op = "registry.Configure"
	if err := authorize(op, actor); err != nil {
		return domain.ServiceDetail{}, err
	}
	unlock := e.lockService(in.ServiceID)
	defer unlock()

	svc, err := e.loadService(ctx, op, in.ServiceID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}

	var changed []string
	if in.Description != nil && strings.TrimSpace(*in.Description) != svc.Description {
		svc.Description = strings.TrimSpace(*in.Description)
		changed = append(changed, "description")
	}
	if in.RepositoryURL != nil && *in.RepositoryURL != svc.RepositoryURL {
		if err := validateRepositoryURL(op, *in.RepositoryURL); err != nil {
			return domain.ServiceDetail{}, err
		}
		svc.RepositoryURL = *in.RepositoryURL
		changed = append(changed, "repositoryUrl")
	}
	if in.HealthEndpoint != nil && strings.TrimSpace(*in.HealthEndpoint) != svc.HealthEndpoint {
		if err := validateHealthEndpoint(op, *in.HealthEndpoint); err != nil {
			return domain.ServiceDetail{}, err
		}
		svc.HealthEndpoint = strings.TrimSpace(*in.HealthEndpoint)
		changed = append(changed, "healthEndpoint")
	}
	if len(changed) > 0 {
		for _, env := range envs {
			if env.Running() {
				return domain.ServiceDetail{}, fail(KindPrecondition, op, ErrRequiresAllStopped,
					"stop %s and the other slot before editing service metadata", env.Label)
			}
		}
	}

	var changes []slotChange
	for _, patch := range in.Environments {
		label := strings.ToLower(strings.TrimSpace(patch.Label))
		idx, err := findEnvironment(op, envs, label)
		if err != nil {
			return domain.ServiceDetail{}, err
		}
		env := envs[idx]
		change := slotChange{fields: map[string]any{}}
		if patch.AppPort != nil && *patch.AppPort != env.Metadata.AppPort {
			if err := validateAppPort(op, label, *patch.AppPort); err != nil {
				return domain.ServiceDetail{}, err
			}
			if env.Running() {
				return domain.ServiceDetail{}, fail(KindPrecondition, op, ErrAppPortLocked, "stop %s before changing APP_PORT", label)
			}
			previous := "n/a"
			if env.Metadata.AppPort > 0 {
				previous = fmt.Sprint(env.Metadata.AppPort)
			}
			change.details = append(change.details, fmt.Sprintf("APP_PORT %s -> %d", previous, *patch.AppPort))
			change.fields["appPort"] = *patch.AppPort
			env.Metadata.AppPort = *patch.AppPort
			env.TargetURL = e.targetURL(env.Metadata)
		}
		if patch.DockerImage != nil {
			image := strings.TrimSpace(*patch.DockerImage)
			if image != "" && image != env.DockerImage {
				if err := validateImage(op, label, image); err != nil {
					return domain.ServiceDetail{}, err
				}
				change.details = append(change.details, "image -> "+image)
				change.fields["dockerImage"] = image
				env.DockerImage = image
			}
		}
		if len(change.details) > 0 {
			envs[idx] = env
			change.env = env
			changes = append(changes, change)
		}
	}

	if len(changed) == 0 && len(changes) == 0 {
		return e.detail(ctx, op, svc, envs)
	}

	dirty := make([]domain.Environment, 0, len(changes))
	for _, c := range changes {
		dirty = append(dirty, c.env)
	}
	if err := e.store.SaveService(ctx, svc, dirty); err != nil {
		return domain.ServiceDetail{}, internal(op, err)
	}

	if len(changed) > 0 {
		e.recordActivity(ctx, activity{
			serviceID: svc.ID,
			actor:     actor,
			kind:      domain.ActivityServiceMetadataUpdated,
			message:   "Updated " + strings.Join(changed, ", "),
			metadata:  map[string]any{"fields": changed},
		})
	}
	for _, c := range changes {
		c.fields["fields"] = c.details
		e.recordActivity(ctx, activity{
			serviceID:     svc.ID,
			environmentID: c.env.ID,
			actor:         actor,
			kind:          domain.ActivityEnvironmentConfigured,
			message:       fmt.Sprintf("Updated %s slot (%s)", c.env.Label, strings.Join(c.details, ", ")),
			metadata:      c.fields,
		})
	}

	detail, err := e.reload(ctx, op, svc.ID)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	e.logger.Info("service configured", "service_id", svc.ID, "fields", changed, "slots", len(changes))
	e.emit(events.ServiceUpdated, svc.ID, detail)
	e.publishRouter("service configured: " + svc.Name)
	return detail, nil
}
