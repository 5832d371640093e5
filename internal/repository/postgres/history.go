package postgres

import (
	"context"
	"fmt"

	"github.com/CuAuPro/switchyard/internal/domain"
)

// CreateDeployment appends a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment required")
	}
	const query = `INSERT INTO deployments
		(id, service_id, environment_id, version, docker_image, status, metadata, initiated_by_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW()) RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		deployment.ID,
		deployment.ServiceID,
		nilIfEmpty(deployment.EnvironmentID),
		deployment.Version,
		nilIfEmpty(deployment.DockerImage),
		deployment.Status,
		bytesToNil(deployment.Metadata),
		nilIfEmpty(deployment.InitiatedByID),
	).Scan(&deployment.CreatedAt, &deployment.UpdatedAt)
	return translateError(err)
}

// ListDeployments returns the most recent deployments of a service.
func (r *Repository) ListDeployments(ctx context.Context, serviceID string, limit int) ([]domain.Deployment, error) {
	const query = `SELECT id, service_id, COALESCE(environment_id, ''), version, COALESCE(docker_image, ''), status,
			metadata, COALESCE(initiated_by_id, ''), created_at, updated_at
		FROM deployments WHERE service_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deployments []domain.Deployment
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.EnvironmentID, &d.Version, &d.DockerImage, &d.Status,
			&d.Metadata, &d.InitiatedByID, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// CreateSwitchEvent appends a cutover record.
func (r *Repository) CreateSwitchEvent(ctx context.Context, event *domain.SwitchEvent) error {
	if event == nil {
		return fmt.Errorf("switch event required")
	}
	const query = `INSERT INTO switch_events (id, service_id, from_label, to_label, reason, initiated_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		event.ID,
		event.ServiceID,
		nilIfEmpty(event.FromLabel),
		event.ToLabel,
		nilIfEmpty(event.Reason),
		nilIfEmpty(event.InitiatedBy),
	).Scan(&event.CreatedAt)
	return translateError(err)
}

// ListSwitchEvents returns recent cutovers of a service.
func (r *Repository) ListSwitchEvents(ctx context.Context, serviceID string, limit int) ([]domain.SwitchEvent, error) {
	const query = `SELECT id, service_id, COALESCE(from_label, ''), to_label, COALESCE(reason, ''), COALESCE(initiated_by, ''), created_at
		FROM switch_events WHERE service_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.SwitchEvent
	for rows.Next() {
		var e domain.SwitchEvent
		if err := rows.Scan(&e.ID, &e.ServiceID, &e.FromLabel, &e.ToLabel, &e.Reason, &e.InitiatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateActivity appends an activity record.
func (r *Repository) CreateActivity(ctx context.Context, event *domain.ActivityEvent) error {
	if event == nil {
		return fmt.Errorf("activity required")
	}
	const query = `INSERT INTO activity_events (id, service_id, environment_id, actor_id, actor_role, type, message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW()) RETURNING created_at`
	err := r.pool.QueryRow(ctx, query,
		event.ID,
		event.ServiceID,
		nilIfEmpty(event.EnvironmentID),
		nilIfEmpty(event.ActorID),
		nilIfEmpty(string(event.ActorRole)),
		event.Type,
		event.Message,
		bytesToNil(event.Metadata),
	).Scan(&event.CreatedAt)
	return translateError(err)
}

// ListActivities returns recent activity for a service including slot labels.
func (r *Repository) ListActivities(ctx context.Context, serviceID string, limit int) ([]domain.ActivityEvent, error) {
	const query = `SELECT a.id, a.service_id, COALESCE(a.environment_id, ''), COALESCE(e.label, ''), COALESCE(a.actor_id, ''),
			COALESCE(a.actor_role, ''), a.type, a.message, a.metadata, a.created_at
		FROM activity_events a
		LEFT JOIN environments e ON e.id = a.environment_id
		WHERE a.service_id = $1
		ORDER BY a.created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.ActivityEvent
	for rows.Next() {
		var (
			a    domain.ActivityEvent
			role string
		)
		if err := rows.Scan(&a.ID, &a.ServiceID, &a.EnvironmentID, &a.EnvironmentLabel, &a.ActorID, &role,
			&a.Type, &a.Message, &a.Metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ActorRole = domain.Role(role)
		events = append(events, a)
	}
	return events, rows.Err()
}
