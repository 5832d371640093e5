package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/repository"
)

const serviceColumns = `id, name, COALESCE(description, ''), COALESCE(repository_url, ''),
	COALESCE(health_endpoint, ''), COALESCE(active_traffic_id, ''), created_at, updated_at`

// CreateService inserts a service and its environments atomically.
func (r *Repository) CreateService(ctx context.Context, service *domain.Service, environments []domain.Environment) error {
	if service == nil {
		return fmt.Errorf("service required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertService = `INSERT INTO services (id, name, description, repository_url, health_endpoint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW()) RETURNING created_at, updated_at`
	if err := tx.QueryRow(ctx, insertService,
		service.ID,
		service.Name,
		nilIfEmpty(service.Description),
		nilIfEmpty(service.RepositoryURL),
		nilIfEmpty(service.HealthEndpoint),
	).Scan(&service.CreatedAt, &service.UpdatedAt); err != nil {
		return translateError(err)
	}

	const insertEnvironment = `INSERT INTO environments
		(id, service_id, label, target_url, docker_image, weight_percent, is_active, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`
	batch := &pgx.Batch{}
	for _, env := range environments {
		batch.Queue(insertEnvironment,
			env.ID,
			service.ID,
			env.Label,
			env.TargetURL,
			nilIfEmpty(env.DockerImage),
			env.WeightPercent,
			env.IsActive,
			string(statusOrUnknown(env.Status)),
			env.Metadata.Encode(),
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range environments {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return translateError(err)
		}
	}
	if err := br.Close(); err != nil {
		return translateError(err)
	}

	if service.ActiveTrafficID != "" {
		if _, err := tx.Exec(ctx, `UPDATE services SET active_traffic_id = $2 WHERE id = $1`, service.ID, service.ActiveTrafficID); err != nil {
			return translateError(err)
		}
	}
	return tx.Commit(ctx)
}

// SaveService updates the service row and the supplied environments atomically.
func (r *Repository) SaveService(ctx context.Context, service *domain.Service, environments []domain.Environment) error {
	if service == nil {
		return fmt.Errorf("service required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const updateService = `UPDATE services
		SET description = $2,
			repository_url = $3,
			health_endpoint = $4,
			active_traffic_id = $5,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	if err := tx.QueryRow(ctx, updateService,
		service.ID,
		nilIfEmpty(service.Description),
		nilIfEmpty(service.RepositoryURL),
		nilIfEmpty(service.HealthEndpoint),
		nilIfEmpty(service.ActiveTrafficID),
	).Scan(&service.UpdatedAt); err != nil {
		return translateError(err)
	}

	// Release host ports and the active flag first so two slots can trade
	// them inside one save.
	for _, env := range environments {
		if _, err := tx.Exec(ctx, `UPDATE environments SET metadata = metadata - 'hostPort', is_active = FALSE, weight_percent = 0 WHERE id = $1`, env.ID); err != nil {
			return translateError(err)
		}
	}
	for i := range environments {
		if err := updateEnvironmentTx(ctx, tx, &environments[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetService fetches a service by id.
func (r *Repository) GetService(ctx context.Context, id string) (*domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`
	return scanService(r.pool.QueryRow(ctx, query, id))
}

// GetServiceByName fetches a service by its unique name.
func (r *Repository) GetServiceByName(ctx context.Context, name string) (*domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE lower(name) = lower($1)`
	return scanService(r.pool.QueryRow(ctx, query, name))
}

// ListServices returns every service ordered by creation.
func (r *Repository) ListServices(ctx context.Context) ([]domain.Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var services []domain.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, *svc)
	}
	return services, rows.Err()
}

// DeleteService removes a service. Foreign keys cascade to its history.
func (r *Repository) DeleteService(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanService(row pgx.Row) (*domain.Service, error) {
	var s domain.Service
	if err := row.Scan(&s.ID, &s.Name, &s.Description, &s.RepositoryURL, &s.HealthEndpoint, &s.ActiveTrafficID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, translateError(err)
	}
	return &s, nil
}

func statusOrUnknown(status domain.EnvironmentStatus) domain.EnvironmentStatus {
	if status.Valid() {
		return status
	}
	return domain.StatusUnknown
}
