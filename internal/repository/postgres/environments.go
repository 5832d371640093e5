package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/repository"
)

const environmentColumns = `id, service_id, label, target_url, COALESCE(docker_image, ''), weight_percent, is_active,
	status, last_latency_ms, last_check_at, metadata, created_at, updated_at`

// ListEnvironments returns the slots of a service ordered by label.
func (r *Repository) ListEnvironments(ctx context.Context, serviceID string) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments WHERE service_id = $1 ORDER BY label ASC`
	return r.queryEnvironments(ctx, query, serviceID)
}

// ListAllEnvironments returns every slot of every service.
func (r *Repository) ListAllEnvironments(ctx context.Context) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments ORDER BY service_id, label`
	return r.queryEnvironments(ctx, query)
}

func (r *Repository) queryEnvironments(ctx context.Context, query string, args ...any) ([]domain.Environment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var envs []domain.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// UpdateEnvironment persists the mutable fields of a slot.
func (r *Repository) UpdateEnvironment(ctx context.Context, environment *domain.Environment) error {
	if environment == nil {
		return fmt.Errorf("environment required")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := updateEnvironmentTx(ctx, tx, environment); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateEnvironmentTx(ctx context.Context, tx pgx.Tx, environment *domain.Environment) error {
	const query = `UPDATE environments
		SET target_url = $2,
			docker_image = $3,
			weight_percent = $4,
			is_active = $5,
			metadata = $6,
			updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	var updatedAt time.Time
	if err := tx.QueryRow(ctx, query,
		environment.ID,
		environment.TargetURL,
		nilIfEmpty(environment.DockerImage),
		environment.WeightPercent,
		environment.IsActive,
		environment.Metadata.Encode(),
	).Scan(&updatedAt); err != nil {
		return translateError(err)
	}
	environment.UpdatedAt = updatedAt
	return nil
}

// UpdateEnvironmentMetadata replaces the metadata document of a slot.
func (r *Repository) UpdateEnvironmentMetadata(ctx context.Context, environmentID string, metadata domain.Metadata) error {
	const query = `UPDATE environments SET metadata = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, environmentID, metadata.Encode())
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateEnvironmentHealth records the outcome of a health check.
func (r *Repository) UpdateEnvironmentHealth(ctx context.Context, environmentID string, status domain.EnvironmentStatus, latencyMs *int, checkedAt time.Time) (*domain.Environment, error) {
	query := `UPDATE environments
		SET status = $2, last_latency_ms = $3, last_check_at = $4, updated_at = NOW()
		WHERE id = $1 RETURNING ` + environmentColumns
	return scanEnvironment(r.pool.QueryRow(ctx, query, environmentID, string(status), intPtrToNil(latencyMs), timePtrToNil(&checkedAt)))
}

// SwitchActive makes environmentID the only active slot of serviceID.
func (r *Repository) SwitchActive(ctx context.Context, serviceID, environmentID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM services WHERE id = $1 FOR UPDATE`, serviceID); err != nil {
		return translateError(err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE environments SET is_active = FALSE, weight_percent = 0, updated_at = NOW() WHERE service_id = $1`,
		serviceID,
	); err != nil {
		return translateError(err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE environments SET is_active = TRUE, weight_percent = 100, updated_at = NOW() WHERE id = $1 AND service_id = $2`,
		environmentID, serviceID,
	)
	if err != nil {
		return translateError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE services SET active_traffic_id = $2, updated_at = NOW() WHERE id = $1`,
		serviceID, environmentID,
	); err != nil {
		return translateError(err)
	}
	return tx.Commit(ctx)
}

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var (
		env       domain.Environment
		status    string
		latency   *int32
		checkedAt *time.Time
		metadata  []byte
	)
	if err := row.Scan(
		&env.ID,
		&env.ServiceID,
		&env.Label,
		&env.TargetURL,
		&env.DockerImage,
		&env.WeightPercent,
		&env.IsActive,
		&status,
		&latency,
		&checkedAt,
		&metadata,
		&env.CreatedAt,
		&env.UpdatedAt,
	); err != nil {
		return nil, translateError(err)
	}
	env.Status = statusOrUnknown(domain.EnvironmentStatus(status))
	if latency != nil {
		ms := int(*latency)
		env.LastLatencyMs = &ms
	}
	env.LastCheckAt = checkedAt
	env.Metadata = domain.ParseMetadata(metadata)
	return &env, nil
}
