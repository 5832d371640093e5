package repository

import (
	"context"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ServiceRepository persists services together with their two environments.
type ServiceRepository interface {
	// CreateService inserts the service and its environments in one transaction.
	CreateService(ctx context.Context, service *domain.Service, environments []domain.Environment) error
	// SaveService updates the service row and the given environments in one transaction.
	SaveService(ctx context.Context, service *domain.Service, environments []domain.Environment) error
	GetService(ctx context.Context, id string) (*domain.Service, error)
	GetServiceByName(ctx context.Context, name string) (*domain.Service, error)
	ListServices(ctx context.Context) ([]domain.Service, error)
	// DeleteService removes the service and everything that references it.
	DeleteService(ctx context.Context, id string) error
}

// EnvironmentRepository persists environment slots.
type EnvironmentRepository interface {
	ListEnvironments(ctx context.Context, serviceID string) ([]domain.Environment, error)
	ListAllEnvironments(ctx context.Context) ([]domain.Environment, error)
	UpdateEnvironment(ctx context.Context, environment *domain.Environment) error
	UpdateEnvironmentMetadata(ctx context.Context, environmentID string, metadata domain.Metadata) error
	UpdateEnvironmentHealth(ctx context.Context, environmentID string, status domain.EnvironmentStatus, latencyMs *int, checkedAt time.Time) (*domain.Environment, error)
	// SwitchActive demotes every environment of the service, promotes the
	// target and points the service at it, all in one transaction.
	SwitchActive(ctx context.Context, serviceID, environmentID string) error
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	ListDeployments(ctx context.Context, serviceID string, limit int) ([]domain.Deployment, error)
}

// SwitchEventRepository stores the traffic cutover audit trail.
type SwitchEventRepository interface {
	CreateSwitchEvent(ctx context.Context, event *domain.SwitchEvent) error
	ListSwitchEvents(ctx context.Context, serviceID string, limit int) ([]domain.SwitchEvent, error)
}

// ActivityRepository stores operator facing activity records.
type ActivityRepository interface {
	CreateActivity(ctx context.Context, event *domain.ActivityEvent) error
	ListActivities(ctx context.Context, serviceID string, limit int) ([]domain.ActivityEvent, error)
}

// Store is the full persistence contract consumed by the orchestration engine.
type Store interface {
	ServiceRepository
	EnvironmentRepository
	DeploymentRepository
	SwitchEventRepository
	ActivityRepository
}
