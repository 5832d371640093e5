// Package memory is an in-process Store used for local development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/repository"
)

// Repository keeps every record in maps guarded by one mutex.
type Repository struct {
	mu           sync.Mutex
	now          func() time.Time
	users        map[string]domain.User
	services     map[string]domain.Service
	environments map[string]domain.Environment
	deployments  []domain.Deployment
	switches     []domain.SwitchEvent
	activities   []domain.ActivityEvent
}

var (
	_ repository.UserRepository = (*Repository)(nil)
	_ repository.Store          = (*Repository)(nil)
)

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		now:          time.Now,
		users:        make(map[string]domain.User),
		services:     make(map[string]domain.Service),
		environments: make(map[string]domain.Environment),
	}
}

// Ping always succeeds.
func (r *Repository) Ping(context.Context) error { return nil }

// CreateUser inserts a user.
func (r *Repository) CreateUser(_ context.Context, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrConflict
		}
	}
	now := r.now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	r.users[user.ID] = *user
	return nil
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			out := u
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// CreateService inserts a service and its environments.
func (r *Repository) CreateService(_ context.Context, service *domain.Service, environments []domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.services {
		if strings.EqualFold(existing.Name, service.Name) {
			return repository.ErrConflict
		}
	}
	if err := r.checkEnvironmentsLocked(environments, nil); err != nil {
		return err
	}
	now := r.now().UTC()
	service.CreatedAt, service.UpdatedAt = now, now
	r.services[service.ID] = *service
	for _, env := range environments {
		env.ServiceID = service.ID
		env.CreatedAt, env.UpdatedAt = now, now
		if !env.Status.Valid() {
			env.Status = domain.StatusUnknown
		}
		r.environments[env.ID] = env
	}
	return nil
}

// SaveService updates the service and the given environments.
func (r *Repository) SaveService(_ context.Context, service *domain.Service, environments []domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.services[service.ID]
	if !ok {
		return repository.ErrNotFound
	}
	skip := make(map[string]bool, len(environments))
	for _, env := range environments {
		if _, ok := r.environments[env.ID]; !ok {
			return repository.ErrNotFound
		}
		skip[env.ID] = true
	}
	if err := r.checkEnvironmentsLocked(environments, skip); err != nil {
		return err
	}
	now := r.now().UTC()
	current.Description = service.Description
	current.RepositoryURL = service.RepositoryURL
	current.HealthEndpoint = service.HealthEndpoint
	current.ActiveTrafficID = service.ActiveTrafficID
	current.UpdatedAt = now
	r.services[service.ID] = current
	*service = current
	for i := range environments {
		r.applyEnvironmentLocked(&environments[i], now)
	}
	return nil
}

// checkEnvironmentsLocked enforces the host port and single active slot
// constraints. skip lists rows being replaced by envs.
func (r *Repository) checkEnvironmentsLocked(envs []domain.Environment, skip map[string]bool) error {
	ports := make(map[int]bool)
	for id, env := range r.environments {
		if skip[id] || env.Metadata.HostPort == 0 {
			continue
		}
		ports[env.Metadata.HostPort] = true
	}
	active := 0
	for _, env := range envs {
		if env.WeightPercent != 0 && env.WeightPercent != 100 {
			return repository.ErrInvalidArgument
		}
		if env.IsActive {
			active++
		}
		if env.Metadata.HostPort == 0 {
			continue
		}
		if ports[env.Metadata.HostPort] {
			return repository.ErrConflict
		}
		ports[env.Metadata.HostPort] = true
	}
	if active > 1 {
		return repository.ErrConflict
	}
	return nil
}

func (r *Repository) applyEnvironmentLocked(env *domain.Environment, now time.Time) {
	current := r.environments[env.ID]
	current.TargetURL = env.TargetURL
	current.DockerImage = env.DockerImage
	current.WeightPercent = env.WeightPercent
	current.IsActive = env.IsActive
	current.Metadata = env.Metadata
	current.UpdatedAt = now
	r.environments[env.ID] = current
	*env = current
}

// GetService fetches a service by id.
func (r *Repository) GetService(_ context.Context, id string) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &svc, nil
}

// GetServiceByName fetches a service by name, case-insensitively.
func (r *Repository) GetServiceByName(_ context.Context, name string) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.services {
		if strings.EqualFold(svc.Name, name) {
			out := svc
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

// ListServices returns services ordered by creation.
func (r *Repository) ListServices(context.Context) ([]domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteService removes a service and cascades to its records.
func (r *Repository) DeleteService(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.services, id)
	for envID, env := range r.environments {
		if env.ServiceID == id {
			delete(r.environments, envID)
		}
	}
	r.deployments = filter(r.deployments, func(d domain.Deployment) bool { return d.ServiceID != id })
	r.switches = filter(r.switches, func(e domain.SwitchEvent) bool { return e.ServiceID != id })
	r.activities = filter(r.activities, func(a domain.ActivityEvent) bool { return a.ServiceID != id })
	return nil
}

// ListEnvironments returns the slots of a service ordered by label.
func (r *Repository) ListEnvironments(_ context.Context, serviceID string) ([]domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Environment
	for _, env := range r.environments {
		if env.ServiceID == serviceID {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

// ListAllEnvironments returns every slot.
func (r *Repository) ListAllEnvironments(context.Context) ([]domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Environment, 0, len(r.environments))
	for _, env := range r.environments {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID == out[j].ServiceID {
			return out[i].Label < out[j].Label
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out, nil
}

// UpdateEnvironment persists the mutable fields of a slot.
func (r *Repository) UpdateEnvironment(_ context.Context, environment *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.environments[environment.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if err := r.checkEnvironmentsLocked([]domain.Environment{*environment}, map[string]bool{environment.ID: true}); err != nil {
		return err
	}
	if environment.IsActive {
		for id, env := range r.environments {
			if id != environment.ID && env.ServiceID == current.ServiceID && env.IsActive {
				return repository.ErrConflict
			}
		}
	}
	r.applyEnvironmentLocked(environment, r.now().UTC())
	return nil
}

// UpdateEnvironmentMetadata replaces the metadata of a slot.
func (r *Repository) UpdateEnvironmentMetadata(_ context.Context, environmentID string, metadata domain.Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.environments[environmentID]
	if !ok {
		return repository.ErrNotFound
	}
	updated := env
	updated.Metadata = metadata
	if err := r.checkEnvironmentsLocked([]domain.Environment{updated}, map[string]bool{environmentID: true}); err != nil {
		return err
	}
	updated.UpdatedAt = r.now().UTC()
	r.environments[environmentID] = updated
	return nil
}

// UpdateEnvironmentHealth records a health check outcome.
func (r *Repository) UpdateEnvironmentHealth(_ context.Context, environmentID string, status domain.EnvironmentStatus, latencyMs *int, checkedAt time.Time) (*domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.environments[environmentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !status.Valid() {
		return nil, repository.ErrInvalidArgument
	}
	env.Status = status
	if latencyMs != nil {
		ms := *latencyMs
		env.LastLatencyMs = &ms
	} else {
		env.LastLatencyMs = nil
	}
	at := checkedAt.UTC()
	env.LastCheckAt = &at
	env.UpdatedAt = r.now().UTC()
	r.environments[environmentID] = env
	return &env, nil
}

// SwitchActive makes environmentID the only active slot of its service.
func (r *Repository) SwitchActive(_ context.Context, serviceID, environmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[serviceID]
	if !ok {
		return repository.ErrNotFound
	}
	target, ok := r.environments[environmentID]
	if !ok || target.ServiceID != serviceID {
		return repository.ErrNotFound
	}
	now := r.now().UTC()
	for id, env := range r.environments {
		if env.ServiceID != serviceID {
			continue
		}
		env.IsActive = id == environmentID
		env.WeightPercent = 0
		if env.IsActive {
			env.WeightPercent = 100
		}
		env.UpdatedAt = now
		r.environments[id] = env
	}
	svc.ActiveTrafficID = environmentID
	svc.UpdatedAt = now
	r.services[serviceID] = svc
	return nil
}

// CreateDeployment appends a deployment.
func (r *Repository) CreateDeployment(_ context.Context, deployment *domain.Deployment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[deployment.ServiceID]; !ok {
		return repository.ErrNotFound
	}
	now := r.now().UTC()
	deployment.CreatedAt, deployment.UpdatedAt = now, now
	r.deployments = append(r.deployments, *deployment)
	return nil
}

// ListDeployments returns the newest deployments first.
func (r *Repository) ListDeployments(_ context.Context, serviceID string, limit int) ([]domain.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.deployments, limit, func(d domain.Deployment) bool { return d.ServiceID == serviceID }), nil
}

// CreateSwitchEvent appends a cutover record.
func (r *Repository) CreateSwitchEvent(_ context.Context, event *domain.SwitchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[event.ServiceID]; !ok {
		return repository.ErrNotFound
	}
	event.CreatedAt = r.now().UTC()
	r.switches = append(r.switches, *event)
	return nil
}

// ListSwitchEvents returns the newest cutovers first.
func (r *Repository) ListSwitchEvents(_ context.Context, serviceID string, limit int) ([]domain.SwitchEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.switches, limit, func(e domain.SwitchEvent) bool { return e.ServiceID == serviceID }), nil
}

// CreateActivity appends an activity record.
func (r *Repository) CreateActivity(_ context.Context, event *domain.ActivityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[event.ServiceID]; !ok {
		return repository.ErrNotFound
	}
	event.CreatedAt = r.now().UTC()
	r.activities = append(r.activities, *event)
	return nil
}

// ListActivities returns the newest activity first with slot labels filled in.
func (r *Repository) ListActivities(_ context.Context, serviceID string, limit int) ([]domain.ActivityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := newestFirst(r.activities, limit, func(a domain.ActivityEvent) bool { return a.ServiceID == serviceID })
	for i := range out {
		if env, ok := r.environments[out[i].EnvironmentID]; ok {
			out[i].EnvironmentLabel = env.Label
		}
	}
	return out, nil
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := items[:0]
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	return out
}

// newestFirst walks items backwards since they are appended in time order.
func newestFirst[T any](items []T, limit int, match func(T) bool) []T {
	var out []T
	for i := len(items) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(items[i]) {
			out = append(out, items[i])
		}
	}
	return out
}
