// Package registry owns the lifecycle of services and their two
// environment slots: registration, configuration, container start/stop,
// reconciliation and the traffic switch.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CuAuPro/switchyard/internal/docker"
	"github.com/CuAuPro/switchyard/internal/domain"
	"github.com/CuAuPro/switchyard/internal/events"
	"github.com/CuAuPro/switchyard/internal/ports"
	"github.com/CuAuPro/switchyard/internal/repository"
)

// Runtime is the container lifecycle the engine drives.
type Runtime interface {
	EnsureRunning(ctx context.Context, spec docker.RunSpec) error
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	InspectState(ctx context.Context, name string) (docker.State, error)
}

// PortReserver hands out host ports.
type PortReserver interface {
	Reserve(preferred int, excluding map[int]struct{}) (ports.Reservation, error)
}

// RouterPublisher regenerates the reverse proxy configuration. Request
// must return immediately; failures are the publisher's to log.
type RouterPublisher interface {
	Request(reason string)
}

// Observer receives engine measurements.
type Observer interface {
	ObserveSwitch(service, from, to string, automated bool)
}

// Config tunes the engine.
type Config struct {
	DockerAutostart   bool
	DockerNetwork     string
	RouterTargetHost  string
	DefaultAppPort    int
	RecentDeployments int
	RecentActivities  int
}

// Engine coordinates every mutation of services and environments. All
// mutations of one service run under that service's lock.
type Engine struct {
	store    repository.Store
	runtime  Runtime
	ports    PortReserver
	bus      events.Publisher
	router   RouterPublisher
	observer Observer
	logger   *slog.Logger
	cfg      Config
	locks    *keyedMutex
	now      func() time.Time

	// allocMu spans the used-port snapshot and the reservation.
	allocMu sync.Mutex
}

// New constructs an Engine. router and observer may be nil.
func New(store repository.Store, runtime Runtime, reserver PortReserver, bus events.Publisher, router RouterPublisher, observer Observer, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultAppPort == 0 {
		cfg.DefaultAppPort = 4000
	}
	if cfg.RecentDeployments == 0 {
		cfg.RecentDeployments = 10
	}
	if cfg.RecentActivities == 0 {
		cfg.RecentActivities = 25
	}
	if cfg.RouterTargetHost == "" {
		cfg.RouterTargetHost = "http://localhost"
	}
	cfg.RouterTargetHost = strings.TrimRight(cfg.RouterTargetHost, "/")
	return &Engine{
		store:    store,
		runtime:  runtime,
		ports:    reserver,
		bus:      bus,
		router:   router,
		observer: observer,
		logger:   logger.With("component", "registry"),
		cfg:      cfg,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func authorize(op string, actor domain.Actor) error {
	if !actor.Role.CanMutate() {
		return fail(KindAuthorization, op, ErrInsufficientRole, "insufficient permissions")
	}
	return nil
}

func (e *Engine) lockService(id string) func() {
	return e.locks.Lock("service:" + id)
}

func (e *Engine) loadService(ctx context.Context, op, id string) (*domain.Service, error) {
	svc, err := e.store.GetService(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fail(KindNotFound, op, ErrServiceNotFound, "service not found")
		}
		return nil, internal(op, err)
	}
	return svc, nil
}

func findEnvironment(op string, envs []domain.Environment, label string) (int, error) {
	for i, env := range envs {
		if env.Label == label {
			return i, nil
		}
	}
	return -1, fail(KindNotFound, op, ErrEnvNotFound, "environment %s not found", label)
}

// reconcile aligns persisted container state with the runtime. Inspect
// failures leave the persisted value alone.
func (e *Engine) reconcile(ctx context.Context, svc *domain.Service, envs []domain.Environment) {
	for i := range envs {
		meta := envs[i].Metadata
		if meta.ContainerName == "" {
			continue
		}
		state, err := e.runtime.InspectState(ctx, meta.ContainerName)
		if err != nil {
			e.logger.Warn("inspect container failed", "service_id", svc.ID, "container", meta.ContainerName, "error", err)
			continue
		}
		observed := domain.ContainerStopped
		if state == docker.StateRunning {
			observed = domain.ContainerRunning
		}
		if observed == meta.ContainerState {
			continue
		}
		meta.ContainerState = observed
		if err := e.store.UpdateEnvironmentMetadata(ctx, envs[i].ID, meta); err != nil {
			e.logger.Warn("persist reconciled state failed", "environment_id", envs[i].ID, "error", err)
			continue
		}
		e.logger.Info("container state reconciled", "service_id", svc.ID, "label", envs[i].Label, "state", observed)
		envs[i].Metadata = meta
	}
}

// environments loads the slots of svc and reconciles them. When locked is
// false the reconciliation only writes if no mutation holds the service.
func (e *Engine) environments(ctx context.Context, op string, svc *domain.Service, locked bool) ([]domain.Environment, error) {
	envs, err := e.store.ListEnvironments(ctx, svc.ID)
	if err != nil {
		return nil, internal(op, err)
	}
	if locked {
		e.reconcile(ctx, svc, envs)
		return envs, nil
	}
	if unlock, ok := e.locks.TryLock("service:" + svc.ID); ok {
		defer unlock()
		e.reconcile(ctx, svc, envs)
	}
	return envs, nil
}

func (e *Engine) detail(ctx context.Context, op string, svc *domain.Service, envs []domain.Environment) (domain.ServiceDetail, error) {
	deployments, err := e.store.ListDeployments(ctx, svc.ID, e.cfg.RecentDeployments)
	if err != nil {
		return domain.ServiceDetail{}, internal(op, err)
	}
	activities, err := e.store.ListActivities(ctx, svc.ID, e.cfg.RecentActivities)
	if err != nil {
		return domain.ServiceDetail{}, internal(op, err)
	}
	for i := range envs {
		if envs[i].Metadata.ContainerName == "" {
			envs[i].Metadata.ContainerName = domain.ContainerName(svc.Name, envs[i].Label)
		}
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	if activities == nil {
		activities = []domain.ActivityEvent{}
	}
	return domain.ServiceDetail{Service: *svc, Environments: envs, Deployments: deployments, Activities: activities}, nil
}

// reload re-reads a service after a mutation. The caller holds the lock.
func (e *Engine) reload(ctx context.Context, op, id string) (domain.ServiceDetail, error) {
	svc, err := e.loadService(ctx, op, id)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	envs, err := e.environments(ctx, op, svc, true)
	if err != nil {
		return domain.ServiceDetail{}, err
	}
	return e.detail(ctx, op, svc, envs)
}

// usedPorts snapshots host ports recorded by every environment except skip.
func (e *Engine) usedPorts(ctx context.Context, skip ...string) (map[int]struct{}, error) {
	all, err := e.store.ListAllEnvironments(ctx)
	if err != nil {
		return nil, err
	}
	skipped := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipped[id] = true
	}
	used := make(map[int]struct{}, len(all))
	for _, env := range all {
		if skipped[env.ID] || env.Metadata.HostPort == 0 {
			continue
		}
		used[env.Metadata.HostPort] = struct{}{}
	}
	return used, nil
}

// reserve takes a host port that no other environment records and no other
// caller holds. keep adds ports to exclude on top of the stored snapshot;
// skip names environments whose recorded ports may be reused. The snapshot
// is read under allocMu, so a port persisted and released by a concurrent
// caller is always visible either in the store or in flight.
func (e *Engine) reserve(ctx context.Context, op string, preferred int, keep map[int]struct{}, skip ...string) (ports.Reservation, error) {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()

	used, err := e.usedPorts(ctx, skip...)
	if err != nil {
		return ports.Reservation{}, internal(op, err)
	}
	for port := range keep {
		used[port] = struct{}{}
	}
	res, err := e.ports.Reserve(preferred, used)
	if err != nil {
		if errors.Is(err, ports.ErrNoPortAvailable) {
			return ports.Reservation{}, fail(KindResourceExhausted, op, ErrNoPortAvailable, "%v", err)
		}
		return ports.Reservation{}, internal(op, err)
	}
	return res, nil
}

// persistEnvironment records a slot whose container was just started. It
// runs detached from ctx so a cancelled request cannot strand a running
// container behind a stopped record. When the write fails the container is
// removed again.
func (e *Engine) persistEnvironment(ctx context.Context, op string, env *domain.Environment) error {
	ctx = context.WithoutCancel(ctx)
	err := e.store.UpdateEnvironment(ctx, env)
	if err == nil {
		return nil
	}
	name := env.Metadata.ContainerName
	if rmErr := e.runtime.Remove(ctx, name); rmErr != nil {
		e.logger.Warn("remove unrecorded container failed", "container", name, "error", rmErr)
	}
	if errors.Is(err, repository.ErrConflict) {
		return fail(KindPrecondition, op, errors.Join(ErrHostPortTaken, err), "host port %d was taken by another environment, retry", env.Metadata.HostPort)
	}
	return internal(op, err)
}

// targetURL is the address the router forwards to for a slot.
func (e *Engine) targetURL(meta domain.Metadata) string {
	if e.cfg.DockerNetwork != "" && meta.ContainerName != "" && meta.AppPort > 0 {
		return fmt.Sprintf("http://%s:%d", meta.ContainerName, meta.AppPort)
	}
	return fmt.Sprintf("%s:%d", e.cfg.RouterTargetHost, meta.HostPort)
}

func (e *Engine) runSpec(env domain.Environment, meta domain.Metadata, version string) docker.RunSpec {
	port := fmt.Sprintf("%d", meta.AppPort)
	return docker.RunSpec{
		Name:          meta.ContainerName,
		Image:         env.DockerImage,
		HostPort:      meta.HostPort,
		ContainerPort: meta.AppPort,
		Env: map[string]string{
			"PORT":        port,
			"APP_PORT":    port,
			"APP_COLOR":   env.Label,
			"APP_VERSION": version,
		},
		Network: e.cfg.DockerNetwork,
	}
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

type activity struct {
	serviceID     string
	environmentID string
	actor         domain.Actor
	kind          string
	message       string
	metadata      map[string]any
}

func (e *Engine) recordActivity(ctx context.Context, a activity) SideEffect {
	evt := &domain.ActivityEvent{
		ID:            uuid.NewString(),
		ServiceID:     a.serviceID,
		EnvironmentID: a.environmentID,
		ActorID:       a.actor.ID,
		ActorRole:     a.actor.Role,
		Type:          a.kind,
		Message:       a.message,
	}
	if a.metadata != nil {
		raw, err := json.Marshal(a.metadata)
		if err == nil {
			evt.Metadata = raw
		}
	}
	if err := e.store.CreateActivity(ctx, evt); err != nil {
		e.logger.Warn("record activity failed", "service_id", a.serviceID, "type", a.kind, "error", err)
		return SideEffect{Step: "activity", Err: err}
	}
	return SideEffect{Step: "activity"}
}

func (e *Engine) publishRouter(reason string) {
	if e.router == nil {
		return
	}
	e.router.Request(reason)
}

func (e *Engine) emit(t events.Type, serviceID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(t, serviceID, payload)
}
