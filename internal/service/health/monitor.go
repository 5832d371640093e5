// Package health probes running slots and fails traffic over when the
// active slot stops answering.
package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/CuAuPro/switchyard/internal/domain"
)

const (
	defaultInterval = 30 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Engine is the slice of the registry the monitor drives.
type Engine interface {
	Topology(ctx context.Context) ([]domain.ServiceDetail, error)
	RecordHealth(ctx context.Context, environmentID string, status domain.EnvironmentStatus, latencyMs *int) (*domain.Environment, error)
	Failover(ctx context.Context, serviceID, failedEnvID string) (bool, error)
}

// Doer sends probe requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Observer receives probe outcomes.
type Observer interface {
	ObserveProbe(service, label string, status domain.EnvironmentStatus, latency time.Duration)
}

// Config tunes the monitor.
type Config struct {
	Interval            time.Duration
	Timeout             time.Duration
	UseContainerTargets bool
	RouterTargetHost    string
}

// Result is the outcome of probing one slot.
type Result struct {
	Status    domain.EnvironmentStatus
	LatencyMs *int
	Target    string
}

// Monitor runs the periodic health loop.
type Monitor struct {
	engine   Engine
	client   Doer
	observer Observer
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New constructs a monitor. client defaults to a plain http.Client and
// observer may be nil.
func New(engine Engine, client Doer, observer Observer, logger *slog.Logger, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RouterTargetHost == "" {
		cfg.RouterTargetHost = "http://localhost"
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		engine:   engine,
		client:   client,
		observer: observer,
		logger:   logger.With("component", "health"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.cfg.Interval)
	m.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.runIteration(ctx)
		}
	}
}

func (m *Monitor) runIteration(ctx context.Context) {
	services, err := m.engine.Topology(ctx)
	if err != nil {
		m.logger.Warn("failed to load topology", "error", err)
		return
	}
	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}
		m.checkService(ctx, svc)
	}
}

// checkService probes every slot first and only then decides on failover,
// so the alternate's status is from this tick.
func (m *Monitor) checkService(ctx context.Context, svc domain.ServiceDetail) {
	var failedActive *domain.Environment
	for i := range svc.Environments {
		env := svc.Environments[i]
		if !env.Running() {
			m.record(ctx, svc, env, Result{Status: domain.StatusUnknown})
			continue
		}
		result := m.Check(ctx, svc.HealthEndpoint, env)
		m.record(ctx, svc, env, result)
		if env.IsActive && (result.Status == domain.StatusDegraded || result.Status == domain.StatusUnhealthy) {
			failedActive = &svc.Environments[i]
		}
	}
	if failedActive == nil {
		return
	}
	switched, err := m.engine.Failover(ctx, svc.ID, failedActive.ID)
	if err != nil {
		m.logger.Error("failover failed", "service_id", svc.ID, "label", failedActive.Label, "error", err)
		return
	}
	if !switched {
		m.logger.Warn("active slot failing with no healthy alternate", "service_id", svc.ID, "label", failedActive.Label)
	}
}

func (m *Monitor) record(ctx context.Context, svc domain.ServiceDetail, env domain.Environment, result Result) {
	if _, err := m.engine.RecordHealth(ctx, env.ID, result.Status, result.LatencyMs); err != nil {
		m.logger.Warn("failed to record health", "service_id", svc.ID, "label", env.Label, "error", err)
	}
	if m.observer != nil {
		var latency time.Duration
		if result.LatencyMs != nil {
			latency = time.Duration(*result.LatencyMs) * time.Millisecond
		}
		m.observer.ObserveProbe(svc.Name, env.Label, result.Status, latency)
	}
}

// Check probes the candidate targets of a slot in order and stops at the
// first 2xx. When every candidate fails the slot is degraded if any of
// them answered at all and unhealthy otherwise.
func (m *Monitor) Check(ctx context.Context, endpoint string, env domain.Environment) Result {
	targets := Targets(endpoint, env, m.cfg.UseContainerTargets, m.cfg.RouterTargetHost)
	if len(targets) == 0 {
		return Result{Status: domain.StatusUnknown}
	}
	result := Result{Status: domain.StatusUnhealthy}
	for _, target := range targets {
		code, latency, err := m.probe(ctx, target)
		if err != nil {
			m.logger.Debug("probe failed", "target", target, "error", err)
			continue
		}
		ms := int(latency.Milliseconds())
		result.LatencyMs = &ms
		result.Target = target
		if code >= 200 && code < 300 {
			result.Status = domain.StatusHealthy
			return result
		}
		result.Status = domain.StatusDegraded
	}
	return result
}

func (m *Monitor) probe(ctx context.Context, target string) (int, time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, 0, err
	}
	start := m.now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, m.now().Sub(start), nil
}
