package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CuAuPro/switchyard/internal/domain"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	probeStatuses    = []domain.EnvironmentStatus{domain.StatusUnknown, domain.StatusHealthy, domain.StatusDegraded, domain.StatusUnhealthy}
)

// Metrics owns the process collectors. It also receives switch, probe and
// router publish observations from the background components.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
	switches       *prometheus.CounterVec
	envStatus      *prometheus.GaugeVec
	probeLatency   *prometheus.HistogramVec
	routerPublish  *prometheus.CounterVec
}

// NewMetrics builds collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchyard",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "switchyard",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchyard",
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route", "key"})

	m.switches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchyard",
		Subsystem: "engine",
		Name:      "traffic_switches_total",
		Help:      "Traffic cutovers by service and trigger",
	}, []string{"service", "to", "automated"})

	m.envStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "switchyard",
		Subsystem: "health",
		Name:      "environment_status",
		Help:      "1 for the last recorded status of each environment, 0 otherwise",
	}, []string{"service", "label", "status"})

	m.probeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "switchyard",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Latency of the answering health probe",
		Buckets:   histogramBuckets,
	}, []string{"service", "label"})

	m.routerPublish = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchyard",
		Subsystem: "router",
		Name:      "publishes_total",
		Help:      "Router configuration pushes by result",
	}, []string{"result"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal, m.requestLatency, m.rateLimitHits,
		m.switches, m.envStatus, m.probeLatency, m.routerPublish,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSwitch counts a completed cutover.
func (m *Metrics) ObserveSwitch(service, from, to string, automated bool) {
	if m == nil {
		return
	}
	m.switches.With(prometheus.Labels{"service": service, "to": to, "automated": strconv.FormatBool(automated)}).Inc()
}

// ObserveProbe records the outcome of one environment check.
func (m *Metrics) ObserveProbe(service, label string, status domain.EnvironmentStatus, latency time.Duration) {
	if m == nil {
		return
	}
	for _, s := range probeStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.envStatus.With(prometheus.Labels{"service": service, "label": label, "status": string(s)}).Set(value)
	}
	if latency > 0 {
		m.probeLatency.With(prometheus.Labels{"service": service, "label": label}).Observe(latency.Seconds())
	}
}

// ObserveRouterPublish counts router pushes.
func (m *Metrics) ObserveRouterPublish(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.routerPublish.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) recordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *Metrics) recordRateLimitHit(route, key string) {
	if m == nil {
		return
	}
	m.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}
