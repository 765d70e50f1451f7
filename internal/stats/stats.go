package stats

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "realtime"

// Metric names shared by the delivery components.
const (
	ActiveConnections = "active_connections"
	RateLimitedSends  = "rate_limited_sends"
	ForcedDisconnects = "forced_disconnects"
	QueuedMessages    = "queued_messages"
	PollingSessions   = "polling_sessions"
	EventsPublished   = "events_published"
	EventsDropped     = "events_dropped"
)

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
	RegisterGaugeFunc(name string, fn func() float64)
}

type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	gauges   map[string]prometheus.Gauge
	funcs    map[string]struct{}
}

// NewStatsUpdater creates a new stats updater and serves its registry on GET /metrics.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]prometheus.Gauge),
		funcs:    make(map[string]struct{}),
	}
	su.initializeMetrics()
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	su.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	startTime := time.Now()
	su.RegisterGaugeFunc("uptime_seconds", func() float64 {
		return time.Since(startTime).Seconds()
	})
}

// RegisterMetric registers a gauge driven by Incr and Decr. Registering the
// same name twice is a no-op.
func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.gauges[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText(name),
	})
	su.registry.MustRegister(g)
	su.gauges[name] = g
}

// RegisterGaugeFunc registers a gauge whose value is read from fn at scrape time.
func (su *StatsUpdater) RegisterGaugeFunc(name string, fn func() float64) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.funcs[name]; ok {
		return
	}

	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      helpText(name),
	}, fn))
	su.funcs[name] = struct{}{}
}

func (su *StatsUpdater) Incr(name string) {
	if g := su.gauge(name); g != nil {
		g.Inc()
	}
}

func (su *StatsUpdater) Decr(name string) {
	if g := su.gauge(name); g != nil {
		g.Dec()
	}
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()
	return su.gauges[name]
}

func helpText(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// Registry exposes the underlying registry for tests and embedding.
func (su *StatsUpdater) Registry() *prometheus.Registry {
	return su.registry
}
