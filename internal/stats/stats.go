package stats

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gochat_relay"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater exposes named gauges on a private Prometheus registry.
type StatsUpdater struct {
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec

	mu         sync.RWMutex
	registered map[string]struct{}
}

// NewStatsUpdater creates a new stats updater instance and mounts its
// exposition handler on mux.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		gauges: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gauge",
				Help:      "Current value of a relay gauge by metric name.",
			},
			[]string{"metric"},
		),
		registered: make(map[string]struct{}),
	}

	su.initializeMetrics()
	mux.Handle("GET /metrics", su.Handler())

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(
		su.gauges,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the relay started.",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		}),
		collectors.NewGoCollector(),
	)
}

func (su *StatsUpdater) Handler() http.Handler {
	return promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{})
}

func (su *StatsUpdater) gauge(name string) prometheus.Gauge {
	su.mu.RLock()
	_, ok := su.registered[name]
	su.mu.RUnlock()
	if !ok {
		panic("metric not found: " + name)
	}

	return su.gauges.WithLabelValues(name)
}

func (su *StatsUpdater) Incr(name string) {
	su.gauge(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.gauge(name).Dec()
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	su.registered[name] = struct{}{}
	su.gauges.WithLabelValues(name).Set(0)
}
