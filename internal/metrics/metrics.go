package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the capture collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches         *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	inMemory        *prometheus.GaugeVec
	fetchLatency    *prometheus.HistogramVec
	backups         *prometheus.CounterVec
	archives        prometheus.Gauge
}

func New() *Metrics {
	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_fetch_total",
		Help: "Fetch attempts by source and outcome.",
	}, []string{"source", "outcome"})
	persistFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_persist_failures_total",
		Help: "Write-through calls that failed to persist at least one partition.",
	}, []string{"source"})
	inMemory := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capture_readings_in_memory",
		Help: "Readings currently retained in memory per source.",
	}, []string{"source"})
	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capture_fetch_duration_seconds",
		Help:    "Wall time of one source fetch.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"source"})
	backups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_backup_total",
		Help: "Backup rotations by outcome.",
	}, []string{"outcome"})
	archives := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capture_backup_archives",
		Help: "Archives retained in the backup directory after the last rotation.",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(fetches, persistFailures, inMemory, fetchLatency, backups, archives)

	return &Metrics{
		registry:        reg,
		fetches:         fetches,
		persistFailures: persistFailures,
		inMemory:        inMemory,
		fetchLatency:    fetchLatency,
		backups:         backups,
		archives:        archives,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveFetch(source, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(source, outcome).Inc()
	m.fetchLatency.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) PersistFailed(source string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) SetInMemory(source string, n int) {
	if m == nil {
		return
	}
	m.inMemory.WithLabelValues(source).Set(float64(n))
}

func (m *Metrics) ObserveBackup(outcome string, retained int) {
	if m == nil {
		return
	}
	m.backups.WithLabelValues(outcome).Inc()
	if retained >= 0 {
		m.archives.Set(float64(retained))
	}
}
