package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the enforcer-wide Prometheus metrics.
type Metrics struct {
	checkTotal       *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	fallbackLoads    *prometheus.CounterVec
	fallbackDuration *prometheus.HistogramVec
	discoveryUpdates *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	storeEntries     *prometheus.GaugeVec
	metadataStreams  prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
	registry         *prometheus.Registry
	extraRegistries  []prometheus.Gatherer
}

// NewMetrics creates a new Metrics instance with its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "enforcer"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.checkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_requests_total",
			Help:      "Total number of authorization checks by decision and error code",
		},
		[]string{"decision", "code"},
	)

	m.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Authorization check duration in seconds",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"decision"},
	)

	m.fallbackLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_loads_total",
			Help:      "Total number of on-demand remote loads by entity kind and result",
		},
		[]string{"kind", "result"},
	)

	m.fallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fallback_load_duration_seconds",
			Help:      "On-demand remote load duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	m.discoveryUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_updates_total",
			Help:      "Total number of discovery snapshots by entity kind and result",
		},
		[]string{"kind", "result"},
	)

	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Total number of change events by type and result",
		},
		[]string{"type", "result"},
	)

	m.storeEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Number of cached entries per entity kind",
		},
		[]string{"kind"},
	)

	m.metadataStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metadata_streams",
			Help:      "Number of open metadata streams",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit"},
	)

	m.registry.MustRegister(
		m.checkTotal,
		m.checkDuration,
		m.fallbackLoads,
		m.fallbackDuration,
		m.discoveryUpdates,
		m.eventsTotal,
		m.storeEntries,
		m.metadataStreams,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordCheck records one authorization check.
func (m *Metrics) RecordCheck(allowed bool, code int, duration time.Duration) {
	decision := "deny"
	codeLabel := strconv.Itoa(code)
	if allowed {
		decision = "allow"
		codeLabel = "0"
	}
	m.checkTotal.WithLabelValues(decision, codeLabel).Inc()
	m.checkDuration.WithLabelValues(decision).Observe(duration.Seconds())
}

// RecordFallbackLoad records an on-demand remote load.
func (m *Metrics) RecordFallbackLoad(kind, result string, duration time.Duration) {
	m.fallbackLoads.WithLabelValues(kind, result).Inc()
	m.fallbackDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDiscoveryUpdate records a discovery snapshot outcome.
func (m *Metrics) RecordDiscoveryUpdate(kind, result string) {
	m.discoveryUpdates.WithLabelValues(kind, result).Inc()
}

// RecordEvent records a change event outcome.
func (m *Metrics) RecordEvent(eventType, result string) {
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

// SetStoreEntries sets the number of cached entries for a kind.
func (m *Metrics) SetStoreEntries(kind string, n int) {
	m.storeEntries.WithLabelValues(kind).Set(float64(n))
}

// SetMetadataStreams sets the number of open metadata streams.
func (m *Metrics) SetMetadataStreams(n int) {
	m.metadataStreams.Set(float64(n))
}

// SetBuildInfo sets the build information gauge.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AddGatherer exposes another package-level registry through Handler.
func (m *Metrics) AddGatherer(g prometheus.Gatherer) {
	m.extraRegistries = append(m.extraRegistries, g)
}

// Handler returns an HTTP handler serving all registered metrics.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry}
	gatherers = append(gatherers, m.extraRegistries...)
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

// RegisterCollectors registers collectors, ignoring ones already present.
func RegisterCollectors(registry *prometheus.Registry, cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}
