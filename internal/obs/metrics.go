package obs

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	lookups          *prometheus.CounterVec
	producerCalls    *prometheus.CounterVec
	producerDuration *prometheus.HistogramVec
	lateResults      prometheus.Counter
	gcPasses         *prometheus.CounterVec
	gcRemoved        *prometheus.CounterVec
	connections      prometheus.Gauge
	commands         *prometheus.CounterVec
	storages         prometheus.Gauge
	reconnects       *prometheus.CounterVec
	spawns           *prometheus.CounterVec
}

var (
	defaultMetricsMu sync.RWMutex
	defaultMetrics   *Metrics
)

func SetDefaultMetrics(metrics *Metrics) {
	defaultMetricsMu.Lock()
	defaultMetrics = metrics
	defaultMetricsMu.Unlock()
}

// DefaultMetrics returns the process metrics or nil. All Record methods are
// safe to call on a nil *Metrics.
func DefaultMetrics() *Metrics {
	defaultMetricsMu.RLock()
	defer defaultMetricsMu.RUnlock()
	return defaultMetrics
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_lookups_total",
		Help: "Cache key lookups by outcome",
	}, []string{"result"})

	producerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_producer_calls_total",
		Help: "Producer invocations",
	}, []string{"mode", "result"})

	producerDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcache_producer_duration_seconds",
		Help:    "Producer call duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	lateResults := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcache_producer_late_results_total",
		Help: "Producer results discarded after the timeout fired",
	})

	gcPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_gc_passes_total",
		Help: "Completed storage GC passes",
	}, []string{"backend"})

	gcRemoved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_gc_removed_total",
		Help: "Entries removed by storage GC",
	}, []string{"backend"})

	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcache_server_connections",
		Help: "Open client connections on the cache server",
	})

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_server_commands_total",
		Help: "Commands handled by the cache server",
	}, []string{"command", "result"})

	storages := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcache_server_storages",
		Help: "Storage instances hosted by the cache server",
	})

	reconnects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_client_reconnects_total",
		Help: "Client reconnect attempts",
	}, []string{"result"})

	spawns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mcache_client_server_spawns_total",
		Help: "Server start attempts made by clients",
	}, []string{"mode", "result"})

	registry.MustRegister(
		lookups,
		producerCalls,
		producerDuration,
		lateResults,
		gcPasses,
		gcRemoved,
		connections,
		commands,
		storages,
		reconnects,
		spawns,
	)

	return &Metrics{
		registry:         registry,
		lookups:          lookups,
		producerCalls:    producerCalls,
		producerDuration: producerDuration,
		lateResults:      lateResults,
		gcPasses:         gcPasses,
		gcRemoved:        gcRemoved,
		connections:      connections,
		commands:         commands,
		storages:         storages,
		reconnects:       reconnects,
		spawns:           spawns,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordLookup counts n key lookups; result is hit, miss or absent.
func (m *Metrics) RecordLookup(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.lookups.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) RecordProducer(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.producerCalls.WithLabelValues(mode, result).Inc()
	m.producerDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) RecordLateResult() {
	if m == nil {
		return
	}
	m.lateResults.Inc()
}

func (m *Metrics) RecordGC(backend string, removed int) {
	if m == nil {
		return
	}
	m.gcPasses.WithLabelValues(backend).Inc()
	m.gcRemoved.WithLabelValues(backend).Add(float64(removed))
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) RecordCommand(command rune, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.commands.WithLabelValues(string(command), result).Inc()
}

func (m *Metrics) SetStorages(n int) {
	if m == nil {
		return
	}
	m.storages.Set(float64(n))
}

func (m *Metrics) RecordReconnect(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSpawn(mode string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.spawns.WithLabelValues(mode, result).Inc()
}
