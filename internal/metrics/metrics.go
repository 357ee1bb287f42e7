package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "cachestat"

// Collector provides a central place for all application metrics
type Collector struct {
	// Tailer metrics
	LinesProcessed  *prometheus.CounterVec
	CheckpointSaves prometheus.Counter
	Rearms          *prometheus.CounterVec
	Watching        prometheus.Gauge

	// Flush metrics
	FlushCycles     *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	Increments      *prometheus.CounterVec
	FlushedRequests *prometheus.CounterVec
	FlushedBytes    *prometheus.CounterVec

	// Health metrics
	HealthStatus *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
	}

	c.initTailerMetrics()
	c.initFlushMetrics()
	c.initHealthMetrics()

	return c
}

func (c *Collector) initTailerMetrics() {
	c.LinesProcessed = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "lines_total",
			Help:      "Lines read from the tailed log by parse result",
		},
		[]string{"result"},
	)

	c.CheckpointSaves = promauto.With(c.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tailer",
			Name:      "checkpoint_saves_total",
			Help:      "Number of times the read offset was persisted",
		},
	)

	c.Rearms = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "rearms_total",
			Help:      "Number of times the watch was re-established after deletion or move",
		},
		[]string{"event"},
	)

	c.Watching = promauto.With(c.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "armed",
			Help:      "1 when the tailed file is open and watched",
		},
	)
}

func (c *Collector) initFlushMetrics() {
	c.FlushCycles = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "cycles_total",
			Help:      "Flush cycles by outcome",
		},
		[]string{"result"},
	)

	c.FlushDuration = promauto.With(c.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "duration_seconds",
			Help:      "Time taken to publish one snapshot",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	c.Increments = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "increments_total",
			Help:      "Counter store increments by outcome",
		},
		[]string{"store", "result"},
	)

	c.FlushedRequests = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "requests_total",
			Help:      "Requests published to the counter store by cache status",
		},
		[]string{"cache_status"},
	)

	c.FlushedBytes = promauto.With(c.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flush",
			Name:      "bytes_total",
			Help:      "Response bytes published to the counter store by cache status",
		},
		[]string{"cache_status"},
	)
}

func (c *Collector) initHealthMetrics() {
	c.HealthStatus = promauto.With(c.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Health status of components (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)
}

// Registry returns the Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
