package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pulse_receiver"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingest pipeline.
type Metrics struct {
	DatagramsReceived prometheus.Counter
	BytesReceived     prometheus.Counter
	DecodeErrors      prometheus.Counter
	ReadingsPersisted prometheus.Counter
	PersistErrors     prometheus.Counter
	PipelineRunning   prometheus.Gauge
	LastDatagram      prometheus.Gauge
	QueueDepth        prometheus.Gauge

	ReadingsClassified *prometheus.CounterVec   // labels: severity
	PersistDuration    *prometheus.HistogramVec // labels: backend
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewUnregisteredMetrics creates Metrics that no registry collects. It is the
// pipeline's default when no metrics are supplied, and lets tests build
// independent sets without "already registered" panics.
func NewUnregisteredMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		DatagramsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams read from the UDP endpoint.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read from the UDP endpoint.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because the payload could not be decoded.",
		}),
		ReadingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_persisted_total",
			Help:      "Readings written to the sink.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Readings lost because the sink write failed.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while the ingest loop is listening, 0 when shut down.",
		}),
		LastDatagram: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_datagram_timestamp_seconds",
			Help:      "Unix time of the most recent datagram.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Datagrams waiting for a worker (worker mode only).",
		}),
		ReadingsClassified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_classified_total",
			Help:      "Decoded readings by severity.",
		}, []string{"severity"}),
		PersistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Duration of a single sink write.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"backend"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.DatagramsReceived,
		m.BytesReceived,
		m.DecodeErrors,
		m.ReadingsPersisted,
		m.PersistErrors,
		m.PipelineRunning,
		m.LastDatagram,
		m.QueueDepth,
		m.ReadingsClassified,
		m.PersistDuration,
	}
}
