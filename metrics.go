package photostore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the photo store
type Metrics struct {
	// Operation counter by op and success/error status
	Operations *prometheus.CounterVec

	// Operation latency histogram
	OperationLatency *prometheus.HistogramVec

	// Records removed by each eviction policy ("age" or "count")
	Evicted *prometheus.CounterVec

	// Database opens actually performed by the connection manager
	Opens prometheus.Counter
}

// NewMetrics creates metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "photostore_operations_total",
				Help: "Total number of photo store operations",
			},
			[]string{"op", "status"},
		),

		OperationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "photostore_operation_duration_seconds",
				Help: "Photo store operation latency in seconds",
				Buckets: []float64{
					0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
				},
			},
			[]string{"op"},
		),

		Evicted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "photostore_evicted_photos_total",
				Help: "Total number of photos removed by eviction",
			},
			[]string{"policy"},
		),

		Opens: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "photostore_database_opens_total",
				Help: "Total number of underlying database open attempts",
			},
		),
	}
}

// RecordOperation records a completed operation with its latency and status
func (m *Metrics) RecordOperation(op string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}

	m.Operations.WithLabelValues(op, status).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) recordEvicted(policy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evicted.WithLabelValues(policy).Add(float64(n))
}

func (m *Metrics) recordOpen() {
	if m == nil {
		return
	}
	m.Opens.Inc()
}
