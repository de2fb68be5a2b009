// Package metrics exports Prometheus collectors for sandbox lifecycle and
// code execution outcomes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all collectors for the engine.
type Metrics struct {
	ProvisionsTotal    *prometheus.CounterVec // language, status
	SandboxesActive    prometheus.Gauge
	ExecutionsTotal    *prometheus.CounterVec // language, status
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge
	FileTransfersTotal *prometheus.CounterVec // op, status
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ProvisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "provisions_total",
				Help:      "Sandbox provisioning attempts by language and status.",
			}, []string{"language", "status"}),
			SandboxesActive: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "codebox",
				Name:      "sandboxes_active",
				Help:      "Sandboxes currently provisioned and not yet closed.",
			}),
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "executions_total",
				Help:      "Code executions by language and status.",
			}, []string{"language", "status"}),
			ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "codebox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of code executions.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			}, []string{"language"}),
			ExecutionsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "codebox",
				Name:      "executions_in_flight",
				Help:      "Executions currently running.",
			}),
			FileTransfersTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "codebox",
				Name:      "file_transfers_total",
				Help:      "File transfer operations by kind and status.",
			}, []string{"op", "status"}),
		}
	})
	return instance
}
