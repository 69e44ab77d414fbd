package execution

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconx_executions_total",
		Help: "Completed POC executions by terminal status.",
	}, []string{"status"})

	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reconx_execution_duration_seconds",
		Help:    "Wall-clock duration of POC executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	logSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "reconx_log_subscribers",
		Help: "Currently connected execution log subscribers.",
	})
)

// RegisterMetrics registers the execution metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(executionsTotal, executionDuration, logSubscribers)
}
