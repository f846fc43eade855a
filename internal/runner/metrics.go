package runner

import "github.com/prometheus/client_golang/prometheus"

// Compile outcome label values.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

var (
	initDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busytex_runner_init_seconds",
			Help:    "Duration of the engine handshake, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"mode", "outcome"},
	)

	compileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "busytex_runner_compile_seconds",
			Help:    "Duration of a compile from slot acquisition to result, in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"driver"},
	)

	compilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "busytex_runner_compiles_total",
			Help: "Compiles by driver and outcome (success, failure, error, timeout).",
		},
		[]string{"driver", "outcome"},
	)

	compileQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "busytex_runner_compile_queue_depth",
			Help: "Compiles waiting for the runner's compile slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(initDuration)
	prometheus.MustRegister(compileDuration)
	prometheus.MustRegister(compilesTotal)
	prometheus.MustRegister(compileQueueDepth)
}
