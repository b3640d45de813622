package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	dispatchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayq",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Transport submissions by terminal outcome.",
		},
		[]string{"method", "status", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayq",
			Subsystem: "dispatch",
			Name:      "request_duration_seconds",
			Help:      "Transport submission duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status", "outcome"},
	)
	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relayq",
			Subsystem: "client",
			Name:      "active_requests",
			Help:      "Distinct in-flight request identities.",
		},
	)
	loginRestores = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayq",
			Subsystem: "client",
			Name:      "login_restores_total",
			Help:      "Login restore attempts by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatchRequests, dispatchDuration, activeRequests, loginRestores)
	})
}

// RecordDispatch records one executed transport submission. Outcome is one
// of "ok", "error" or "cancelled".
func RecordDispatch(method string, status int, outcome string, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	dispatchRequests.WithLabelValues(method, statusLabel, outcome).Inc()
	dispatchDuration.WithLabelValues(method, statusLabel, outcome).Observe(duration.Seconds())
}

// SetActiveRequests publishes the current in-flight identity count.
func SetActiveRequests(n int) {
	RegisterMetrics()
	activeRequests.Set(float64(n))
}

// RecordLoginRestore records one restore attempt result ("ok" or "failed").
func RecordLoginRestore(result string) {
	RegisterMetrics()
	loginRestores.WithLabelValues(result).Inc()
}
