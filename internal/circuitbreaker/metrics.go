package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_worker_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "result"},
	)

	stateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_worker_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	openSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_worker_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

func recordTransition(name, service string, from, to State) {
	stateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
	stateGauge.WithLabelValues(name, service).Set(float64(to))

	if to == StateOpen {
		openSince.WithLabelValues(name, service).SetToCurrentTime()
	} else if from == StateOpen {
		openSince.WithLabelValues(name, service).Set(0)
	}
}
