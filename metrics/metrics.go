// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "colisflow"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	EscrowTransitions *prometheus.CounterVec
	ProviderCalls     *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	StageCompletions  *prometheus.CounterVec
	DisputesOpened    prometheus.Counter
	DisputesResolved  *prometheus.CounterVec
	OutboxMessages    *prometheus.CounterVec
	SweeperActions    *prometheus.CounterVec
	RateLimited       prometheus.Counter
}

// New registers all collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		EscrowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "transitions_total",
			Help: "Payment status transitions committed, by target status.",
		}, []string{"status"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "provider_calls_total",
			Help: "Payment provider calls, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "provider_call_seconds",
			Help:    "Latency of single payment provider attempts.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "escrow", Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		StageCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "flow", Name: "stage_completions_total",
			Help: "Delivery stages completed, by stage.",
		}, []string{"stage"}),
		DisputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispute", Name: "opened_total",
			Help: "Disputes opened.",
		}),
		DisputesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispute", Name: "resolved_total",
			Help: "Disputes closed, by decision.",
		}, []string{"decision"}),
		OutboxMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "outbox", Name: "messages_total",
			Help: "Outbox messages handled by the relay, by outcome.",
		}, []string{"outcome"}),
		SweeperActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "actions_total",
			Help: "Stalled collaborations handled by the sweeper, by action.",
		}, []string{"action"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
			Help: "Requests rejected by the per-actor rate limiter.",
		}),
	}
	reg.MustRegister(
		m.EscrowTransitions, m.ProviderCalls, m.ProviderLatency, m.BreakerState,
		m.StageCompletions, m.DisputesOpened, m.DisputesResolved,
		m.OutboxMessages, m.SweeperActions, m.RateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EscrowTransition(status string) {
	if m == nil {
		return
	}
	m.EscrowTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ProviderCall(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(operation, outcome).Inc()
	m.ProviderLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) Breaker(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) StageCompleted(stage string) {
	if m == nil {
		return
	}
	m.StageCompletions.WithLabelValues(stage).Inc()
}

func (m *Metrics) DisputeOpened() {
	if m == nil {
		return
	}
	m.DisputesOpened.Inc()
}

func (m *Metrics) DisputeResolved(decision string) {
	if m == nil {
		return
	}
	m.DisputesResolved.WithLabelValues(decision).Inc()
}

func (m *Metrics) Outbox(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OutboxMessages.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Sweeper(action string) {
	if m == nil {
		return
	}
	m.SweeperActions.WithLabelValues(action).Inc()
}

func (m *Metrics) Limited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
