package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/transport"
)

// outcomeOK labels successful dispatches and attempts.
const outcomeOK = "ok"

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Attempts       *prometheus.CounterVec
	AttemptLatency *prometheus.HistogramVec
	Retries        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_dispatch_requests_total",
			Help: "Total number of send requests by final outcome (ok or error kind)",
		}, []string{"outcome"}),
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mail_dispatch_attempts_total",
			Help: "Total number of transport attempts by transport and outcome",
		}, []string{"transport", "outcome"}),
		AttemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mail_dispatch_attempt_duration_seconds",
			Help:    "Latency of transport attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"transport"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_retries_total",
			Help: "Total number of retries scheduled after retryable failures",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Requests, m.Attempts, m.AttemptLatency, m.Retries)
	}
	return m
}

func (m *Metrics) observeAttempt(a transport.Attempt) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(a.Transport, outcome(a.Err)).Inc()
	m.AttemptLatency.WithLabelValues(a.Transport).Observe(a.Latency.Seconds())
}

func (m *Metrics) observeRequest(err error) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

func outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	return string(email.KindOf(err))
}
