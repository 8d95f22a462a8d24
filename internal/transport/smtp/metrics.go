package smtp

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks sessions abandoned when a send's context expired while the
// relay conversation was still in flight. gomail cannot be interrupted, so
// such a session runs to completion in the background. A nil *Metrics
// records nothing.
type Metrics struct {
	Abandoned prometheus.Counter
	Lingering prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_smtp_abandoned_sessions_total",
			Help: "Total number of SMTP sessions abandoned after the send context expired",
		}),
		Lingering: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mail_dispatch_smtp_abandoned_sessions_in_flight",
			Help: "Abandoned SMTP sessions whose relay conversation has not finished yet",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Abandoned, m.Lingering)
	}
	return m
}

func (m *Metrics) abandoned() {
	if m == nil {
		return
	}
	m.Abandoned.Inc()
	m.Lingering.Inc()
}

func (m *Metrics) settled() {
	if m == nil {
		return
	}
	m.Lingering.Dec()
}
