// Package metrics exposes delivery counters to Prometheus.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Attempt outcomes
const (
	OutcomeAcknowledged   = "acknowledged"
	OutcomeUnacknowledged = "unacknowledged"
	OutcomeSendFailed     = "send_failed"
	OutcomeNoAddress      = "no_address"
)

// Metrics holds the dispatch counters. A nil *Metrics records nothing.
type Metrics struct {
	attempts   *prometheus.CounterVec
	terminal   *prometheus.CounterVec
	acks       *prometheus.CounterVec
	dispatches prometheus.Counter
}

// New creates the counters and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard",
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts by channel and outcome.",
		}, []string{"channel", "outcome"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard",
			Name:      "deliveries_terminal_total",
			Help:      "Deliveries reaching a terminal status.",
		}, []string{"status"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hazard",
			Name:      "acknowledgments_total",
			Help:      "Acknowledgments recorded by channel.",
		}, []string{"channel"}),
		dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hazard",
			Name:      "dispatches_total",
			Help:      "Incident orchestrations started.",
		}),
	}
	for _, c := range []prometheus.Collector{m.attempts, m.terminal, m.acks, m.dispatches} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) Attempt(channel, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Terminal(status string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status).Inc()
}

func (m *Metrics) Ack(channel string) {
	if m == nil {
		return
	}
	m.acks.WithLabelValues(channel).Inc()
}

func (m *Metrics) Dispatch() {
	if m == nil {
		return
	}
	m.dispatches.Inc()
}

// AttemptsCounter returns the attempt counter for one channel and outcome.
func (m *Metrics) AttemptsCounter(channel, outcome string) prometheus.Counter {
	return m.attempts.WithLabelValues(channel, outcome)
}

// AcksCounter returns the acknowledgment counter for one channel.
func (m *Metrics) AcksCounter(channel string) prometheus.Counter {
	return m.acks.WithLabelValues(channel)
}
