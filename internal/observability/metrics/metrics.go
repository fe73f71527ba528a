package metrics

import "github.com/prometheus/client_golang/prometheus"

// OfferMetrics exposes counters for the offer lifecycle and SMS dispatch.
type OfferMetrics struct {
	offersIssued    prometheus.Counter
	offerOutcomes   *prometheus.CounterVec
	acceptConflicts prometheus.Counter
	smsOutbound     *prometheus.CounterVec
}

func NewOfferMetrics(reg prometheus.Registerer) *OfferMetrics {
	m := &OfferMetrics{
		offersIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediqueue",
			Subsystem: "offers",
			Name:      "issued_total",
			Help:      "Total offers created and sent to waitlist candidates",
		}),
		offerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediqueue",
			Subsystem: "offers",
			Name:      "outcomes_total",
			Help:      "Terminal offer outcomes",
		}, []string{"outcome"}),
		acceptConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mediqueue",
			Subsystem: "offers",
			Name:      "accept_conflicts_total",
			Help:      "Accept attempts that lost the race for an appointment",
		}),
		smsOutbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mediqueue",
			Subsystem: "sms",
			Name:      "outbound_total",
			Help:      "Outbound SMS attempts by delivery status",
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.offersIssued, m.offerOutcomes, m.acceptConflicts, m.smsOutbound)
	return m
}

func (m *OfferMetrics) ObserveIssued(n int) {
	if m == nil {
		return
	}
	m.offersIssued.Add(float64(n))
}

func (m *OfferMetrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.offerOutcomes.WithLabelValues(outcome).Inc()
}

func (m *OfferMetrics) ObserveAcceptConflict() {
	if m == nil {
		return
	}
	m.acceptConflicts.Inc()
}

func (m *OfferMetrics) ObserveSMS(status string) {
	if m == nil {
		return
	}
	m.smsOutbound.WithLabelValues(status).Inc()
}
