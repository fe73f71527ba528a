package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOfferMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOfferMetrics(reg)

	m.ObserveIssued(3)
	m.ObserveOutcome("accepted")
	m.ObserveOutcome("accepted")
	m.ObserveOutcome("declined")
	m.ObserveAcceptConflict()
	m.ObserveSMS("sent")
	m.ObserveSMS("error")

	if got := testutil.ToFloat64(m.offersIssued); got != 3 {
		t.Errorf("issued_total = %f, want 3", got)
	}
	if got := testutil.ToFloat64(m.offerOutcomes.WithLabelValues("accepted")); got != 2 {
		t.Errorf("outcomes_total{accepted} = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.acceptConflicts); got != 1 {
		t.Errorf("accept_conflicts_total = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.smsOutbound.WithLabelValues("error")); got != 1 {
		t.Errorf("outbound_total{error} = %f, want 1", got)
	}
}

func TestOfferMetrics_NilSafe(t *testing.T) {
	var m *OfferMetrics
	m.ObserveIssued(1)
	m.ObserveOutcome("accepted")
	m.ObserveAcceptConflict()
	m.ObserveSMS("sent")
}
