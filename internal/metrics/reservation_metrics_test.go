package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, collector prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	collector.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		var out dto.Metric
		if err := metric.Write(&out); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		switch {
		case out.Counter != nil:
			total += out.Counter.GetValue()
		case out.Gauge != nil:
			total += out.Gauge.GetValue()
		case out.Histogram != nil:
			total += float64(out.Histogram.GetSampleCount())
		}
	}
	return total
}

func TestReservationMetrics_RecordCommit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReservationMetricsWithRegisterer(reg)

	m.RecordCommit(ResultCommitted, 10*time.Millisecond)
	m.RecordCommit(ResultRejected, 5*time.Millisecond)
	m.RecordCommit(ResultRejected, 5*time.Millisecond)

	if got := counterValue(t, m.commits.WithLabelValues(ResultCommitted)); got != 1 {
		t.Fatalf("expected 1 committed, got %v", got)
	}
	if got := counterValue(t, m.commits.WithLabelValues(ResultRejected)); got != 2 {
		t.Fatalf("expected 2 rejected, got %v", got)
	}
	if got := counterValue(t, m.stockRejections); got != 2 {
		t.Fatalf("expected 2 stock rejections, got %v", got)
	}
	if got := counterValue(t, m.commitDuration); got != 3 {
		t.Fatalf("expected 3 duration samples, got %v", got)
	}
}

func TestReservationMetrics_ReleasedPaymentsAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewReservationMetricsWithRegisterer(reg)

	m.RecordReleased(ReleaseReasonExpired)
	m.RecordReleased(ReleaseReasonCancelled)
	m.RecordPaymentConfirmed(ResultApplied)
	m.SetOpenReservations(7)

	if got := counterValue(t, m.released.WithLabelValues(ReleaseReasonExpired)); got != 1 {
		t.Fatalf("expected 1 expired release, got %v", got)
	}
	if got := counterValue(t, m.paymentsConfirmed.WithLabelValues(ResultApplied)); got != 1 {
		t.Fatalf("expected 1 confirmed payment, got %v", got)
	}
	if got := counterValue(t, m.openReservations); got != 7 {
		t.Fatalf("expected gauge 7, got %v", got)
	}
}

func TestReservationMetrics_ReRegisterReturnsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewReservationMetricsWithRegisterer(reg)
	second := NewReservationMetricsWithRegisterer(reg)

	first.RecordReleased(ReleaseReasonExpired)
	if got := counterValue(t, second.released.WithLabelValues(ReleaseReasonExpired)); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestReservationMetrics_NilReceiver(t *testing.T) {
	var m *ReservationMetrics

	m.RecordCommit(ResultCommitted, time.Millisecond)
	m.RecordReleased(ReleaseReasonExpired)
	m.RecordPaymentConfirmed(ResultApplied)
	m.SetOpenReservations(1)
}
