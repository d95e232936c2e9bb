package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCronJobMetricsTracksOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	at := time.Unix(1_790_000_000, 0)

	m.Observe("payout-reconcile", 250*time.Millisecond, nil, at)
	m.Observe("payout-reconcile", time.Second, errors.New("provider down"), at.Add(time.Minute))
	m.LockSkipped()

	if got := testutil.ToFloat64(m.runs.WithLabelValues("payout-reconcile", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("payout-reconcile", "failure")); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	// failures must not advance the freshness gauge
	if got := testutil.ToFloat64(m.lastSuccess.WithLabelValues("payout-reconcile")); got != float64(at.Unix()) {
		t.Fatalf("unexpected last success %v", got)
	}
	if got := testutil.ToFloat64(m.lockSkipped); got != 1 {
		t.Fatalf("expected lock skip counted, got %v", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestCronJobMetricsNilSafe(t *testing.T) {
	var m *CronJobMetrics
	m.Observe("x", time.Second, nil, time.Now())
	m.LockSkipped()
	NewCronJobMetrics(nil).Observe("", 0, nil, time.Now())
}
