package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithNamespace("test"))

	m.ObserveCall("ok", 10*time.Millisecond)
	m.ObserveCall("ok", 20*time.Millisecond)
	m.ObserveCall("network", time.Millisecond)

	if got := testutil.ToFloat64(m.callsTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("calls_total{ok} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.callsTotal.WithLabelValues("network")); got != 1 {
		t.Errorf("calls_total{network} = %v, want 1", got)
	}
}

func TestQueueInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg))

	m.SetQueueDepth(3)
	m.IncQueueDrain()
	m.IncQueueDrain()

	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Errorf("queue_depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.queueDrains); got != 2 {
		t.Errorf("queue_drains_total = %v, want 2", got)
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCall("ok", time.Millisecond)
	m.SetQueueDepth(1)
	m.IncQueueDrain()
	m.IncSocketReconnect()
	m.IncSubscribeDeduped()
}
