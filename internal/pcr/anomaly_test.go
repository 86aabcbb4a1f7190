package pcr

import (
	"context"
	"testing"
	"time"
)

func TestAnomalyMonitorDoesNotTriggerWithoutBaseline(t *testing.T) {
	d := New(DefaultConfig())
	m := NewAnomalyMonitor(d, 0.5)
	clock := time.Unix(1000, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		m.RecordPacket()
	}
	clock = clock.Add(time.Second)

	anomalous, err := m.Evaluate(context.Background())
	if anomalous {
		t.Fatal("first evaluation should only seed the baseline, not trigger")
	}
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
}

func TestAnomalyMonitorTriggersOnRateSpike(t *testing.T) {
	d := New(DefaultConfig())
	d.Register("a", &fakeRekeyer{})
	m := NewAnomalyMonitor(d, 0.5)
	clock := time.Unix(2000, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		m.RecordPacket()
	}
	clock = clock.Add(time.Second)
	if _, err := m.Evaluate(context.Background()); err != nil {
		t.Fatalf("Evaluate (seed): %v", err)
	}

	for i := 0; i < 1000; i++ {
		m.RecordPacket()
	}
	clock = clock.Add(time.Second)
	anomalous, err := m.Evaluate(context.Background())
	if !anomalous {
		t.Fatal("expected a rate spike well past threshold to be flagged anomalous")
	}
	if err != nil {
		t.Fatalf("Evaluate (spike): %v", err)
	}

	if d.Snapshot().TriggersByAnomaly != 1 {
		t.Fatalf("TriggersByAnomaly = %d, want 1", d.Snapshot().TriggersByAnomaly)
	}
}

func TestAnomalyMonitorTriggersOnFailedHandshakes(t *testing.T) {
	d := New(DefaultConfig())
	d.Register("a", &fakeRekeyer{})
	m := NewAnomalyMonitor(d, 0.5)
	clock := time.Unix(3000, 0)
	m.now = func() time.Time { return clock }

	for i := 0; i < 200; i++ {
		m.RecordFailedHandshake()
	}
	clock = clock.Add(time.Second)

	anomalous, err := m.Evaluate(context.Background())
	if !anomalous {
		t.Fatal("expected a large failed-handshake count to be flagged anomalous")
	}
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
}
