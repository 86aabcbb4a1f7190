package telemetry_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/overlaynet/overlay-core/internal/telemetry"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.PacketsSent == nil {
		t.Error("PacketsSent is nil")
	}
	if c.ReplayRejections == nil {
		t.Error("ReplayRejections is nil")
	}
	if c.Rekeys == nil {
		t.Error("Rekeys is nil")
	}
	if c.PCRTriggers == nil {
		t.Error("PCRTriggers is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestConnectionsGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.IncConnections()
	c.IncConnections()
	c.DecConnections()

	if got := gaugeValue(t, c.Connections); got != 1 {
		t.Errorf("connections gauge = %v, want 1", got)
	}
}

func TestPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.RecordSend("conn1", "1")
	c.RecordSend("conn1", "1")
	c.RecordReceive("conn1", "1")
	c.RecordDrop("conn1", "admission_denied")

	if got := counterVecValue(t, c.PacketsSent, "conn1", "1"); got != 2 {
		t.Errorf("packets sent = %v, want 2", got)
	}
	if got := counterVecValue(t, c.PacketsReceived, "conn1", "1"); got != 1 {
		t.Errorf("packets received = %v, want 1", got)
	}
	if got := counterVecValue(t, c.PacketsDropped, "conn1", "admission_denied"); got != 1 {
		t.Errorf("packets dropped = %v, want 1", got)
	}
}

func TestReplayAndRekeyCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.RecordReplayRejection("conn1", "RejectedReplay")
	c.RecordRekey("conn1", "pcr")
	c.RecordPCRTrigger("anomaly")

	if got := counterVecValue(t, c.ReplayRejections, "conn1", "RejectedReplay"); got != 1 {
		t.Errorf("replay rejections = %v, want 1", got)
	}
	if got := counterVecValue(t, c.Rekeys, "conn1", "pcr"); got != 1 {
		t.Errorf("rekeys = %v, want 1", got)
	}
	if got := counterVecValue(t, c.PCRTriggers, "anomaly"); got != 1 {
		t.Errorf("pcr triggers = %v, want 1", got)
	}
}

func TestMixBatchReleased(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := telemetry.NewCollector(reg)

	c.RecordMixBatchReleased(8)
	c.RecordMixBatchReleased(12)

	m := &dto.Metric{}
	if err := c.MixBatchesReleased.Write(m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("batches released = %v, want 2", got)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterVecValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}
