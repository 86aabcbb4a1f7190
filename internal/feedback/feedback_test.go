package feedback

import (
	"testing"
	"time"

	"github.com/overlaynet/overlay-core/internal/scheduler"
	"github.com/overlaynet/overlay-core/internal/wire"
)

type fakeSink struct {
	degraded    []wire.PathId
	reactivated []wire.PathId
}

func (f *fakeSink) Degrade(id wire.PathId) { f.degraded = append(f.degraded, id) }
func (f *fakeSink) Reactivate(id wire.PathId, _ float64, _ scheduler.HealthInput) {
	f.reactivated = append(f.reactivated, id)
}

func TestRegisterPathStartsAtMinHopCount(t *testing.T) {
	cfg := DefaultConfig()
	l := New(cfg, &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)

	hops, ok := l.HopCount(1)
	if !ok || hops != cfg.MinHopCount {
		t.Fatalf("hop count = %d, want %d", hops, cfg.MinHopCount)
	}
}

func TestUnregisterPathRemovesState(t *testing.T) {
	l := New(DefaultConfig(), &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)
	l.UnregisterPath(1)
	if _, ok := l.HopCount(1); ok {
		t.Fatal("expected path to be unregistered")
	}
}

func TestAdjustHopCountsDecreasesOnHighLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAdjustmentGap = 0
	l := New(cfg, &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)

	for i := 0; i < 5; i++ {
		l.RecordMetrics(1, PathMetrics{RTT: cfg.TargetLatency * 3, LossRate: 0, BandwidthEstimate: 1_000_000}, now)
	}
	l.AdjustHopCounts(now.Add(time.Minute))

	hops, _ := l.HopCount(1)
	if hops != cfg.MinHopCount {
		// started at MinHopCount already so it should stay clamped there
		t.Fatalf("hop count = %d, want clamped at min %d", hops, cfg.MinHopCount)
	}
	if l.Snapshot().TotalAdjustments != 0 {
		t.Fatalf("already at floor, expected no adjustment, got %+v", l.Snapshot())
	}
}

func TestAdjustHopCountsIncreasesOnLowLatency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinAdjustmentGap = 0
	l := New(cfg, &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)

	for i := 0; i < 5; i++ {
		l.RecordMetrics(1, PathMetrics{RTT: cfg.TargetLatency / 4, LossRate: 0, BandwidthEstimate: 1_000_000}, now)
	}
	l.AdjustHopCounts(now.Add(time.Minute))

	hops, _ := l.HopCount(1)
	if hops != cfg.MinHopCount+1 {
		t.Fatalf("hop count = %d, want %d", hops, cfg.MinHopCount+1)
	}
	stats := l.Snapshot()
	if stats.TotalAdjustments != 1 || stats.HopIncreases != 1 {
		t.Fatalf("got %+v, want one increase", stats)
	}
}

func TestAdjustHopCountsRespectsMinGap(t *testing.T) {
	cfg := DefaultConfig()
	l := New(cfg, &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)
	l.RecordMetrics(1, PathMetrics{RTT: cfg.TargetLatency / 4, LossRate: 0, BandwidthEstimate: 1_000_000}, now)

	// Still within MinAdjustmentGap of registration, so nothing changes.
	l.AdjustHopCounts(now.Add(time.Second))
	if stats := l.Snapshot(); stats.TotalAdjustments != 0 {
		t.Fatalf("expected no adjustment inside min gap, got %+v", stats)
	}
}

func TestDetectDegradationTriggersOnExcessiveLoss(t *testing.T) {
	cfg := DefaultConfig()
	sink := &fakeSink{}
	l := New(cfg, sink)
	now := time.Now()
	l.RegisterPath(1, now)
	l.RecordMetrics(1, PathMetrics{RTT: 10 * time.Millisecond, LossRate: 0.5, BandwidthEstimate: 1_000_000}, now)

	l.DetectDegradation(now)

	if len(sink.degraded) != 1 || sink.degraded[0] != 1 {
		t.Fatalf("expected path 1 degraded, got %+v", sink.degraded)
	}
	if l.Snapshot().DegradationEvents != 1 {
		t.Fatalf("expected one degradation event, got %+v", l.Snapshot())
	}
}

func TestDetectDegradationReactivatesAfterHysteresisWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReactivationWindow = 1 * time.Millisecond
	// A short degradation window lets the lossy sample age out before the
	// healthy one is evaluated; health is averaged over every sample still
	// inside the window.
	cfg.DegradationWindow = 1 * time.Millisecond
	sink := &fakeSink{}
	l := New(cfg, sink)
	now := time.Now()
	l.RegisterPath(1, now)

	l.RecordMetrics(1, PathMetrics{RTT: 10 * time.Millisecond, LossRate: 0.9, BandwidthEstimate: 1_000_000}, now)
	l.DetectDegradation(now)
	if len(sink.degraded) != 1 {
		t.Fatalf("expected degradation, got %+v", sink.degraded)
	}

	// Recovery: subsequent healthy samples, after hysteresis window elapses.
	healthyTime := now.Add(2 * time.Millisecond)
	l.RecordMetrics(1, PathMetrics{RTT: 10 * time.Millisecond, LossRate: 0.0, BandwidthEstimate: 1_000_000}, healthyTime)
	l.DetectDegradation(healthyTime)

	laterTime := healthyTime.Add(5 * time.Millisecond)
	l.DetectDegradation(laterTime)

	if len(sink.reactivated) != 1 || sink.reactivated[0] != 1 {
		t.Fatalf("expected path 1 reactivated, got %+v", sink.reactivated)
	}
}

func TestRecordMetricsUpdatesBaselineBandwidthOnSignificantImprovement(t *testing.T) {
	l := New(DefaultConfig(), &fakeSink{})
	now := time.Now()
	l.RegisterPath(1, now)
	l.RecordMetrics(1, PathMetrics{RTT: time.Millisecond, BandwidthEstimate: 5_000_000}, now)

	// Trigger a degradation check using the new baseline: once the 5 MB/s
	// sample has left the degradation window, a 1 MB/s sample is below half
	// the new baseline and should read as degraded (against the original
	// 1 MB/s baseline it would not).
	sink := &fakeSink{}
	cfg := DefaultConfig()
	l2 := New(cfg, sink)
	l2.RegisterPath(2, now)
	l2.RecordMetrics(2, PathMetrics{RTT: time.Millisecond, BandwidthEstimate: 5_000_000}, now)
	later := now.Add(cfg.DegradationWindow + time.Second)
	l2.RecordMetrics(2, PathMetrics{RTT: time.Millisecond, BandwidthEstimate: 1_000_000, LossRate: 0}, later)
	l2.DetectDegradation(later)
	if len(sink.degraded) != 1 {
		t.Fatalf("expected bandwidth-drop degradation after baseline rose, got %+v", sink.degraded)
	}
}
