// Package feedback implements the latency-aware routing feedback loop:
// periodic metrics collection, dynamic hop-count adjustment, and path
// degradation detection with hysteresis (spec §4.I).
package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/overlaynet/overlay-core/internal/scheduler"
	"github.com/overlaynet/overlay-core/internal/wire"
)

// Config holds the tunable parameters of the feedback loop
// (spec §6 configuration surface; defaults match the reference
// implementation's LarmixConfig).
type Config struct {
	MinHopCount                   int
	MaxHopCount                   int
	TargetLatency                 time.Duration
	LossThreshold                 float64
	BandwidthDegradationThreshold float64
	MetricsUpdateInterval         time.Duration
	HopAdjustmentInterval         time.Duration
	MinAdjustmentGap              time.Duration
	DegradationCheckInterval      time.Duration
	DegradationWindow             time.Duration
	// ReactivationWindow is the hysteresis period a degraded path must
	// stay healthy before the scheduler reinstates it (resolves the open
	// question of Degraded -> Active hysteresis: a fixed, configurable
	// dwell time rather than an immediate flip back).
	ReactivationWindow time.Duration
	HistoryCap         int
}

// DefaultConfig returns the reference parameter set.
func DefaultConfig() Config {
	return Config{
		MinHopCount:                   3,
		MaxHopCount:                   7,
		TargetLatency:                 200 * time.Millisecond,
		LossThreshold:                 0.05,
		BandwidthDegradationThreshold: 0.5,
		MetricsUpdateInterval:         5 * time.Second,
		HopAdjustmentInterval:         10 * time.Second,
		MinAdjustmentGap:              30 * time.Second,
		DegradationCheckInterval:      5 * time.Second,
		DegradationWindow:             10 * time.Second,
		ReactivationWindow:            15 * time.Second,
		HistoryCap:                    20,
	}
}

// PathMetrics is one probe sample for a path (spec §4.I: "metrics
// collection").
type PathMetrics struct {
	RTT               time.Duration
	LossRate          float64
	BandwidthEstimate uint64
}

type sample struct {
	at time.Time
	m  PathMetrics
}

type pathState struct {
	hopCount       int
	history        []sample
	baselineBW     uint64
	lastAdjustment time.Time
	degraded       bool
	healthySince   time.Time
	degradedSince  time.Time
}

// Stats is a point-in-time snapshot of feedback-loop counters
// (spec §4.I metrics).
type Stats struct {
	TotalAdjustments  uint64
	HopIncreases      uint64
	HopDecreases      uint64
	DegradationEvents uint64
	Failovers         uint64
}

// PathWeightSink receives scheduler-facing effects of a feedback decision.
// scheduler.Scheduler satisfies this interface directly.
type PathWeightSink interface {
	Degrade(id wire.PathId)
	Reactivate(id wire.PathId, rttMs float64, health scheduler.HealthInput)
}

// Loop is the per-connection LARMix-style feedback manager.
type Loop struct {
	mu     sync.RWMutex
	cfg    Config
	states map[wire.PathId]*pathState
	sink   PathWeightSink
	stats  Stats
}

// New creates a feedback loop bound to a path weight sink (typically a
// *scheduler.Scheduler).
func New(cfg Config, sink PathWeightSink) *Loop {
	return &Loop{
		cfg:    cfg,
		states: make(map[wire.PathId]*pathState),
		sink:   sink,
	}
}

// RegisterPath begins tracking a path at the configured minimum hop
// count.
func (l *Loop) RegisterPath(id wire.PathId, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.states[id]; ok {
		return
	}
	l.states[id] = &pathState{
		hopCount:       l.cfg.MinHopCount,
		baselineBW:     1_000_000,
		lastAdjustment: now,
		healthySince:   now,
	}
}

// UnregisterPath stops tracking a path.
func (l *Loop) UnregisterPath(id wire.PathId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, id)
}

// HopCount returns a path's current hop count.
func (l *Loop) HopCount(id wire.PathId) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.states[id]
	if !ok {
		return 0, false
	}
	return s.hopCount, true
}

// RecordMetrics appends a probe sample to the path's bounded history and
// refreshes its bandwidth baseline if it has more than doubled
// (spec §4.I: "Update baseline bandwidth if significantly improved").
func (l *Loop) RecordMetrics(id wire.PathId, m PathMetrics, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.states[id]
	if !ok {
		return
	}
	s.history = append(s.history, sample{at: now, m: m})
	if len(s.history) > l.cfg.HistoryCap {
		s.history = s.history[len(s.history)-l.cfg.HistoryCap:]
	}
	if m.BandwidthEstimate > s.baselineBW*2 {
		s.baselineBW = m.BandwidthEstimate
	}
}

// AdjustHopCounts evaluates every tracked path's recent average latency
// against the target and adjusts hop count within [min,max] when enough
// time has passed since the last change (spec §4.I: "Dynamically adjusts
// hop count based on latency and network conditions").
func (l *Loop) AdjustHopCounts(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.states {
		if now.Sub(s.lastAdjustment) < l.cfg.MinAdjustmentGap {
			continue
		}
		if len(s.history) == 0 {
			continue
		}

		var total time.Duration
		for _, sm := range s.history {
			total += sm.m.RTT
		}
		avgLatency := total / time.Duration(len(s.history))

		newHopCount := s.hopCount
		switch {
		case avgLatency > l.cfg.TargetLatency*2:
			if s.hopCount > l.cfg.MinHopCount {
				newHopCount = s.hopCount - 1
			}
		case avgLatency < l.cfg.TargetLatency/2:
			if s.hopCount < l.cfg.MaxHopCount {
				newHopCount = s.hopCount + 1
			}
		}

		if newHopCount != s.hopCount {
			l.stats.TotalAdjustments++
			if newHopCount > s.hopCount {
				l.stats.HopIncreases++
			} else {
				l.stats.HopDecreases++
			}
			s.hopCount = newHopCount
			s.lastAdjustment = now
		}
	}
}

// DetectDegradation evaluates recent loss and bandwidth against the
// configured thresholds over DegradationWindow, degrades newly unhealthy
// paths via the sink, and reactivates previously-degraded paths once they
// have stayed healthy for ReactivationWindow (spec §4.I degradation
// detection, resolved hysteresis policy).
func (l *Loop) DetectDegradation(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, s := range l.states {
		healthy, avgRTT := l.evaluateHealth(s, now)

		if !healthy {
			s.healthySince = time.Time{}
			if !s.degraded {
				s.degraded = true
				s.degradedSince = now
				l.stats.DegradationEvents++
				if l.sink != nil {
					l.sink.Degrade(id)
				}
			}
			continue
		}

		if s.healthySince.IsZero() {
			s.healthySince = now
		}
		if s.degraded && now.Sub(s.healthySince) >= l.cfg.ReactivationWindow {
			s.degraded = false
			if l.sink != nil {
				l.sink.Reactivate(id, float64(avgRTT.Milliseconds()), scheduler.HealthInput{
					Successes: 1,
				})
			}
		}
	}
}

func (l *Loop) evaluateHealth(s *pathState, now time.Time) (healthy bool, avgRTT time.Duration) {
	var recent []PathMetrics
	for _, sm := range s.history {
		if now.Sub(sm.at) < l.cfg.DegradationWindow {
			recent = append(recent, sm.m)
		}
	}
	if len(recent) == 0 {
		return true, 0
	}

	var lossSum float64
	var bwSum uint64
	var rttSum time.Duration
	for _, m := range recent {
		lossSum += m.LossRate
		bwSum += m.BandwidthEstimate
		rttSum += m.RTT
	}
	avgLoss := lossSum / float64(len(recent))
	avgBW := bwSum / uint64(len(recent))
	avgRTT = rttSum / time.Duration(len(recent))

	excessiveLoss := avgLoss > l.cfg.LossThreshold
	bandwidthDegraded := float64(avgBW) < float64(s.baselineBW)*l.cfg.BandwidthDegradationThreshold

	return !(excessiveLoss || bandwidthDegraded), avgRTT
}

// Snapshot returns current feedback-loop counters.
func (l *Loop) Snapshot() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Run drives the three periodic phases (hop adjustment and degradation
// detection; metrics arrive via RecordMetrics from the data plane rather
// than a self-polling tick) until ctx is cancelled, mirroring the
// select-loop shape used elsewhere in this codebase for timer-driven
// background work.
func (l *Loop) Run(ctx context.Context) {
	hopTicker := time.NewTicker(l.cfg.HopAdjustmentInterval)
	defer hopTicker.Stop()
	degradeTicker := time.NewTicker(l.cfg.DegradationCheckInterval)
	defer degradeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-hopTicker.C:
			l.AdjustHopCounts(t)
		case t := <-degradeTicker.C:
			l.DetectDegradation(t)
		}
	}
}
