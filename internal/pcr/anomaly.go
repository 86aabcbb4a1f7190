package pcr

import (
	"context"
	"sync"
	"time"
)

// AnomalyMonitor watches rolling traffic statistics and raises a PCR
// anomaly trigger when packet-rate change or failed-handshake count
// crosses the configured threshold (spec §4.L: "derived from traffic
// statistics (packet-rate change > threshold; failed-handshake count >
// threshold)").
type AnomalyMonitor struct {
	mu sync.Mutex

	detector  *Detector
	threshold float64

	windowStart       time.Time
	packetsThisWindow uint64
	baselineRate      float64
	failedHandshakes  uint64

	now func() time.Time
}

// NewAnomalyMonitor creates a monitor reporting into the given Detector.
func NewAnomalyMonitor(detector *Detector, threshold float64) *AnomalyMonitor {
	return &AnomalyMonitor{
		detector:  detector,
		threshold: threshold,
		now:       time.Now,
	}
}

// RecordPacket accounts one inbound packet toward the current window's
// rate estimate.
func (m *AnomalyMonitor) RecordPacket() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() {
		m.windowStart = m.now()
	}
	m.packetsThisWindow++
}

// RecordFailedHandshake accounts one failed handshake attempt.
func (m *AnomalyMonitor) RecordFailedHandshake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedHandshakes++
}

// Evaluate closes the current rate window, compares it against the
// running baseline, and fires an anomaly trigger if the relative rate
// change exceeds threshold or the failed-handshake count exceeds
// threshold×100 (critical severity above threshold×200). It resets both
// counters regardless of outcome.
func (m *AnomalyMonitor) Evaluate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	now := m.now()
	elapsed := now.Sub(m.windowStart).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	rate := float64(m.packetsThisWindow) / elapsed
	failed := m.failedHandshakes

	anomalous := false
	if m.baselineRate > 0 {
		delta := rate - m.baselineRate
		if delta < 0 {
			delta = -delta
		}
		if delta/m.baselineRate > m.threshold {
			anomalous = true
		}
	}
	if float64(failed) > m.threshold*100 {
		anomalous = true
	}

	if m.baselineRate == 0 {
		m.baselineRate = rate
	} else {
		m.baselineRate = 0.875*m.baselineRate + 0.125*rate
	}
	m.packetsThisWindow = 0
	m.failedHandshakes = 0
	m.windowStart = now
	m.mu.Unlock()

	if !anomalous {
		return false, nil
	}

	severity := SeverityHigh
	if float64(failed) > m.threshold*200 {
		severity = SeverityCritical
	}
	return true, m.detector.Trigger(ctx, TriggerAnomaly, severity)
}
