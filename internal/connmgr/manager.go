package connmgr

import (
	"time"
)

// DefaultRateBps and DefaultBurstBytes seed a new connection's token bucket
// before any bandwidth sample has arrived; the bucket is retuned from
// BtlBw() as soon as the congestion controller has one (spec §4.K).
const (
	DefaultRateBps    = 1 << 20 // 1 MiB/s
	DefaultBurstBytes = 1 << 16 // 64 KiB
)

// ConnectionManager composes the RTT estimator, BBR congestion controller,
// and token-bucket limiter for one connection behind a single admission
// check (spec §4.K: "CanSend(n_bytes): refill tokens by elapsed*rate,
// require tokens >= n_bytes AND in_flight < cwnd").
type ConnectionManager struct {
	rtt        *RTTEstimator
	congestion *CongestionState
	bucket     *TokenBucket
}

// NewConnectionManager creates a manager with default bucket parameters.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		rtt:        NewRTTEstimator(),
		congestion: NewCongestionState(),
		bucket:     NewTokenBucket(DefaultRateBps, DefaultBurstBytes),
	}
}

// CanSend is the single admission gate: it consults the congestion window
// and, only if that allows n bytes, attempts to draw n bytes from the
// token bucket. Both conditions must pass; drawing tokens is conditional on
// the cwnd check so an over-cwnd caller does not drain the bucket for a
// send it was never going to be permitted to make.
func (m *ConnectionManager) CanSend(n uint64) bool {
	if !m.congestion.CanSend(n) {
		return false
	}
	return m.bucket.Allow(n)
}

// OnSend records n bytes as placed in flight after CanSend admitted them.
func (m *ConnectionManager) OnSend(n uint64) {
	m.congestion.OnSend(n)
}

// OnACK feeds one ACK sample into both the RTT estimator and the
// congestion controller, then retunes the token bucket's sustained rate to
// the freshest bandwidth estimate.
func (m *ConnectionManager) OnACK(ackedBytes uint64, sampleRTT time.Duration) {
	m.rtt.Sample(sampleRTT)

	deliveryRate := 0.0
	if sampleRTT > 0 {
		deliveryRate = float64(ackedBytes) / sampleRTT.Seconds()
	}
	m.congestion.OnACK(ackedBytes, sampleRTT, deliveryRate)

	if bw := m.congestion.BtlBw(); bw > 0 {
		m.bucket.SetRate(bw)
	}
}

// OnLoss forwards a loss signal to the congestion controller.
func (m *ConnectionManager) OnLoss() {
	m.congestion.OnLoss()
}

// RTO returns the current retransmission timeout estimate.
func (m *ConnectionManager) RTO() time.Duration {
	return m.rtt.RTO()
}

// RTTSnapshot returns the current RTT estimator state.
func (m *ConnectionManager) RTTSnapshot() Snapshot {
	return m.rtt.Snapshot()
}

// Window returns the current congestion window and in-flight byte counts.
func (m *ConnectionManager) Window() (cwnd, inFlight uint64) {
	return m.congestion.Window()
}

// Tokens returns the current token-bucket level.
func (m *ConnectionManager) Tokens() float64 {
	return m.bucket.Tokens()
}
