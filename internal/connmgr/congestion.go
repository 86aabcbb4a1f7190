package connmgr

import (
	"sync"
	"time"
)

// MinCongestionWindowPackets is the floor cwnd may never drop below
// (spec §4.K: "recompute cwnd = BDP * cwnd_gain, floor 4 packets").
const MinCongestionWindowPackets = 4

// DefaultPacketSize approximates a full-size application packet for
// converting a packet-count floor into a byte-count cwnd floor.
const DefaultPacketSize = 1280

// bwAlpha is the EWMA weight applied to new bandwidth samples
// (spec §4.K: "update btlbw EWMA (0.875/0.125)" — 0.125 is the weight on
// the new sample, matching rttAlpha's convention).
const bwAlpha = 0.125

// DefaultPacingGain and DefaultCwndGain are BBR's steady-state ("BBR
// drain-less cruise") gains; a full cycling pacing-gain schedule is out of
// scope for this core, which exposes the same two gain knobs the spec
// names without the startup/drain/probe-bw state machine.
const (
	DefaultPacingGain = 1.0
	DefaultCwndGain   = 2.0
)

// CongestionState holds one connection's BBR-style congestion controller:
// a bottleneck-bandwidth estimate, an RTprop (minimum observed RTT) floor,
// and a congestion window sized to the bandwidth-delay product
// (spec §4.K: "cwnd, btlbw, rtprop, pacing gain, cwnd gain").
type CongestionState struct {
	mu sync.Mutex

	pacingGain float64
	cwndGain   float64

	btlbw     float64 // bytes/sec
	rtprop    time.Duration
	rtpropSet bool

	cwnd     uint64
	inFlight uint64
}

// NewCongestionState creates a controller at the floor cwnd.
func NewCongestionState() *CongestionState {
	return &CongestionState{
		pacingGain: DefaultPacingGain,
		cwndGain:   DefaultCwndGain,
		cwnd:       MinCongestionWindowPackets * DefaultPacketSize,
	}
}

// OnACK updates the bandwidth and RTT-floor estimates from one ACK sample
// and recomputes cwnd = BDP * cwnd_gain (spec §4.K).
func (c *CongestionState) OnACK(ackedBytes uint64, sampleRTT time.Duration, sampleDeliveryRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rtpropSet || sampleRTT < c.rtprop {
		c.rtprop = sampleRTT
		c.rtpropSet = true
	}

	if c.btlbw == 0 {
		c.btlbw = sampleDeliveryRate
	} else {
		c.btlbw = (1-bwAlpha)*c.btlbw + bwAlpha*sampleDeliveryRate
	}

	if c.inFlight >= ackedBytes {
		c.inFlight -= ackedBytes
	} else {
		c.inFlight = 0
	}

	c.recomputeCwndLocked()
}

func (c *CongestionState) recomputeCwndLocked() {
	if !c.rtpropSet || c.btlbw <= 0 {
		return
	}
	bdp := c.btlbw * c.rtprop.Seconds()
	cwnd := uint64(bdp * c.cwndGain)
	floor := uint64(MinCongestionWindowPackets * DefaultPacketSize)
	if cwnd < floor {
		cwnd = floor
	}
	c.cwnd = cwnd
}

// OnSend records bytes placed in flight, used by the admission check to
// enforce "sum of in-flight bytes on any path never exceeds its congestion
// window" (spec §3 invariant).
func (c *CongestionState) OnSend(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight += n
}

// OnLoss applies BBR's conservative response to an inferred loss event: it
// does not slash cwnd the way Reno/CUBIC would, but caps further growth by
// leaving cwnd at its current value until the next bandwidth sample
// confirms recovery — BBR is bandwidth- not loss-driven by design.
func (c *CongestionState) OnLoss() {
	// Deliberately a no-op beyond documentation: BBR treats isolated loss
	// as expected queuing noise, not a congestion signal. Sustained loss is
	// instead surfaced to the LARMix feedback loop (§4.I) as a
	// degradation signal, which can fail the path over entirely.
}

// CanSend reports whether n additional bytes may be sent without exceeding
// the current congestion window.
func (c *CongestionState) CanSend(n uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight+n <= c.cwnd
}

// Window returns the current cwnd and in-flight byte counts.
func (c *CongestionState) Window() (cwnd, inFlight uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cwnd, c.inFlight
}

// BtlBw returns the current bottleneck-bandwidth estimate in bytes/sec.
func (c *CongestionState) BtlBw() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btlbw
}
