package padding

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Generator produces the wait time before the next cover packet should be
// sent (spec §4.G: "cover traffic pattern generators"). Implementations
// use math/rand/v2, matching the teacher's jitter generator: cover-traffic
// timing is not itself a confidentiality boundary, so cryptographic
// randomness would only add hot-path overhead without a security benefit.
type Generator interface {
	NextInterval() time.Duration
}

// ConstantRate emits cover packets at a fixed interval.
type ConstantRate struct {
	Interval time.Duration
}

// NextInterval returns the fixed interval unconditionally.
func (c ConstantRate) NextInterval() time.Duration { return c.Interval }

// Poisson emits cover packets with exponentially distributed inter-arrival
// times around a mean interval, approximating a Poisson arrival process
// (spec §4.G: "Poisson-distributed cover traffic").
type Poisson struct {
	MeanInterval time.Duration
}

// NextInterval draws an exponentially distributed interval via inverse
// transform sampling: -ln(1-U) * mean.
func (p Poisson) NextInterval() time.Duration {
	if p.MeanInterval <= 0 {
		return 0
	}
	u := rand.Float64() //nolint:gosec // timing jitter, not security sensitive
	// u is in [0,1); guard against log(0) when u rounds to 1.
	if u >= 1 {
		u = 0.999999
	}
	factor := -math.Log(1 - u)
	return time.Duration(factor * float64(p.MeanInterval))
}

// Burst emits cover packets in short rapid bursts separated by longer
// gaps, modeling bursty application traffic to avoid a uniform cadence
// that itself becomes a fingerprint (spec §4.G: "burst-shaped cover
// traffic").
type Burst struct {
	BaseInterval     time.Duration
	BurstSize        int
	BurstGap         time.Duration // spacing between packets within a burst
	BurstProbability float64       // [0,1] chance BaseInterval triggers a burst

	mu        sync.Mutex
	remaining int
}

// NextInterval returns BurstGap while draining an active burst, otherwise
// rolls for a new burst and returns BaseInterval.
func (b *Burst) NextInterval() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.remaining > 0 {
		b.remaining--
		return b.BurstGap
	}
	if rand.Float64() < b.BurstProbability { //nolint:gosec // timing jitter, not security sensitive
		b.remaining = b.BurstSize - 1
	}
	return b.BaseInterval
}

// AnonymitySetPolicy tracks the number of currently active peers and
// signals when cover traffic must escalate to protect the anonymity set
// floor (spec §4.G: "anonymity-set-size floor / emergency cover
// generation").
type AnonymitySetPolicy struct {
	mu                sync.Mutex
	minSetSize        int
	activePeers       int
	emergencyInterval time.Duration
}

// NewAnonymitySetPolicy creates a policy with the given floor and the
// cover interval used once the floor is violated.
func NewAnonymitySetPolicy(minSetSize int, emergencyInterval time.Duration) *AnonymitySetPolicy {
	return &AnonymitySetPolicy{minSetSize: minSetSize, emergencyInterval: emergencyInterval}
}

// UpdateActivePeers records the current count of distinct active peers
// observed on the connection.
func (a *AnonymitySetPolicy) UpdateActivePeers(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activePeers = n
}

// EmergencyActive reports whether the active peer count has fallen below
// the configured floor.
func (a *AnonymitySetPolicy) EmergencyActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activePeers < a.minSetSize
}

// Interval returns the cover generator's effective next interval, forcing
// the emergency interval whenever the anonymity set floor is violated
// regardless of what the underlying Generator would have produced.
func (a *AnonymitySetPolicy) Interval(base Generator) time.Duration {
	if a.EmergencyActive() {
		return a.emergencyInterval
	}
	return base.NextInterval()
}
