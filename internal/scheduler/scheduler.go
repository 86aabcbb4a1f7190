// Package scheduler implements the smooth weighted round-robin path
// scheduler (spec §4.D). Path weights are derived from RTT and a composite
// health multiplier; selection never returns a Failed path and converges
// on each path's fair share of traffic over a steady window.
package scheduler

import (
	"errors"
	"sort"
	"sync"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// WeightScale is the default base-weight numerator (spec §6: weight_scale
// default 1000).
const WeightScale = 1000

// MinBaseWeight and MaxBaseWeight clamp the derived base weight
// (spec §4.D: clamp(1000/max(rtt_ms,1), 1, 10000)).
const (
	MinBaseWeight = 1
	MaxBaseWeight = 10000
)

// MinHealthMultiplier and MaxHealthMultiplier bound the health multiplier
// (spec §4.D: health_multiplier in [0.25, 2.0]).
const (
	MinHealthMultiplier = 0.25
	MaxHealthMultiplier = 2.0
)

// PathState mirrors the subset of path lifecycle state the scheduler must
// respect (spec §3: Path.state).
type PathState uint8

const (
	// StateProbing indicates a path under initial validation.
	StateProbing PathState = iota
	// StateActive indicates a selectable, healthy path.
	StateActive
	// StateDegraded indicates a path flagged by the feedback loop
	// (spec §4.I); excluded from selection until Reactivate restores it
	// (spec §8 scenario S5: "scheduler returns only the healthy path").
	StateDegraded
	// StateFailed indicates a path the scheduler must never select
	// (spec §3 invariant).
	StateFailed
)

// HealthInput carries the raw telemetry used to derive a path's health
// multiplier (spec §4.D).
type HealthInput struct {
	Successes   uint64
	Failures    uint64
	LossRate    float64 // [0,1]
	JitterMs    float64
	ActiveBonus bool
}

// DeriveHealthMultiplier computes health_multiplier in [0.25, 2.0] from a
// composite of reliability, loss penalty, jitter penalty, and an
// active-flag bonus (spec §4.D).
func DeriveHealthMultiplier(h HealthInput) float64 {
	reliability := 1.0
	if total := h.Successes + h.Failures; total > 0 {
		reliability = float64(h.Successes) / float64(total)
	}

	lossPenalty := 1.0 - h.LossRate
	if lossPenalty < 0 {
		lossPenalty = 0
	}

	jitterPenalty := 1.0 / (1.0 + h.JitterMs/100.0)

	mult := reliability * lossPenalty * jitterPenalty
	if h.ActiveBonus {
		mult *= 1.1
	}

	return clamp(mult, MinHealthMultiplier, MaxHealthMultiplier)
}

// DeriveBaseWeight computes base_weight = clamp(1000/max(rtt_ms,1), 1, 10000)
// (spec §4.D).
func DeriveBaseWeight(rttMs float64) int64 {
	if rttMs < 1 {
		rttMs = 1
	}
	w := int64(WeightScale / rttMs)
	if w < MinBaseWeight {
		return MinBaseWeight
	}
	if w > MaxBaseWeight {
		return MaxBaseWeight
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pathEntry is the scheduler's internal per-path bookkeeping.
type pathEntry struct {
	id              wire.PathId
	state           PathState
	baseWeight      int64
	healthMult      float64
	effectiveWeight int64
	current         int64
}

func (p *pathEntry) recompute() {
	p.effectiveWeight = int64(float64(p.baseWeight) * p.healthMult)
	if p.effectiveWeight < 1 {
		p.effectiveWeight = 1
	}
}

// ErrNoActivePath indicates every known path is Failed, Degraded, or unknown.
var ErrNoActivePath = errors.New("scheduler: no active path available")

// Scheduler implements smooth weighted round-robin selection over a
// connection's paths (spec §4.D).
//
// Weight writes (from telemetry) are serialized by mu; Select only takes
// the lock for the duration of the selection, matching the spec's
// "Scheduler weights: read by selection, written by feedback loop; guarded
// by a read-write lock" policy (§5) — selection here is itself a mutation
// (the `current` counters advance), so both paths take the write lock,
// but the critical section never blocks on I/O.
type Scheduler struct {
	mu          sync.Mutex
	paths       map[wire.PathId]*pathEntry
	fixedWeight bool
}

// New creates an empty Scheduler. When fixedWeights is true, telemetry
// updates never recompute weights (spec §4.D: "unless the scheduler is in
// fixed-weight mode").
func New(fixedWeights bool) *Scheduler {
	return &Scheduler{
		paths:       make(map[wire.PathId]*pathEntry),
		fixedWeight: fixedWeights,
	}
}

// AddPath registers a path with an initial RTT-derived weight.
func (s *Scheduler) AddPath(id wire.PathId, rttMs float64, state PathState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &pathEntry{
		id:         id,
		state:      state,
		baseWeight: DeriveBaseWeight(rttMs),
		healthMult: 1.0,
	}
	p.recompute()
	s.paths[id] = p
}

// RemovePath deregisters a path.
func (s *Scheduler) RemovePath(id wire.PathId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, id)
}

// SetState transitions a path's lifecycle state.
func (s *Scheduler) SetState(id wire.PathId, state PathState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[id]; ok {
		p.state = state
	}
}

// UpdateTelemetry recomputes a path's weight from fresh RTT/health input
// (spec §4.D: "Recomputation is triggered by telemetry updates unless the
// scheduler is in fixed-weight mode").
func (s *Scheduler) UpdateTelemetry(id wire.PathId, rttMs float64, health HealthInput) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fixedWeight {
		return
	}
	p, ok := s.paths[id]
	if !ok {
		return
	}
	p.baseWeight = DeriveBaseWeight(rttMs)
	p.healthMult = DeriveHealthMultiplier(health)
	p.recompute()
}

// Degrade marks a path Degraded and zeroes its health multiplier
// (spec §4.I: "weight multiplier -> 0"). Select excludes Degraded paths
// entirely, matching §8 scenario S5 ("scheduler returns only P2 for the
// next 100 selections"). recompute floors the effective weight at 1, so a
// path set back to Active through SetState without a fresh telemetry
// sample resumes at that minimum weight; Reactivate always recomputes the
// weight from the RTT and health input it is given.
func (s *Scheduler) Degrade(id wire.PathId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok {
		return
	}
	p.state = StateDegraded
	p.healthMult = 0
	p.recompute()
}

// Reactivate restores a Degraded path to Active with a fresh health
// multiplier (spec §9 open question: hysteresis is owned by the feedback
// loop, which only calls Reactivate after its reactivation window elapses).
func (s *Scheduler) Reactivate(id wire.PathId, rttMs float64, health HealthInput) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok {
		return
	}
	p.state = StateActive
	p.baseWeight = DeriveBaseWeight(rttMs)
	p.healthMult = DeriveHealthMultiplier(health)
	p.recompute()
}

// Select runs one smooth-WRR step and returns the chosen path
// (spec §4.D, §3 invariant: never returns a Failed path; a Degraded path
// is likewise excluded until the feedback loop reactivates it).
func (s *Scheduler) Select() (wire.PathId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	var winner *pathEntry

	// Deterministic iteration order so ties resolve the same way across
	// runs, which matters for the fairness property's reproducibility.
	ids := make([]wire.PathId, 0, len(s.paths))
	for id := range s.paths {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := s.paths[id]
		if p.state == StateFailed || p.state == StateDegraded {
			continue
		}
		p.current += p.effectiveWeight
		total += p.effectiveWeight
		if winner == nil || p.current > winner.current {
			winner = p
		}
	}

	if winner == nil {
		return 0, ErrNoActivePath
	}
	winner.current -= total
	return winner.id, nil
}

// Weight returns a path's current effective weight, for diagnostics and
// fairness testing.
func (s *Scheduler) Weight(id wire.PathId) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok {
		return 0, false
	}
	return p.effectiveWeight, true
}

// State returns a path's current lifecycle state.
func (s *Scheduler) State(id wire.PathId) (PathState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	if !ok {
		return 0, false
	}
	return p.state, true
}
