package reorder

import (
	"sync"
	"time"
)

// StreamPolicy selects the GapPolicy for a given frame/stream class
// (spec §4.C: "policy per stream type").
type StreamPolicy interface {
	PolicyFor(streamID uint32, isCrypto bool) GapPolicy
}

// DefaultStreamPolicy implements the spec's default: Data streams drop
// stale entries, Crypto streams deliver with a gap marker.
type DefaultStreamPolicy struct{}

// PolicyFor returns PolicyDeliverWithGap for crypto frames and PolicyDrop
// otherwise.
func (DefaultStreamPolicy) PolicyFor(_ uint32, isCrypto bool) GapPolicy {
	if isCrypto {
		return PolicyDeliverWithGap
	}
	return PolicyDrop
}

// ConnectionBuffers manages reordering across a connection, either with one
// Buffer per stream or a single shared buffer across all streams
// (spec §4.C: "optional global mode uses one buffer across all streams of
// a connection (policy selector at connection init)").
type ConnectionBuffers struct {
	mu         sync.Mutex
	global     bool
	capacity   int
	timeout    time.Duration
	policy     StreamPolicy
	perStream  map[uint32]*Buffer
	sharedBuf  *Buffer
	isCryptoFn func(streamID uint32) bool
}

// NewConnectionBuffers creates a per-connection reorder manager. When
// global is true, a single Buffer multiplexes all streams; otherwise each
// stream gets its own Buffer created lazily on first use.
func NewConnectionBuffers(global bool, capacity int, timeout time.Duration, policy StreamPolicy) *ConnectionBuffers {
	if policy == nil {
		policy = DefaultStreamPolicy{}
	}
	cb := &ConnectionBuffers{
		global:    global,
		capacity:  capacity,
		timeout:   timeout,
		policy:    policy,
		perStream: make(map[uint32]*Buffer),
	}
	if global {
		cb.sharedBuf = New(capacity, timeout, PolicyDrop)
	}
	return cb
}

// Insert routes a frame insertion to the appropriate buffer for its
// stream, creating a per-stream buffer on demand in non-global mode.
func (cb *ConnectionBuffers) Insert(streamID uint32, isCrypto bool, seq uint64, payload []byte, now time.Time) []Entry {
	cb.mu.Lock()
	buf := cb.bufferForLocked(streamID, isCrypto)
	cb.mu.Unlock()
	return buf.Insert(seq, payload, now)
}

func (cb *ConnectionBuffers) bufferForLocked(streamID uint32, isCrypto bool) *Buffer {
	if cb.global {
		return cb.sharedBuf
	}
	buf, ok := cb.perStream[streamID]
	if !ok {
		buf = New(cb.capacity, cb.timeout, cb.policy.PolicyFor(streamID, isCrypto))
		cb.perStream[streamID] = buf
	}
	return buf
}

// SetTimeout updates the deadline for all buffers (spec §4.H: recomputed
// from path telemetry).
func (cb *ConnectionBuffers) SetTimeout(d time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.timeout = d
	if cb.sharedBuf != nil {
		cb.sharedBuf.SetTimeout(d)
	}
	for _, buf := range cb.perStream {
		buf.SetTimeout(d)
	}
}

// FlushExpired runs timeout flush across every managed buffer and returns
// released entries keyed by stream id.
func (cb *ConnectionBuffers) FlushExpired(now time.Time) map[uint32][]Entry {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[uint32][]Entry)
	if cb.global {
		if released := cb.sharedBuf.FlushExpired(now); len(released) > 0 {
			out[0] = released
		}
		return out
	}
	for streamID, buf := range cb.perStream {
		if released := buf.FlushExpired(now); len(released) > 0 {
			out[streamID] = released
		}
	}
	return out
}

// DynamicTimeout computes the reorder-buffer deadline from active-path
// telemetry (spec §4.H: max(rtt) - min(rtt) + 2*avg_jitter, clamped to
// [50ms, 1s]).
func DynamicTimeout(maxRTT, minRTT, avgJitter time.Duration) time.Duration {
	const floor = 50 * time.Millisecond
	const ceiling = 1 * time.Second

	d := (maxRTT - minRTT) + 2*avgJitter
	if d < floor {
		return floor
	}
	if d > ceiling {
		return ceiling
	}
	return d
}
