// Package reorder implements the per-stream (and optionally connection-wide)
// in-order delivery buffer described in spec §4.C. Frames arriving
// out-of-order are held until the contiguous run starting at next_expected
// can be released; excess entries are bounded and evicted oldest-first;
// stale entries are flushed per a configurable deadline policy.
package reorder

import (
	"container/heap"
	"sync"
	"time"
)

// DefaultCapacity is the default maximum number of buffered entries
// (spec §6: buffer_capacity default 2048).
const DefaultCapacity = 2048

// DefaultTimeout is the default per-entry deadline before "giving up
// waiting" (spec §4.C: default 200ms, dynamically re-tuned by §4.H).
const DefaultTimeout = 200 * time.Millisecond

// GapPolicy controls what happens to entries that age out of the buffer
// before their gap is filled (spec §4.C: "policy per stream type").
type GapPolicy uint8

const (
	// PolicyDrop discards stale entries without delivering them
	// (spec §4.C: "Data drops").
	PolicyDrop GapPolicy = iota
	// PolicyDeliverWithGap delivers stale entries annotated with a gap
	// marker rather than waiting further (spec §4.C: "Crypto
	// delivers-with-gap").
	PolicyDeliverWithGap
)

// Entry is a single buffered frame payload, keyed by sequence number.
type Entry struct {
	Seq      uint64
	Payload  []byte
	Deadline time.Time
	// Gap is true when this entry is released via PolicyDeliverWithGap
	// after its deadline expired while earlier sequence numbers were
	// still missing.
	Gap bool
}

// pendingHeap is a min-heap over buffered sequence numbers, used to find
// the lowest-seq entry for capacity eviction. FlushExpired does not use it;
// it scans the buffered entries for passed deadlines directly.
type pendingHeap []*Entry

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].Seq < h[j].Seq }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(*Entry)) } //nolint:forcetypeassert
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Buffer holds out-of-order frames for a single ordering scope (one
// stream, or the whole connection in global mode) and releases the
// contiguous run starting at nextExpected (spec §4.C, §5: ordering
// guarantees, §8 property 2: idempotence).
type Buffer struct {
	mu sync.Mutex

	capacity     int
	timeout      time.Duration
	policy       GapPolicy
	nextExpected uint64

	byBeq map[uint64]*Entry
	order pendingHeap // indexed identically to byBeq's keys, kept in sync

	evictedCount uint64
	droppedStale uint64
}

// New creates a Buffer with the given capacity, deadline, and gap policy.
func New(capacity int, timeout time.Duration, policy GapPolicy) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	b := &Buffer{
		capacity: capacity,
		timeout:  timeout,
		policy:   policy,
		byBeq:    make(map[uint64]*Entry),
	}
	heap.Init(&b.order)
	return b
}

// SetTimeout updates the per-entry deadline (spec §4.H: dynamically
// recomputed from path telemetry).
func (b *Buffer) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.timeout = d
	}
}

// Insert adds a frame at seq and returns the contiguous run of frames now
// deliverable in increasing sequence order, advancing next_expected past
// the last delivered entry.
//
// Inserting the same (seq, payload) twice is idempotent: the second call
// returns an empty run because seq is already either delivered or already
// buffered (spec §8 property 2).
func (b *Buffer) Insert(seq uint64, payload []byte, now time.Time) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if seq < b.nextExpected {
		// Already delivered; idempotent no-op.
		return nil
	}

	if _, exists := b.byBeq[seq]; !exists {
		e := &Entry{Seq: seq, Payload: payload, Deadline: now.Add(b.timeout)}
		b.byBeq[seq] = e
		heap.Push(&b.order, e)
		b.enforceCapacity()
	}

	return b.drain()
}

// enforceCapacity evicts the lowest-sequence entries until occupancy is at
// or below capacity (spec invariant: "Reorder-buffer occupancy never
// exceeds its configured capacity; overflow triggers a defined eviction
// (oldest first)").
func (b *Buffer) enforceCapacity() {
	for len(b.byBeq) > b.capacity {
		oldest := heap.Pop(&b.order).(*Entry) //nolint:forcetypeassert
		delete(b.byBeq, oldest.Seq)
		b.evictedCount++
	}
}

// drain releases the contiguous run starting at nextExpected.
func (b *Buffer) drain() []Entry {
	var out []Entry
	for {
		e, ok := b.byBeq[b.nextExpected]
		if !ok {
			return out
		}
		out = append(out, *e)
		delete(b.byBeq, b.nextExpected)
		b.removeFromOrder(b.nextExpected)
		b.nextExpected++
	}
}

// removeFromOrder deletes the heap entry for seq. O(n) scan; buffers are
// capacity-bounded (default 2048) so this stays cheap relative to network
// I/O, and avoids the complexity of an indexed heap for a rarely-large n.
func (b *Buffer) removeFromOrder(seq uint64) {
	for i, e := range b.order {
		if e.Seq == seq {
			heap.Remove(&b.order, i)
			return
		}
	}
}

// FlushExpired gives up waiting on entries past their deadline, per the
// buffer's GapPolicy, and returns any entries released as a result
// (spec §4.C: "give up waiting").
func (b *Buffer) FlushExpired(now time.Time) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var released []Entry

	// Identify stale buffered entries whose deadline has passed while they
	// remain stuck behind a gap at nextExpected.
	var staleSeqs []uint64
	for seq, e := range b.byBeq {
		if seq > b.nextExpected && now.After(e.Deadline) {
			staleSeqs = append(staleSeqs, seq)
		}
	}
	if len(staleSeqs) == 0 {
		return released
	}

	switch b.policy {
	case PolicyDeliverWithGap:
		// Advance next_expected to the lowest stale seq and deliver it
		// (and any now-contiguous successors) with a gap marker.
		minStale := staleSeqs[0]
		for _, s := range staleSeqs[1:] {
			if s < minStale {
				minStale = s
			}
		}
		e := b.byBeq[minStale]
		gapEntry := *e
		gapEntry.Gap = true
		released = append(released, gapEntry)
		delete(b.byBeq, minStale)
		b.removeFromOrder(minStale)
		b.nextExpected = minStale + 1
		released = append(released, b.drain()...)
	case PolicyDrop:
		for _, s := range staleSeqs {
			delete(b.byBeq, s)
			b.removeFromOrder(s)
			b.droppedStale++
		}
	}

	return released
}

// NextExpected returns the next sequence number the buffer is waiting for.
func (b *Buffer) NextExpected() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextExpected
}

// Len returns the number of currently buffered (undelivered) entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byBeq)
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Buffered     int
	NextExpected uint64
	Evicted      uint64
	DroppedStale uint64
}

// Snapshot returns current buffer counters.
func (b *Buffer) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Buffered:     len(b.byBeq),
		NextExpected: b.nextExpected,
		Evicted:      b.evictedCount,
		DroppedStale: b.droppedStale,
	}
}
