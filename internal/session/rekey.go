package session

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBytesThreshold triggers a rekey once this many bytes have been
// sent under the current epoch (spec §6: rekey_bytes_threshold default
// 1 GiB).
const DefaultBytesThreshold = 1 << 30

// DefaultTimeThreshold triggers a rekey once this much wall time has
// elapsed under the current epoch (spec §6: rekey_time_threshold default
// 10 minutes).
const DefaultTimeThreshold = 10 * time.Minute

// TriggerReason names which threshold caused a rekey (spec §4.F metrics:
// rekeys_by_bytes, rekeys_by_time).
type TriggerReason uint8

const (
	// TriggerNone indicates no threshold has been crossed.
	TriggerNone TriggerReason = iota
	// TriggerBytes indicates the byte-count threshold triggered the
	// rekey. Bytes take priority over time when both cross in the same
	// check (spec §4.F: "the bytes trigger is evaluated first").
	TriggerBytes
	// TriggerTime indicates the elapsed-time threshold triggered the
	// rekey.
	TriggerTime
)

// Stats is a point-in-time snapshot of rekey scheduler counters
// (spec §4.F: total_rekeys, rekeys_by_bytes, rekeys_by_time,
// rekey_failures, avg_bytes_per_interval).
type Stats struct {
	TotalRekeys         uint64
	RekeysByBytes       uint64
	RekeysByTime        uint64
	RekeyFailures       uint64
	AvgBytesPerInterval float64
}

// RekeyScheduler tracks bytes sent and elapsed time under the current
// epoch and decides when a rekey must be triggered. It also owns the
// backoff policy for retrying a failed rekey attempt.
type RekeyScheduler struct {
	mu sync.Mutex

	bytesThreshold uint64
	timeThreshold  time.Duration

	bytesSinceRekey uint64
	lastRekey       time.Time
	intervalSum     float64
	intervalCount   uint64

	totalRekeys   uint64
	rekeysByBytes uint64
	rekeysByTime  uint64
	rekeyFailures uint64

	backoff backoff.BackOff
}

// NewRekeyScheduler creates a scheduler with the given thresholds and an
// exponential backoff policy for rekey retries (spec §4.F: "failed rekey
// attempts are retried with exponential backoff").
func NewRekeyScheduler(bytesThreshold uint64, timeThreshold time.Duration) *RekeyScheduler {
	if bytesThreshold == 0 {
		bytesThreshold = DefaultBytesThreshold
	}
	if timeThreshold <= 0 {
		timeThreshold = DefaultTimeThreshold
	}
	return &RekeyScheduler{
		bytesThreshold: bytesThreshold,
		timeThreshold:  timeThreshold,
		lastRekey:      time.Now(),
		backoff:        backoff.NewExponentialBackOff(),
	}
}

// RecordBytes accounts for newly sent ciphertext bytes under the current
// epoch.
func (r *RekeyScheduler) RecordBytes(n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bytesSinceRekey += n
}

// Check evaluates both thresholds against now and returns the trigger
// reason, if any. The bytes trigger takes priority when both thresholds
// are crossed simultaneously (spec §4.F).
func (r *RekeyScheduler) Check(now time.Time) TriggerReason {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bytesSinceRekey >= r.bytesThreshold {
		return TriggerBytes
	}
	if now.Sub(r.lastRekey) >= r.timeThreshold {
		return TriggerTime
	}
	return TriggerNone
}

// RecordRekeySuccess resets the byte/time counters for the new epoch and
// updates the rolling interval-bytes average, then resets the backoff
// policy so a future failure starts from the minimum interval again.
func (r *RekeyScheduler) RecordRekeySuccess(reason TriggerReason, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.intervalSum += float64(r.bytesSinceRekey)
	r.intervalCount++

	r.totalRekeys++
	switch reason {
	case TriggerBytes:
		r.rekeysByBytes++
	case TriggerTime:
		r.rekeysByTime++
	case TriggerNone:
	}

	r.bytesSinceRekey = 0
	r.lastRekey = now
	r.backoff.Reset()
}

// RecordRekeyFailure increments the failure counter and returns the next
// backoff interval the caller should wait before retrying. A negative
// duration (backoff.Stop) means the retry policy has given up.
func (r *RekeyScheduler) RecordRekeyFailure() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rekeyFailures++
	return r.backoff.NextBackOff()
}

// Snapshot returns current scheduler counters.
func (r *RekeyScheduler) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	avg := 0.0
	if r.intervalCount > 0 {
		avg = r.intervalSum / float64(r.intervalCount)
	}

	return Stats{
		TotalRekeys:         r.totalRekeys,
		RekeysByBytes:       r.rekeysByBytes,
		RekeysByTime:        r.rekeysByTime,
		RekeyFailures:       r.rekeyFailures,
		AvgBytesPerInterval: avg,
	}
}
