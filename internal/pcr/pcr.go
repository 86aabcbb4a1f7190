// Package pcr implements the post-compromise detector: it accepts anomaly,
// external, manual, and periodic triggers and orchestrates a forced rekey
// across all active sessions, recording a bounded audit log and running
// metrics (spec §4.L).
package pcr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TriggerSource identifies what caused a PCR event.
type TriggerSource uint8

const (
	TriggerAnomaly TriggerSource = iota
	TriggerExternal
	TriggerManual
	TriggerPeriodic
)

func (t TriggerSource) String() string {
	switch t {
	case TriggerAnomaly:
		return "anomaly"
	case TriggerExternal:
		return "external"
	case TriggerManual:
		return "manual"
	case TriggerPeriodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// Severity tags the urgency of a trigger.
type Severity uint8

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ErrTriggerDisabled is returned when a trigger source is disabled in config.
var ErrTriggerDisabled = errors.New("pcr: trigger source disabled")

// Rekeyer is implemented by anything that can force a session's key
// material to rotate. The data plane's per-connection session owner
// satisfies this.
type Rekeyer interface {
	ForceRekey(ctx context.Context) error
}

// AuditEvent is one bounded audit-log entry (spec §4.L).
type AuditEvent struct {
	ID               string
	Timestamp        time.Time
	Trigger          TriggerSource
	Severity         Severity
	SessionsAffected int
	Success          bool
	Duration         time.Duration
	Error            string
}

// Config configures trigger enablement and periodic rotation (spec §6).
type Config struct {
	EnableAnomaly    bool
	EnableExternal   bool
	EnablePeriodic   bool
	RotationInterval time.Duration
	AnomalyThreshold float64
	AuditLogCapacity int
}

// DefaultConfig returns the spec's §6 defaults.
func DefaultConfig() Config {
	return Config{
		EnableAnomaly:    true,
		EnableExternal:   true,
		EnablePeriodic:   false,
		RotationInterval: 24 * time.Hour,
		AnomalyThreshold: 0.8,
		AuditLogCapacity: 256,
	}
}

// Metrics mirrors the counters named in spec §4.L.
type Metrics struct {
	TotalTriggers        uint64
	TriggersByAnomaly    uint64
	TriggersByExternal   uint64
	TriggersByManual     uint64
	TriggersByPeriodic   uint64
	SuccessfulPCR        uint64
	FailedPCR            uint64
	SessionsRecovered    uint64
	totalPCRDuration     time.Duration
	pcrDurationSamples   uint64
}

// AvgPCRDuration returns the running mean PCR duration.
func (m Metrics) AvgPCRDuration() time.Duration {
	if m.pcrDurationSamples == 0 {
		return 0
	}
	return m.totalPCRDuration / time.Duration(m.pcrDurationSamples)
}

// Detector orchestrates forced rekeys in response to triggers and maintains
// the audit log and metrics named in spec §4.L.
type Detector struct {
	mu sync.Mutex

	cfg     Config
	metrics Metrics
	audit   []AuditEvent

	sessions map[string]Rekeyer

	now func() time.Time
}

// New creates a Detector with no registered sessions.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg,
		sessions: make(map[string]Rekeyer),
		now:      time.Now,
	}
}

// Register associates a session id with its Rekeyer, so a future trigger
// includes it in the forced-rekey sweep.
func (d *Detector) Register(sessionID string, r Rekeyer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sessionID] = r
}

// Unregister removes a session, e.g. when it closes.
func (d *Detector) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Trigger fires a PCR event from the given source at the given severity,
// forcing a rekey across every registered session. It records one audit
// event and returns the first error encountered, if any (all sessions are
// still attempted).
func (d *Detector) Trigger(ctx context.Context, source TriggerSource, severity Severity) error {
	if err := d.checkEnabled(source); err != nil {
		return err
	}

	d.mu.Lock()
	targets := make(map[string]Rekeyer, len(d.sessions))
	for id, r := range d.sessions {
		targets[id] = r
	}
	d.mu.Unlock()

	start := d.now()
	var firstErr error
	recovered := 0
	for _, r := range targets {
		if err := r.ForceRekey(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		recovered++
	}
	duration := d.now().Sub(start)

	event := AuditEvent{
		ID:               uuid.New().String(),
		Timestamp:        start,
		Trigger:          source,
		Severity:         severity,
		SessionsAffected: len(targets),
		Success:          firstErr == nil,
		Duration:         duration,
	}
	if firstErr != nil {
		event.Error = firstErr.Error()
	}

	d.recordLocked(event, recovered)
	return firstErr
}

func (d *Detector) checkEnabled(source TriggerSource) error {
	switch source {
	case TriggerAnomaly:
		if !d.cfg.EnableAnomaly {
			return ErrTriggerDisabled
		}
	case TriggerExternal:
		if !d.cfg.EnableExternal {
			return ErrTriggerDisabled
		}
	case TriggerPeriodic:
		if !d.cfg.EnablePeriodic {
			return ErrTriggerDisabled
		}
	case TriggerManual:
		// Manual triggers are always permitted; an operator invoking PCR
		// directly overrides the automated-trigger toggles.
	}
	return nil
}

func (d *Detector) recordLocked(event AuditEvent, recovered int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.metrics.TotalTriggers++
	switch event.Trigger {
	case TriggerAnomaly:
		d.metrics.TriggersByAnomaly++
	case TriggerExternal:
		d.metrics.TriggersByExternal++
	case TriggerManual:
		d.metrics.TriggersByManual++
	case TriggerPeriodic:
		d.metrics.TriggersByPeriodic++
	}
	if event.Success {
		d.metrics.SuccessfulPCR++
	} else {
		d.metrics.FailedPCR++
	}
	d.metrics.SessionsRecovered += uint64(recovered)
	d.metrics.totalPCRDuration += event.Duration
	d.metrics.pcrDurationSamples++

	d.audit = append(d.audit, event)
	if d.cfg.AuditLogCapacity > 0 && len(d.audit) > d.cfg.AuditLogCapacity {
		d.audit = d.audit[len(d.audit)-d.cfg.AuditLogCapacity:]
	}
}

// AuditLog returns a copy of the current audit log, oldest first.
func (d *Detector) AuditLog() []AuditEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AuditEvent, len(d.audit))
	copy(out, d.audit)
	return out
}

// ClearAuditLog retains only the most recent keepN entries
// (spec §4.L: "clear_audit_log(keep_n)").
func (d *Detector) ClearAuditLog(keepN int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if keepN <= 0 {
		d.audit = nil
		return
	}
	if len(d.audit) > keepN {
		d.audit = append([]AuditEvent(nil), d.audit[len(d.audit)-keepN:]...)
	}
}

// Snapshot returns the current metrics.
func (d *Detector) Snapshot() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}
