package dataplane

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/overlaynet/overlay-core/internal/connmgr"
	"github.com/overlaynet/overlay-core/internal/feedback"
	"github.com/overlaynet/overlay-core/internal/mixbatch"
	"github.com/overlaynet/overlay-core/internal/reorder"
	"github.com/overlaynet/overlay-core/internal/replay"
	"github.com/overlaynet/overlay-core/internal/scheduler"
	"github.com/overlaynet/overlay-core/internal/session"
	"github.com/overlaynet/overlay-core/internal/wire"
)

// pathRecord is a connection's per-path bookkeeping: the scheduler only
// tracks weight/state, so the data plane keeps the peer address and
// connection manager (congestion/RTT/rate limiting) alongside it.
type pathRecord struct {
	addr netip.AddrPort
	mgr  *connmgr.ConnectionManager
}

// Connection is one connection's data-plane state: codec-level identity,
// session crypto/FSM, per-direction replay windows, reorder buffers, the
// path scheduler, padding policy, and (when mix mode is enabled) a mix
// batch pipeline. It exclusively owns its paths, session, and reorder
// buffers (spec §3 Ownership).
type Connection struct {
	mu sync.Mutex

	id        wire.ConnectionId
	initiator bool
	state     session.State

	crypto     *session.Crypto
	chainSend  [session.KeySize]byte
	chainRecv  [session.KeySize]byte
	rekey      *session.RekeyScheduler
	replay    *replay.DirectionSet
	reorder   *reorder.ConnectionBuffers
	scheduler *scheduler.Scheduler
	paths     map[wire.PathId]*pathRecord

	padEnabled bool
	mix        *mixbatch.Pipeline

	feedback       *feedback.Loop
	feedbackCancel context.CancelFunc

	deliverer Deliverer
	transport Transport

	createdAt    time.Time
	lastActivity time.Time
}

// ConnectionConfig bundles the dependencies a Connection needs at
// creation (spec §6 configuration surface, scoped per connection). The
// mix batch pipeline, if any, is attached afterward via AttachMixPipeline
// since the pipeline's Releaser is the Connection itself.
type ConnectionConfig struct {
	ID           wire.ConnectionId
	Initiator    bool
	SendKey      [session.KeySize]byte
	RecvKey      [session.KeySize]byte
	Deliverer    Deliverer
	Transport    Transport
	GlobalMode   bool
	Capacity     int
	Timeout      time.Duration
	FixedWeights bool

	// EnableFeedback turns on the LARMix-style latency feedback loop
	// (spec §4.I) bound to this connection's own scheduler. FeedbackConfig
	// is ignored when this is false.
	EnableFeedback bool
	FeedbackConfig feedback.Config
}

// NewConnection builds a Connection in the Established state, ready for
// ingress/egress (the handshake itself runs before a Connection exists;
// see internal/handshake).
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	crypto, err := session.NewCrypto(cfg.SendKey, cfg.RecvKey)
	if err != nil {
		return nil, fmt.Errorf("dataplane: new connection: %w", err)
	}

	now := time.Now()
	sched := scheduler.New(cfg.FixedWeights)

	c := &Connection{
		id:           cfg.ID,
		initiator:    cfg.Initiator,
		state:        session.StateEstablished,
		crypto:       crypto,
		chainSend:    cfg.SendKey,
		chainRecv:    cfg.RecvKey,
		rekey:        session.NewRekeyScheduler(session.DefaultBytesThreshold, session.DefaultTimeThreshold),
		replay:       replay.NewDirectionSet(),
		reorder:      reorder.NewConnectionBuffers(cfg.GlobalMode, cfg.Capacity, cfg.Timeout, nil),
		scheduler:    sched,
		paths:        make(map[wire.PathId]*pathRecord),
		padEnabled:   true,
		deliverer:    cfg.Deliverer,
		transport:    cfg.Transport,
		createdAt:    now,
		lastActivity: now,
	}

	if cfg.EnableFeedback {
		c.feedback = feedback.New(cfg.FeedbackConfig, sched)
		ctx, cancel := context.WithCancel(context.Background())
		c.feedbackCancel = cancel
		go c.feedback.Run(ctx)
	}

	return c, nil
}

// AddPath registers a new path to addr, initially Probing
// (spec §3: Path created-at, hop count, state).
func (c *Connection) AddPath(id wire.PathId, addr netip.AddrPort, initialRTTMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[id] = &pathRecord{addr: addr, mgr: connmgr.NewConnectionManager()}
	c.scheduler.AddPath(id, initialRTTMs, scheduler.StateProbing)
	if c.feedback != nil {
		c.feedback.RegisterPath(id, time.Now())
	}
}

// RemovePath deregisters a path.
func (c *Connection) RemovePath(id wire.PathId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, id)
	c.scheduler.RemovePath(id)
	if c.feedback != nil {
		c.feedback.UnregisterPath(id)
	}
}

// ActivatePath marks a probed path Active and selectable.
func (c *Connection) ActivatePath(id wire.PathId) {
	c.scheduler.SetState(id, scheduler.StateActive)
}

// AttachMixPipeline enables mix-batch egress (spec §4.J). The pipeline must
// have been constructed with this same Connection as its Releaser, which
// callers arrange by building the Connection first, then the Pipeline
// (mixbatch.New(cfg, modulus, conn)), then calling this method.
func (c *Connection) AttachMixPipeline(p *mixbatch.Pipeline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mix = p
}

// sendDirection returns which nonce-space direction outbound traffic from
// this endpoint uses.
func (c *Connection) sendDirection() replay.Direction {
	if c.initiator {
		return replay.InitiatorToResponder
	}
	return replay.ResponderToInitiator
}

func (c *Connection) recvDirection() replay.Direction {
	if c.initiator {
		return replay.ResponderToInitiator
	}
	return replay.InitiatorToResponder
}

// ForceRekey derives and installs the next epoch's keys, satisfying
// pcr.Rekeyer so the post-compromise detector can force a rotation across
// all active sessions (spec §4.L). It drives the session lifecycle FSM
// through Established -> Rekeying -> Established (or back to Established
// with a retry pending, on failure), matching the transitions
// internal/session/fsm.go documents for a rekey.
func (c *Connection) ForceRekey(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	trig := session.ApplyEvent(c.state, session.EventRekeyTrigger)
	c.state = trig.NewState

	nextEpoch := c.crypto.SendEpoch() + 1

	// DeriveNextEpochKeys requires its inputs and outputs in a fixed
	// initiator-to-responder / responder-to-initiator order so both ends
	// of the connection derive identical epoch keys; map this endpoint's
	// local send/recv keys into and back out of that canonical order
	// (spec §4.F: "both sides install the new epoch").
	var itr, rti [session.KeySize]byte
	if c.initiator {
		itr, rti = c.chainSend, c.chainRecv
	} else {
		itr, rti = c.chainRecv, c.chainSend
	}
	newITR, newRTI := session.DeriveNextEpochKeys(itr, rti, nextEpoch)
	var newSend, newRecv [session.KeySize]byte
	if c.initiator {
		newSend, newRecv = newITR, newRTI
	} else {
		newSend, newRecv = newRTI, newITR
	}

	if err := c.crypto.Rekey(newSend, newRecv); err != nil {
		c.state = session.ApplyEvent(c.state, session.EventRekeyFailed).NewState
		return fmt.Errorf("dataplane: force rekey: %w", err)
	}
	c.chainSend, c.chainRecv = newSend, newRecv
	c.replay.ResetAll()
	c.state = session.ApplyEvent(c.state, session.EventRekeyComplete).NewState
	return nil
}

// Close drives the session lifecycle FSM from Established/Rekeying through
// Closing to Closed and notifies the deliverer, rejecting any SendStream
// calls already in flight from the point the state flips to Closing
// (spec §4.H: close handshake).
func (c *Connection) Close() {
	c.mu.Lock()
	c.state = session.ApplyEvent(c.state, session.EventCloseRequested).NewState
	c.state = session.ApplyEvent(c.state, session.EventClosed).NewState
	cancel := c.feedbackCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.deliverer.OnConnectionClosed(c.id)
}
