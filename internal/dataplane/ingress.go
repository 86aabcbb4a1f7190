package dataplane

import (
	"errors"
	"fmt"
	"time"

	"github.com/overlaynet/overlay-core/internal/feedback"
	"github.com/overlaynet/overlay-core/internal/padding"
	"github.com/overlaynet/overlay-core/internal/replay"
	"github.com/overlaynet/overlay-core/internal/wire"
)

// ErrReplayed indicates an inbound packet's nonce failed the replay check
// (spec §7: "Replay / TooOld: fails replay window -> drop, increment,
// continue" — the caller is expected to drop and count, not retry).
var ErrReplayed = errors.New("dataplane: packet rejected by replay window")

// HandleInbound runs the ingress pipeline for one decoded Application
// packet already matched to this connection by CID (spec §4.H: "inbound
// datagrams -> codec (A) -> replay check (B) -> session decrypt (F) ->
// reorder (C) -> application"). Non-Application packet types are handled
// by the caller (handshake/retry belong to connection setup, not this
// steady-state path).
func (c *Connection) HandleInbound(pkt *wire.Packet, now time.Time) error {
	epoch, counter, ciphertext, err := decodeSealedPayload(pkt.Payload)
	if err != nil {
		return fmt.Errorf("dataplane: handle inbound: %w", err)
	}

	c.mu.Lock()
	outcome := c.replay.Check(c.recvDirection(), counter)
	c.mu.Unlock()
	if outcome != replay.Accepted {
		return fmt.Errorf("dataplane: handle inbound: %s: %w", outcome, ErrReplayed)
	}

	c.mu.Lock()
	aad := c.id[:]
	plaintext, err := c.crypto.Open(epoch, counter, aad, ciphertext)
	c.lastActivity = now
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("dataplane: handle inbound: %w", err)
	}

	if c.padEnabled {
		stripped, err := padding.Strip(plaintext)
		if err != nil {
			return fmt.Errorf("dataplane: handle inbound: %w", err)
		}
		plaintext = stripped
	}

	frames, err := wire.DecodeFrames(plaintext)
	if err != nil {
		return fmt.Errorf("dataplane: handle inbound: %w", err)
	}

	for _, f := range frames {
		c.dispatchFrame(f, now)
	}
	return nil
}

func (c *Connection) dispatchFrame(f wire.Frame, now time.Time) {
	switch f.Type {
	case wire.FrameData:
		c.deliverData(f, now)
	case wire.FrameAck:
		// Ack accounting feeds congestion control per path; the path id
		// isn't carried in the frame itself (it lives on the packet
		// header), so callers that need per-path RTT samples should use
		// RecordAck directly with the packet's PathId.
	case wire.FrameClose:
		body, err := wire.DecodeCloseBody(f.Data)
		if err != nil {
			return
		}
		if c.deliverer != nil {
			c.deliverer.OnStreamClosed(c.id, f.StreamID, CloseReason{Code: body.Code, Reason: body.Reason})
		}
	case wire.FrameCrypto:
		// Rekey/handshake material belongs to the session layer's
		// control path, driven by internal/session.ApplyEvent elsewhere;
		// this dispatch point only recognizes the frame, it doesn't
		// interpret its payload.
	default:
		if f.Type.IsPluginType() {
			// Plugin frames are out of scope (spec §6); drop silently.
			return
		}
	}
}

func (c *Connection) deliverData(f wire.Frame, now time.Time) {
	c.mu.Lock()
	ready := c.reorder.Insert(f.StreamID, false, f.Seq, f.Data, now)
	c.mu.Unlock()

	if c.deliverer == nil {
		return
	}
	for _, entry := range ready {
		c.deliverer.OnStreamData(c.id, f.StreamID, entry.Payload)
	}
}

// RecordAck feeds one ACK observation into the path's connection manager
// (RTT sample, congestion window update) and, when the feedback loop is
// enabled, into its per-path metrics history so hop-count adjustment and
// degradation detection see fresh samples (spec §4.H, §4.K, §4.I). Loss
// rate isn't tracked by connmgr, so the feedback sample reports zero here;
// a fuller implementation would source it from reorder gap accounting.
func (c *Connection) RecordAck(pathID wire.PathId, ackedBytes uint64, rtt time.Duration) {
	c.mu.Lock()
	rec, ok := c.paths[pathID]
	fb := c.feedback
	c.mu.Unlock()
	if !ok {
		return
	}
	rec.mgr.OnACK(ackedBytes, rtt)

	if fb == nil {
		return
	}
	bwEstimate := uint64(0)
	if rtt > 0 {
		bwEstimate = uint64(float64(ackedBytes) / rtt.Seconds())
	}
	fb.RecordMetrics(pathID, feedback.PathMetrics{
		RTT:               rtt,
		BandwidthEstimate: bwEstimate,
	}, time.Now())
}

// FlushExpiredReorder runs the reorder buffer's deadline-based gap policy
// across all streams and delivers whatever it releases (spec §4.C).
func (c *Connection) FlushExpiredReorder(now time.Time) {
	c.mu.Lock()
	released := c.reorder.FlushExpired(now)
	c.mu.Unlock()

	if c.deliverer == nil {
		return
	}
	for streamID, entries := range released {
		for _, entry := range entries {
			c.deliverer.OnStreamData(c.id, streamID, entry.Payload)
		}
	}
}
