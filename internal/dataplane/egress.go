package dataplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/overlaynet/overlay-core/internal/mixbatch"
	"github.com/overlaynet/overlay-core/internal/padding"
	"github.com/overlaynet/overlay-core/internal/session"
	"github.com/overlaynet/overlay-core/internal/wire"
)

// ErrConnectionClosing is returned by SendStream once a connection has
// begun tearing down.
var ErrConnectionClosing = errors.New("dataplane: connection is closing")

// ErrAdmissionDenied indicates the connection manager's congestion window
// or token bucket would not admit this send right now (spec §4.K).
var ErrAdmissionDenied = errors.New("dataplane: send denied by admission control")

// SendStream builds a Data frame, optionally pads and mix-batches it, then
// encrypts, encodes, and hands it to the scheduler-selected path
// (spec §4.H egress pipeline: "application -> padding (G) -> session
// encrypt (F) -> codec (A) -> scheduler (D) -> path send").
func (c *Connection) SendStream(ctx context.Context, streamID uint32, seq uint64, data []byte) error {
	c.mu.Lock()
	closing := c.state == session.StateClosing || c.state == session.StateClosed
	c.mu.Unlock()
	if closing {
		return ErrConnectionClosing
	}

	frame := wire.Frame{Type: wire.FrameData, StreamID: streamID, Seq: seq, Data: data}

	if c.mix != nil {
		epoch := c.crypto.SendEpoch()
		return c.mix.Enqueue(ctx, frame, epoch)
	}

	return c.sealAndSend(ctx, frame)
}

// sealAndSend pads, encrypts, encodes, and transmits one frame over a
// scheduler-selected path. It's also the release path mix batches use
// once a batch's frames are ready to leave (the mix pipeline intercepts
// egress, per spec §4.H control-flow note, but still funnels back through
// this same pad/encrypt/send sequence per frame).
func (c *Connection) sealAndSend(ctx context.Context, frame wire.Frame) error {
	payload := wire.EncodeFrame(nil, frame)

	if c.padEnabled {
		padded, err := padding.Pad(payload)
		if err != nil {
			return fmt.Errorf("dataplane: pad frame: %w", err)
		}
		payload = padded
	}

	c.mu.Lock()
	aad := c.id[:]
	ciphertext, epoch, counter, err := c.crypto.Seal(aad, payload)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("dataplane: seal frame: %w", err)
	}

	pkt := &wire.Packet{
		CID:     c.id,
		Type:    wire.TypeApplication,
		PathId:  0,
		Payload: encodeSealedPayload(epoch, counter, ciphertext),
	}

	c.mu.Lock()
	pathID, err := c.scheduler.Select()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("dataplane: select path: %w", err)
	}
	pkt.PathId = pathID

	c.mu.Lock()
	rec, ok := c.paths[pathID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("dataplane: path %d vanished after selection", pathID)
	}

	n := uint64(wire.HeaderSize + len(pkt.Payload))
	if !rec.mgr.CanSend(n) {
		return ErrAdmissionDenied
	}

	buf := wire.GetBuffer()
	defer wire.PutBuffer(buf)
	written, err := wire.Encode(pkt, *buf)
	if err != nil {
		return fmt.Errorf("dataplane: encode packet: %w", err)
	}

	if err := c.transport.Send(ctx, (*buf)[:written], rec.addr); err != nil {
		return fmt.Errorf("dataplane: transport send: %w", err)
	}
	rec.mgr.OnSend(n)
	c.rekey.RecordBytes(n)
	return nil
}

// ReleaseBatch satisfies mixbatch.Releaser: once a batch clears the VDF
// pacing and accumulator proof step, its frames are sent the same way any
// other frame would be (spec §4.J step 5 feeding back into §4.H egress).
func (c *Connection) ReleaseBatch(ctx context.Context, b *mixbatch.Batch) error {
	var firstErr error
	for _, f := range b.Frames {
		if err := c.sealAndSend(ctx, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
