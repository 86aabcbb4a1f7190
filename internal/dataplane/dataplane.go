// Package dataplane wires the codec, replay window, reorder buffer,
// scheduler, handshake, session, padding, connection manager, mix batch,
// and PCR components into the multipath data plane described in spec §4.H:
// per-connection state, an ingress pipeline (decode -> CID lookup ->
// replay check -> decrypt -> frame dispatch) and an egress pipeline
// (frame build -> pad -> encrypt -> encode -> path select -> send).
//
// The shape follows the teacher's Manager pattern (a map of per-entity
// state guarded by a single RWMutex, with a fan-out channel for state
// change notifications) generalized from BFD sessions to overlay
// connections.
package dataplane

import (
	"context"
	"net/netip"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// Transport is the external datagram collaborator the data plane sends
// and receives through (spec §6: "Datagram transport | send(bytes, addr),
// recv() -> (bytes, addr) | —"). The core never prescribes a physical
// transport; anything satisfying this interface — UDP, a test harness, a
// future QUIC-style socket — can drive a Manager.
type Transport interface {
	Send(ctx context.Context, b []byte, addr netip.AddrPort) error
	Recv(ctx context.Context) (b []byte, addr netip.AddrPort, err error)
	Close() error
}

// Deliverer receives application-visible events from the data plane
// (spec §6: "Application | send(stream_id, bytes), recv(stream_id) ->
// bytes | stream open/close events").
type Deliverer interface {
	OnStreamData(connID wire.ConnectionId, streamID uint32, data []byte)
	OnStreamClosed(connID wire.ConnectionId, streamID uint32, reason CloseReason)
	OnConnectionEstablished(connID wire.ConnectionId)
	OnConnectionClosed(connID wire.ConnectionId)
}

// CloseReason carries a CLOSE frame's code and reason body (spec §6 CLOSE
// frame).
type CloseReason struct {
	Code   uint16
	Reason []byte
}
