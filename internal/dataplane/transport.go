package dataplane

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/net/ipv4"
)

// UDPTransport is the default Transport: a single UDP socket shared by
// every connection a Manager owns, wrapped with golang.org/x/net/ipv4 so
// per-packet hop-limit control is available without reaching for raw
// syscalls (the teacher's BFD sender needs TTL=255 GTSM enforcement via
// platform-specific socket options; this overlay has no GTSM requirement,
// so the portable ipv4.PacketConn surface is the right-sized tool).
type UDPTransport struct {
	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	bufLen int
}

// NewUDPTransport binds a UDP socket at localAddr (host:port form) and
// wraps it for datagram send/recv.
func NewUDPTransport(localAddr string, maxDatagramSize int) (*UDPTransport, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: resolve %q: %w", localAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dataplane: listen %q: %w", localAddr, err)
	}
	return &UDPTransport{
		conn:   conn,
		pconn:  ipv4.NewPacketConn(conn),
		bufLen: maxDatagramSize,
	}, nil
}

// Send writes b to addr, respecting ctx's deadline if one is set.
func (t *UDPTransport) Send(ctx context.Context, b []byte, addr netip.AddrPort) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	_, err := t.conn.WriteToUDPAddrPort(b, addr)
	return err
}

// Recv reads the next datagram, blocking until one arrives, ctx is
// cancelled, or the socket is closed.
func (t *UDPTransport) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, t.bufLen)
	n, addr, err := t.conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return buf[:n], addr, nil
}

// Close releases the underlying socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

// SetHopLimit sets the outgoing IPv4 TTL on the shared socket. Overlay
// paths don't require GTSM-style hop-limit enforcement, but operators
// running over constrained links may still want to cap TTL to limit
// accidental cross-network leakage of probe traffic.
func (t *UDPTransport) SetHopLimit(ttl int) error {
	return t.pconn.SetTTL(ttl)
}
