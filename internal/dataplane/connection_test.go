package dataplane

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/overlaynet/overlay-core/internal/feedback"
	"github.com/overlaynet/overlay-core/internal/session"
	"github.com/overlaynet/overlay-core/internal/wire"
)

func feedbackTestConfig() feedback.Config {
	return feedback.DefaultConfig()
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	sentTo  []netip.AddrPort
	inbox   chan []byte
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) Send(_ context.Context, b []byte, addr netip.AddrPort) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	f.sentTo = append(f.sentTo, addr)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) ([]byte, netip.AddrPort, error) {
	select {
	case b := <-f.inbox:
		return b, netip.AddrPort{}, nil
	case <-ctx.Done():
		return nil, netip.AddrPort{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) lastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []string
	closed    []uint32
}

func (f *fakeDeliverer) OnStreamData(_ wire.ConnectionId, streamID uint32, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, string(data))
}

func (f *fakeDeliverer) OnStreamClosed(_ wire.ConnectionId, streamID uint32, _ CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, streamID)
}

func (f *fakeDeliverer) OnConnectionEstablished(wire.ConnectionId) {}
func (f *fakeDeliverer) OnConnectionClosed(wire.ConnectionId)      {}

func testKeyPair(a, b byte) ([session.KeySize]byte, [session.KeySize]byte) {
	var k1, k2 [session.KeySize]byte
	for i := range k1 {
		k1[i] = a
		k2[i] = b
	}
	return k1, k2
}

func newTestConnectionPair(t *testing.T) (initiator, responder *Connection, initTransport, respTransport *fakeTransport, initDeliv, respDeliv *fakeDeliverer) {
	t.Helper()

	keyA, keyB := testKeyPair(0x11, 0x22)

	initTransport = newFakeTransport()
	respTransport = newFakeTransport()
	initDeliv = &fakeDeliverer{}
	respDeliv = &fakeDeliverer{}

	var id wire.ConnectionId
	id[0] = 0x01

	var err error
	initiator, err = NewConnection(ConnectionConfig{
		ID:        id,
		Initiator: true,
		SendKey:   keyA,
		RecvKey:   keyB,
		Deliverer: initDeliv,
		Transport: initTransport,
		Capacity:  64,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("new initiator connection: %v", err)
	}

	responder, err = NewConnection(ConnectionConfig{
		ID:        id,
		Initiator: false,
		SendKey:   keyB,
		RecvKey:   keyA,
		Deliverer: respDeliv,
		Transport: respTransport,
		Capacity:  64,
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("new responder connection: %v", err)
	}

	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	initiator.AddPath(wire.MinUserPathId, addr, 10)
	initiator.ActivatePath(wire.MinUserPathId)
	responder.AddPath(wire.MinUserPathId, addr, 10)
	responder.ActivatePath(wire.MinUserPathId)

	return initiator, responder, initTransport, respTransport, initDeliv, respDeliv
}

func TestConnectionSendStreamRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	initiator, responder, initTransport, _, _, respDeliv := newTestConnectionPair(t)

	ctx := context.Background()
	if err := initiator.SendStream(ctx, 1, 0, []byte("hello overlay")); err != nil {
		t.Fatalf("SendStream: %v", err)
	}

	raw := initTransport.lastSent()
	if raw == nil {
		t.Fatal("expected a packet to be sent")
	}

	pkt, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode sent packet: %v", err)
	}

	if err := responder.HandleInbound(pkt, time.Now()); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	respDeliv.mu.Lock()
	defer respDeliv.mu.Unlock()
	if len(respDeliv.delivered) != 1 || respDeliv.delivered[0] != "hello overlay" {
		t.Fatalf("expected one delivered payload, got %v", respDeliv.delivered)
	}
}

func TestConnectionHandleInboundRejectsReplay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	initiator, responder, initTransport, _, _, _ := newTestConnectionPair(t)

	ctx := context.Background()
	if err := initiator.SendStream(ctx, 1, 0, []byte("msg")); err != nil {
		t.Fatalf("SendStream: %v", err)
	}
	raw := initTransport.lastSent()
	pkt, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := responder.HandleInbound(pkt, time.Now()); err != nil {
		t.Fatalf("first HandleInbound: %v", err)
	}
	if err := responder.HandleInbound(pkt, time.Now()); err == nil {
		t.Fatal("expected replayed packet to be rejected")
	}
}

func TestConnectionSendStreamRejectedWhenClosing(t *testing.T) {
	initiator, _, _, _, _, _ := newTestConnectionPair(t)
	initiator.mu.Lock()
	initiator.state = session.StateClosing
	initiator.mu.Unlock()

	if err := initiator.SendStream(context.Background(), 1, 0, []byte("x")); err != ErrConnectionClosing {
		t.Fatalf("expected ErrConnectionClosing, got %v", err)
	}
}

func TestConnectionForceRekeyAdvancesEpochAndChains(t *testing.T) {
	initiator, responder, initTransport, _, _, respDeliv := newTestConnectionPair(t)
	ctx := context.Background()

	beforeSend := initiator.chainSend
	if err := initiator.ForceRekey(ctx); err != nil {
		t.Fatalf("ForceRekey: %v", err)
	}
	if initiator.chainSend == beforeSend {
		t.Fatal("expected chainSend to change after ForceRekey")
	}

	// Rekeying the initiator alone, without updating the responder, should
	// make any packet sent afterward fail to decrypt on the old keys -
	// demonstrating both sides must rekey in lockstep (driven by PCR or the
	// rekey scheduler, outside this test's scope).
	if err := initiator.SendStream(ctx, 1, 0, []byte("post-rekey")); err != nil {
		t.Fatalf("SendStream after rekey: %v", err)
	}
	raw := initTransport.lastSent()
	pkt, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := responder.HandleInbound(pkt, time.Now()); err == nil {
		t.Fatal("expected decrypt failure: responder never rekeyed")
	}

	respDeliv.mu.Lock()
	defer respDeliv.mu.Unlock()
	if len(respDeliv.delivered) != 0 {
		t.Fatalf("expected no delivered payloads, got %v", respDeliv.delivered)
	}
}

func TestConnectionForceRekeyBothSidesLockstep(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	initiator, responder, initTransport, respTransport, _, respDeliv := newTestConnectionPair(t)
	ctx := context.Background()

	// Both endpoints rekey independently (as PCR's forced rotation does
	// across all active sessions) and must land on matching epoch keys
	// without exchanging a fresh handshake (spec §4.F: "both sides install
	// the new epoch"; §8 property 5).
	if err := initiator.ForceRekey(ctx); err != nil {
		t.Fatalf("initiator ForceRekey: %v", err)
	}
	if err := responder.ForceRekey(ctx); err != nil {
		t.Fatalf("responder ForceRekey: %v", err)
	}

	if err := initiator.SendStream(ctx, 1, 0, []byte("after lockstep rekey")); err != nil {
		t.Fatalf("SendStream after rekey: %v", err)
	}
	raw := initTransport.lastSent()
	pkt, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := responder.HandleInbound(pkt, time.Now()); err != nil {
		t.Fatalf("responder HandleInbound after lockstep rekey: %v", err)
	}

	respDeliv.mu.Lock()
	delivered := append([]string(nil), respDeliv.delivered...)
	respDeliv.mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "after lockstep rekey" {
		t.Fatalf("expected one delivered payload, got %v", delivered)
	}

	// And the reverse direction still works too.
	if err := responder.SendStream(ctx, 2, 0, []byte("reply")); err != nil {
		t.Fatalf("responder SendStream after rekey: %v", err)
	}
	raw = respTransport.lastSent()
	pkt, err = wire.Decode(raw)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if err := initiator.HandleInbound(pkt, time.Now()); err != nil {
		t.Fatalf("initiator HandleInbound after lockstep rekey: %v", err)
	}
}

func TestConnectionAddRemovePath(t *testing.T) {
	initiator, _, _, _, _, _ := newTestConnectionPair(t)

	addr2 := netip.MustParseAddrPort("127.0.0.1:9100")
	initiator.AddPath(wire.MinUserPathId+1, addr2, 20)
	initiator.ActivatePath(wire.MinUserPathId + 1)

	initiator.mu.Lock()
	_, ok := initiator.paths[wire.MinUserPathId+1]
	initiator.mu.Unlock()
	if !ok {
		t.Fatal("expected second path to be registered")
	}

	initiator.RemovePath(wire.MinUserPathId + 1)
	initiator.mu.Lock()
	_, ok = initiator.paths[wire.MinUserPathId+1]
	initiator.mu.Unlock()
	if ok {
		t.Fatal("expected second path to be removed")
	}
}

func TestConnectionFeedbackLoopTracksAckedPaths(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	keyA, keyB := testKeyPair(0x33, 0x44)
	var id wire.ConnectionId
	id[0] = 0x02

	conn, err := NewConnection(ConnectionConfig{
		ID:             id,
		Initiator:      true,
		SendKey:        keyA,
		RecvKey:        keyB,
		Deliverer:      &fakeDeliverer{},
		Transport:      newFakeTransport(),
		Capacity:       16,
		Timeout:        time.Second,
		EnableFeedback: true,
		FeedbackConfig: feedbackTestConfig(),
	})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}

	addr := netip.MustParseAddrPort("127.0.0.1:9200")
	conn.AddPath(wire.MinUserPathId, addr, 10)

	if _, ok := conn.feedback.HopCount(wire.MinUserPathId); !ok {
		t.Fatal("expected feedback loop to track the newly added path")
	}

	conn.RecordAck(wire.MinUserPathId, 1500, 20*time.Millisecond)

	conn.RemovePath(wire.MinUserPathId)
	if _, ok := conn.feedback.HopCount(wire.MinUserPathId); ok {
		t.Fatal("expected feedback loop to stop tracking a removed path")
	}

	conn.Close()
}
