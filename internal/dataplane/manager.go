package dataplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaynet/overlay-core/internal/wire"
)

// ErrConnectionNotFound indicates no connection is registered for a CID.
var ErrConnectionNotFound = errors.New("dataplane: connection not found")

// ErrDuplicateConnection indicates a connection already exists for a CID.
var ErrDuplicateConnection = errors.New("dataplane: duplicate connection id")

// ConnectionEvent is published on the Manager's notification channel
// whenever a connection's lifecycle state changes, mirroring the
// teacher's StateChange fan-out pattern generalized from BFD sessions to
// overlay connections.
type ConnectionEvent struct {
	ID        wire.ConnectionId
	Timestamp time.Time
}

const notifyChSize = 64

// Manager owns the set of active connections, demultiplexes inbound
// datagrams to them by ConnectionId, and drives the ingest loop over a
// Transport (spec §4.H). The map is guarded by a single RWMutex, following
// the teacher's Manager shape rather than sharding: a connection's own
// ingress/egress pipelines do the real per-connection work, so Manager's
// lock is only ever held for map lookups and registration, never across
// I/O (spec §5: "No suspension is introduced inside a held lock").
type Manager struct {
	mu          sync.RWMutex
	connections map[wire.ConnectionId]*Connection

	transport Transport
	logger    *slog.Logger

	rawNotifyCh    chan ConnectionEvent
	publicNotifyCh chan ConnectionEvent
	closeOnce      sync.Once
	closed         chan struct{}
}

// NewManager creates a Manager driving ingest over transport.
func NewManager(transport Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		connections:    make(map[wire.ConnectionId]*Connection),
		transport:      transport,
		logger:         logger.With(slog.String("component", "dataplane.manager")),
		rawNotifyCh:    make(chan ConnectionEvent, notifyChSize),
		publicNotifyCh: make(chan ConnectionEvent, notifyChSize),
		closed:         make(chan struct{}),
	}
	go m.fanOut()
	return m
}

func (m *Manager) fanOut() {
	for {
		select {
		case ev := <-m.rawNotifyCh:
			select {
			case m.publicNotifyCh <- ev:
			default:
				m.logger.Warn("connection event dropped, public channel full", slog.String("cid", ev.ID.String()))
			}
		case <-m.closed:
			return
		}
	}
}

// ConnectionEvents returns a read-only channel of connection lifecycle
// notifications.
func (m *Manager) ConnectionEvents() <-chan ConnectionEvent {
	return m.publicNotifyCh
}

func (m *Manager) notify(id wire.ConnectionId) {
	select {
	case m.rawNotifyCh <- ConnectionEvent{ID: id, Timestamp: time.Now()}:
	default:
		m.logger.Warn("connection event dropped, raw channel full", slog.String("cid", id.String()))
	}
}

// Register adds a newly constructed Connection under its CID.
func (m *Manager) Register(conn *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[conn.id]; exists {
		return fmt.Errorf("dataplane: register %s: %w", conn.id, ErrDuplicateConnection)
	}
	m.connections[conn.id] = conn
	m.notify(conn.id)
	return nil
}

// Lookup finds a connection by CID.
func (m *Manager) Lookup(id wire.ConnectionId) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[id]
	return c, ok
}

// Destroy drives the connection's FSM to Closed, notifies its deliverer,
// and removes it from the registry.
func (m *Manager) Destroy(id wire.ConnectionId) error {
	m.mu.Lock()
	conn, exists := m.connections[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("dataplane: destroy %s: %w", id, ErrConnectionNotFound)
	}
	delete(m.connections, id)
	m.mu.Unlock()

	conn.Close()
	m.notify(id)
	return nil
}

// Connections returns every currently registered connection id.
func (m *Manager) Connections() []wire.ConnectionId {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]wire.ConnectionId, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// RunIngest reads datagrams from the transport, decodes their Extended
// Packet header, demultiplexes by CID, and dispatches Application packets
// into the matching connection's ingress pipeline, until ctx is cancelled.
func (m *Manager) RunIngest(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		buf, _, err := m.transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("transport recv failed", slog.Any("error", err))
			continue
		}

		pkt, err := wire.Decode(buf)
		if err != nil {
			m.logger.Debug("dropping malformed packet", slog.Any("error", err))
			continue
		}

		if pkt.Type != wire.TypeApplication {
			// Initial/Retry/Handshake packets belong to connection setup,
			// driven by internal/handshake outside this steady-state loop.
			continue
		}

		conn, ok := m.Lookup(pkt.CID)
		if !ok {
			m.logger.Debug("dropping packet for unknown connection", slog.String("cid", pkt.CID.String()))
			continue
		}

		if err := conn.HandleInbound(pkt, time.Now()); err != nil {
			m.logger.Debug("ingress pipeline rejected packet",
				slog.String("cid", pkt.CID.String()), slog.Any("error", err))
		}
	}
}

// Close stops the fan-out goroutine. It does not close the transport,
// which the caller owns.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}
