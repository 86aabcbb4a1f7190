// Package server implements the ConnectRPC control-plane server for the
// overlay daemon (spec §4.H management surface: list/inspect/close
// connections, watch lifecycle events).
//
// Generated protobuf bindings aren't available in this tree, so requests
// and responses use google.golang.org/protobuf/types/known/structpb.Struct
// directly with connect.NewUnaryHandler/NewServerStreamHandler, which only
// require a proto.Message - structpb.Struct satisfies that without a
// generated service package. This mirrors the teacher's BFDServer shape
// (a thin adapter between the wire types and the internal domain) with a
// schemaless message type standing in for the generated one.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/overlaynet/overlay-core/internal/dataplane"
	"github.com/overlaynet/overlay-core/internal/wire"
)

// Procedure names for the overlay control-plane service.
const (
	ServiceName                   = "overlay.v1.OverlayService"
	ListConnectionsProcedure      = "/" + ServiceName + "/ListConnections"
	GetConnectionProcedure        = "/" + ServiceName + "/GetConnection"
	CloseConnectionProcedure      = "/" + ServiceName + "/CloseConnection"
	WatchConnectionEventProcedure = "/" + ServiceName + "/WatchConnectionEvents"
)

// Sentinel errors for the server package.
var (
	// ErrMissingConnID indicates a request's "conn_id" field was absent or
	// not a hex string.
	ErrMissingConnID = errors.New("conn_id must be a 24-character hex string")
)

// OverlayServer adapts ConnectRPC calls onto a dataplane.Manager. Each RPC
// delegates to the manager for actual connection lifecycle operations; the
// server itself holds no domain state.
type OverlayServer struct {
	manager *dataplane.Manager
	logger  *slog.Logger
}

// NewOverlayServer constructs the RPC adapter without wiring it into an
// http.ServeMux, so tests and alternate transports can invoke its methods
// directly.
func NewOverlayServer(mgr *dataplane.Manager, logger *slog.Logger) *OverlayServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverlayServer{
		manager: mgr,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// New creates an OverlayServer and returns the HTTP handler mux ready to be
// mounted under each procedure's path.
func New(mgr *dataplane.Manager, logger *slog.Logger, opts ...connect.HandlerOption) *http.ServeMux {
	srv := NewOverlayServer(mgr, logger)

	mux := http.NewServeMux()
	mux.Handle(ListConnectionsProcedure, connect.NewUnaryHandler(
		ListConnectionsProcedure, srv.ListConnections, opts...))
	mux.Handle(GetConnectionProcedure, connect.NewUnaryHandler(
		GetConnectionProcedure, srv.GetConnection, opts...))
	mux.Handle(CloseConnectionProcedure, connect.NewUnaryHandler(
		CloseConnectionProcedure, srv.CloseConnection, opts...))
	mux.Handle(WatchConnectionEventProcedure, connect.NewServerStreamHandler(
		WatchConnectionEventProcedure, srv.WatchConnectionEvents, opts...))

	checker := grpchealth.NewStaticChecker(ServiceName)
	mux.Handle(grpchealth.NewHandler(checker))

	return mux
}

// ListConnections returns every currently registered connection id.
func (s *OverlayServer) ListConnections(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "ListConnections called")

	ids := s.manager.Connections()
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, id.String())
	}

	resp, err := structpb.NewStruct(map[string]any{"connection_ids": list})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode response: %w", err))
	}
	return connect.NewResponse(resp), nil
}

// GetConnection returns whether a connection id is currently registered.
func (s *OverlayServer) GetConnection(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := connIDFromRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.logger.InfoContext(ctx, "GetConnection called", slog.String("conn_id", id.String()))

	_, ok := s.manager.Lookup(id)
	resp, err := structpb.NewStruct(map[string]any{
		"conn_id": id.String(),
		"found":   ok,
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode response: %w", err))
	}
	return connect.NewResponse(resp), nil
}

// CloseConnection tears down a registered connection.
func (s *OverlayServer) CloseConnection(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	id, err := connIDFromRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.logger.InfoContext(ctx, "CloseConnection called", slog.String("conn_id", id.String()))

	if err := s.manager.Destroy(id); err != nil {
		if errors.Is(err, dataplane.ErrConnectionNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	resp, err := structpb.NewStruct(map[string]any{"conn_id": id.String()})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("encode response: %w", err))
	}
	return connect.NewResponse(resp), nil
}

// WatchConnectionEvents streams connection lifecycle events (server-side
// streaming) until the client disconnects or the manager is closed.
func (s *OverlayServer) WatchConnectionEvents(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	s.logger.InfoContext(ctx, "WatchConnectionEvents called")

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("watch connection events: %w", ctx.Err())
		case ev, ok := <-s.manager.ConnectionEvents():
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(map[string]any{
				"conn_id":   ev.ID.String(),
				"timestamp": ev.Timestamp.UnixNano(),
			})
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if err := stream.Send(msg); err != nil {
				return fmt.Errorf("send connection event: %w", err)
			}
		}
	}
}

// connIDFromRequest extracts and parses the "conn_id" string field.
func connIDFromRequest(msg *structpb.Struct) (wire.ConnectionId, error) {
	var id wire.ConnectionId
	v, ok := msg.GetFields()["conn_id"]
	if !ok {
		return id, ErrMissingConnID
	}
	s := v.GetStringValue()
	if len(s) != wire.CIDSize*2 {
		return id, ErrMissingConnID
	}
	for i := 0; i < wire.CIDSize; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return id, ErrMissingConnID
		}
		id[i] = hi<<4 | lo
	}
	return id, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}
