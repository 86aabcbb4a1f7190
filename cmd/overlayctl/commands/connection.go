package commands

import (
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/overlaynet/overlay-core/internal/server"
)

// rpcClient builds a ConnectRPC client bound to a single procedure. Every
// overlayctl RPC shares the same structpb.Struct request/response shape
// (see internal/server), so one generic client constructor serves all of
// them; only the procedure path differs per call.
func rpcClient(procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
	return connect.NewClient[structpb.Struct, structpb.Struct](
		http.DefaultClient,
		"http://"+serverAddr+procedure,
	)
}

func connectionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connection",
		Short: "Manage overlay connections",
	}

	cmd.AddCommand(connectionListCmd())
	cmd.AddCommand(connectionShowCmd())
	cmd.AddCommand(connectionCloseCmd())
	cmd.AddCommand(connectionWatchCmd())

	return cmd
}

func connectionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := rpcClient(server.ListConnectionsProcedure).CallUnary(
				cmd.Context(), connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("list connections: %w", err)
			}

			out, err := formatStruct(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func connectionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <conn-id>",
		Short: "Show whether a connection is currently registered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := structpb.NewStruct(map[string]any{"conn_id": args[0]})
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := rpcClient(server.GetConnectionProcedure).CallUnary(
				cmd.Context(), connect.NewRequest(req))
			if err != nil {
				return fmt.Errorf("get connection: %w", err)
			}

			out, err := formatStruct(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func connectionCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <conn-id>",
		Short: "Tear down a registered connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := structpb.NewStruct(map[string]any{"conn_id": args[0]})
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}

			resp, err := rpcClient(server.CloseConnectionProcedure).CallUnary(
				cmd.Context(), connect.NewRequest(req))
			if err != nil {
				return fmt.Errorf("close connection: %w", err)
			}

			out, err := formatStruct(resp.Msg, outputFormat)
			if err != nil {
				return fmt.Errorf("format response: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}

func connectionWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream connection lifecycle events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client := connect.NewClient[structpb.Struct, structpb.Struct](
				http.DefaultClient,
				"http://"+serverAddr+server.WatchConnectionEventProcedure,
			)

			stream, err := client.CallServerStream(ctx, connect.NewRequest(&structpb.Struct{}))
			if err != nil {
				return fmt.Errorf("watch connection events: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, err := formatStruct(stream.Msg(), outputFormat)
				if err != nil {
					return fmt.Errorf("format event: %w", err)
				}
				fmt.Print(out)
			}
			if err := stream.Err(); err != nil {
				return fmt.Errorf("stream closed: %w", err)
			}
			return nil
		},
	}
}
