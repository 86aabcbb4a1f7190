// Command overlayd runs the multipath overlay transport daemon: it loads
// configuration, binds the UDP datagram transport, starts the connection
// manager's ingest loop, and serves the ConnectRPC control plane and
// Prometheus metrics endpoint until told to shut down.
//
// Grounded on cmd/gobfd/main.go's wiring shape (config load -> dynamic
// logger -> metrics registry -> domain manager -> errgroup + signal
// context -> HTTP servers -> graceful shutdown). The teacher's
// systemd SdNotify/watchdog integration, runtime/trace.FlightRecorder, and
// GoBGP RFC 5882 bridge have no analogue in this domain and are not
// carried over (see DESIGN.md).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlaynet/overlay-core/internal/config"
	"github.com/overlaynet/overlay-core/internal/dataplane"
	"github.com/overlaynet/overlay-core/internal/pcr"
	"github.com/overlaynet/overlay-core/internal/server"
	"github.com/overlaynet/overlay-core/internal/telemetry"
	appversion "github.com/overlaynet/overlay-core/internal/version"
)

// shutdownTimeout bounds how long the daemon waits for in-flight
// connections to drain before forcing the HTTP servers closed.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "overlayd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "overlayd.yml", "path to configuration file")
		showVersion = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("overlayd"))
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(config.ParseLogLevel(cfg.Log.Level))
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar})
	if strings.EqualFold(cfg.Log.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	collector := telemetry.NewCollector(reg)

	transport, err := dataplane.NewUDPTransport(cfg.Transport.ListenAddr, cfg.Transport.MaxDatagramSize)
	if err != nil {
		return fmt.Errorf("bind transport: %w", err)
	}
	if cfg.Transport.HopLimit > 0 {
		if err := transport.SetHopLimit(cfg.Transport.HopLimit); err != nil {
			logger.Warn("failed to set hop limit", slog.Any("error", err))
		}
	}

	manager := dataplane.NewManager(transport, logger)
	detector := pcr.New(pcr.Config{
		EnableAnomaly:    cfg.PCR.EnableAnomaly,
		EnableExternal:   cfg.PCR.EnableExternal,
		EnablePeriodic:   cfg.PCR.EnablePeriodic,
		RotationInterval: cfg.PCR.RotationInterval,
		AnomalyThreshold: cfg.PCR.AnomalyThreshold,
		AuditLogCapacity: cfg.PCR.AuditLogCapacity,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		manager.RunIngest(gctx)
		return nil
	})

	if cfg.PCR.EnablePeriodic {
		g.Go(func() error {
			detector.RunPeriodicRotation(gctx)
			return nil
		})
	}

	g.Go(func() error {
		trackConnectionLifecycle(gctx, manager, detector, collector)
		return nil
	})

	rpcMux := server.New(manager, logger)
	rpcSrv := &http.Server{
		Addr:    cfg.GRPC.Addr,
		Handler: h2c.NewHandler(rpcMux, &http2.Server{}),
	}
	g.Go(func() error { return serveUntilDone(gctx, rpcSrv, logger, "rpc") })

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: metricsMux,
	}
	g.Go(func() error { return serveUntilDone(gctx, metricsSrv, logger, "metrics") })

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		manager.Close()
		_ = transport.Close()

		var shutdownErr error
		if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("rpc server shutdown: %w", err))
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("metrics server shutdown: %w", err))
		}
		return shutdownErr
	})

	logger.Info("overlayd started",
		slog.String("rpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("transport_addr", cfg.Transport.ListenAddr),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveUntilDone(ctx context.Context, srv *http.Server, logger *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server exited unexpectedly", slog.String("server", name), slog.Any("error", err))
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	}
}

// trackConnectionLifecycle consumes the manager's connection events and
// keeps the Prometheus connections gauge and the PCR detector's registered
// session set in sync with the registry: a still-present connection after
// the event is a registration, a now-absent one is a teardown.
func trackConnectionLifecycle(ctx context.Context, manager *dataplane.Manager, detector *pcr.Detector, collector *telemetry.Collector) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-manager.ConnectionEvents():
			if !ok {
				return
			}
			sessionID := ev.ID.String()
			if conn, exists := manager.Lookup(ev.ID); exists {
				collector.IncConnections()
				detector.Register(sessionID, conn)
			} else {
				collector.DecConnections()
				detector.Unregister(sessionID)
			}
		}
	}
}
