// lobbygrid daemon -- session fleet entry point (main server + session
// server fleet over reliable UDP).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lobbygrid/lobbygrid/internal/config"
	"github.com/lobbygrid/lobbygrid/internal/logging"
	"github.com/lobbygrid/lobbygrid/internal/metrics"
	"github.com/lobbygrid/lobbygrid/internal/protocol"
	"github.com/lobbygrid/lobbygrid/internal/server"
	"github.com/lobbygrid/lobbygrid/internal/session"
	"github.com/lobbygrid/lobbygrid/internal/transport"
	appversion "github.com/lobbygrid/lobbygrid/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// defaultSessionType is the generator registered by the bundled daemon; an
// empty type string keeps plain clients working without custom generators.
const defaultSessionType = ""

// defaultFramerate drives sessions created by the bundled generator.
const defaultFramerate = 30

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lobbygrid",
		Short:         "Session fleet daemon: lobby entry point and game-room servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(appversion.Full("lobbygrid"))
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the main server and session fleet",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")
	return cmd
}

// serve wires config, logging, metrics and the fleet together and blocks
// until SIGINT/SIGTERM.
func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger, async := logging.New(
		os.Stdout,
		cfg.Log.Format,
		config.ParseLogLevel(cfg.Log.Level),
		cfg.Log.QueueSize,
	)
	defer async.Close()

	logger.Info("lobbygrid starting",
		slog.String("version", appversion.Version),
		slog.Uint64("main_port", uint64(cfg.Main.Port)),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	server.Initialize()

	mainSrv, err := newMainServer(cfg, logger, collector)
	if err != nil {
		logger.Error("failed to start main server", slog.String("error", err.Error()))
		return err
	}

	if err := runServers(cfg, mainSrv, reg, logger); err != nil {
		logger.Error("lobbygrid exited with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("lobbygrid stopped")
	return nil
}

// newMainServer builds the MainServer from the config, with the credential
// table as the login predicate and a default session generator.
func newMainServer(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*server.MainServer, error) {
	bufferSize, err := cfg.Fleet.ParseBufferSize()
	if err != nil {
		return nil, err
	}

	users := cfg.Users
	names := make(map[uint64]string, len(users))
	for _, u := range users {
		names[u.UserID] = u.ID
	}

	m, err := server.NewMainServer(
		transport.NewKCPFactory(logger),
		server.MainServerOptions{
			Port:          cfg.Main.Port,
			MaxConnection: cfg.Main.MaxConnection,
			MaxChannel:    cfg.Main.MaxChannel,
			QueueSize:     cfg.Main.QueueSize,
			Login:         credentialLogin(users),
			Username: func(uid uint64) string {
				return names[uid]
			},
			Fleet: server.SessionServerOption{
				MaxConnection:     cfg.Fleet.MaxConnection,
				MaxChannel:        cfg.Fleet.MaxChannel,
				MaxSessions:       cfg.Fleet.MaxSessions,
				PortRange:         server.PortRange{Low: cfg.Fleet.PortRangeLow, High: cfg.Fleet.PortRangeHigh},
				QueueSize:         cfg.Fleet.QueueSize,
				IncomingBandwidth: cfg.Fleet.IncomingBandwidth,
				OutgoingBandwidth: cfg.Fleet.OutgoingBandwidth,
				BufferSize:        bufferSize,
			},
		},
		logger,
		collector,
	)
	if err != nil {
		return nil, fmt.Errorf("create main server: %w", err)
	}

	m.Manager().RegisterSessionGenerator(defaultSessionType,
		func(opt protocol.SessionCreationOption, info protocol.SessionInfo) *session.Session {
			return session.New(session.Options{
				Info:      info,
				Password:  opt.Password,
				Framerate: defaultFramerate,
			}, logger)
		})

	return m, nil
}

// credentialLogin checks submitted credentials against the config's user
// table and hands out a fresh token per login.
func credentialLogin(users []config.UserConfig) server.LoginFunc {
	failCode := uint8(1)

	return func(data protocol.LoginData) protocol.LoginResult {
		for _, u := range users {
			if u.ID == data.ID && u.Password == data.Password {
				return protocol.LoginResult{
					Success: true,
					UserIdentifier: &protocol.UserIdentifier{
						UserID:    u.UserID,
						UserToken: protocol.GenerateUUID(),
					},
				}
			}
		}
		return protocol.LoginResult{Success: false, ErrorCode: &failCode}
	}
}

// runServers runs the metrics HTTP server alongside the fleet using an
// errgroup with signal-aware context for graceful shutdown.
func runServers(cfg *config.Config, main *server.MainServer, reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, main, metricsSrv, logger)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// gracefulShutdown detaches sessions, joins the fleet's event workers, then
// drains the metrics HTTP server.
func gracefulShutdown(ctx context.Context, main *server.MainServer, metricsSrv *http.Server, logger *slog.Logger) error {
	logger.Info("initiating graceful shutdown")

	main.Shutdown()

	// context.WithoutCancel detaches from the parent's cancellation so we
	// can enforce our own drain timeout.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
