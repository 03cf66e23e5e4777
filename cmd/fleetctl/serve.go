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
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/fleetctl/internal/api"
	"github.com/kalambet/fleetctl/internal/archive"
	"github.com/kalambet/fleetctl/internal/broker"
	"github.com/kalambet/fleetctl/internal/clock"
	"github.com/kalambet/fleetctl/internal/config"
	"github.com/kalambet/fleetctl/internal/docker"
	"github.com/kalambet/fleetctl/internal/events"
	"github.com/kalambet/fleetctl/internal/feeds"
	"github.com/kalambet/fleetctl/internal/feeds/wsfeed"
	"github.com/kalambet/fleetctl/internal/fleet"
	"github.com/kalambet/fleetctl/internal/saga"
	"github.com/kalambet/fleetctl/internal/storage"
	"github.com/kalambet/fleetctl/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP over stdin/stdout")
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop a running control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "fleetctl.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "fleetctl version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	apiToken, err := config.GetAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("getting API token: %w", err)
	}
	slog.Info("API bearer token available", "path", filepath.Join(cfg.Storage.DataDir, "api_token"))

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	runtime, err := docker.New(cfg.Docker.Host, cfg.Docker.NameMarker, cfg.Docker.ExcludeMarker)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}
	defer runtime.Close()

	clk := clock.Real()
	tel := telemetry.NewStore(telemetry.DefaultLogCapacity, clk)

	brk := broker.New(broker.Options{
		Namespace:         cfg.Broker.Namespace,
		ReplyNamespace:    cfg.Broker.ReplyNamespace,
		NodeID:            cfg.Broker.NodeID,
		ReconnectInterval: cfg.Broker.ReconnectInterval,
		CallTimeout:       cfg.Fleet.HistoryTimeout,
	}, broker.PahoDialer(broker.PahoConfig{
		Host:           cfg.Broker.Host,
		Port:           cfg.Broker.Port,
		Username:       cfg.Broker.Username,
		Password:       cfg.Broker.Password,
		ClientPrefix:   cfg.Broker.NodeID,
		ConnectTimeout: cfg.Broker.ConnectTimeout,
	}), tel, clk)

	manager := fleet.NewManager(runtime, brk, tel, fleet.Config{
		Interval:       cfg.Fleet.ReconcileInterval,
		LivenessWindow: cfg.Fleet.LivenessWindow,
		HistoryTimeout: cfg.Fleet.HistoryTimeout,
	}, clk)

	// A nil *s3.Client must not reach the archive service as a non-nil
	// Uploader, so the interface is only assigned on success.
	var uploader archive.Uploader
	if cfg.Archive.S3Bucket != "" || cfg.Archive.S3Region != "" || cfg.Archive.S3Endpoint != "" {
		s3Client, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Region:          cfg.Archive.S3Region,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			Endpoint:        cfg.Archive.S3Endpoint,
		})
		if err != nil {
			return fmt.Errorf("configuring s3: %w", err)
		}
		uploader = s3Client
	}
	archiver := archive.NewService(archive.Config{
		BotsDir:       cfg.Archive.BotsDir,
		LocalDir:      cfg.Archive.LocalDir,
		DefaultBucket: cfg.Archive.S3Bucket,
	}, uploader, store)

	runner := saga.NewRunner(manager, runtime, archiver, store, saga.Config{
		GracePeriod:       cfg.Saga.GracePeriod,
		StopAttempts:      cfg.Saga.StopAttempts,
		StopRetryInterval: cfg.Saga.StopRetryInterval,
	}, clk)
	held, err := runner.Recover()
	if err != nil {
		return fmt.Errorf("recovering sagas: %w", err)
	}
	if held > 0 {
		slog.Warn("bots held by unfinished shutdowns", "count", held)
	}

	var cache *feeds.Cache
	if cfg.MarketData.GatewayURL != "" {
		driver, err := wsfeed.New(cfg.MarketData.GatewayURL)
		if err != nil {
			return fmt.Errorf("configuring market data: %w", err)
		}
		cache = feeds.NewCache(feeds.Config{
			CleanupInterval: cfg.MarketData.CleanupInterval,
			FeedTimeout:     cfg.MarketData.FeedTimeout,
		}, clk)
		cache.Register(feeds.KindCandles, driver)
		cache.Register(feeds.KindOrderBook, driver)
	}

	var forwarder *events.Forwarder
	if len(cfg.Events.KafkaBrokers) > 0 {
		w, err := events.NewKafkaWriter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic)
		if err != nil {
			return fmt.Errorf("configuring event forwarding: %w", err)
		}
		forwarder = events.NewForwarder(w, 0)
		for _, p := range events.Patterns(brk.Namespace()) {
			brk.Handle(p, forwarder.Handle)
		}
		slog.Info("forwarding bot events", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}

	deps := api.AppDeps{
		Fleet:      manager,
		Sagas:      runner,
		Journal:    store,
		Containers: runtime,
		Connection: brk,
		Token:      apiToken,
	}
	if cache != nil {
		deps.Feeds = cache
	}
	if forwarder != nil {
		deps.Events = forwarder
	}
	if cfg.API.MCPEnabled {
		deps.MCP = api.NewMCPServer(api.MCPDeps{Fleet: manager, Sagas: runner}, version)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           api.NewAppHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return brk.Run(gctx) })
	g.Go(func() error {
		manager.Run(gctx)
		return nil
	})
	if cache != nil {
		g.Go(func() error {
			cache.Run(gctx)
			return nil
		})
	}
	if forwarder != nil {
		g.Go(func() error {
			err := forwarder.Run(gctx)
			sent, dropped := forwarder.Stats()
			slog.Info("event forwarding stopped", "sent", sent, "dropped", dropped)
			return err
		})
	}
	if mcpStdio && deps.MCP != nil {
		stdio := server.NewStdioServer(deps.MCP)
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("fleetctl listening", "addr", addr, "mcp", deps.MCP != nil, "market_data", cache != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if werr := runner.Wait(shutdownCtx); werr != nil {
			slog.Warn("sagas still running at shutdown", "in_flight", runner.InFlight())
		}
		if cache != nil {
			cache.Close()
		}
		return err
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("fleetctl is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping fleetctl (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to fleetctl (PID %d)", pid)
	return nil
}
