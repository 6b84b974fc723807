package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamchat/internal/config"
	"teamchat/internal/constants"
	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/privacy"
	"teamchat/internal/queue"
	"teamchat/internal/reachability"
	"teamchat/internal/reconciler"
	"teamchat/internal/retry"
	"teamchat/internal/service"
	"teamchat/internal/storage"
	"teamchat/internal/tracing"
	"teamchat/pkg/chatapi"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message identifiers)")
	configPath = flag.String("config", "config.json", "Path to configuration file (.json, .yaml, .yml or .toml)")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("teamchat %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting teamchat")

	clk := clock.New()
	watcher := config.NewConfigWatcher(*configPath, 0, clk, logger)
	cfg, err := watcher.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	setLogLevel(logger, cfg.LogLevel, *verbose)
	logger.WithFields(logrus.Fields{
		constants.LogFieldSenderID: privacy.MaskID(cfg.SenderID),
		constants.LogFieldURL:      privacy.MaskURL(cfg.API.BaseURL),
		"storage":                  cfg.Storage.Driver,
	}).Info("Configuration loaded")
	watcher.OnConfigChange(func(c *models.Config) {
		setLogLevel(logger, c.LogLevel, *verbose)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.WithError(err).Warn("Configuration watcher stopped")
		}
	}()

	cfg.Tracing.ServiceVersion = Version
	tracingManager := tracing.NewTracingManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	kv, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	apiHTTPClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSec) * time.Second}
	breaker := chatapi.NewBreaker(uint32(cfg.API.BreakerFailures), time.Duration(cfg.API.BreakerResetSec)*time.Second, logger)
	client := chatapi.NewClient(cfg.API.BaseURL, cfg.API.Token, apiHTTPClient, breaker, logger)

	rows := reconciler.New(clk, logger)
	rows.Subscribe(func(conversationID string, msg models.Message) {
		logger.WithFields(logrus.Fields{
			constants.LogFieldLocalID: privacy.MaskID(msg.LocalID),
			constants.LogFieldStatus:  msg.DeliveryStatus,
		}).Trace("Row updated")
	})

	manager := queue.NewManager(kv, client, rows, queue.Options{
		AppName:                  cfg.AppName,
		FailFastOnPermanentError: cfg.Queue.FailFastOnPermanentError,
		Clock:                    clk,
		Metrics:                  m,
	}, logger)
	manager.RestoreRows(ctx)

	monitor, stopReachability := startReachability(ctx, cfg, clk, m, logger)
	defer stopReachability()

	sender := service.NewMessageSender(cfg.SenderID, monitor, client, manager, rows, clk, m, logger)

	coordinator := service.NewQueueCoordinator(manager, monitor,
		service.NewScheduler("queue", clk, logger),
		time.Duration(cfg.Queue.ProcessIntervalSec)*time.Second, logger)
	coordinator.Start(ctx)
	defer coordinator.Stop()

	queueMonitor := service.NewQueueMonitor(manager, time.Duration(cfg.Queue.MonitorIntervalSec)*time.Second, clk, logger)
	go queueMonitor.Start(ctx)
	defer queueMonitor.Stop()

	if cfg.API.RealtimeEnabled {
		realtimeURL := cfg.API.RealtimeURL
		if realtimeURL == "" {
			realtimeURL = chatapi.RealtimeURL(cfg.API.BaseURL)
		}
		listener := chatapi.NewReceiptListener(realtimeURL, cfg.API.Token, rows, retry.ConfigFromModel(cfg.Retry), &http.Client{}, m, logger)
		go func() {
			_ = listener.Run(ctx)
		}()
	}

	server := NewServer(ctx, cfg, Dependencies{
		Sender:      sender,
		Manager:     manager,
		Rows:        rows,
		Monitor:     monitor,
		Coordinator: coordinator,
		Gatherer:    registry,
	}, m, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func setLogLevel(logger *logrus.Logger, configured string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// openStore opens the configured key-value store, retrying transient
// SQLite failures with exponential backoff.
func openStore(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (storage.KeyValueStore, func(), error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("Using in-memory storage; queued messages will not survive a restart")
		return storage.NewMemoryStore(), func() {}, nil
	}

	secret := ""
	if cfg.Storage.Encrypt {
		secret = cfg.Storage.EncryptionSecret
	}

	var store *storage.SQLiteStore
	backoff := retry.NewBackoff(retry.ConfigFromModel(cfg.Retry))
	err := backoff.Retry(ctx, func() error {
		var openErr error
		store, openErr = storage.NewSQLiteStore(cfg.Storage.Path, storage.Options{EncryptionSecret: secret})
		if openErr != nil {
			logger.Warnf("Failed to open storage: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage after retries: %w", err)
	}

	return store, func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close storage")
		}
	}, nil
}

// startReachability builds the connectivity monitor. When interface
// watching is enabled the OS view is polled; otherwise the host pushes
// snapshots through POST /v1/network.
func startReachability(ctx context.Context, cfg *models.Config, clk clock.Clock, m *metrics.Metrics, logger *logrus.Logger) (*reachability.Monitor, func()) {
	rc := cfg.Reachability
	prober := reachability.NewHTTPProber(&http.Client{}, rc.PrimaryProbeURL, rc.FallbackProbeURL,
		time.Duration(rc.ProbeTimeoutMs)*time.Millisecond, m, logger)

	initial := reachability.NetState{Type: constants.NetworkTypeUnknown, IsConnected: true}
	if rc.WatchInterfaces {
		if infos, err := reachability.SystemInterfaces(); err == nil {
			initial = reachability.StateFromInterfaces(infos)
		} else {
			logger.WithError(err).Warn("Failed to list network interfaces")
		}
	}

	monitor := reachability.NewMonitor(initial, prober, reachability.Options{
		Clock:         clk,
		ProbeThrottle: time.Duration(rc.ProbeThrottleMs) * time.Millisecond,
		Debounce:      time.Duration(rc.DebounceMs) * time.Millisecond,
		Metrics:       m,
	}, logger)

	if !rc.WatchInterfaces {
		return monitor, monitor.Stop
	}

	watcher := reachability.NewInterfaceWatcher(reachability.SystemInterfaces, monitor,
		time.Duration(rc.InterfacePollSec)*time.Second, clk, logger)
	go watcher.Start(ctx)
	return monitor, func() {
		watcher.Stop()
		monitor.Stop()
	}
}
