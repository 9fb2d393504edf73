package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	appconfig "watchkeeper/internal/config"
	"watchkeeper/internal/content"
	"watchkeeper/internal/control"
	"watchkeeper/internal/failover"
	"watchkeeper/internal/handlers"
	"watchkeeper/internal/health"
	"watchkeeper/internal/lifecycle"
	"watchkeeper/internal/models"
	"watchkeeper/internal/owner"
	"watchkeeper/internal/preflight"
	"watchkeeper/internal/session"
	"watchkeeper/internal/store"
	"watchkeeper/internal/supervisor"
	"watchkeeper/pkg/config"
	"watchkeeper/pkg/database"
	"watchkeeper/pkg/logging"
	"watchkeeper/pkg/monitoring"
	"watchkeeper/pkg/server"
	"watchkeeper/pkg/version"
)

func main() {
	// Setup structured logger
	logger := logging.NewLoggerWithService("watchkeeper")

	// Load environment variables from local env files
	config.LoadEnv(logger)

	logger.Info("Starting Watchkeeper (Broadcast Continuity Supervisor)")

	cfg, err := appconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("watchkeeper", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("watchkeeper", version.Version, version.GitCommit)

	// Record store
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	recordStore := store.NewStore(db)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if err := recordStore.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}

	// Control channel to the broadcast engine
	channel := control.NewChannel(control.Config{
		URL:    cfg.EngineURL,
		Token:  cfg.EngineToken,
		Logger: logger,
	})
	go channel.Run(ctx)

	// Content provider (optional)
	var provider content.Provider
	if cfg.ContentProviderURL != "" {
		provider = content.NewClient(cfg.ContentProviderURL, cfg.ContentProviderToken, logger)
	}

	// Engine lifecycle
	var engineLifecycle lifecycle.Manager = lifecycle.NoopManager{}
	if cfg.EngineRestartCommand != "" {
		engineLifecycle = lifecycle.NewCommandManager(cfg.EngineRestartCommand, logger)
	}

	// Health checks for external dependencies
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("control_channel", monitoring.ControlChannelHealthCheck(channel))
	if cfg.ContentProviderURL != "" {
		healthChecker.AddCheck("content_provider", monitoring.HTTPServiceHealthCheck("Content Provider", cfg.ContentProviderURL+"/healthz"))
	}
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"ENGINE_URL":   cfg.EngineURL,
		"DATABASE_URL": cfg.DatabaseURL,
	}))

	// Components around the supervisor
	signals := make(chan models.Signal, 64)

	sceneSupervisor := supervisor.New(channel, cfg.Scenes, logger)
	broadcast := session.NewManager(channel, recordStore, signals, session.Config{
		PollInterval:  cfg.StatusPollInterval,
		RetryInterval: cfg.StreamRetryInterval,
		Logger:        logger,
	})
	preflightValidator := preflight.NewValidator(channel, provider, recordStore, preflight.Config{
		Scenes:              cfg.Scenes,
		FallbackContentPath: cfg.FallbackContentPath,
		DestinationURL:      cfg.DestinationURL,
		RetryDelay:          cfg.PreflightRetryDelay,
		Logger:              logger,
	})
	healthMonitor := health.NewMonitor(channel, recordStore, signals, metricsCollector, health.Config{
		Interval:         cfg.HealthSampleInterval,
		DroppedFramesMax: cfg.DroppedFramesPctMax,
		SilenceMax:       cfg.EngineSilenceMax,
		SessionID:        broadcast.CurrentSessionID,
		Logger:           logger,
	})
	failoverManager := failover.NewManager(sceneSupervisor, recordStore, broadcast, engineLifecycle, metricsCollector, failover.Config{
		MaxEngineRestarts: cfg.MaxEngineRestarts,
		Logger:            logger,
	})
	var rotator *content.Rotator
	var playing owner.ContentSource
	if provider != nil {
		rotator = content.NewRotator(channel, provider, signals, content.RotatorConfig{
			Source: cfg.AutomatedMediaSource,
			Logger: logger,
		})
		playing = rotator
	}

	ownerDetector := owner.NewDetector(channel, sceneSupervisor, recordStore, broadcast, owner.Config{
		Sources:      cfg.OwnerSource,
		PollInterval: cfg.OwnerPollInterval,
		LiveWait:     cfg.OwnerLiveWait,
		Content:      playing,
		Logger:       logger,
	})

	// Startup sequence: crash cleanup, preflight, scene, stream.
	if err := sceneSupervisor.Bootstrap(ctx, recordStore, preflightValidator, broadcast); err != nil {
		logger.WithError(err).Fatal("Startup failed")
	}

	go broadcast.Run(ctx)
	go healthMonitor.Run(ctx)
	go failoverManager.Run(ctx, signals)
	go ownerDetector.Run(ctx)
	if rotator != nil {
		go rotator.Run(ctx)
	}
	go bridgeEngineEvents(ctx, channel, signals, logger)
	go archiveLoop(ctx, recordStore, cfg.MetricRetention, logger)

	// Operator surface
	r := server.SetupServiceRouter(logger, "watchkeeper", healthChecker, metricsCollector)
	operatorHandlers := handlers.New(channel, broadcast, failoverManager, ownerDetector, sceneSupervisor, healthMonitor, recordStore, logger)
	operatorHandlers.Register(r)

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-quit
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")

		// Cancelling the run context stops the stream deliberately and
		// closes the session record.
		stop()
		time.Sleep(2 * time.Second)

		logger.WithFields(logging.Fields{
			"reason":    "graceful_shutdown",
			"service":   "watchkeeper",
			"timestamp": time.Now().Format(time.RFC3339),
		}).Info("Shutting down Watchkeeper gracefully...")

		os.Exit(0)
	}()

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("watchkeeper", cfg.HTTPPort)
	if err := server.Start(serverConfig, r, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

// bridgeEngineEvents turns engine connection events into fault signals.
// The engine keeps its own reconnect loop toward the platform; these
// signals only drive bookkeeping and recovery records.
func bridgeEngineEvents(ctx context.Context, channel *control.Channel, signals chan<- models.Signal, logger logging.Logger) {
	events, unsub := channel.Subscribe(control.EventConnectionState)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			status, err := control.DecodeStateEvent(event)
			if err != nil {
				logger.WithError(err).Debug("Undecodable connection event")
				continue
			}
			switch status {
			case models.ConnectionDisconnected:
				signals <- models.Signal{
					Kind:   models.SignalDestinationLost,
					At:     time.Now(),
					Detail: "engine reported destination disconnect",
				}
			case models.ConnectionConnected:
				signals <- models.Signal{
					Kind:   models.SignalDestinationRestored,
					At:     time.Now(),
					Detail: "engine reconnected to destination",
				}
			}
		}
	}
}

// archiveLoop trims health samples past the retention horizon once a day.
func archiveLoop(ctx context.Context, recordStore *store.Store, retention time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := recordStore.ArchiveHealthMetrics(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.WithError(err).Warn("Health metric archival failed")
				continue
			}
			if n > 0 {
				logger.WithField("rows", n).Info("Archived old health samples")
			}
		}
	}
}
