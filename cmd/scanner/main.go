package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mixelka/smsguard/internal/alerts"
	"github.com/mixelka/smsguard/internal/classifier"
	"github.com/mixelka/smsguard/internal/config"
	"github.com/mixelka/smsguard/internal/counters"
	"github.com/mixelka/smsguard/internal/database"
	"github.com/mixelka/smsguard/internal/device"
	"github.com/mixelka/smsguard/internal/formatter"
	"github.com/mixelka/smsguard/internal/metrics"
	"github.com/mixelka/smsguard/internal/parser"
	"github.com/mixelka/smsguard/internal/reconcile"
	"github.com/mixelka/smsguard/internal/registry"
	"github.com/mixelka/smsguard/internal/scan"
	"github.com/mixelka/smsguard/internal/scanstate"
	"github.com/mixelka/smsguard/internal/score"
	"github.com/mixelka/smsguard/internal/store"
)

type remoteStore interface {
	store.Store
	Ping(ctx context.Context) error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sms scan engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Remote store
	var remote remoteStore
	if cfg.MongoEnabled() {
		mongo, err := store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDBName, logger)
		if err != nil {
			logger.Error("failed to connect to mongodb", "error", err)
			os.Exit(1)
		}
		defer mongo.Close(context.Background())

		if err := mongo.EnsureIndexes(ctx,
			store.CollectionMessages,
			store.CollectionAlerts,
			store.CollectionScanState,
			store.CollectionScores,
			store.CollectionAccounts,
		); err != nil {
			logger.Error("failed to create indexes", "error", err)
			os.Exit(1)
		}
		remote = mongo
		logger.Info("using mongodb remote store", "database", cfg.MongoDBName)
	} else {
		remote = store.NewMemory()
		logger.Warn("MONGO_URI not set, documents are kept in memory")
	}

	// Local cache
	db, err := database.New(cfg.CachePath)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("cache migrations completed")

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	reconciler, err := reconcile.New(ctx, remote, db, m, logger, reconcile.Options{
		ReplayInterval: cfg.ReplayInterval,
	})
	if err != nil {
		logger.Error("failed to create reconciler", "error", err)
		os.Exit(1)
	}

	// Dashboard counters (optional)
	var sink alerts.Counters
	if cfg.RedisEnabled() {
		client, err := counters.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("dashboard counters disabled", "error", err)
		} else {
			defer client.Close()
			sink = counters.NewRedis(client, counters.DefaultRetention, logger)
			logger.Info("dashboard counters enabled", "addr", cfg.RedisAddr)
		}
	}

	// Create components
	classifierClient := classifier.NewClient(classifier.Config{
		BaseURL:             cfg.ClassifierURL,
		APIKey:              cfg.ClassifierAPIKey,
		Timeout:             cfg.ClassifierTimeout,
		BatchSize:           cfg.ClassifierBatchSize,
		SuspiciousThreshold: cfg.SuspiciousThreshold,
	}, m, logger)
	if !classifierClient.IsConfigured() {
		logger.Warn("CLASSIFIER_URL not set, every message will be classified as unknown")
	}

	tracker := scanstate.NewTracker(reconciler, logger)
	fingerprints := registry.New(reconciler, parser.NewNormalizer(), m, logger, cfg.RegistryFailOpen)
	factory := alerts.NewFactory(reconciler, sink, parser.NewRiskDetector(), formatter.NewAlertFormatter(), m, logger)
	scores := score.NewEngine(reconciler, tracker, m, logger, cfg.ScoreFreshness)

	scanner := scan.NewScanner(scan.Deps{
		Source:     device.NewExportSource(cfg.DeviceExportDir, logger),
		Locator:    device.NewExportLocator(cfg.DeviceExportDir, logger),
		Documents:  reconciler,
		Tracker:    tracker,
		Registry:   fingerprints,
		Classifier: classifierClient,
		Alerts:     factory,
		Scores:     scores,
		Metrics:    m,
		Logger:     logger,
	})
	manager := scan.NewManager(scanner, cfg.ScanInterval, logger)

	// Background sync
	var wg sync.WaitGroup
	watch := func(partition, collection string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := reconciler.Watch(ctx, partition, collection); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("subscription ended", "partition", partition, "collection", collection, "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	watch(store.GlobalPartition, store.CollectionFingerprints)
	for _, id := range cfg.AccountIDs {
		watch(id, store.CollectionAccounts)
		watch(id, store.CollectionScanState)
	}

	// Metrics and health endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/health", healthHandler(remote, classifierClient))
	server := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("metrics server listening", "addr", cfg.MetricsAddr)

	// Start scanning
	if len(cfg.AccountIDs) == 0 {
		logger.Warn("ACCOUNT_IDS is empty, nothing to scan")
	}
	manager.RestoreAll(cfg.AccountIDs)

	// Setup graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("scan engine is running, press Ctrl+C to stop")
	sig := <-sigCh

	logger.Info("received shutdown signal", "signal", sig)
	logger.Info("shutting down...")

	manager.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}

	cancel()
	wg.Wait()

	if n, err := reconciler.Pending(context.Background()); err == nil && n > 0 {
		logger.Warn("exiting with unsynced writes, they will be replayed on next start", "pending", n)
	}

	logger.Info("scan engine stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
