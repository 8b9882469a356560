// Warden detection server: consumes the event stream, maintains correlation
// windows, schedules historical rule executions, and serves the operational
// HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/driftsec/warden/pkg/alerting"
	"github.com/driftsec/warden/pkg/api"
	"github.com/driftsec/warden/pkg/buffer"
	"github.com/driftsec/warden/pkg/config"
	"github.com/driftsec/warden/pkg/correlate"
	"github.com/driftsec/warden/pkg/database"
	"github.com/driftsec/warden/pkg/detect"
	"github.com/driftsec/warden/pkg/metrics"
	"github.com/driftsec/warden/pkg/pipeline"
	"github.com/driftsec/warden/pkg/rules"
	"github.com/driftsec/warden/pkg/scheduler"
	"github.com/driftsec/warden/pkg/search"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the instance identifier used for the scheduler
// lease and as the consumer-group member name.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	logger := slog.Default()

	slog.Info("Starting warden",
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry shared by every component and the /metrics endpoint
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// 3. Initialize database (runs pending migrations)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 4. Connect to Redis and set up the event buffer
	redisClient, err := buffer.NewRedisClient(ctx, cfg.Stream)
	if err != nil {
		slog.Error("Failed to connect to Redis", "addr", cfg.Stream.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	buf := buffer.New(redisClient, cfg.Stream, m, logger)
	monitor := buffer.NewBufferMonitor(cfg.Backpressure, cfg.Stream, buf, m, logger)
	monitor.Start(ctx)
	slog.Info("Event buffer initialized",
		"stream", cfg.Stream.EventsStream(),
		"backpressure", cfg.Stream.Backpressure)

	// 5. Historical store client. An unreachable store is not fatal: events
	// keep buffering in Redis and the readiness probe reports the outage.
	esClient, err := search.NewESClient(cfg.Search, logger)
	if err != nil {
		slog.Error("Failed to initialize search client", "error", err)
		os.Exit(1)
	}
	if err := esClient.Ping(ctx); err != nil {
		slog.Warn("Historical store unreachable at startup", "error", err)
	}

	// 6. Rule store and cache (synchronous first load)
	ruleStore := rules.NewStore(dbClient.DB(), logger)
	ruleCache := rules.NewCache(ruleStore, cfg.Scheduler.Tick(), logger)
	if err := ruleCache.Start(ctx); err != nil {
		slog.Error("Failed to load rule snapshot", "error", err)
		os.Exit(1)
	}
	defer ruleCache.Stop()

	// 7. Alerting
	alertStore := alerting.NewPGStore(dbClient.DB(), logger)
	generator := alerting.NewGenerator(alertStore, buf, ruleStore, m, cfg.Alert.EventRingCapacity, logger)

	// 8. Correlation engine and expiry sweeper
	stateStore := correlate.NewPGStateStore(dbClient.DB(), logger)
	deduper := correlate.NewDeduper(redisClient, cfg.Stream.Prefix)
	engine := correlate.NewEngine(cfg.Correlation, cfg.State, cfg.Alert,
		stateStore, deduper, ruleCache, generator, buf, m, logger)
	if err := engine.Start(); err != nil {
		slog.Error("Failed to start correlation engine", "error", err)
		os.Exit(1)
	}

	sweeper := correlate.NewSweeper(cfg.Correlation, stateStore, m, logger)
	sweeper.Start(ctx)

	// 9. Detection engine and scheduler
	detectEngine := detect.New(esClient, cfg.Detection, m, logger)
	leases := scheduler.NewLeaseStore(dbClient.DB(), logger)
	pool := scheduler.NewPool(cfg.Scheduler.Workers, 0, logger)
	pool.Start(ctx)

	runner := scheduler.NewRunner(detectEngine, ruleStore, generator, engine, cfg.Detection, logger)
	sched := scheduler.New(ruleCache, ruleStore, leases, runner, pool, cfg.Scheduler, podID, logger)
	sched.Start(ctx)

	// 10. Stream consumers. The indexer group reads on the bulk flush
	// interval rather than the low-latency correlator cadence.
	correlator := pipeline.NewCorrelator(engine, logger)
	correlators := pipeline.NewRunner(buf, correlator,
		cfg.Stream.EventsStream(), pipeline.GroupCorrelators, podID, cfg.Consumer, m, logger)
	if err := correlators.Start(ctx); err != nil {
		slog.Error("Failed to start correlator consumer", "error", err)
		os.Exit(1)
	}

	indexerCfg := *cfg.Consumer
	indexerCfg.BlockMS = cfg.Consumer.IndexerFlushMS
	indexer := pipeline.NewIndexer(esClient, m, logger)
	indexers := pipeline.NewRunner(buf, indexer,
		cfg.Stream.EventsStream(), pipeline.GroupIndexers, podID, &indexerCfg, m, logger)
	if err := indexers.Start(ctx); err != nil {
		slog.Error("Failed to start indexer consumer", "error", err)
		os.Exit(1)
	}

	// 11. HTTP server
	httpServer := api.NewServer(dbClient, buf, esClient, alertStore, generator,
		ruleStore, ruleCache, registry, logger)
	httpServer.SetScheduler(sched)
	httpServer.SetRunners(correlators, indexers)
	httpServer.SetStateCounter(stateStore)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Server.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Warden started successfully",
		"pod_id", podID,
		"shards", cfg.Correlation.Shards,
		"scheduler_workers", cfg.Scheduler.Workers)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown
	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Scheduler.GracefulShutdown())
	defer drainCancel()

	// Scheduler first so no new executions enter the pool, then the pool
	// drains what is already running.
	schedDone := make(chan struct{})
	go func() {
		sched.Stop()
		pool.Stop()
		close(schedDone)
	}()

	select {
	case <-schedDone:
		slog.Info("Scheduler stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Scheduler shutdown timeout exceeded")
	}

	// Stream consumers next; unacked entries are reclaimed after restart.
	consumersDone := make(chan struct{})
	go func() {
		correlators.Stop()
		indexers.Stop()
		close(consumersDone)
	}()

	select {
	case <-consumersDone:
		slog.Info("Stream consumers stopped gracefully")
	case <-drainCtx.Done():
		slog.Warn("Consumer shutdown timeout exceeded, pending entries will be reclaimed")
	}

	// Engine last among the processors: the consumers feeding it are down,
	// so Stop only drains what the shards already hold.
	engine.Stop()
	sweeper.Stop()
	monitor.Stop()

	// Stop HTTP server with its own timeout budget
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
