// Package main is the entry point for the queuescope server. It wires the
// broker consumer, stores, automation engine, and HTTP surface together.
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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/action"
	"github.com/queuescope/queuescope/internal/broadcast"
	"github.com/queuescope/queuescope/internal/broker"
	"github.com/queuescope/queuescope/internal/config"
	"github.com/queuescope/queuescope/internal/definition"
	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/orphan"
	"github.com/queuescope/queuescope/internal/taskname"
	"github.com/queuescope/queuescope/internal/transport"
	"github.com/queuescope/queuescope/internal/workerhealth"
	"github.com/queuescope/queuescope/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "queuescope", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Stores.
	eventStore, workflowStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	names, namesCloser := buildTaskNameCache(cfg.TaskNames, logger)
	if namesCloser != nil {
		defer namesCloser()
	}

	// Broker.
	conn, err := broker.Connect(cfg.Broker.URL, cfg.Broker.ReconnectWait, logger)
	if err != nil {
		logger.Error("broker connection failed", zap.Error(err))
		return 1
	}
	defer conn.Close()

	submitter := broker.NewSubmitter(conn, cfg.Broker.SubmitSubject, logger)

	// Fan-out bridge.
	bridge := broadcast.NewBridge(cfg.Broadcast.QueueSize, cfg.Broadcast.PollTimeout, metrics, logger)
	defer bridge.Close()

	// Automation engine: actions, executor, dispatch pool.
	lineage := event.NewLineageTracker(eventStore)

	registry := action.NewRegistry(logger)
	registry.Register(action.NewNotifyHandler(
		&http.Client{Timeout: cfg.Notify.Timeout},
		cfg.Notify.WebhookURL,
	))
	registry.Register(action.NewRetryHandler(
		eventStore, lineage, submitter, metrics, logger, cfg.Retry.DefaultMaxRetries,
	))

	executor := workflow.NewExecutor(workflowStore, registry, metrics, logger)
	pool := workflow.NewPool(cfg.Engine.PoolSize, cfg.Engine.QueueSize, metrics, logger)
	pool.Start(ctx)
	engine := workflow.NewEngine(workflowStore, lineage, executor, pool, metrics, logger)

	// Bootstrap workflow definitions from YAML documents.
	loader := definition.NewLoader(workflowStore, registry.Types(), logger)
	loaded, err := loader.LoadDirectories(ctx, cfg.Definitions.Directories)
	if err != nil {
		logger.Error("workflow definition loading failed", zap.Error(err))
		return 1
	}

	// Worker liveness and orphan detection.
	detector := orphan.NewDetector(eventStore, bridge, engine, metrics, logger)
	monitor := workerhealth.NewMonitor(
		eventStore, bridge, engine, detector, metrics, logger,
		cfg.Monitor.CheckInterval, cfg.Monitor.HeartbeatTimeout, cfg.Monitor.OrphanGracePeriod,
	)
	go monitor.Run(ctx)

	// Ingestion path on the broker consumer goroutine.
	pipeline := event.NewPipeline(
		event.NewNormalizer(eventStore, lineage),
		eventStore, bridge, engine, monitor, names, metrics, logger,
	)
	consumer := broker.NewConsumer(conn, cfg.Broker.EventSubject, pipeline, logger)

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(ctx)
	}()

	// HTTP surface.
	ready := observability.ReadinessChecks{Broker: brokerHealth{conn: conn}}
	if hc, ok := eventStore.(observability.HealthChecker); ok {
		ready.EventStore = hc
	}
	if hc, ok := workflowStore.(observability.HealthChecker); ok {
		ready.WorkflowStore = hc
	}
	if hc, ok := names.(observability.HealthChecker); ok {
		ready.TaskNameCache = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		EventStore:    eventStore,
		WorkflowStore: workflowStore,
		Bridge:        bridge,
		TaskNames:     names,
		Metrics:       metrics,
		Ready:         ready,
		Log:           logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("event_subject", cfg.Broker.EventSubject),
		zap.Int("workflows_loaded", loaded),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	case err := <-consumerErr:
		if err != nil {
			logger.Error("broker consumer error", zap.Error(err))
			return 1
		}
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop ingesting, then drain dispatched workflow executions.
	stop()
	bridge.Close()
	pool.Wait()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the event and workflow stores, sharing one Postgres
// pool when the driver is postgres.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (event.Store, workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return event.NewMemoryStore(), workflow.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			logger.Warn("store DSN not configured, using in-memory stores",
				zap.String("dsn_env", cfg.DSNEnv))
			return event.NewMemoryStore(), workflow.NewMemoryStore(), nil, nil
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return event.NewPgStore(pool), workflow.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildTaskNameCache creates the task-name cache based on config.
func buildTaskNameCache(cfg config.TaskNameCacheConfig, logger *zap.Logger) (taskname.Cache, func()) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory task-name cache",
				zap.String("addr_env", cfg.AddrEnv))
			return taskname.NewMemoryCache(cfg.TTL), nil
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		return taskname.NewRedisCache(client, cfg.TTL), func() { client.Close() }
	default:
		return taskname.NewMemoryCache(cfg.TTL), nil
	}
}

// brokerHealth adapts a NATS connection to observability.HealthChecker.
type brokerHealth struct {
	conn interface{ IsConnected() bool }
}

func (b brokerHealth) HealthCheck(context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("broker connection down")
	}
	return nil
}
