// Command avsd runs the consensus engine as a Temporal worker.
//
// It loads a YAML configuration, wires the optional Redis stream and SQL
// outbox sinks, exposes Prometheus metrics and serves the engine activities
// and settlement workflows until interrupted.
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
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-avs/internal/config"
	"github.com/ahrav/go-avs/internal/coordinator"
	"github.com/ahrav/go-avs/internal/metrics"
	"github.com/ahrav/go-avs/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("avsd exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rdb, err := worker.InitializeRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	db, err := worker.InitializeDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	scripter := worker.Scripter(rdb)

	eventSink, err := worker.InitializeEventSink(ctx, cfg, scripter, db)
	if err != nil {
		return err
	}

	var recorder metrics.Recorder = metrics.NewNoOp()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheus(cfg.Metrics.Namespace, registry, nil)
		metricsServer = serveMetrics(cfg.Metrics, registry, logger)
	}

	clk := clock.New()
	emitter := worker.InitializeEmitter(cfg.Events, eventSink, logger)
	seq, err := worker.ResumeSequence(ctx, cfg.Database, db)
	if err != nil {
		return err
	}
	engine := worker.InitializeCoordinator(cfg.Consensus, emitter, recorder, clk, logger,
		coordinator.WithSequenceStart(seq))

	limiter, err := worker.InitializeLimiter(cfg.RateLimit, scripter)
	if err != nil {
		return err
	}
	limiter.Start()
	defer limiter.Stop()

	acts := worker.InitializeActivities(engine, emitter, limiter, recorder, clk)

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
		Logger:    temporallog.NewStructuredLogger(logger.With("component", "temporal")),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to temporal at %s: %w", cfg.Temporal.HostPort, err)
	}
	defer temporalClient.Close()

	w := sdkworker.New(temporalClient, cfg.Temporal.TaskQueue, sdkworker.Options{})
	worker.RegisterAll(w, worker.InitializeWorkflows(cfg.Temporal), acts)

	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	logger.Info("avsd started",
		"task_queue", cfg.Temporal.TaskQueue,
		"minimum_stake", cfg.Consensus.MinimumStake.String(),
		"task_ttl", cfg.Consensus.TaskTTL,
		"epoch", engine.Epoch(),
		"resumed_sequence", seq,
		"settlement_grace", cfg.Temporal.SettlementGrace,
		"redis", cfg.Redis.Enabled,
		"outbox", cfg.Database.Enabled)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	w.Stop()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
	}
	return nil
}

func serveMetrics(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	path := cfg.Path
	if path == "" {
		path = config.DefaultMetricsPath
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Addr, "path", path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
