// Command execution-worker boots the Execution Worker (C6): it dequeues
// RunItem tasks, invokes provider adapters through the shared rate limiter,
// persists Responses, and triggers rollup recomputation on every
// transition. Run one or many of these per deployment; they coordinate
// purely through the relational store and the Redis coordination store.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/execution"
	"github.com/answerlens/engine/queue"
	"github.com/answerlens/engine/ratelimit"
	"github.com/answerlens/engine/registry"
	"github.com/answerlens/engine/rollup"
	"github.com/answerlens/engine/store"
	"github.com/answerlens/engine/telemetry"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("execution-worker: loading configuration: %v", err)
	}

	logger := core.NewSimpleLogger().WithComponent("engine/execution-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received", nil)
		cancel()
	}()

	db, err := store.New(ctx, cfg.Store, logger)
	if err != nil {
		log.Fatalf("execution-worker: connecting to store: %v", err)
	}
	defer db.Close()

	coord, err := coordination.New(coordination.Options{
		RedisURL:  cfg.Coordination.RedisURL,
		Namespace: cfg.Coordination.Namespace,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("execution-worker: connecting to coordination store: %v", err)
	}
	defer coord.Close()

	reg, err := registry.New(ctx, cfg.Providers, cfg.Pricing, logger)
	if err != nil {
		log.Fatalf("execution-worker: building provider registry: %v", err)
	}

	limiter := ratelimit.New(coord, cfg.Coordination.BucketGCTTL, logger)
	taskQueue := queue.New(coord, "queue:execution", logger)
	rollupEngine := rollup.New(db, db, db, logger)

	limits := make(map[string]core.ProviderFlag, len(cfg.Providers.Flags))
	for name, flag := range cfg.Providers.Flags {
		limits[name] = flag
	}

	opts := execution.Options{
		Items:     db,
		Runs:      db,
		Questions: db,
		Personas:  db,
		Topics:    db,
		Responses: db,
		Registry:  reg,
		Limiter:   limiter,
		Limits:    limits,
		Queue:     taskQueue,
		Rollup:    rollupEngine,
		Logger:    logger,
	}

	if cfg.Telemetry.Enabled {
		provider := telemetry.NewProvider(cfg.Telemetry.ServiceName)
		defer provider.Shutdown(context.Background())
		metrics := telemetry.NewMetrics()
		opts.Tracer = telemetry.NewTracer(provider, "answerlens/execution")
		opts.Metrics = metrics
		limiter.WithMetrics(metrics)
	}

	worker := execution.New(opts)

	logger.Info("execution worker starting", nil)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("execution-worker: worker exited: %v", err)
	}
	logger.Info("execution worker stopped", nil)
}
