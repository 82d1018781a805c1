// Command delivery-worker boots the Delivery Worker (C9): it dequeues
// Delivery tasks, maps the underlying exported Record through the
// registered mapper, POSTs the payload to the partner webhook configured on
// the owning Export, and retries with jittered exponential backoff per
// §4.9's classification table.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/answerlens/engine/coordination"
	"github.com/answerlens/engine/core"
	"github.com/answerlens/engine/delivery"
	"github.com/answerlens/engine/queue"
	"github.com/answerlens/engine/ratelimit"
	"github.com/answerlens/engine/store"
	"github.com/answerlens/engine/telemetry"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("delivery-worker: loading configuration: %v", err)
	}

	logger := core.NewSimpleLogger().WithComponent("engine/delivery-worker")

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
		log.Fatalf("delivery-worker: connecting to store: %v", err)
	}
	defer db.Close()

	coord, err := coordination.New(coordination.Options{
		RedisURL:  cfg.Coordination.RedisURL,
		Namespace: cfg.Coordination.Namespace,
		Logger:    logger,
	})
	if err != nil {
		log.Fatalf("delivery-worker: connecting to coordination store: %v", err)
	}
	defer coord.Close()

	limiter := ratelimit.New(coord, cfg.Coordination.BucketGCTTL, logger)
	taskQueue := queue.New(coord, "queue:delivery", logger)
	mappers := delivery.NewMapperRegistry()

	limits := map[string]core.ProviderFlag{
		"passthrough@v1": {
			QPS:   cfg.Delivery.RateLimitQPS,
			Burst: cfg.Delivery.RateLimitBurst,
		},
	}

	opts := delivery.Options{
		Deliveries:  db,
		Exports:     db,
		Mappers:     mappers,
		Limiter:     limiter,
		Limits:      limits,
		HTTPClient:  &http.Client{Timeout: cfg.Delivery.Timeout},
		Queue:       taskQueue,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BackoffBase: cfg.Delivery.BackoffBase,
		Timeout:     cfg.Delivery.Timeout,
		Logger:      logger,
	}

	if cfg.Telemetry.Enabled {
		provider := telemetry.NewProvider(cfg.Telemetry.ServiceName)
		defer provider.Shutdown(context.Background())
		metrics := telemetry.NewMetrics()
		opts.Tracer = telemetry.NewTracer(provider, "answerlens/delivery")
		opts.Metrics = metrics
		limiter.WithMetrics(metrics)
	}

	worker := delivery.New(opts)

	logger.Info("delivery worker starting", nil)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("delivery-worker: worker exited: %v", err)
	}
	logger.Info("delivery worker stopped", nil)
}
