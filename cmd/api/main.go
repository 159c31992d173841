package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MR-liu/waoowaoo-sub006/internal/api"
	"github.com/MR-liu/waoowaoo-sub006/internal/billing"
	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/logging"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/ratelimit"
	"github.com/MR-liu/waoowaoo-sub006/internal/reconcile"
	"github.com/MR-liu/waoowaoo-sub006/internal/store"
	"github.com/MR-liu/waoowaoo-sub006/internal/targetstate"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Setup(cfg, "api")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repos, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("connect redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	telemetry.Register()
	q := queue.NewRedisQueue(redisClient, cfg)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	led := ledger.New(repos, logger)
	pub := events.NewPublisher(repos, repos, events.NewRedisBroadcaster(redisClient), logger)
	svc := task.NewService(repos, led, pub, reconcile.New(q, cfg.OrphanGrace), q, logger,
		task.WithClaimTimeout(cfg.HeartbeatTimeout))
	sub := events.NewSubscriber(events.NewRedisPubSub(ctx, redisClient), logger)
	defer sub.Close()

	server := api.New(cfg, api.Deps{
		Submitter:  task.NewSubmitter(svc, billing.Policy{Catalog: billing.DefaultCatalog, Mode: models.BillingMode(cfg.BillingMode)}, limiter, q, logger),
		Tasks:      svc,
		Events:     pub,
		Subscriber: sub,
		Targets:    targetstate.NewService(repos, targetstate.NewOverlay(cfg.OverlaySize, cfg.OverlayTTL)),
		DLQ:        q,
		Gatherer:   prometheus.DefaultGatherer,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with the process context instead of holding Shutdown open.
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "store", cfg.StoreDriver)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
