package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/logging"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/reconcile"
	"github.com/MR-liu/waoowaoo-sub006/internal/store"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
	workerproc "github.com/MR-liu/waoowaoo-sub006/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Setup(cfg, "worker")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repos, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	redisClient := queue.NewRedisClient(cfg)
	defer redisClient.Close()

	telemetry.Register()
	q := queue.NewRedisQueue(redisClient, cfg)
	led := ledger.New(repos, logger)
	pub := events.NewPublisher(repos, repos, events.NewRedisBroadcaster(redisClient), logger)
	svc := task.NewService(repos, led, pub, reconcile.New(q, cfg.OrphanGrace), q, logger,
		task.WithClaimTimeout(cfg.HeartbeatTimeout))

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = hostname + "-" + uuid.NewString()[:8]
	}

	registry := workerproc.NewRegistry()
	imageHandler, err := workerproc.NewImageHandler(ctx, cfg, nil)
	if err != nil {
		logger.Warn("image handler disabled", "error", err)
	} else {
		registry.RegisterFamily(models.FamilyImage, imageHandler)
	}
	processor := workerproc.NewProcessor(cfg, q, svc, registry, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	watchdog := task.NewWatchdog(svc, cfg.HeartbeatTimeout, cfg.OrphanGrace, logger)
	go func() {
		if err := watchdog.Run(ctx, cfg.WatchdogInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watchdog stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"families", registry.Families(),
		"visibility", cfg.VisibilityTimeout,
		"heartbeat", cfg.HeartbeatInterval,
		"backoff_initial", cfg.BackoffInitial)
	start := time.Now()
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
	}
	logger.Info("worker drained", "uptime", time.Since(start).Round(time.Second))
}
