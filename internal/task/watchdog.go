package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

const watchdogBatch = 200

// Watchdog fails active tasks that stopped making progress: processing tasks with a
// stale heartbeat, and active tasks whose queue job is gone.
type Watchdog struct {
	svc              *Service
	heartbeatTimeout time.Duration
	orphanGrace      time.Duration
	logger           *slog.Logger
}

func NewWatchdog(svc *Service, heartbeatTimeout, orphanGrace time.Duration, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		svc:              svc,
		heartbeatTimeout: heartbeatTimeout,
		orphanGrace:      orphanGrace,
		logger:           logger.With("component", "watchdog"),
	}
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.SweepStale(ctx); err != nil {
			w.logger.Error("stale sweep", "error", err)
		}
		if _, err := w.ReconcileActive(ctx); err != nil {
			w.logger.Error("reconcile sweep", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepStale fails processing tasks whose last heartbeat is older than the timeout.
func (w *Watchdog) SweepStale(ctx context.Context) (int, error) {
	stale, err := w.svc.repo.ListActive(ctx, ListFilter{
		Statuses:   fromProcessing,
		SeenBefore: w.svc.now().Add(-w.heartbeatTimeout),
		Limit:      watchdogBatch,
	})
	if err != nil {
		return 0, err
	}
	telemetry.StaleProcessing.Set(float64(len(stale)))

	failed := 0
	for _, t := range stale {
		applied, err := w.svc.failActive(ctx, t.ID, NewError(CodeWatchdogTimeout, "", nil), true, "watchdog")
		if err != nil {
			w.logger.Error("fail stale task", "task_id", t.ID, "error", err)
			continue
		}
		if applied {
			failed++
			telemetry.WatchdogTimeouts.Inc()
			w.logger.Warn("task heartbeat timeout", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID, "last_seen", t.LastSeen())
		}
	}
	return failed, nil
}

// ReconcileActive fails active tasks past the creation grace whose queue job no longer
// exists. Lookup errors skip the task; they are never treated as dead.
func (w *Watchdog) ReconcileActive(ctx context.Context) (int, error) {
	candidates, err := w.svc.repo.ListActive(ctx, ListFilter{
		Statuses:   models.ActiveStatuses,
		SeenBefore: w.svc.now().Add(-w.orphanGrace),
		Limit:      watchdogBatch,
	})
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, t := range candidates {
		alive, err := w.svc.liveness.IsJobAlive(ctx, t)
		if err != nil {
			telemetry.ReconcileErrors.Inc()
			w.logger.Warn("liveness check failed", "task_id", t.ID, "error", err)
			continue
		}
		if alive {
			continue
		}
		applied, err := w.svc.failActive(ctx, t.ID, NewError(CodeReconcileOrphan, "", nil), true, "orphan_sweep")
		if err != nil {
			w.logger.Error("fail orphaned task", "task_id", t.ID, "error", err)
			continue
		}
		if applied {
			failed++
			telemetry.OrphanTakeovers.WithLabelValues("watchdog").Inc()
			w.logger.Warn("orphaned task failed", "task_id", t.ID, "task_type", t.Type, "user_id", t.UserID)
		}
	}
	return failed, nil
}
