package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/models"
	"github.com/MR-liu/waoowaoo-sub006/internal/queue"
	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

// Queue is the durable queue the processor pulls from.
type Queue interface {
	Leases
	DequeueWithLease(ctx context.Context, family models.Family) (queue.Message, bool, error)
	Ack(ctx context.Context, family models.Family, taskID string) error
	RequeueExpired(ctx context.Context, family models.Family, now time.Time, limit int64) ([]string, error)
	Depths(ctx context.Context) (map[models.Family]queue.Depth, error)
}

// Processor drives the worker execution loops: WorkerConcurrency goroutines per
// family with a registered handler, plus one maintenance loop reclaiming expired
// leases and publishing depth gauges.
type Processor struct {
	cfg      config.Config
	queue    Queue
	executor *Executor
	families []models.Family
	workerID string
	logger   *slog.Logger
}

func NewProcessor(cfg config.Config, q Queue, lifecycle Lifecycle, registry *Registry, workerID string, logger *slog.Logger) *Processor {
	logger = logger.With("component", "processor", "worker_id", workerID)
	return &Processor{
		cfg:      cfg,
		queue:    q,
		executor: NewExecutor(lifecycle, registry, q, cfg.HeartbeatInterval, cfg.VisibilityTimeout, logger),
		families: registry.Families(),
		workerID: workerID,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled and every loop has drained its current job.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := max(p.cfg.WorkerConcurrency, 1)
	var wg sync.WaitGroup
	for _, family := range p.families {
		for i := 0; i < concurrency; i++ {
			wg.Add(1)
			go func(family models.Family) {
				defer wg.Done()
				p.loop(ctx, family)
			}(family)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	p.logger.Info("processor started", "families", p.families, "concurrency", concurrency)
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) loop(ctx context.Context, family models.Family) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.ProcessOne(ctx, family) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// ProcessOne leases and executes at most one job of family. It reports whether a
// job was found.
func (p *Processor) ProcessOne(ctx context.Context, family models.Family) bool {
	msg, ok, err := p.queue.DequeueWithLease(ctx, family)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("dequeue", "queue", family, "error", err)
		}
		return false
	}
	if !ok {
		return false
	}

	telemetry.InFlightGauge.WithLabelValues(string(family)).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(string(family)).Dec()

	// The job runs to its terminal commit even when the worker is shutting down.
	outcome := p.executor.Execute(context.WithoutCancel(ctx), msg)
	if outcome == OutcomeRetry {
		return true
	}
	if err := p.queue.Ack(context.WithoutCancel(ctx), family, msg.TaskID); err != nil {
		p.logger.Error("ack", "task_id", msg.TaskID, "queue", family, "error", err)
	}
	return true
}

func (p *Processor) maintain(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval * 5
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Maintain reclaims expired leases and refreshes the depth gauges once.
func (p *Processor) Maintain(ctx context.Context) {
	for _, family := range p.families {
		reclaimed, err := p.queue.RequeueExpired(ctx, family, time.Now(), 100)
		if err != nil {
			p.logger.Warn("requeue expired", "queue", family, "error", err)
			continue
		}
		if len(reclaimed) > 0 {
			p.logger.Info("reclaimed expired leases", "queue", family, "count", len(reclaimed))
		}
	}
	depths, err := p.queue.Depths(ctx)
	if err != nil {
		p.logger.Warn("queue depths", "error", err)
		return
	}
	for family, d := range depths {
		telemetry.QueueDepthGauge.WithLabelValues(string(family)).Set(float64(d.Ready))
	}
}
