// Command sweeper releases balance freezes left pending by tasks that no longer
// run, and audits user balances against the transaction log. It reports by
// default and only rolls back with -apply.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
	"github.com/MR-liu/waoowaoo-sub006/internal/events"
	"github.com/MR-liu/waoowaoo-sub006/internal/ledger"
	"github.com/MR-liu/waoowaoo-sub006/internal/logging"
	"github.com/MR-liu/waoowaoo-sub006/internal/store"
	"github.com/MR-liu/waoowaoo-sub006/internal/task"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.Setup(cfg, "sweeper")

	apply := flag.Bool("apply", false, "roll back stale freezes instead of only reporting them")
	olderThan := flag.Duration("older-than", cfg.FreezeSweepAge, "minimum age of a pending freeze")
	limit := flag.Int("limit", 500, "maximum freezes scanned")
	audit := flag.String("audit", "", "comma separated user ids to audit after the sweep")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repos, closeStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	led := ledger.New(repos, logger)
	pub := events.NewPublisher(repos, repos, nil, logger)
	// Read-only use: the sweeper only asks whether a freeze's task is still active.
	svc := task.NewService(repos, led, pub, nil, nil, logger)

	report, err := led.SweepPendingFreezes(ctx, ledger.SweepOptions{
		OlderThan:  *olderThan,
		Apply:      *apply,
		Limit:      *limit,
		TaskActive: svc.IsActive,
	})
	if err != nil {
		logger.Error("sweep pending freezes", "error", err)
		os.Exit(1)
	}

	out := map[string]any{"sweep": report}
	var audits []ledger.AuditReport
	for _, user := range strings.Split(*audit, ",") {
		user = strings.TrimSpace(user)
		if user == "" {
			continue
		}
		a, err := led.Audit(ctx, user)
		if err != nil {
			logger.Error("audit", "user_id", user, "error", err)
			os.Exit(1)
		}
		if !a.Consistent {
			logger.Warn("ledger drift", "user_id", user, "drift", a.Drift.String(), "frozen_drift", a.FrozenDrift.String())
		}
		audits = append(audits, a)
	}
	if audits != nil {
		out["audit"] = audits
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("write report", "error", err)
		os.Exit(1)
	}
	if report.Failed > 0 {
		os.Exit(2)
	}
}
