package telemetry

import (
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/MR-liu/waoowaoo-sub006/internal/config"
)

type AlertLevel string

const (
	LevelOK       AlertLevel = "ok"
	LevelWarn     AlertLevel = "warn"
	LevelCritical AlertLevel = "critical"
)

type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// Rule is a warn/critical pair. With Above, values at or over the level trip it.
type Rule struct {
	Warn      float64   `json:"warn"`
	Critical  float64   `json:"critical"`
	Direction Direction `json:"direction"`
}

// Snapshot is the set of values the alerts are evaluated over.
type Snapshot struct {
	TaskFailureRate                float64 `json:"taskFailureRate"`
	TerminalMismatchRate           float64 `json:"terminalMismatchRate"`
	MaxQueueBacklog                float64 `json:"maxQueueBacklog"`
	StaleProcessingCount           float64 `json:"staleProcessingCount"`
	BillingCompensationFailedCount float64 `json:"billingCompensationFailedCount"`
}

type Thresholds struct {
	TaskFailureRate                Rule
	TerminalMismatchRate           Rule
	MaxQueueBacklog                Rule
	StaleProcessingCount           Rule
	BillingCompensationFailedCount Rule
}

// ThresholdsFromConfig builds above-direction rules from configuration.
func ThresholdsFromConfig(c config.AlertThresholds) Thresholds {
	return Thresholds{
		TaskFailureRate:                Rule{c.FailureRateWarn, c.FailureRateCritical, Above},
		TerminalMismatchRate:           Rule{c.MismatchRateWarn, c.MismatchRateCritical, Above},
		MaxQueueBacklog:                Rule{c.BacklogWarn, c.BacklogCritical, Above},
		StaleProcessingCount:           Rule{c.StaleProcessingWarn, c.StaleProcessingCritical, Above},
		BillingCompensationFailedCount: Rule{c.CompensationWarn, c.CompensationCritical, Above},
	}
}

type Check struct {
	Key   string     `json:"key"`
	Value float64    `json:"value"`
	Rule  Rule       `json:"rule"`
	Level AlertLevel `json:"level"`
}

type AlertResult struct {
	OverallLevel AlertLevel       `json:"overallLevel"`
	Checks       map[string]Check `json:"checks"`
}

// EvaluateLevel classifies one value. Non-finite values count as zero.
func EvaluateLevel(value float64, r Rule) AlertLevel {
	v := finite(value)
	if r.Direction == Below {
		switch {
		case v <= r.Critical:
			return LevelCritical
		case v <= r.Warn:
			return LevelWarn
		}
		return LevelOK
	}
	switch {
	case v >= r.Critical:
		return LevelCritical
	case v >= r.Warn:
		return LevelWarn
	}
	return LevelOK
}

func EvaluateAlerts(s Snapshot, t Thresholds) AlertResult {
	res := AlertResult{OverallLevel: LevelOK, Checks: make(map[string]Check, 5)}
	add := func(key string, value float64, r Rule) {
		c := Check{Key: key, Value: finite(value), Rule: r, Level: EvaluateLevel(value, r)}
		res.Checks[key] = c
		res.OverallLevel = worse(res.OverallLevel, c.Level)
	}
	add("taskFailureRate", s.TaskFailureRate, t.TaskFailureRate)
	add("terminalMismatchRate", s.TerminalMismatchRate, t.TerminalMismatchRate)
	add("maxQueueBacklog", s.MaxQueueBacklog, t.MaxQueueBacklog)
	add("staleProcessingCount", s.StaleProcessingCount, t.StaleProcessingCount)
	add("billingCompensationFailedCount", s.BillingCompensationFailedCount, t.BillingCompensationFailedCount)
	return res
}

func worse(a, b AlertLevel) AlertLevel {
	if a == LevelCritical || b == LevelCritical {
		return LevelCritical
	}
	if a == LevelWarn || b == LevelWarn {
		return LevelWarn
	}
	return LevelOK
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// SnapshotFromGatherer derives a snapshot from the metrics this package registers.
// Rates are over the process lifetime: failures over completed+failed executions,
// mismatches over all terminal executions.
func SnapshotFromGatherer(g prometheus.Gatherer) (Snapshot, error) {
	families, err := g.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("gather metrics: %w", err)
	}
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	var completed, failed, terminated float64
	if mf := byName["task_worker_lifecycle_total"]; mf != nil {
		for _, m := range mf.GetMetric() {
			switch label(m, "outcome") {
			case "completed":
				completed += m.GetCounter().GetValue()
			case "failed":
				failed += m.GetCounter().GetValue()
			case "terminated":
				terminated += m.GetCounter().GetValue()
			}
		}
	}

	var s Snapshot
	if total := completed + failed; total > 0 {
		s.TaskFailureRate = failed / total
	}
	if total := completed + failed + terminated; total > 0 {
		s.TerminalMismatchRate = sum(byName["task_terminal_mismatch_total"]) / total
	}
	if mf := byName["task_queue_depth"]; mf != nil {
		for _, m := range mf.GetMetric() {
			s.MaxQueueBacklog = math.Max(s.MaxQueueBacklog, m.GetGauge().GetValue())
		}
	}
	s.StaleProcessingCount = sum(byName["task_stale_processing"])
	s.BillingCompensationFailedCount = sum(byName["billing_compensation_failed_total"])
	return s, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sum(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.GetCounter().GetValue()
		case m.Gauge != nil:
			total += m.GetGauge().GetValue()
		}
	}
	return total
}
