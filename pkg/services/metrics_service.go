package services

import (
	"context"
	"fmt"

	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/store"
)

// Alert is one evaluated threshold for /alerts.
type Alert struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"` // "ok" or "alert"
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// MetricsService aggregates runtime metrics and evaluates alert thresholds.
type MetricsService struct {
	store      store.Store
	scheduler  *queue.Scheduler
	thresholds config.AlertThresholds
}

// NewMetricsService creates a MetricsService.
func NewMetricsService(st store.Store, scheduler *queue.Scheduler, thresholds config.AlertThresholds) *MetricsService {
	return &MetricsService{store: st, scheduler: scheduler, thresholds: thresholds}
}

// Metrics returns the current aggregate snapshot, with the live queue depth
// folded in.
func (s *MetricsService) Metrics(ctx context.Context) (*store.MetricsSnapshot, error) {
	snap, err := s.store.Metrics(ctx)
	if err != nil {
		return nil, err
	}
	snap.QueueDepth = s.scheduler.QueueDepth()
	return snap, nil
}

// Alerts evaluates the configured thresholds against the current snapshot.
func (s *MetricsService) Alerts(ctx context.Context) ([]Alert, error) {
	snap, err := s.Metrics(ctx)
	if err != nil {
		return nil, err
	}

	alerts := []Alert{
		evaluate("error_rate", snap.ErrorRate, s.thresholds.MaxErrorRate,
			"run error rate %.2f exceeds %.2f"),
		evaluate("p95_latency_ms", snap.P95LatencyMS, s.thresholds.MaxP95LatencyMS,
			"p95 run latency %.0fms exceeds %.0fms"),
		evaluate("total_estimated_cost_usd", snap.TotalCostUSD, s.thresholds.MaxTotalCostUSD,
			"estimated spend $%.2f exceeds $%.2f"),
		evaluate("queue_depth", float64(snap.QueueDepth), float64(s.thresholds.MaxQueueDepth),
			"queue depth %.0f exceeds %.0f"),
	}
	return alerts, nil
}

func evaluate(name string, value, threshold float64, format string) Alert {
	a := Alert{Name: name, Status: "ok", Value: value, Threshold: threshold}
	if threshold > 0 && value > threshold {
		a.Status = "alert"
		a.Message = fmt.Sprintf(format, value, threshold)
	}
	return a
}
