package services

import (
	"context"
	"log/slog"

	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/store"
)

// RunService submits messages as runs and mediates interrupts and event
// reads.
type RunService struct {
	store     store.Store
	scheduler *queue.Scheduler
	notifier  *events.Notifier
	cfg       *config.Config
}

// NewRunService creates a RunService.
func NewRunService(st store.Store, scheduler *queue.Scheduler, notifier *events.Notifier, cfg *config.Config) *RunService {
	return &RunService{store: st, scheduler: scheduler, notifier: notifier, cfg: cfg}
}

// SubmitMessage accepts a user message as a new run, or returns the existing
// run on an idempotent retry (reused=true).
func (s *RunService) SubmitMessage(ctx context.Context, tenantID, sessionID, message, idempotencyKey string) (*models.Run, bool, error) {
	if message == "" {
		return nil, false, NewValidationError("message", "required")
	}
	return s.scheduler.Submit(ctx, tenantID, sessionID, message, idempotencyKey, s.cfg.MaxRunsPerSession)
}

// Get returns the tenant's run.
func (s *RunService) Get(ctx context.Context, tenantID, sessionID, runID string) (*models.Run, error) {
	return s.store.GetRun(ctx, tenantID, sessionID, runID)
}

// Interrupt requests cooperative cancellation. Idempotent on terminal runs:
// the unchanged record is returned.
func (s *RunService) Interrupt(ctx context.Context, tenantID, sessionID, runID string) (*models.Run, error) {
	run, changed, err := s.store.RequestInterrupt(ctx, tenantID, sessionID, runID)
	if err != nil {
		return nil, err
	}
	if changed {
		// Wake the worker from any approval wait or sleep slice, and wake
		// streams so they observe the interrupting status.
		s.scheduler.Signal(runID)
		s.notifier.Notify(runID)
		slog.Info("Interrupt requested", "session_id", sessionID, "run_id", runID)
	}
	return run, nil
}

// EventsAfter returns the run's events with seq greater than afterSeq, after
// a tenant check.
func (s *RunService) EventsAfter(ctx context.Context, tenantID, sessionID, runID string, afterSeq int) ([]*models.Event, error) {
	if _, err := s.store.GetRun(ctx, tenantID, sessionID, runID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, runID, afterSeq)
}
