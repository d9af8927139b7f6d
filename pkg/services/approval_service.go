package services

import (
	"context"
	"log/slog"

	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/store"
)

// ApprovalService lists and decides pending approvals.
type ApprovalService struct {
	store     store.Store
	scheduler *queue.Scheduler
	notifier  *events.Notifier
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(st store.Store, scheduler *queue.Scheduler, notifier *events.Notifier) *ApprovalService {
	return &ApprovalService{store: st, scheduler: scheduler, notifier: notifier}
}

// ListPending returns the session's pending approvals ordered by created_at.
func (s *ApprovalService) ListPending(ctx context.Context, tenantID, sessionID string) ([]*models.Approval, error) {
	return s.store.ListPendingApprovals(ctx, tenantID, sessionID)
}

// Decide applies an approve or reject decision and wakes the waiting worker.
// The decision event is already persisted when the latch is signalled.
func (s *ApprovalService) Decide(ctx context.Context, tenantID, sessionID, approvalID string, approve, applyToFuture bool) (*models.Approval, error) {
	result, err := s.store.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:      tenantID,
		SessionID:     sessionID,
		ApprovalID:    approvalID,
		Approve:       approve,
		ApplyToFuture: applyToFuture,
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(result.Run.ID)
	s.scheduler.Signal(result.Run.ID)

	slog.Info("Approval decided",
		"session_id", sessionID,
		"approval_id", approvalID,
		"approved", approve,
		"batch_resolved", result.BatchResolved)
	return result.Approval, nil
}
