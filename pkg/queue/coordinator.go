package queue

import (
	"context"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// runHost implements Host for one run. It is used by the worker goroutine
// only; approval and interrupt handlers interact with it indirectly via the
// store and the run's latch.
type runHost struct {
	scheduler *Scheduler
	sessionID string
	runID     string
}

var _ Host = (*runHost)(nil)

func (h *runHost) Session() *models.Session {
	s, err := h.scheduler.store.GetSessionByID(context.Background(), h.sessionID)
	if err != nil {
		return &models.Session{ID: h.sessionID}
	}
	return s
}

func (h *runHost) Run() *models.Run {
	r, err := h.scheduler.store.GetRunByID(context.Background(), h.runID)
	if err != nil {
		return &models.Run{ID: h.runID, SessionID: h.sessionID}
	}
	return r
}

func (h *runHost) Workspace() workspace.Provider { return h.scheduler.workspace }

func (h *runHost) EmitDelta(ctx context.Context, text string) error {
	_, err := h.scheduler.journal.Append(ctx, h.runID, models.EventAssistantDelta, map[string]any{
		"text": text,
	})
	return err
}

func (h *runHost) EmitToolResult(ctx context.Context, toolName string, args map[string]any, result string, success bool) error {
	_, err := h.scheduler.journal.Append(ctx, h.runID, models.EventToolResult, map[string]any{
		"tool_name": toolName,
		"args":      args,
		"result":    result,
		"success":   success,
	})
	return err
}

// RequestApproval is the executor side of the approval handshake. The
// proposed events are journaled before the approval rows exist, so a decision
// event can never precede its proposal in the journal.
func (h *runHost) RequestApproval(ctx context.Context, calls []models.ToolCall) (*ApprovalOutcome, error) {
	if len(calls) == 0 {
		return &ApprovalOutcome{}, nil
	}

	session := h.Session()
	if session.Settings.AutoApprove {
		for _, call := range calls {
			if _, err := h.scheduler.journal.Append(ctx, h.runID, models.EventToolCallProposed, proposalPayload(call, true)); err != nil {
				return nil, err
			}
			if _, err := h.scheduler.journal.Append(ctx, h.runID, models.EventToolCallApproved, map[string]any{
				"tool_name": call.ToolName,
				"auto":      true,
			}); err != nil {
				return nil, err
			}
		}
		return &ApprovalOutcome{Approved: calls}, nil
	}

	for _, call := range calls {
		if _, err := h.scheduler.journal.Append(ctx, h.runID, models.EventToolCallProposed, proposalPayload(call, false)); err != nil {
			return nil, err
		}
	}

	approvals, err := h.scheduler.store.BeginApprovalBatch(ctx, h.runID, calls)
	if err != nil {
		return nil, err
	}
	h.scheduler.journal.Notifier().Notify(h.runID)

	latch := h.scheduler.latch(h.runID)
	latch.Clear()

	for {
		if h.Interrupted() {
			return &ApprovalOutcome{Interrupted: true}, nil
		}
		pending, err := h.scheduler.store.PendingApprovalsForRun(ctx, h.runID)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			break
		}
		latch.Wait(ctx, interruptPollSlice)
		latch.Clear()
		if ctx.Err() != nil {
			return &ApprovalOutcome{Interrupted: true}, nil
		}
	}

	// Batch fully decided: resume the run before returning to the executor.
	if _, err := h.scheduler.store.MarkRunRunning(ctx, h.runID); err != nil {
		return nil, err
	}
	h.scheduler.journal.Notifier().Notify(h.runID)

	decided, err := h.scheduler.store.ApprovalsForRun(ctx, h.runID)
	if err != nil {
		return nil, err
	}
	decidedByID := make(map[string]models.ApprovalStatus, len(decided))
	for _, a := range decided {
		decidedByID[a.ID] = a.Status
	}

	outcome := &ApprovalOutcome{}
	for i, a := range approvals {
		switch decidedByID[a.ID] {
		case models.ApprovalApproved:
			outcome.Approved = append(outcome.Approved, calls[i])
		case models.ApprovalRejected:
			outcome.Rejected = true
		}
	}
	return outcome, nil
}

func (h *runHost) Interrupted() bool {
	run, err := h.scheduler.store.GetRunByID(context.Background(), h.runID)
	if err != nil {
		return false
	}
	return run.InterruptRequested
}

func (h *runHost) Sleep(ctx context.Context, d time.Duration) error {
	latch := h.scheduler.latch(h.runID)
	deadline := time.Now().Add(d)
	for {
		if h.Interrupted() {
			return ErrInterrupted
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		slice := interruptPollSlice
		if remaining < slice {
			slice = remaining
		}
		latch.Wait(ctx, slice)
		latch.Clear()
		if ctx.Err() != nil {
			return ErrInterrupted
		}
	}
}

func (h *runHost) AdvanceWorkflow(ctx context.Context, target models.WorkflowState) error {
	session := h.Session()
	_, err := h.scheduler.store.AdvanceWorkflow(ctx, session.TenantID, h.sessionID, target)
	return err
}

func (h *runHost) SaveConversation(ctx context.Context, blob []byte) error {
	return h.scheduler.store.SetConversation(ctx, h.sessionID, blob)
}

func (h *runHost) RecordUsage(ctx context.Context, tokens int, costUSD float64) error {
	return h.scheduler.store.SetRunUsage(ctx, h.runID, store.RunUsage{Tokens: tokens, CostUSD: costUSD})
}

func proposalPayload(call models.ToolCall, auto bool) map[string]any {
	p := map[string]any{
		"tool_name": call.ToolName,
		"args":      call.Args,
	}
	if auto {
		p["auto_approved"] = true
	}
	return p
}
