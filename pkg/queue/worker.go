package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
)

// processRun executes one dequeued run end to end: the run_started event,
// executor dispatch, the terminal event, and run finalization. Executor
// panics and errors never escape; they become failed runs.
func (s *Scheduler) processRun(ctx context.Context, it workItem) {
	log := slog.With("session_id", it.sessionID, "run_id", it.runID)

	run, err := s.store.GetRunByID(ctx, it.runID)
	if err != nil {
		log.Error("Dequeued run vanished", "error", err)
		return
	}

	// Cooperative checkpoint: an interrupt may land while the run is queued.
	// Such a run never started, so it gets no run_started event.
	if run.InterruptRequested {
		s.finishRun(ctx, run, models.RunStatusInterrupted, nil)
		return
	}

	run, err = s.store.MarkRunStarted(ctx, it.runID)
	if err != nil {
		log.Error("Failed to mark run started", "error", err)
		return
	}
	if _, err := s.journal.Append(ctx, run.ID, models.EventRunStarted, map[string]any{
		"message": run.Message,
	}); err != nil {
		log.Error("Failed to append run_started", "error", err)
	}
	log.Info("Run started")

	host := &runHost{scheduler: s, sessionID: it.sessionID, runID: it.runID}
	execErr := s.executeSafely(ctx, host)

	switch {
	case execErr == nil:
		s.finishRun(ctx, run, models.RunStatusCompleted, nil)
		log.Info("Run completed")
	case errors.Is(execErr, ErrInterrupted):
		s.finishRun(ctx, run, models.RunStatusInterrupted, nil)
		log.Info("Run interrupted")
	default:
		s.finishRun(ctx, run, models.RunStatusFailed, &models.RunError{
			Code:    "INTERNAL_ERROR",
			Message: execErr.Error(),
		})
		log.Error("Run failed", "error", execErr)
	}
}

// executeSafely dispatches to the executor, converting panics into errors so
// a misbehaving executor cannot take the worker down.
func (s *Scheduler) executeSafely(ctx context.Context, host *runHost) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return s.executor.Execute(ctx, host)
}

// finishRun appends the terminal event, finalizes usage, and applies the
// terminal store transition. The terminal event is persisted before the
// status flips, so a run observed as terminal always has its full journal.
func (s *Scheduler) finishRun(ctx context.Context, run *models.Run, status models.RunStatus, runErr *models.RunError) {
	payload := map[string]any{"status": string(status)}
	if runErr != nil {
		payload["code"] = runErr.Code
		payload["message"] = runErr.Message
	}
	if _, err := s.journal.Append(ctx, run.ID, models.TerminalEventFor(status), payload); err != nil {
		slog.Error("Failed to append terminal event", "run_id", run.ID, "error", err)
	}

	usage := s.approximateUsage(ctx, run)
	if _, err := s.store.FinalizeRun(ctx, run.ID, status, runErr, usage); err != nil {
		slog.Error("Failed to finalize run", "run_id", run.ID, "error", err)
	}

	// Wake any streams blocked on the latch-adjacent notifier, then drop the
	// in-memory latch; it is never persisted.
	s.journal.Notifier().Notify(run.ID)
	s.dropLatch(run.ID)
}

// approximateUsage computes the stub token/cost fallback from the message and
// journal sizes. A real executor that already recorded provider-reported
// usage wins: FinalizeRun skips finalized runs, so nil is returned here.
func (s *Scheduler) approximateUsage(ctx context.Context, run *models.Run) *store.RunUsage {
	current, err := s.store.GetRunByID(ctx, run.ID)
	if err == nil && current.UsageFinalized {
		return nil
	}

	size := len(run.Message)
	if events, err := s.store.ListEvents(ctx, run.ID, 0); err == nil {
		for _, e := range events {
			size += len(e.Type)
			if e.Payload != nil {
				size += len(fmt.Sprint(e.Payload))
			}
		}
	}
	tokens := size / 4
	if tokens < 1 {
		tokens = 1
	}
	return &store.RunUsage{
		Tokens:  tokens,
		CostUSD: float64(tokens) / 1e6 * s.costPerMillionTokens,
	}
}
