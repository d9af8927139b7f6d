// Package queue provides the run scheduler: a process-wide FIFO queue, the
// single worker that executes runs, the approval coordinator, and the
// executor contract shared by the stub and the real agent.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// Sentinel errors for the executor contract.
var (
	// ErrInterrupted is returned by executors that observed the run's
	// interrupt flag at a cooperative checkpoint.
	ErrInterrupted = errors.New("run interrupted")
)

// interruptPollSlice bounds how long an executor sleeps between cooperative
// interrupt checks.
const interruptPollSlice = 50 * time.Millisecond

// ApprovalOutcome is the resolution of an approval batch.
type ApprovalOutcome struct {
	// Approved holds the approved subset of the proposed calls, in proposal
	// order.
	Approved []models.ToolCall

	// Rejected is true when any call in the batch was rejected.
	Rejected bool

	// Interrupted is true when the wait ended because of an interrupt
	// request rather than a decision.
	Interrupted bool
}

// Host is the runtime surface the worker hands to an executor. Every method
// is safe to call from the worker goroutine only; callbacks must not re-enter
// HTTP handler locks.
type Host interface {
	// Session returns a snapshot of the owning session.
	Session() *models.Session

	// Run returns a snapshot of the run under execution.
	Run() *models.Run

	// Workspace returns the session-scoped file provider.
	Workspace() workspace.Provider

	// EmitDelta appends an assistant_delta event.
	EmitDelta(ctx context.Context, text string) error

	// EmitToolResult appends a tool_result event.
	EmitToolResult(ctx context.Context, toolName string, args map[string]any, result string, success bool) error

	// RequestApproval proposes tool calls that would mutate workspace files.
	// With auto_approve on, the whole batch is approved immediately;
	// otherwise the run transitions to waiting_approval and the call blocks
	// until every approval in the batch is decided or the run is
	// interrupted.
	RequestApproval(ctx context.Context, calls []models.ToolCall) (*ApprovalOutcome, error)

	// Interrupted reports the run's interrupt_requested flag. Executors must
	// poll it at every externally observable step.
	Interrupted() bool

	// Sleep waits cooperatively, polling the interrupt flag in slices of at
	// most 50ms. It returns ErrInterrupted when the flag is raised.
	Sleep(ctx context.Context, d time.Duration) error

	// AdvanceWorkflow moves the session workflow state forward.
	AdvanceWorkflow(ctx context.Context, target models.WorkflowState) error

	// SaveConversation stores the executor-owned conversation blob.
	SaveConversation(ctx context.Context, blob []byte) error

	// RecordUsage overwrites the run's token/cost accounting with
	// provider-reported numbers, suppressing the stub approximation.
	RecordUsage(ctx context.Context, tokens int, costUSD float64) error
}

// Executor runs one user message to completion against the Host. A nil
// return means the run completed; ErrInterrupted means it observed an
// interrupt; any other error fails the run with INTERNAL_ERROR.
type Executor interface {
	Execute(ctx context.Context, h Host) error
}
