package models

import "time"

// RunStatus is the run state machine status.
//
//	queued ─► running ─► (waiting_approval ⇄ running)* ─► completed | failed | interrupted
//	                 \
//	                  └─► interrupting ─► interrupted
type RunStatus string

// Run statuses.
const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusInterrupting    RunStatus = "interrupting"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusFailed          RunStatus = "failed"
	RunStatusInterrupted     RunStatus = "interrupted"
)

// Active reports whether the status is in the active set.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusWaitingApproval, RunStatusInterrupting:
		return true
	}
	return false
}

// Terminal reports whether the status is in the terminal set.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
		return true
	}
	return false
}

// RunError carries the failure code and message of a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is one execution of the agent on a single user message within a session.
type Run struct {
	ID        string    `json:"run_id"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Status    RunStatus `json:"status"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	InterruptRequested bool `json:"interrupt_requested"`
	UsageFinalized     bool `json:"usage_finalized"`

	// PendingApprovalID is non-empty exactly when Status is waiting_approval.
	// With a batch of sibling approvals it holds the batch head; siblings share
	// the run_id and stay pending until individually decided.
	PendingApprovalID string `json:"pending_approval_id,omitempty"`

	UsageTokens      int     `json:"usage_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`

	Error *RunError `json:"error,omitempty"`

	// EventSeq is the per-run monotonic event counter; the last appended
	// event carries this seq.
	EventSeq int `json:"event_seq"`
}
