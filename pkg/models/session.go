// Package models defines the core entities persisted by the store: sessions,
// runs, approvals, and run events.
package models

import "time"

// WorkflowState is the coarse lifecycle of a session, distinct from run state.
// States are ordered; a session's workflow state never regresses except to
// StateCancelled.
type WorkflowState string

// Workflow states, in lifecycle order.
const (
	StateDraft          WorkflowState = "draft"
	StateResumeUploaded WorkflowState = "resume_uploaded"
	StateJDProvided     WorkflowState = "jd_provided"
	StateGapAnalyzed    WorkflowState = "gap_analyzed"
	StateRewriteApplied WorkflowState = "rewrite_applied"
	StateExported       WorkflowState = "exported"
	StateCancelled      WorkflowState = "cancelled"
)

var workflowOrder = map[WorkflowState]int{
	StateDraft:          0,
	StateResumeUploaded: 1,
	StateJDProvided:     2,
	StateGapAnalyzed:    3,
	StateRewriteApplied: 4,
	StateExported:       5,
}

// Valid reports whether s is a known workflow state.
func (s WorkflowState) Valid() bool {
	if s == StateCancelled {
		return true
	}
	_, ok := workflowOrder[s]
	return ok
}

// Before reports whether s precedes other in workflow order.
// StateCancelled has no order; Before always returns false for it.
func (s WorkflowState) Before(other WorkflowState) bool {
	a, okA := workflowOrder[s]
	b, okB := workflowOrder[other]
	return okA && okB && a < b
}

// SessionSettings holds per-session behavioural settings.
type SessionSettings struct {
	AutoApprove bool `json:"auto_approve"`
}

// IdempotencyRecord maps a client-supplied idempotency key to the run it
// produced and the fingerprint of the message that created it.
type IdempotencyRecord struct {
	Fingerprint string `json:"fingerprint"`
	RunID       string `json:"run_id"`
}

// Session is one tenant-scoped unit of work over a single workspace.
// It owns its runs and approvals; deleting a session cascades to both.
type Session struct {
	ID            string          `json:"session_id"`
	TenantID      string          `json:"tenant_id"`
	WorkspaceName string          `json:"workspace_name"`
	CreatedAt     time.Time       `json:"created_at"`
	WorkflowState WorkflowState   `json:"workflow_state"`
	Settings      SessionSettings `json:"settings"`

	// ActiveRunID is non-empty exactly when a run for this session is in a
	// non-terminal state.
	ActiveRunID           string `json:"active_run_id,omitempty"`
	PendingApprovalsCount int    `json:"pending_approvals_count"`

	ResumePath       string `json:"resume_path,omitempty"`
	JDText           string `json:"jd_text,omitempty"`
	JDURL            string `json:"jd_url,omitempty"`
	LatestExportPath string `json:"latest_export_path,omitempty"`

	// Conversation is an opaque executor-owned blob carried across runs.
	Conversation []byte `json:"-"`
}

// Idle reports whether the session has no active run.
func (s *Session) Idle() bool { return s.ActiveRunID == "" }
