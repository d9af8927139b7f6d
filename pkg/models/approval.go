package models

import "time"

// ApprovalStatus is the decision status of an approval.
type ApprovalStatus string

// Approval statuses.
const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ToolCall is a tool invocation proposed by the executor that requires a human
// decision before it may mutate workspace files.
type ToolCall struct {
	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`
}

// Approval is a human decision gate on a single proposed tool call.
type Approval struct {
	ID        string `json:"approval_id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`

	ToolName string         `json:"tool_name"`
	Args     map[string]any `json:"args"`

	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}
