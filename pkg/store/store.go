// Package store defines the durable store contract for sessions, runs,
// approvals, and the per-run event journal, plus the composite operations
// whose invariants must hold atomically across those entities.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
)

// Sentinel errors for store operations. Cross-tenant reads return
// ErrSessionNotFound so existence is never leaked across tenants.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrActiveRunExists indicates the session already has a non-terminal run.
	ErrActiveRunExists = errors.New("active run exists")

	// ErrIdempotencyConflict indicates the idempotency key was reused with a
	// different message fingerprint.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrRunQuotaExceeded indicates the per-session run count limit was hit.
	ErrRunQuotaExceeded = errors.New("session run quota exceeded")

	// ErrInvalidState indicates an operation that is illegal in the entity's
	// current state (stale approval, out-of-order workflow action).
	ErrInvalidState = errors.New("invalid state")

	// ErrApprovalProcessed indicates the approval was already decided.
	ErrApprovalProcessed = errors.New("approval already processed")
)

// CreateRunParams carries the inputs of the atomic run-creation sequence:
// idempotency lookup, active-run check, quota check, run insert, and
// active_run_id pointer update, all under the session lock.
type CreateRunParams struct {
	TenantID  string
	SessionID string
	Message   string

	// IdempotencyKey is optional; Fingerprint must be set when the key is.
	IdempotencyKey string
	Fingerprint    string

	// MaxRunsPerSession caps the total run count; zero means unlimited.
	MaxRunsPerSession int
}

// DecideApprovalParams carries the inputs of the atomic approval decision.
type DecideApprovalParams struct {
	TenantID   string
	SessionID  string
	ApprovalID string
	Approve    bool

	// ApplyToFuture flips session.settings.auto_approve on approve.
	ApplyToFuture bool
}

// DecideApprovalResult reports the decision outcome. BatchResolved is true
// when no sibling approvals remain pending for the run, i.e. the executor
// may be released.
type DecideApprovalResult struct {
	Approval      *models.Approval
	Run           *models.Run
	BatchResolved bool
}

// RunUsage is the finalized accounting of a run.
type RunUsage struct {
	Tokens  int
	CostUSD float64
}

// RecoveryReport summarizes the startup normalization pass.
type RecoveryReport struct {
	InterruptedRuns   int
	RejectedApprovals int
	ClearedSessions   int
}

// MetricsSnapshot is the aggregate view backing /metrics and /alerts.
// QueueDepth is filled in by the caller (it lives in the scheduler, not the
// store).
type MetricsSnapshot struct {
	Sessions         int     `json:"sessions"`
	QueueDepth       int     `json:"queue_depth"`
	PendingApprovals int     `json:"pending_approvals"`
	RunsTotal        int     `json:"runs_total"`
	RunsActive       int     `json:"runs_active"`
	RunsCompleted    int     `json:"runs_completed"`
	RunsFailed       int     `json:"runs_failed"`
	RunsInterrupted  int     `json:"runs_interrupted"`
	ErrorRate        float64 `json:"error_rate"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	P95LatencyMS     float64 `json:"p95_latency_ms"`
	TotalTokens      int     `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_estimated_cost_usd"`
}

// UsageSummary is the per-session accounting view backing /usage.
type UsageSummary struct {
	RunCount          int     `json:"run_count"`
	CompletedRunCount int     `json:"completed_run_count"`
	TotalTokens       int     `json:"total_tokens"`
	TotalCostUSD      float64 `json:"total_estimated_cost_usd"`
}

// Store persists sessions, runs, approvals, events, and idempotency keys.
// Composite operations are atomic: either every documented effect is visible
// or none is. Implementations must survive process restarts (the in-memory
// implementation is the documented exception, used as a test fake and dev
// backend).
type Store interface {
	// CreateSession persists a new session.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSession returns the session, or ErrSessionNotFound when it does not
	// exist or belongs to another tenant.
	GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error)

	// SetAutoApprove updates session.settings.auto_approve.
	SetAutoApprove(ctx context.Context, tenantID, sessionID string, enabled bool) (*models.Session, error)

	// SetResumePath records the uploaded resume's workspace-relative path.
	SetResumePath(ctx context.Context, tenantID, sessionID, path string) error

	// SetJobDescription records the job description text and/or URL.
	SetJobDescription(ctx context.Context, tenantID, sessionID, text, url string) error

	// SetExportPath records the latest export artifact path.
	SetExportPath(ctx context.Context, tenantID, sessionID, path string) error

	// AdvanceWorkflow moves the session's workflow state forward to target.
	// Regressions are silent no-ops; StateCancelled is always allowed.
	AdvanceWorkflow(ctx context.Context, tenantID, sessionID string, target models.WorkflowState) (*models.Session, error)

	// SetConversation stores the executor-owned conversation blob.
	SetConversation(ctx context.Context, sessionID string, blob []byte) error

	// DeleteSession removes the session and cascades to its runs, approvals,
	// events, and idempotency keys.
	DeleteSession(ctx context.Context, sessionID string) error

	// ExpiredSessions lists sessions created before cutoff that are idle
	// (no active run), across all tenants. Used by the cleanup worker.
	ExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error)

	// CreateRun performs the run-accept sequence of §scheduling atomically.
	// On an idempotency hit with matching fingerprint it returns the existing
	// run with reused=true. Error cases: ErrIdempotencyConflict,
	// ErrActiveRunExists, ErrRunQuotaExceeded, ErrSessionNotFound.
	CreateRun(ctx context.Context, p CreateRunParams) (run *models.Run, reused bool, err error)

	// GetRun returns the run scoped to the tenant's session.
	GetRun(ctx context.Context, tenantID, sessionID, runID string) (*models.Run, error)

	// GetRunByID returns a run without a tenant check. For internal callers
	// only (worker, coordinator, recovery), never reachable from a handler
	// with caller-supplied IDs.
	GetRunByID(ctx context.Context, runID string) (*models.Run, error)

	// GetSessionByID returns a session without a tenant check. Internal
	// callers only.
	GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error)

	// MarkRunStarted transitions queued→running and sets started_at if unset.
	MarkRunStarted(ctx context.Context, runID string) (*models.Run, error)

	// MarkRunRunning transitions waiting_approval→running after a resolved
	// approval batch, clearing pending_approval_id.
	MarkRunRunning(ctx context.Context, runID string) (*models.Run, error)

	// RequestInterrupt sets interrupt_requested and, if the run is active,
	// moves it to interrupting. Idempotent on terminal runs: changed=false.
	RequestInterrupt(ctx context.Context, tenantID, sessionID, runID string) (run *models.Run, changed bool, err error)

	// FinalizeRun applies the terminal transition: status, ended_at, error,
	// auto-rejects this run's pending approvals, clears pending_approval_id
	// and the session's active_run_id, and records usage if not yet finalized.
	FinalizeRun(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError, usage *RunUsage) (*models.Run, error)

	// SetRunUsage overwrites the run's usage accounting and marks it final.
	SetRunUsage(ctx context.Context, runID string, usage RunUsage) error

	// AppendEvent appends a journal event under the run lock, assigning the
	// next seq and persisting the bumped event_seq atomically with the event.
	AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (*models.Event, error)

	// ListEvents returns the run's events with seq > afterSeq, in seq order.
	ListEvents(ctx context.Context, runID string, afterSeq int) ([]*models.Event, error)

	// BeginApprovalBatch creates one pending approval per call, bumps the
	// session's pending count, sets the run's pending_approval_id to the batch
	// head, and moves the run to waiting_approval, atomically.
	BeginApprovalBatch(ctx context.Context, runID string, calls []models.ToolCall) ([]*models.Approval, error)

	// PendingApprovalsForRun returns this run's approvals still pending.
	PendingApprovalsForRun(ctx context.Context, runID string) ([]*models.Approval, error)

	// ApprovalsForRun returns all approvals of the run, in creation order.
	ApprovalsForRun(ctx context.Context, runID string) ([]*models.Approval, error)

	// ListPendingApprovals returns the session's pending approvals ordered by
	// created_at.
	ListPendingApprovals(ctx context.Context, tenantID, sessionID string) ([]*models.Approval, error)

	// DecideApproval validates and applies a decision: the run must be
	// waiting_approval, the approval pending and part of the current batch.
	// The tool_call_approved/rejected event is appended in the same atomic
	// step, before the decision becomes visible.
	DecideApproval(ctx context.Context, p DecideApprovalParams) (*DecideApprovalResult, error)

	// NormalizeAfterRestart converts active-at-crash runs to interrupted,
	// appends synthetic run_interrupted events, rejects orphan approvals,
	// clears stale active_run_id pointers, and recomputes pending counts,
	// all in a single transaction. Runs once at startup before the scheduler
	// accepts work.
	NormalizeAfterRestart(ctx context.Context) (*RecoveryReport, error)

	// Metrics aggregates counts, sums, and latency percentiles across all
	// tenants. QueueDepth is left zero for the caller to fill.
	Metrics(ctx context.Context) (*MetricsSnapshot, error)

	// SessionUsage aggregates the session's run accounting.
	SessionUsage(ctx context.Context, tenantID, sessionID string) (*UsageSummary, error)

	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
