package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL, applies migrations, and returns the store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already opened and migrated database. Used by tests.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

const (
	sessionColumns = `session_id, tenant_id, workspace_name, created_at, workflow_state, settings,
		active_run_id, pending_approvals_count, resume_path, jd_text, jd_url, latest_export_path, conversation`
	runColumns = `run_id, session_id, message, status, created_at, started_at, ended_at,
		interrupt_requested, usage_finalized, pending_approval_id, usage_tokens, estimated_cost_usd, error, event_seq`
	approvalColumns = `approval_id, session_id, run_id, tool_name, args, status, created_at, decided_at`
	eventColumns    = `run_id, seq, session_id, event_type, ts, payload`
)

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	settings, err := json.Marshal(session.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		session.ID, session.TenantID, session.WorkspaceName, session.CreatedAt,
		session.WorkflowState, settings, session.ActiveRunID, session.PendingApprovalsCount,
		session.ResumePath, session.JDText, session.JDURL, session.LatestExportPath,
		session.Conversation)
	return err
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	return getSession(ctx, s.db, tenantID, sessionID, false)
}

func getSession(ctx context.Context, q querier, tenantID, sessionID string, forUpdate bool) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1 AND tenant_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	session, err := scanSession(q.QueryRowContext(ctx, query, sessionID, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	return session, err
}

func getSessionByID(ctx context.Context, q querier, sessionID string, forUpdate bool) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	session, err := scanSession(q.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	return session, err
}

func (s *Store) SetAutoApprove(ctx context.Context, tenantID, sessionID string, enabled bool) (*models.Session, error) {
	var session *models.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = getSession(ctx, tx, tenantID, sessionID, true)
		if err != nil {
			return err
		}
		session.Settings.AutoApprove = enabled
		settings, err := json.Marshal(session.Settings)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET settings = $2 WHERE session_id = $1`, sessionID, settings)
		return err
	})
	return session, err
}

func (s *Store) SetResumePath(ctx context.Context, tenantID, sessionID, path string) error {
	return s.updateSessionField(ctx, tenantID, sessionID, `resume_path = $3`, path)
}

func (s *Store) SetExportPath(ctx context.Context, tenantID, sessionID, path string) error {
	return s.updateSessionField(ctx, tenantID, sessionID, `latest_export_path = $3`, path)
}

func (s *Store) updateSessionField(ctx context.Context, tenantID, sessionID, set string, value any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+set+` WHERE session_id = $1 AND tenant_id = $2`,
		sessionID, tenantID, value)
	if err != nil {
		return err
	}
	return mustAffect(res, store.ErrSessionNotFound)
}

func (s *Store) SetJobDescription(ctx context.Context, tenantID, sessionID, text, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET jd_text = $3, jd_url = $4 WHERE session_id = $1 AND tenant_id = $2`,
		sessionID, tenantID, text, url)
	if err != nil {
		return err
	}
	return mustAffect(res, store.ErrSessionNotFound)
}

func (s *Store) AdvanceWorkflow(ctx context.Context, tenantID, sessionID string, target models.WorkflowState) (*models.Session, error) {
	var session *models.Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = getSession(ctx, tx, tenantID, sessionID, true)
		if err != nil {
			return err
		}
		next := advanceState(session.WorkflowState, target)
		if next == session.WorkflowState {
			return nil
		}
		session.WorkflowState = next
		_, err = tx.ExecContext(ctx, `UPDATE sessions SET workflow_state = $2 WHERE session_id = $1`, sessionID, next)
		return err
	})
	return session, err
}

func (s *Store) SetConversation(ctx context.Context, sessionID string, blob []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET conversation = $2 WHERE session_id = $1`, sessionID, blob)
	if err != nil {
		return err
	}
	return mustAffect(res, store.ErrSessionNotFound)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	return mustAffect(res, store.ErrSessionNotFound)
}

func (s *Store) ExpiredSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE created_at < $1 AND active_run_id = ''
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, p store.CreateRunParams) (*models.Run, bool, error) {
	var run *models.Run
	var reused bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := getSession(ctx, tx, p.TenantID, p.SessionID, true)
		if err != nil {
			return err
		}

		if p.IdempotencyKey != "" {
			var fingerprint, runID string
			err := tx.QueryRowContext(ctx, `
				SELECT fingerprint, run_id FROM idempotency_keys
				WHERE session_id = $1 AND idem_key = $2`,
				p.SessionID, p.IdempotencyKey).Scan(&fingerprint, &runID)
			switch {
			case err == nil:
				if fingerprint != p.Fingerprint {
					return store.ErrIdempotencyConflict
				}
				run, err = getRunByID(ctx, tx, runID, false)
				reused = true
				return err
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
		}

		if session.ActiveRunID != "" {
			active, err := getRunByID(ctx, tx, session.ActiveRunID, false)
			if err == nil && !active.Status.Terminal() {
				return store.ErrActiveRunExists
			}
		}

		if p.MaxRunsPerSession > 0 {
			var count int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM runs WHERE session_id = $1`, p.SessionID).Scan(&count); err != nil {
				return err
			}
			if count >= p.MaxRunsPerSession {
				return store.ErrRunQuotaExceeded
			}
		}

		run = &models.Run{
			ID:        models.NewRunID(),
			SessionID: p.SessionID,
			Message:   p.Message,
			Status:    models.RunStatusQueued,
			CreatedAt: time.Now().UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, session_id, message, status, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			run.ID, run.SessionID, run.Message, run.Status, run.CreatedAt); err != nil {
			return err
		}
		if p.IdempotencyKey != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (session_id, idem_key, fingerprint, run_id)
				VALUES ($1, $2, $3, $4)`,
				p.SessionID, p.IdempotencyKey, p.Fingerprint, run.ID); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET active_run_id = $2 WHERE session_id = $1`, p.SessionID, run.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return run, reused, nil
}

func (s *Store) GetRun(ctx context.Context, tenantID, sessionID, runID string) (*models.Run, error) {
	if _, err := getSession(ctx, s.db, tenantID, sessionID, false); err != nil {
		return nil, err
	}
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1 AND session_id = $2`, runID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	return run, err
}

func (s *Store) GetRunByID(ctx context.Context, runID string) (*models.Run, error) {
	return getRunByID(ctx, s.db, runID, false)
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*models.Session, error) {
	return getSessionByID(ctx, s.db, sessionID, false)
}

func getRunByID(ctx context.Context, q querier, runID string, forUpdate bool) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE run_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	run, err := scanRun(q.QueryRowContext(ctx, query, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	return run, err
}

func (s *Store) MarkRunStarted(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		UPDATE runs SET status = $2, started_at = COALESCE(started_at, now())
		WHERE run_id = $1
		RETURNING `+runColumns, runID, models.RunStatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	return run, err
}

func (s *Store) MarkRunRunning(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		UPDATE runs SET
			status = CASE WHEN status = $2 THEN $3 ELSE status END,
			pending_approval_id = ''
		WHERE run_id = $1
		RETURNING `+runColumns,
		runID, models.RunStatusWaitingApproval, models.RunStatusRunning))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	return run, err
}

func (s *Store) RequestInterrupt(ctx context.Context, tenantID, sessionID, runID string) (*models.Run, bool, error) {
	var run *models.Run
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSession(ctx, tx, tenantID, sessionID, false); err != nil {
			return err
		}
		var err error
		run, err = scanRun(tx.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM runs WHERE run_id = $1 AND session_id = $2 FOR UPDATE`,
			runID, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return nil
		}
		run, err = scanRun(tx.QueryRowContext(ctx, `
			UPDATE runs SET interrupt_requested = TRUE, status = $2
			WHERE run_id = $1
			RETURNING `+runColumns, runID, models.RunStatusInterrupting))
		changed = err == nil
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return run, changed, nil
}

func (s *Store) FinalizeRun(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError, usage *store.RunUsage) (*models.Run, error) {
	if !status.Terminal() {
		return nil, store.ErrInvalidState
	}

	var run *models.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := getRunByID(ctx, tx, runID, true)
		if err != nil {
			return err
		}
		if _, err := getSessionByID(ctx, tx, current.SessionID, true); err != nil {
			return err
		}

		var errJSON []byte
		if runErr != nil {
			if errJSON, err = json.Marshal(runErr); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET
				status = $2,
				ended_at = COALESCE(ended_at, now()),
				pending_approval_id = '',
				error = COALESCE($3, error)
			WHERE run_id = $1`, runID, status, errJSON); err != nil {
			return err
		}
		if usage != nil && !current.UsageFinalized {
			if _, err := tx.ExecContext(ctx, `
				UPDATE runs SET usage_tokens = $2, estimated_cost_usd = $3, usage_finalized = TRUE
				WHERE run_id = $1`, runID, usage.Tokens, usage.CostUSD); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE approvals SET status = $2, decided_at = now()
			WHERE run_id = $1 AND status = $3`,
			runID, models.ApprovalRejected, models.ApprovalPending)
		if err != nil {
			return err
		}
		rejected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rejected > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET pending_approvals_count = GREATEST(pending_approvals_count - $2, 0)
				WHERE session_id = $1`, current.SessionID, rejected); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET active_run_id = '' WHERE session_id = $1 AND active_run_id = $2`,
			current.SessionID, runID); err != nil {
			return err
		}

		run, err = getRunByID(ctx, tx, runID, false)
		return err
	})
	return run, err
}

func (s *Store) SetRunUsage(ctx context.Context, runID string, usage store.RunUsage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET usage_tokens = $2, estimated_cost_usd = $3, usage_finalized = TRUE
		WHERE run_id = $1`, runID, usage.Tokens, usage.CostUSD)
	if err != nil {
		return err
	}
	return mustAffect(res, store.ErrRunNotFound)
}

// --- events ---

func (s *Store) AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (*models.Event, error) {
	var event *models.Event
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		event, err = appendEvent(ctx, tx, runID, eventType, payload)
		return err
	})
	return event, err
}

// appendEvent bumps the run's event_seq and inserts the event row under the
// run row lock, keeping per-run seqs gapless.
func appendEvent(ctx context.Context, tx *sql.Tx, runID, eventType string, payload map[string]any) (*models.Event, error) {
	var seq int
	var sessionID string
	err := tx.QueryRowContext(ctx, `
		UPDATE runs SET event_seq = event_seq + 1
		WHERE run_id = $1
		RETURNING event_seq, session_id`, runID).Scan(&seq, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		ID:        models.EventID(runID, seq),
		SessionID: sessionID,
		RunID:     runID,
		Seq:       seq,
		Type:      eventType,
		TS:        time.Now().UTC().Truncate(time.Second),
		Payload:   payload,
	}
	var payloadJSON []byte
	if payload != nil {
		if payloadJSON, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.RunID, event.Seq, event.SessionID, event.Type, event.TS, payloadJSON)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int) ([]*models.Event, error) {
	if _, err := getRunByID(ctx, s.db, runID, false); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// --- approvals ---

func (s *Store) BeginApprovalBatch(ctx context.Context, runID string, calls []models.ToolCall) ([]*models.Approval, error) {
	var out []*models.Approval
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		run, err := getRunByID(ctx, tx, runID, true)
		if err != nil {
			return err
		}
		if _, err := getSessionByID(ctx, tx, run.SessionID, true); err != nil {
			return err
		}

		now := time.Now().UTC()
		for i, call := range calls {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return err
			}
			a := &models.Approval{
				ID:        models.NewApprovalID(),
				SessionID: run.SessionID,
				RunID:     runID,
				ToolName:  call.ToolName,
				Args:      call.Args,
				Status:    models.ApprovalPending,
				CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO approvals (approval_id, session_id, run_id, tool_name, args, status, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				a.ID, a.SessionID, a.RunID, a.ToolName, args, a.Status, a.CreatedAt); err != nil {
				return err
			}
			out = append(out, a)
		}
		if len(out) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET pending_approvals_count = pending_approvals_count + $2
			WHERE session_id = $1`, run.SessionID, len(out)); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET pending_approval_id = $2, status = $3 WHERE run_id = $1`,
			runID, out[0].ID, models.RunStatusWaitingApproval)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PendingApprovalsForRun(ctx context.Context, runID string) ([]*models.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = $1 AND status = $2
		ORDER BY created_at`, runID, models.ApprovalPending)
}

func (s *Store) ApprovalsForRun(ctx context.Context, runID string) ([]*models.Approval, error) {
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE run_id = $1
		ORDER BY created_at`, runID)
}

func (s *Store) ListPendingApprovals(ctx context.Context, tenantID, sessionID string) ([]*models.Approval, error) {
	if _, err := getSession(ctx, s.db, tenantID, sessionID, false); err != nil {
		return nil, err
	}
	return s.queryApprovals(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE session_id = $1 AND status = $2
		ORDER BY created_at`, sessionID, models.ApprovalPending)
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]*models.Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) DecideApproval(ctx context.Context, p store.DecideApprovalParams) (*store.DecideApprovalResult, error) {
	result := &store.DecideApprovalResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		session, err := getSession(ctx, tx, p.TenantID, p.SessionID, true)
		if err != nil {
			return err
		}
		approval, err := scanApproval(tx.QueryRowContext(ctx, `
			SELECT `+approvalColumns+` FROM approvals
			WHERE approval_id = $1 AND session_id = $2 FOR UPDATE`,
			p.ApprovalID, p.SessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrApprovalNotFound
		}
		if err != nil {
			return err
		}
		run, err := getRunByID(ctx, tx, approval.RunID, true)
		if err != nil {
			return err
		}
		if run.Status != models.RunStatusWaitingApproval {
			return store.ErrInvalidState
		}
		if approval.Status != models.ApprovalPending {
			return store.ErrApprovalProcessed
		}

		status := models.ApprovalApproved
		eventType := models.EventToolCallApproved
		if !p.Approve {
			status = models.ApprovalRejected
			eventType = models.EventToolCallRejected
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE approvals SET status = $2, decided_at = $3 WHERE approval_id = $1`,
			approval.ID, status, now); err != nil {
			return err
		}
		approval.Status = status
		approval.DecidedAt = &now

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET pending_approvals_count = GREATEST(pending_approvals_count - 1, 0)
			WHERE session_id = $1`, session.ID); err != nil {
			return err
		}
		if p.Approve && p.ApplyToFuture {
			if _, err := tx.ExecContext(ctx, `
				UPDATE sessions SET settings = jsonb_set(settings, '{auto_approve}', 'true')
				WHERE session_id = $1`, session.ID); err != nil {
				return err
			}
		}

		// Decision event persists in the same transaction, before the
		// decision becomes externally visible.
		if _, err := appendEvent(ctx, tx, run.ID, eventType, map[string]any{
			"approval_id": approval.ID,
			"tool_name":   approval.ToolName,
		}); err != nil {
			return err
		}

		var pending int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM approvals WHERE run_id = $1 AND status = $2`,
			run.ID, models.ApprovalPending).Scan(&pending); err != nil {
			return err
		}
		result.BatchResolved = pending == 0
		if result.BatchResolved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE runs SET pending_approval_id = '' WHERE run_id = $1`, run.ID); err != nil {
				return err
			}
		}

		result.Approval = approval
		result.Run, err = getRunByID(ctx, tx, run.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- recovery / metrics ---

func (s *Store) NormalizeAfterRestart(ctx context.Context) (*store.RecoveryReport, error) {
	report := &store.RecoveryReport{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+runColumns+` FROM runs
			WHERE status IN ($1, $2, $3, $4)
			ORDER BY created_at
			FOR UPDATE`,
			models.RunStatusQueued, models.RunStatusRunning,
			models.RunStatusWaitingApproval, models.RunStatusInterrupting)
		if err != nil {
			return err
		}
		var active []*models.Run
		for rows.Next() {
			run, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			active = append(active, run)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, run := range active {
			var hasTerminal bool
			if err := tx.QueryRowContext(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM run_events
					WHERE run_id = $1 AND event_type IN ($2, $3, $4)
				)`, run.ID, models.EventRunCompleted, models.EventRunFailed,
				models.EventRunInterrupted).Scan(&hasTerminal); err != nil {
				return err
			}
			if !hasTerminal {
				if _, err := appendEvent(ctx, tx, run.ID, models.EventRunInterrupted, map[string]any{
					"status": "interrupted",
					"reason": "process_restarted",
				}); err != nil {
					return err
				}
			}

			if _, err := tx.ExecContext(ctx, `
				UPDATE runs SET
					status = $2,
					interrupt_requested = TRUE,
					ended_at = COALESCE(ended_at, now()),
					started_at = COALESCE(started_at, created_at),
					pending_approval_id = ''
				WHERE run_id = $1`, run.ID, models.RunStatusInterrupted); err != nil {
				return err
			}
			report.InterruptedRuns++

			res, err := tx.ExecContext(ctx, `
				UPDATE approvals SET status = $2, decided_at = now()
				WHERE run_id = $1 AND status = $3`,
				run.ID, models.ApprovalRejected, models.ApprovalPending)
			if err != nil {
				return err
			}
			rejected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			report.RejectedApprovals += int(rejected)

			res, err = tx.ExecContext(ctx, `
				UPDATE sessions SET active_run_id = ''
				WHERE session_id = $1 AND active_run_id = $2`, run.SessionID, run.ID)
			if err != nil {
				return err
			}
			cleared, err := res.RowsAffected()
			if err != nil {
				return err
			}
			report.ClearedSessions += int(cleared)
		}

		// Recompute pending counts from the approvals table.
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET pending_approvals_count = (
				SELECT COUNT(*) FROM approvals
				WHERE approvals.session_id = sessions.session_id AND approvals.status = $1
			)`, models.ApprovalPending)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (s *Store) Metrics(ctx context.Context) (*store.MetricsSnapshot, error) {
	snap := &store.MetricsSnapshot{}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&snap.Sessions); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			COUNT(*) FILTER (WHERE status = $3),
			COALESCE(SUM(usage_tokens), 0),
			COALESCE(SUM(estimated_cost_usd), 0)
		FROM runs`,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusInterrupted).Scan(
		&snap.RunsTotal, &snap.RunsCompleted, &snap.RunsFailed, &snap.RunsInterrupted,
		&snap.TotalTokens, &snap.TotalCostUSD); err != nil {
		return nil, err
	}
	snap.RunsActive = snap.RunsTotal - snap.RunsCompleted - snap.RunsFailed - snap.RunsInterrupted
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE status = $1`, models.ApprovalPending).Scan(&snap.PendingApprovals); err != nil {
		return nil, err
	}

	terminal := snap.RunsCompleted + snap.RunsFailed + snap.RunsInterrupted
	if terminal > 0 {
		snap.ErrorRate = float64(snap.RunsFailed) / float64(terminal)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT EXTRACT(EPOCH FROM (ended_at - started_at)) * 1000
		FROM runs
		WHERE status IN ($1, $2, $3) AND started_at IS NOT NULL AND ended_at IS NOT NULL
		ORDER BY 1`,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusInterrupted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var latencies []float64
	for rows.Next() {
		var ms float64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		latencies = append(latencies, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	snap.AvgLatencyMS, snap.P95LatencyMS = latencyStats(latencies)
	return snap, nil
}

func (s *Store) SessionUsage(ctx context.Context, tenantID, sessionID string) (*store.UsageSummary, error) {
	if _, err := getSession(ctx, s.db, tenantID, sessionID, false); err != nil {
		return nil, err
	}
	sum := &store.UsageSummary{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(SUM(usage_tokens), 0),
			COALESCE(SUM(estimated_cost_usd), 0)
		FROM runs WHERE session_id = $1`,
		sessionID, models.RunStatusCompleted).Scan(
		&sum.RunCount, &sum.CompletedRunCount, &sum.TotalTokens, &sum.TotalCostUSD)
	return sum, err
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

// --- scanning helpers ---

func scanSession(row scanner) (*models.Session, error) {
	var session models.Session
	var settings []byte
	err := row.Scan(
		&session.ID, &session.TenantID, &session.WorkspaceName, &session.CreatedAt,
		&session.WorkflowState, &settings, &session.ActiveRunID, &session.PendingApprovalsCount,
		&session.ResumePath, &session.JDText, &session.JDURL, &session.LatestExportPath,
		&session.Conversation)
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &session.Settings); err != nil {
			return nil, err
		}
	}
	return &session, nil
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var startedAt, endedAt sql.NullTime
	var errJSON []byte
	err := row.Scan(
		&run.ID, &run.SessionID, &run.Message, &run.Status, &run.CreatedAt,
		&startedAt, &endedAt, &run.InterruptRequested, &run.UsageFinalized,
		&run.PendingApprovalID, &run.UsageTokens, &run.EstimatedCostUSD,
		&errJSON, &run.EventSeq)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	if len(errJSON) > 0 {
		run.Error = &models.RunError{}
		if err := json.Unmarshal(errJSON, run.Error); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

func scanApproval(row scanner) (*models.Approval, error) {
	var a models.Approval
	var args []byte
	var decidedAt sql.NullTime
	err := row.Scan(
		&a.ID, &a.SessionID, &a.RunID, &a.ToolName, &args,
		&a.Status, &a.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a.Args); err != nil {
			return nil, err
		}
	}
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		a.DecidedAt = &t
	}
	return &a, nil
}

func scanEvent(row scanner) (*models.Event, error) {
	var event models.Event
	var payload []byte
	err := row.Scan(&event.RunID, &event.Seq, &event.SessionID, &event.Type, &event.TS, &payload)
	if err != nil {
		return nil, err
	}
	event.ID = models.EventID(event.RunID, event.Seq)
	event.TS = event.TS.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &event.Payload); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

func advanceState(current, target models.WorkflowState) models.WorkflowState {
	if target == models.StateCancelled {
		return models.StateCancelled
	}
	if current.Before(target) {
		return target
	}
	return current
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// latencyStats returns the mean and the p95 (nearest-rank) of the sorted
// samples.
func latencyStats(sorted []float64) (avg, p95 float64) {
	if len(sorted) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	rank := (95*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sum / float64(len(sorted)), sorted[rank-1]
}
