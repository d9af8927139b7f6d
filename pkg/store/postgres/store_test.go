package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/store/postgres"
	"github.com/tailr-ai/tailr/test/util"
)

const testTenant = "tenant-a"

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	return postgres.NewFromDB(util.SetupTestDatabase(t))
}

func createTestSession(t *testing.T, st *postgres.Store) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:            models.NewSessionID(),
		TenantID:      testTenant,
		WorkspaceName: "default",
		CreatedAt:     time.Now().UTC(),
		WorkflowState: models.StateDraft,
	}
	require.NoError(t, st.CreateSession(context.Background(), session))
	return session
}

func createTestRun(t *testing.T, st *postgres.Store, sessionID, message string) *models.Run {
	t.Helper()
	run, reused, err := st.CreateRun(context.Background(), store.CreateRunParams{
		TenantID:  testTenant,
		SessionID: sessionID,
		Message:   message,
	})
	require.NoError(t, err)
	require.False(t, reused)
	return run
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)

	got, err := st.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, models.StateDraft, got.WorkflowState)

	_, err = st.GetSession(ctx, "tenant-b", session.ID)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)

	got, err = st.SetAutoApprove(ctx, testTenant, session.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Settings.AutoApprove)

	require.NoError(t, st.SetJobDescription(ctx, testTenant, session.ID, "Senior Go engineer", ""))
	require.NoError(t, st.SetResumePath(ctx, testTenant, session.ID, "resume.md"))
	require.NoError(t, st.SetConversation(ctx, session.ID, []byte(`[{"role":"user"}]`)))

	got, err = st.GetSessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Senior Go engineer", got.JDText)
	assert.Equal(t, "resume.md", got.ResumePath)
	assert.NotEmpty(t, got.Conversation)

	got, err = st.AdvanceWorkflow(ctx, testTenant, session.ID, models.StateJDProvided)
	require.NoError(t, err)
	assert.Equal(t, models.StateJDProvided, got.WorkflowState)

	// No regression on a lower target.
	got, err = st.AdvanceWorkflow(ctx, testTenant, session.ID, models.StateResumeUploaded)
	require.NoError(t, err)
	assert.Equal(t, models.StateJDProvided, got.WorkflowState)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)

	run := createTestRun(t, st, session.ID, "tailor my resume")
	assert.Equal(t, models.RunStatusQueued, run.Status)

	// One active run per session.
	_, _, err := st.CreateRun(ctx, store.CreateRunParams{
		TenantID:  testTenant,
		SessionID: session.ID,
		Message:   "again",
	})
	assert.ErrorIs(t, err, store.ErrActiveRunExists)

	run, err = st.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)

	for i := 1; i <= 2; i++ {
		evt, err := st.AppendEvent(ctx, run.ID, models.EventAssistantDelta, map[string]any{"text": "chunk"})
		require.NoError(t, err)
		assert.Equal(t, i, evt.Seq)
	}

	run, err = st.FinalizeRun(ctx, run.ID, models.RunStatusCompleted, nil, &store.RunUsage{Tokens: 42, CostUSD: 0.001})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 42, run.UsageTokens)
	require.NotNil(t, run.EndedAt)

	got, err := st.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ActiveRunID)

	events, err := st.ListEvents(ctx, run.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Seq)
	assert.Equal(t, models.EventID(run.ID, 2), events[0].ID)
}

func TestRunIdempotency(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)

	first, reused, err := st.CreateRun(ctx, store.CreateRunParams{
		TenantID:       testTenant,
		SessionID:      session.ID,
		Message:        "msg",
		IdempotencyKey: "key-1",
		Fingerprint:    "fp-1",
	})
	require.NoError(t, err)
	require.False(t, reused)

	again, reused, err := st.CreateRun(ctx, store.CreateRunParams{
		TenantID:       testTenant,
		SessionID:      session.ID,
		Message:        "msg",
		IdempotencyKey: "key-1",
		Fingerprint:    "fp-1",
	})
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = st.CreateRun(ctx, store.CreateRunParams{
		TenantID:       testTenant,
		SessionID:      session.ID,
		Message:        "different",
		IdempotencyKey: "key-1",
		Fingerprint:    "fp-2",
	})
	assert.ErrorIs(t, err, store.ErrIdempotencyConflict)
}

func TestApprovalBatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)
	run := createTestRun(t, st, session.ID, "msg")
	_, err := st.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)

	approvals, err := st.BeginApprovalBatch(ctx, run.ID, []models.ToolCall{
		{ToolName: "file_write", Args: map[string]any{"path": "resume.md"}},
		{ToolName: "file_write", Args: map[string]any{"path": "cover.md"}},
	})
	require.NoError(t, err)
	require.Len(t, approvals, 2)

	run, err = st.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusWaitingApproval, run.Status)
	assert.Equal(t, approvals[0].ID, run.PendingApprovalID)

	pending, err := st.ListPendingApprovals(ctx, testTenant, session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, approvals[0].ID, pending[0].ID)

	res, err := st.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:   testTenant,
		SessionID:  session.ID,
		ApprovalID: approvals[0].ID,
		Approve:    true,
	})
	require.NoError(t, err)
	assert.False(t, res.BatchResolved)
	assert.Equal(t, models.ApprovalApproved, res.Approval.Status)

	_, err = st.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:   testTenant,
		SessionID:  session.ID,
		ApprovalID: approvals[0].ID,
		Approve:    true,
	})
	assert.ErrorIs(t, err, store.ErrApprovalProcessed)

	res, err = st.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:      testTenant,
		SessionID:     session.ID,
		ApprovalID:    approvals[1].ID,
		Approve:       true,
		ApplyToFuture: true,
	})
	require.NoError(t, err)
	assert.True(t, res.BatchResolved)
	assert.Empty(t, res.Run.PendingApprovalID)

	got, err := st.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Zero(t, got.PendingApprovalsCount)
	assert.True(t, got.Settings.AutoApprove)

	events, err := st.ListEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventToolCallApproved, events[0].Type)
	assert.Equal(t, approvals[0].ID, events[0].Payload["approval_id"])
}

func TestNormalizeAfterRestart(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)
	run := createTestRun(t, st, session.ID, "msg")
	_, err := st.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	_, err = st.BeginApprovalBatch(ctx, run.ID, []models.ToolCall{
		{ToolName: "file_write", Args: map[string]any{}},
	})
	require.NoError(t, err)

	report, err := st.NormalizeAfterRestart(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InterruptedRuns)
	assert.Equal(t, 1, report.RejectedApprovals)
	assert.Equal(t, 1, report.ClearedSessions)

	got, err := st.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInterrupted, got.Status)
	assert.True(t, got.InterruptRequested)
	assert.Empty(t, got.PendingApprovalID)

	events, err := st.ListEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, models.EventRunInterrupted, last.Type)
	assert.Equal(t, "process_restarted", last.Payload["reason"])

	s, err := st.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Empty(t, s.ActiveRunID)
	assert.Zero(t, s.PendingApprovalsCount)

	report, err = st.NormalizeAfterRestart(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.InterruptedRuns)
}

func TestMetricsAndUsage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	session := createTestSession(t, st)

	run := createTestRun(t, st, session.ID, "one")
	_, err := st.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	_, err = st.FinalizeRun(ctx, run.ID, models.RunStatusCompleted, nil, &store.RunUsage{Tokens: 100, CostUSD: 0.01})
	require.NoError(t, err)

	failed := createTestRun(t, st, session.ID, "two")
	_, err = st.MarkRunStarted(ctx, failed.ID)
	require.NoError(t, err)
	_, err = st.FinalizeRun(ctx, failed.ID, models.RunStatusFailed,
		&models.RunError{Code: "INTERNAL_ERROR", Message: "boom"}, &store.RunUsage{Tokens: 50, CostUSD: 0.005})
	require.NoError(t, err)

	snap, err := st.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Sessions)
	assert.Equal(t, 2, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsCompleted)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.Equal(t, 150, snap.TotalTokens)

	failedRun, err := st.GetRunByID(ctx, failed.ID)
	require.NoError(t, err)
	require.NotNil(t, failedRun.Error)
	assert.Equal(t, "INTERNAL_ERROR", failedRun.Error.Code)

	usage, err := st.SessionUsage(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.RunCount)
	assert.Equal(t, 1, usage.CompletedRunCount)
	assert.Equal(t, 150, usage.TotalTokens)
}

func TestExpiredSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	idle := createTestSession(t, st)
	busy := createTestSession(t, st)
	createTestRun(t, st, busy.ID, "still running")

	expired, err := st.ExpiredSessions(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, idle.ID, expired[0].ID)

	require.NoError(t, st.DeleteSession(ctx, idle.ID))
	assert.ErrorIs(t, st.DeleteSession(ctx, idle.ID), store.ErrSessionNotFound)
}
