package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

const testTenant = "tenant-a"

type schedulerFixture struct {
	store     *store.MemoryStore
	notifier  *events.Notifier
	scheduler *Scheduler
	workspace workspace.Provider
}

func newFixture(t *testing.T, executor Executor) *schedulerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	notifier := events.NewNotifier()
	journal := events.NewJournal(st, notifier)
	ws, err := workspace.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	if executor == nil {
		executor = NewStubExecutor()
	}
	return &schedulerFixture{
		store:     st,
		notifier:  notifier,
		scheduler: NewScheduler(st, journal, executor, ws, 3.0),
		workspace: ws,
	}
}

func (f *schedulerFixture) newSession(t *testing.T, autoApprove bool) *models.Session {
	t.Helper()
	session := &models.Session{
		ID:            models.NewSessionID(),
		TenantID:      testTenant,
		WorkspaceName: "default",
		CreatedAt:     time.Now().UTC(),
		WorkflowState: models.StateJDProvided,
		Settings:      models.SessionSettings{AutoApprove: autoApprove},
	}
	require.NoError(t, f.store.CreateSession(context.Background(), session))
	return session
}

func (f *schedulerFixture) waitTerminal(t *testing.T, runID string) *models.Run {
	t.Helper()
	var run *models.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = f.store.GetRunByID(context.Background(), runID)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "run never reached a terminal status")
	return run
}

func (f *schedulerFixture) waitStatus(t *testing.T, runID string, status models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := f.store.GetRunByID(context.Background(), runID)
		return err == nil && run.Status == status
	}, 5*time.Second, 10*time.Millisecond, "run never reached status %s", status)
}

func eventTypes(t *testing.T, st *store.MemoryStore, runID string) []string {
	t.Helper()
	evts, err := st.ListEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func TestRunCompletesWithOrderedJournal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, reused, err := f.scheduler.Submit(ctx, testTenant, session.ID, "please analyze the gaps", "", 0)
	require.NoError(t, err)
	require.False(t, reused)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.Greater(t, got.UsageTokens, 0)
	assert.True(t, got.UsageFinalized)

	types := eventTypes(t, f.store, run.ID)
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventRunStarted, types[0])
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])

	updated, err := f.store.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateGapAnalyzed, updated.WorkflowState)
	assert.Empty(t, updated.ActiveRunID)
}

// recordingExecutor notes the order runs were dispatched in.
type recordingExecutor struct {
	mu   sync.Mutex
	runs []string
}

func (e *recordingExecutor) Execute(_ context.Context, h Host) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs = append(e.runs, h.Run().ID)
	return nil
}

func TestRunsDispatchInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	rec := &recordingExecutor{}
	f := newFixture(t, rec)

	var submitted []string
	for i := 0; i < 5; i++ {
		session := f.newSession(t, false)
		run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "hello", "", 0)
		require.NoError(t, err)
		submitted = append(submitted, run.ID)
	}
	assert.Equal(t, 5, f.scheduler.QueueDepth())

	f.scheduler.Start(ctx)
	for _, id := range submitted {
		f.waitTerminal(t, id)
	}
	f.scheduler.Stop()

	assert.Equal(t, submitted, rec.runs)
	assert.Zero(t, f.scheduler.QueueDepth())
}

func TestApprovalRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "update resume.md with the new role", "", 0)
	require.NoError(t, err)

	f.waitStatus(t, run.ID, models.RunStatusWaitingApproval)

	pending, err := f.store.ListPendingApprovals(ctx, testTenant, session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "file_write", pending[0].ToolName)

	res, err := f.store.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:   testTenant,
		SessionID:  session.ID,
		ApprovalID: pending[0].ID,
		Approve:    true,
	})
	require.NoError(t, err)
	require.True(t, res.BatchResolved)
	f.scheduler.Signal(run.ID)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	data, err := f.workspace.ReadFile(ctx, session.ID, "resume.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "[agent edit]")

	updated, err := f.store.GetSession(ctx, testTenant, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRewriteApplied, updated.WorkflowState)

	types := eventTypes(t, f.store, run.ID)
	assert.Contains(t, types, models.EventToolCallProposed)
	assert.Contains(t, types, models.EventToolCallApproved)
	assert.Contains(t, types, models.EventToolResult)
}

func TestApprovalRejectionSkipsWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "update resume.md please", "", 0)
	require.NoError(t, err)

	f.waitStatus(t, run.ID, models.RunStatusWaitingApproval)
	pending, err := f.store.ListPendingApprovals(ctx, testTenant, session.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.store.DecideApproval(ctx, store.DecideApprovalParams{
		TenantID:   testTenant,
		SessionID:  session.ID,
		ApprovalID: pending[0].ID,
		Approve:    false,
	})
	require.NoError(t, err)
	f.scheduler.Signal(run.ID)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	_, err = f.workspace.ReadFile(ctx, session.ID, "resume.md")
	assert.ErrorIs(t, err, workspace.ErrFileNotFound)

	types := eventTypes(t, f.store, run.ID)
	assert.Contains(t, types, models.EventToolCallRejected)
	assert.NotContains(t, types, models.EventToolResult)
}

func TestAutoApproveSkipsWaiting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, true)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "update resume.md", "", 0)
	require.NoError(t, err)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusCompleted, got.Status)

	all, err := f.store.ApprovalsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, all, "auto-approve must not create approval rows")

	data, err := f.workspace.ReadFile(ctx, session.ID, "resume.md")
	require.NoError(t, err)
	assert.Contains(t, string(data), "[agent edit]")

	types := eventTypes(t, f.store, run.ID)
	assert.Contains(t, types, models.EventToolCallProposed)
	assert.Contains(t, types, models.EventToolCallApproved)
}

func TestInterruptDuringLongRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "this is a long analysis", "", 0)
	require.NoError(t, err)

	f.waitStatus(t, run.ID, models.RunStatusRunning)

	_, changed, err := f.store.RequestInterrupt(ctx, testTenant, session.ID, run.ID)
	require.NoError(t, err)
	require.True(t, changed)
	f.scheduler.Signal(run.ID)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusInterrupted, got.Status)

	types := eventTypes(t, f.store, run.ID)
	assert.Equal(t, models.EventRunInterrupted, types[len(types)-1])
}

func TestInterruptWhileQueuedSkipsStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "never starts", "", 0)
	require.NoError(t, err)

	// Interrupt lands before the worker exists.
	_, changed, err := f.store.RequestInterrupt(ctx, testTenant, session.ID, run.ID)
	require.NoError(t, err)
	require.True(t, changed)

	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusInterrupted, got.Status)

	// A run that never started gets a terminal event but no run_started.
	types := eventTypes(t, f.store, run.ID)
	assert.NotContains(t, types, models.EventRunStarted)
	assert.Equal(t, []string{models.EventRunInterrupted}, types)
}

func TestApprovalWaitObservesInterrupt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "edit resume.md", "", 0)
	require.NoError(t, err)

	f.waitStatus(t, run.ID, models.RunStatusWaitingApproval)

	_, changed, err := f.store.RequestInterrupt(ctx, testTenant, session.ID, run.ID)
	require.NoError(t, err)
	require.True(t, changed)
	f.scheduler.Signal(run.ID)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusInterrupted, got.Status)

	// The orphaned approval was auto-rejected at finalization.
	all, err := f.store.ApprovalsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.ApprovalRejected, all[0].Status)
}

// panicExecutor exercises worker panic containment.
type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, Host) error { panic("executor bug") }

func TestExecutorPanicFailsRunOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, panicExecutor{})
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "boom", "", 0)
	require.NoError(t, err)

	got := f.waitTerminal(t, run.ID)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "INTERNAL_ERROR", got.Error.Code)
	assert.Contains(t, got.Error.Message, "panic")

	// The worker survives and picks up the next run.
	next := f.newSession(t, false)
	run2, _, err := f.scheduler.Submit(ctx, testTenant, next.ID, "boom again", "", 0)
	require.NoError(t, err)
	f.waitTerminal(t, run2.ID)
}

func TestSubmitIdempotencyReusesRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)
	defer f.scheduler.Stop()

	session := f.newSession(t, false)
	run, reused, err := f.scheduler.Submit(ctx, testTenant, session.ID, "msg", "key-1", 0)
	require.NoError(t, err)
	require.False(t, reused)

	again, reused, err := f.scheduler.Submit(ctx, testTenant, session.ID, "msg", "key-1", 0)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, run.ID, again.ID)

	_, _, err = f.scheduler.Submit(ctx, testTenant, session.ID, "other msg", "key-1", 0)
	assert.ErrorIs(t, err, store.ErrIdempotencyConflict)
}

func TestStopDrainsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.scheduler.Start(ctx)

	var runs []string
	for i := 0; i < 3; i++ {
		session := f.newSession(t, false)
		run, _, err := f.scheduler.Submit(ctx, testTenant, session.ID, "hello", "", 0)
		require.NoError(t, err)
		runs = append(runs, run.ID)
	}

	// Stop returns only after every queued run has been processed.
	f.scheduler.Stop()
	for _, id := range runs {
		run, err := f.store.GetRunByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, run.Status.Terminal())
	}

	// Stop is safe to call twice.
	f.scheduler.Stop()
}

func TestMessageFingerprintStable(t *testing.T) {
	a := MessageFingerprint("hello")
	b := MessageFingerprint("hello")
	c := MessageFingerprint("hello!")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
