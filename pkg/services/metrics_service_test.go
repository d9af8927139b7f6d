package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/queue"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

func newMetricsFixture(t *testing.T, thresholds config.AlertThresholds) (*MetricsService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	ws, err := workspace.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	notifier := events.NewNotifier()
	journal := events.NewJournal(st, notifier)
	scheduler := queue.NewScheduler(st, journal, queue.NewStubExecutor(), ws, 3.0)
	return NewMetricsService(st, scheduler, thresholds), st
}

func seedFinishedRun(t *testing.T, st *store.MemoryStore, status models.RunStatus, tokens int, cost float64) {
	t.Helper()
	ctx := context.Background()
	session := &models.Session{
		ID:            models.NewSessionID(),
		TenantID:      testTenant,
		WorkspaceName: "default",
		CreatedAt:     time.Now().UTC(),
		WorkflowState: models.StateDraft,
	}
	require.NoError(t, st.CreateSession(ctx, session))
	run, _, err := st.CreateRun(ctx, store.CreateRunParams{
		TenantID:  testTenant,
		SessionID: session.ID,
		Message:   "work",
	})
	require.NoError(t, err)
	_, err = st.MarkRunStarted(ctx, run.ID)
	require.NoError(t, err)
	var runErr *models.RunError
	if status == models.RunStatusFailed {
		runErr = &models.RunError{Code: "INTERNAL_ERROR", Message: "boom"}
	}
	_, err = st.FinalizeRun(ctx, run.ID, status, runErr, &store.RunUsage{Tokens: tokens, CostUSD: cost})
	require.NoError(t, err)
}

func TestAlertsAllOKWithinThresholds(t *testing.T) {
	svc, st := newMetricsFixture(t, config.AlertThresholds{
		MaxErrorRate:    0.5,
		MaxP95LatencyMS: 60000,
		MaxTotalCostUSD: 100,
		MaxQueueDepth:   10,
	})
	seedFinishedRun(t, st, models.RunStatusCompleted, 100, 0.01)

	alerts, err := svc.Alerts(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 4)
	for _, a := range alerts {
		assert.Equal(t, "ok", a.Status, a.Name)
		assert.Empty(t, a.Message, a.Name)
	}
}

func TestAlertsFireAboveThresholds(t *testing.T) {
	svc, st := newMetricsFixture(t, config.AlertThresholds{
		MaxErrorRate:    0.25,
		MaxTotalCostUSD: 1,
	})
	seedFinishedRun(t, st, models.RunStatusFailed, 500, 2.5)

	alerts, err := svc.Alerts(context.Background())
	require.NoError(t, err)

	byName := map[string]Alert{}
	for _, a := range alerts {
		byName[a.Name] = a
	}

	errRate := byName["error_rate"]
	assert.Equal(t, "alert", errRate.Status)
	assert.InDelta(t, 1.0, errRate.Value, 1e-9)
	assert.NotEmpty(t, errRate.Message)

	cost := byName["total_estimated_cost_usd"]
	assert.Equal(t, "alert", cost.Status)
	assert.InDelta(t, 2.5, cost.Value, 1e-9)

	// Zero thresholds disable the check entirely.
	assert.Equal(t, "ok", byName["p95_latency_ms"].Status)
	assert.Equal(t, "ok", byName["queue_depth"].Status)
}

func TestMetricsFoldsInQueueDepth(t *testing.T) {
	svc, st := newMetricsFixture(t, config.AlertThresholds{})
	seedFinishedRun(t, st, models.RunStatusCompleted, 100, 0.01)

	snap, err := svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Sessions)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 0, snap.QueueDepth)
	assert.Equal(t, 100, snap.TotalTokens)
}
