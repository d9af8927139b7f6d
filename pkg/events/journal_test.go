package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
)

func TestJournalAppendNotifiesAfterPersist(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	session := &models.Session{
		ID:            models.NewSessionID(),
		TenantID:      "tenant-a",
		WorkspaceName: "default",
		CreatedAt:     time.Now().UTC(),
		WorkflowState: models.StateDraft,
	}
	require.NoError(t, st.CreateSession(ctx, session))
	run, _, err := st.CreateRun(ctx, store.CreateRunParams{
		TenantID:  "tenant-a",
		SessionID: session.ID,
		Message:   "msg",
	})
	require.NoError(t, err)

	notifier := NewNotifier()
	journal := NewJournal(st, notifier)

	wakeup := notifier.Wait(run.ID)
	evt, err := journal.Append(ctx, run.ID, models.EventAssistantDelta, map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, evt.Seq)

	// The wakeup fires only after the event is readable.
	select {
	case <-wakeup:
	case <-time.After(time.Second):
		t.Fatal("append did not notify subscribers")
	}
	events, err := journal.EventsAfter(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, evt.ID, events[0].ID)

	// Append on a missing run surfaces the store error and wakes nobody.
	stale := notifier.Wait("run-missing")
	_, err = journal.Append(ctx, "run-missing", models.EventAssistantDelta, nil)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
	select {
	case <-stale:
		t.Fatal("failed append must not notify")
	default:
	}
}
