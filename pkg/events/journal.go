package events

import (
	"context"

	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
)

// Journal appends typed events to a run's journal and signals stream
// subscribers. The store assigns the monotonic seq and persists the event
// atomically with the bumped counter; the notifier wake-up happens after the
// append is durable, so a woken subscriber always finds the event.
type Journal struct {
	store    store.Store
	notifier *Notifier
}

// NewJournal creates a journal over the given store and notifier.
func NewJournal(st store.Store, n *Notifier) *Journal {
	return &Journal{store: st, notifier: n}
}

// Notifier returns the notifier shared with stream subscribers.
func (j *Journal) Notifier() *Notifier { return j.notifier }

// Append persists one event and wakes the run's stream subscribers.
func (j *Journal) Append(ctx context.Context, runID, eventType string, payload map[string]any) (*models.Event, error) {
	evt, err := j.store.AppendEvent(ctx, runID, eventType, payload)
	if err != nil {
		return nil, err
	}
	j.notifier.Notify(runID)
	return evt, nil
}

// EventsAfter returns the run's events with seq greater than afterSeq.
func (j *Journal) EventsAfter(ctx context.Context, runID string, afterSeq int) ([]*models.Event, error) {
	return j.store.ListEvents(ctx, runID, afterSeq)
}
