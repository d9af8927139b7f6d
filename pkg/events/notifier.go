// Package events provides the per-run event journal wrapper and the
// in-process notification fan-out that drives resumable streaming.
package events

import "sync"

// Notifier is an in-process broadcast signal, one channel per run. Waiters
// obtain the current generation channel via Wait and block on it; Notify
// closes the generation, waking every waiter at once. Delivery is
// level-triggered and lossy: woken subscribers re-read the journal
// from their last seq, so a coalesced signal never loses events.
type Notifier struct {
	mu   sync.Mutex
	gens map[string]chan struct{}
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{gens: make(map[string]chan struct{})}
}

// Wait returns a channel that is closed on the next Notify for runID.
func (n *Notifier) Wait(runID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.gens[runID]
	if !ok {
		ch = make(chan struct{})
		n.gens[runID] = ch
	}
	return ch
}

// Notify wakes every waiter currently blocked on runID.
func (n *Notifier) Notify(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.gens[runID]; ok {
		close(ch)
		delete(n.gens, runID)
	}
}

// Drop releases the run's generation channel once the run is terminal and all
// streams have drained. Pending waiters are woken.
func (n *Notifier) Drop(runID string) {
	n.Notify(runID)
}
