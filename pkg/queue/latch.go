package queue

import (
	"context"
	"sync"
	"time"
)

// Latch is a level-triggered binary signal. Set raises the level; Wait
// returns immediately while the level is up; Clear lowers it. The worker is
// the single consumer: it clears before waiting, and approval/interrupt
// handlers raise it. Latches live only in memory; after a restart the
// recovery normalizer converts former waiters into interrupted runs.
type Latch struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewLatch creates a lowered latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set raises the latch, waking current and future waiters until Clear.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Clear lowers the latch. The consumer calls this before waiting.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// Wait blocks until the latch is set, the timeout elapses (when positive), or
// ctx is done. It returns true when woken by Set.
func (l *Latch) Wait(ctx context.Context, timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.ch
	set := l.set
	l.mu.Unlock()
	if set {
		return true
	}

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
			return true
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
