package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/tailr-ai/tailr/pkg/events"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// workItem is one queued (session, run) pair. The zero value is the shutdown
// sentinel that drains the queue.
type workItem struct {
	sessionID string
	runID     string
}

func (it workItem) sentinel() bool { return it.sessionID == "" && it.runID == "" }

// Scheduler owns the process-wide FIFO run queue and the single worker
// goroutine. One run executes at a time; per-session start order equals
// enqueue order equals creation order.
type Scheduler struct {
	store     store.Store
	journal   *events.Journal
	executor  Executor
	workspace workspace.Provider

	// costPerMillionTokens prices the stub usage approximation.
	costPerMillionTokens float64

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []workItem
	latches map[string]*Latch
	stopped bool

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. Start must be called before Submit
// dispatches any work.
func NewScheduler(st store.Store, journal *events.Journal, executor Executor, ws workspace.Provider, costPerMillionTokens float64) *Scheduler {
	s := &Scheduler{
		store:                st,
		journal:              journal,
		executor:             executor,
		workspace:            ws,
		costPerMillionTokens: costPerMillionTokens,
		latches:              make(map[string]*Latch),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	slog.Info("Run scheduler started")
}

// Stop pushes the shutdown sentinel and waits for the worker to drain the
// queue and exit. Safe to call once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.queue = append(s.queue, workItem{})
	s.cond.Signal()
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Run scheduler stopped")
}

// Submit performs the run-accept sequence and enqueues the new run. On an
// idempotency hit with matching fingerprint it returns the existing run with
// reused=true and enqueues nothing.
func (s *Scheduler) Submit(ctx context.Context, tenantID, sessionID, message, idempotencyKey string, maxRunsPerSession int) (*models.Run, bool, error) {
	p := store.CreateRunParams{
		TenantID:          tenantID,
		SessionID:         sessionID,
		Message:           message,
		IdempotencyKey:    idempotencyKey,
		MaxRunsPerSession: maxRunsPerSession,
	}
	if idempotencyKey != "" {
		p.Fingerprint = MessageFingerprint(message)
	}

	run, reused, err := s.store.CreateRun(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if reused {
		return run, true, nil
	}

	s.mu.Lock()
	s.latches[run.ID] = NewLatch()
	s.queue = append(s.queue, workItem{sessionID: sessionID, runID: run.ID})
	s.cond.Signal()
	s.mu.Unlock()

	slog.Info("Run enqueued", "session_id", sessionID, "run_id", run.ID)
	return run, false, nil
}

// Signal raises the run's wait latch, waking the worker from an approval
// wait or a cooperative sleep.
func (s *Scheduler) Signal(runID string) {
	s.mu.Lock()
	latch := s.latches[runID]
	s.mu.Unlock()
	if latch != nil {
		latch.Set()
	}
}

// QueueDepth returns the number of queued, not yet dispatched runs.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.queue {
		if !it.sentinel() {
			n++
		}
	}
	return n
}

// run is the worker loop: dequeue, process, repeat, until the sentinel.
func (s *Scheduler) run(ctx context.Context) {
	for {
		it, ok := s.dequeue()
		if !ok || it.sentinel() {
			slog.Info("Worker drained queue, shutting down")
			return
		}
		s.processRun(ctx, it)
	}
}

func (s *Scheduler) dequeue() (workItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 {
		s.cond.Wait()
	}
	it := s.queue[0]
	s.queue = s.queue[1:]
	return it, true
}

func (s *Scheduler) latch(runID string) *Latch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.latches[runID]; ok {
		return l
	}
	l := NewLatch()
	s.latches[runID] = l
	return l
}

func (s *Scheduler) dropLatch(runID string) {
	s.mu.Lock()
	delete(s.latches, runID)
	s.mu.Unlock()
}

// MessageFingerprint hashes a message for idempotency comparison.
func MessageFingerprint(message string) string {
	sum := sha256.Sum256([]byte(message))
	return hex.EncodeToString(sum[:])
}
