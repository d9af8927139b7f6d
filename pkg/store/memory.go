package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tailr-ai/tailr/pkg/models"
)

// MemoryStore is an in-memory Store. One mutex guards the composite
// invariants between sessions, runs, and approvals; every method takes it for
// the whole mutation. It does not survive restarts; it serves as the test
// fake and as the zero-dependency dev backend.
type MemoryStore struct {
	mu sync.Mutex

	sessions    map[string]*models.Session
	runs        map[string]*models.Run
	runOrder    map[string][]string // session_id → run IDs in creation order
	approvals   map[string]*models.Approval
	apprOrder   map[string][]string // run_id → approval IDs in creation order
	events      map[string][]*models.Event
	idempotency map[string]map[string]models.IdempotencyRecord // session_id → key → record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		runs:        make(map[string]*models.Run),
		runOrder:    make(map[string][]string),
		approvals:   make(map[string]*models.Approval),
		apprOrder:   make(map[string][]string),
		events:      make(map[string][]*models.Event),
		idempotency: make(map[string]map[string]models.IdempotencyRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- sessions ---

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	m.idempotency[s.ID] = make(map[string]models.IdempotencyRecord)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, tenantID, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetAutoApprove(_ context.Context, tenantID, sessionID string, enabled bool) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	s.Settings.AutoApprove = enabled
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetResumePath(_ context.Context, tenantID, sessionID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return err
	}
	s.ResumePath = path
	return nil
}

func (m *MemoryStore) SetJobDescription(_ context.Context, tenantID, sessionID, text, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return err
	}
	s.JDText = text
	s.JDURL = url
	return nil
}

func (m *MemoryStore) SetExportPath(_ context.Context, tenantID, sessionID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return err
	}
	s.LatestExportPath = path
	return nil
}

func (m *MemoryStore) AdvanceWorkflow(_ context.Context, tenantID, sessionID string, target models.WorkflowState) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.sessionLocked(tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	advanceWorkflowState(s, target)
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SetConversation(_ context.Context, sessionID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.Conversation = append([]byte(nil), blob...)
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	for _, runID := range m.runOrder[sessionID] {
		for _, apprID := range m.apprOrder[runID] {
			delete(m.approvals, apprID)
		}
		delete(m.apprOrder, runID)
		delete(m.events, runID)
		delete(m.runs, runID)
	}
	delete(m.runOrder, sessionID)
	delete(m.idempotency, sessionID)
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) ExpiredSessions(_ context.Context, cutoff time.Time) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) && s.Idle() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- runs ---

func (m *MemoryStore) CreateRun(_ context.Context, p CreateRunParams) (*models.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(p.TenantID, p.SessionID)
	if err != nil {
		return nil, false, err
	}

	if p.IdempotencyKey != "" {
		if rec, ok := m.idempotency[p.SessionID][p.IdempotencyKey]; ok {
			if rec.Fingerprint != p.Fingerprint {
				return nil, false, ErrIdempotencyConflict
			}
			run, ok := m.runs[rec.RunID]
			if !ok {
				return nil, false, ErrRunNotFound
			}
			cp := *run
			return &cp, true, nil
		}
	}

	if s.ActiveRunID != "" {
		if active, ok := m.runs[s.ActiveRunID]; ok && !active.Status.Terminal() {
			return nil, false, ErrActiveRunExists
		}
	}
	if p.MaxRunsPerSession > 0 && len(m.runOrder[p.SessionID]) >= p.MaxRunsPerSession {
		return nil, false, ErrRunQuotaExceeded
	}

	run := &models.Run{
		ID:        models.NewRunID(),
		SessionID: p.SessionID,
		Message:   p.Message,
		Status:    models.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	m.runOrder[p.SessionID] = append(m.runOrder[p.SessionID], run.ID)
	s.ActiveRunID = run.ID
	if p.IdempotencyKey != "" {
		m.idempotency[p.SessionID][p.IdempotencyKey] = models.IdempotencyRecord{
			Fingerprint: p.Fingerprint,
			RunID:       run.ID,
		}
	}
	cp := *run
	return &cp, false, nil
}

func (m *MemoryStore) GetRun(_ context.Context, tenantID, sessionID, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessionLocked(tenantID, sessionID); err != nil {
		return nil, err
	}
	run, ok := m.runs[runID]
	if !ok || run.SessionID != sessionID {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) GetRunByID(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) GetSessionByID(_ context.Context, sessionID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) MarkRunStarted(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	run.Status = models.RunStatusRunning
	if run.StartedAt == nil {
		now := time.Now().UTC()
		run.StartedAt = &now
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) MarkRunRunning(_ context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status == models.RunStatusWaitingApproval {
		run.Status = models.RunStatusRunning
	}
	run.PendingApprovalID = ""
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) RequestInterrupt(_ context.Context, tenantID, sessionID, runID string) (*models.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessionLocked(tenantID, sessionID); err != nil {
		return nil, false, err
	}
	run, ok := m.runs[runID]
	if !ok || run.SessionID != sessionID {
		return nil, false, ErrRunNotFound
	}
	if run.Status.Terminal() {
		cp := *run
		return &cp, false, nil
	}
	run.InterruptRequested = true
	run.Status = models.RunStatusInterrupting
	cp := *run
	return &cp, true, nil
}

func (m *MemoryStore) FinalizeRun(_ context.Context, runID string, status models.RunStatus, runErr *models.RunError, usage *RunUsage) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if !status.Terminal() {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	run.Status = status
	if run.EndedAt == nil {
		run.EndedAt = &now
	}
	run.PendingApprovalID = ""
	if runErr != nil {
		run.Error = runErr
	}
	if usage != nil && !run.UsageFinalized {
		run.UsageTokens = usage.Tokens
		run.EstimatedCostUSD = usage.CostUSD
		run.UsageFinalized = true
	}

	s := m.sessions[run.SessionID]
	for _, apprID := range m.apprOrder[runID] {
		a := m.approvals[apprID]
		if a.Status == models.ApprovalPending {
			a.Status = models.ApprovalRejected
			decided := now
			a.DecidedAt = &decided
			if s != nil && s.PendingApprovalsCount > 0 {
				s.PendingApprovalsCount--
			}
		}
	}
	if s != nil && s.ActiveRunID == runID {
		s.ActiveRunID = ""
	}

	cp := *run
	return &cp, nil
}

func (m *MemoryStore) SetRunUsage(_ context.Context, runID string, usage RunUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.UsageTokens = usage.Tokens
	run.EstimatedCostUSD = usage.CostUSD
	run.UsageFinalized = true
	return nil
}

// --- events ---

func (m *MemoryStore) AppendEvent(_ context.Context, runID, eventType string, payload map[string]any) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendEventLocked(runID, eventType, payload)
}

func (m *MemoryStore) appendEventLocked(runID, eventType string, payload map[string]any) (*models.Event, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	run.EventSeq++
	evt := &models.Event{
		ID:        models.EventID(runID, run.EventSeq),
		SessionID: run.SessionID,
		RunID:     runID,
		Seq:       run.EventSeq,
		Type:      eventType,
		TS:        time.Now().UTC().Truncate(time.Second),
		Payload:   payload,
	}
	m.events[runID] = append(m.events[runID], evt)
	cp := *evt
	return &cp, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, runID string, afterSeq int) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}
	var out []*models.Event
	for _, e := range m.events[runID] {
		if e.Seq > afterSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- approvals ---

func (m *MemoryStore) BeginApprovalBatch(_ context.Context, runID string, calls []models.ToolCall) ([]*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	s, ok := m.sessions[run.SessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := time.Now().UTC()
	out := make([]*models.Approval, 0, len(calls))
	for i, call := range calls {
		a := &models.Approval{
			ID:        models.NewApprovalID(),
			SessionID: run.SessionID,
			RunID:     runID,
			ToolName:  call.ToolName,
			Args:      call.Args,
			Status:    models.ApprovalPending,
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		m.approvals[a.ID] = a
		m.apprOrder[runID] = append(m.apprOrder[runID], a.ID)
		s.PendingApprovalsCount++
		cp := *a
		out = append(out, &cp)
	}
	if len(out) > 0 {
		run.PendingApprovalID = out[0].ID
		run.Status = models.RunStatusWaitingApproval
	}
	return out, nil
}

func (m *MemoryStore) PendingApprovalsForRun(_ context.Context, runID string) ([]*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Approval
	for _, id := range m.apprOrder[runID] {
		if a := m.approvals[id]; a != nil && a.Status == models.ApprovalPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ApprovalsForRun(_ context.Context, runID string) ([]*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Approval
	for _, id := range m.apprOrder[runID] {
		if a := m.approvals[id]; a != nil {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPendingApprovals(_ context.Context, tenantID, sessionID string) ([]*models.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessionLocked(tenantID, sessionID); err != nil {
		return nil, err
	}
	var out []*models.Approval
	for _, a := range m.approvals {
		if a.SessionID == sessionID && a.Status == models.ApprovalPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DecideApproval(_ context.Context, p DecideApprovalParams) (*DecideApprovalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.sessionLocked(p.TenantID, p.SessionID)
	if err != nil {
		return nil, err
	}
	a, ok := m.approvals[p.ApprovalID]
	if !ok || a.SessionID != p.SessionID {
		return nil, ErrApprovalNotFound
	}
	run, ok := m.runs[a.RunID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Status != models.RunStatusWaitingApproval {
		return nil, ErrInvalidState
	}
	if a.Status != models.ApprovalPending {
		return nil, ErrApprovalProcessed
	}

	now := time.Now().UTC()
	if p.Approve {
		a.Status = models.ApprovalApproved
	} else {
		a.Status = models.ApprovalRejected
	}
	a.DecidedAt = &now
	if s.PendingApprovalsCount > 0 {
		s.PendingApprovalsCount--
	}
	if p.Approve && p.ApplyToFuture {
		s.Settings.AutoApprove = true
	}

	// Decision event is persisted in the same atomic step, before the
	// decision becomes externally visible.
	eventType := models.EventToolCallApproved
	if !p.Approve {
		eventType = models.EventToolCallRejected
	}
	if _, err := m.appendEventLocked(run.ID, eventType, map[string]any{
		"approval_id": a.ID,
		"tool_name":   a.ToolName,
	}); err != nil {
		return nil, err
	}

	resolved := true
	for _, id := range m.apprOrder[run.ID] {
		if sib := m.approvals[id]; sib != nil && sib.Status == models.ApprovalPending {
			resolved = false
			break
		}
	}
	if resolved {
		run.PendingApprovalID = ""
	}

	apprCp := *a
	runCp := *run
	return &DecideApprovalResult{Approval: &apprCp, Run: &runCp, BatchResolved: resolved}, nil
}

// --- recovery / metrics ---

func (m *MemoryStore) NormalizeAfterRestart(_ context.Context) (*RecoveryReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &RecoveryReport{}
	now := time.Now().UTC()

	for _, run := range m.runs {
		if !run.Status.Active() {
			continue
		}
		if !hasTerminalEvent(m.events[run.ID]) {
			if _, err := m.appendEventLocked(run.ID, models.EventRunInterrupted, map[string]any{
				"status": "interrupted",
				"reason": "process_restarted",
			}); err != nil {
				return nil, err
			}
		}
		run.Status = models.RunStatusInterrupted
		run.InterruptRequested = true
		if run.EndedAt == nil {
			run.EndedAt = &now
		}
		if run.StartedAt == nil {
			started := run.CreatedAt
			run.StartedAt = &started
		}
		run.PendingApprovalID = ""
		report.InterruptedRuns++

		for _, apprID := range m.apprOrder[run.ID] {
			a := m.approvals[apprID]
			if a.Status == models.ApprovalPending {
				a.Status = models.ApprovalRejected
				decided := now
				a.DecidedAt = &decided
				report.RejectedApprovals++
			}
		}

		if s := m.sessions[run.SessionID]; s != nil && s.ActiveRunID == run.ID {
			s.ActiveRunID = ""
			report.ClearedSessions++
		}
	}

	// Recompute pending counts from the approvals table.
	for _, s := range m.sessions {
		count := 0
		for _, a := range m.approvals {
			if a.SessionID == s.ID && a.Status == models.ApprovalPending {
				count++
			}
		}
		s.PendingApprovalsCount = count
	}

	return report, nil
}

func (m *MemoryStore) Metrics(_ context.Context) (*MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MetricsSnapshot{Sessions: len(m.sessions)}
	var latencies []float64
	for _, run := range m.runs {
		snap.RunsTotal++
		switch {
		case run.Status == models.RunStatusCompleted:
			snap.RunsCompleted++
		case run.Status == models.RunStatusFailed:
			snap.RunsFailed++
		case run.Status == models.RunStatusInterrupted:
			snap.RunsInterrupted++
		default:
			snap.RunsActive++
		}
		snap.TotalTokens += run.UsageTokens
		snap.TotalCostUSD += run.EstimatedCostUSD
		if run.Status.Terminal() && run.StartedAt != nil && run.EndedAt != nil {
			latencies = append(latencies, float64(run.EndedAt.Sub(*run.StartedAt).Milliseconds()))
		}
	}
	for _, a := range m.approvals {
		if a.Status == models.ApprovalPending {
			snap.PendingApprovals++
		}
	}
	terminal := snap.RunsCompleted + snap.RunsFailed + snap.RunsInterrupted
	if terminal > 0 {
		snap.ErrorRate = float64(snap.RunsFailed) / float64(terminal)
	}
	snap.AvgLatencyMS, snap.P95LatencyMS = latencyStats(latencies)
	return snap, nil
}

func (m *MemoryStore) SessionUsage(_ context.Context, tenantID, sessionID string) (*UsageSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.sessionLocked(tenantID, sessionID); err != nil {
		return nil, err
	}
	sum := &UsageSummary{}
	for _, runID := range m.runOrder[sessionID] {
		run := m.runs[runID]
		sum.RunCount++
		if run.Status == models.RunStatusCompleted {
			sum.CompletedRunCount++
		}
		sum.TotalTokens += run.UsageTokens
		sum.TotalCostUSD += run.EstimatedCostUSD
	}
	return sum, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// --- helpers ---

func (m *MemoryStore) sessionLocked(tenantID, sessionID string) (*models.Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func advanceWorkflowState(s *models.Session, target models.WorkflowState) {
	if target == models.StateCancelled {
		s.WorkflowState = models.StateCancelled
		return
	}
	if s.WorkflowState.Before(target) {
		s.WorkflowState = target
	}
}

func hasTerminalEvent(events []*models.Event) bool {
	for _, e := range events {
		switch e.Type {
		case models.EventRunCompleted, models.EventRunFailed, models.EventRunInterrupted:
			return true
		}
	}
	return false
}

// latencyStats returns the mean and the p95 (nearest-rank) of the samples.
func latencyStats(samples []float64) (avg, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
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
