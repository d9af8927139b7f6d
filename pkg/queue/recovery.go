package queue

import (
	"context"
	"log/slog"

	"github.com/tailr-ai/tailr/pkg/store"
)

// NormalizeAtStartup converts runs that were active when the process last
// stopped into interrupted runs, rejects their orphan approvals, and clears
// stale session pointers. It must run once during startup, before the
// scheduler worker begins accepting work: in-memory latches did not survive
// the restart, so former waiters can never resume.
func NormalizeAtStartup(ctx context.Context, st store.Store) error {
	report, err := st.NormalizeAfterRestart(ctx)
	if err != nil {
		return err
	}
	if report.InterruptedRuns == 0 {
		return nil
	}
	slog.Warn("Recovered runs left active by previous process",
		"interrupted_runs", report.InterruptedRuns,
		"rejected_approvals", report.RejectedApprovals,
		"cleared_sessions", report.ClearedSessions)
	return nil
}
