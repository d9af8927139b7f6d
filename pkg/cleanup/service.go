// Package cleanup provides data retention for sessions and artifacts.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// Report summarizes one cleanup pass.
type Report struct {
	RemovedSessions       int `json:"removed_sessions"`
	RemovedWorkspaceFiles int `json:"removed_workspace_files"`
	RemovedArtifactFiles  int `json:"removed_artifact_files"`
}

// Service periodically enforces retention policies:
//   - Removes expired idle sessions together with their workspaces and
//     artifacts (cascading to runs, approvals, and events)
//   - Removes artifact files past their TTL
//
// Sessions with an active run are never removed. A zero TTL disables the
// corresponding policy.
type Service struct {
	store      store.Store
	workspaces workspace.Provider
	artifacts  workspace.ArtifactStore // may be nil

	sessionTTL  time.Duration
	artifactTTL time.Duration
	interval    time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. artifacts may be nil.
func NewService(st store.Store, ws workspace.Provider, artifacts workspace.ArtifactStore, sessionTTL, artifactTTL, interval time.Duration) *Service {
	return &Service{
		store:       st,
		workspaces:  ws,
		artifacts:   artifacts,
		sessionTTL:  sessionTTL,
		artifactTTL: artifactTTL,
		interval:    interval,
	}
}

// Start launches the background cleanup loop. A no-op when both TTLs are
// zero or the loop is already running.
func (s *Service) Start(ctx context.Context) {
	if s.sessionTTL <= 0 && s.artifactTTL <= 0 {
		slog.Info("Cleanup service disabled: no TTLs configured")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_ttl", s.sessionTTL,
		"artifact_ttl", s.artifactTTL,
		"interval", s.interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runPass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		}
	}
}

func (s *Service) runPass(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		slog.Error("Cleanup pass failed", "error", err)
		return
	}
	if report.RemovedSessions > 0 || report.RemovedArtifactFiles > 0 {
		slog.Info("Cleanup pass finished",
			"removed_sessions", report.RemovedSessions,
			"removed_artifact_files", report.RemovedArtifactFiles)
	}
}

// RunOnce executes a single cleanup pass. Also invoked directly by
// POST /api/v1/settings/cleanup. Serialized: concurrent calls run one at a
// time.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &Report{}

	if s.sessionTTL > 0 {
		cutoff := time.Now().UTC().Add(-s.sessionTTL)
		expired, err := s.store.ExpiredSessions(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		for _, session := range expired {
			if err := s.store.DeleteSession(ctx, session.ID); err != nil {
				slog.Error("Cleanup: session delete failed", "session_id", session.ID, "error", err)
				continue
			}
			removed, err := s.workspaces.DeleteWorkspace(ctx, session.ID)
			if err != nil {
				slog.Error("Cleanup: workspace delete failed", "session_id", session.ID, "error", err)
			}
			report.RemovedWorkspaceFiles += removed
			if s.artifacts != nil {
				removed, err := s.artifacts.DeleteArtifacts(ctx, session.ID)
				if err != nil {
					slog.Error("Cleanup: artifact delete failed", "session_id", session.ID, "error", err)
				}
				report.RemovedArtifactFiles += removed
			}
			report.RemovedSessions++
		}
	}

	if s.artifactTTL > 0 && s.artifacts != nil {
		removed, err := s.artifacts.CleanupExpired(ctx, s.artifactTTL)
		if err != nil {
			return nil, err
		}
		report.RemovedArtifactFiles += removed
	}

	return report, nil
}
