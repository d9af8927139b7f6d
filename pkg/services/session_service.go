package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/store"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// SessionService manages session lifecycle, uploads, and files.
type SessionService struct {
	store     store.Store
	workspace workspace.Provider
	artifacts workspace.ArtifactStore // may be nil
	cfg       *config.Config
}

// NewSessionService creates a SessionService. artifacts may be nil.
func NewSessionService(st store.Store, ws workspace.Provider, artifacts workspace.ArtifactStore, cfg *config.Config) *SessionService {
	return &SessionService{store: st, workspace: ws, artifacts: artifacts, cfg: cfg}
}

// Create provisions a session and its workspace.
func (s *SessionService) Create(ctx context.Context, tenantID, workspaceName string, autoApprove bool) (*models.Session, error) {
	if workspaceName == "" {
		workspaceName = "default"
	}
	session := &models.Session{
		ID:            models.NewSessionID(),
		TenantID:      tenantID,
		WorkspaceName: workspaceName,
		CreatedAt:     time.Now().UTC(),
		WorkflowState: models.StateDraft,
		Settings:      models.SessionSettings{AutoApprove: autoApprove},
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if err := s.workspace.CreateWorkspace(ctx, session.ID, workspaceName); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	slog.Info("Session created", "session_id", session.ID, "tenant_id", tenantID)
	return session, nil
}

// Get returns the tenant's session.
func (s *SessionService) Get(ctx context.Context, tenantID, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, tenantID, sessionID)
}

// SetAutoApprove updates the session's auto-approve setting.
func (s *SessionService) SetAutoApprove(ctx context.Context, tenantID, sessionID string, enabled bool) (*models.Session, error) {
	return s.store.SetAutoApprove(ctx, tenantID, sessionID, enabled)
}

// UploadResume validates and stores an uploaded resume, then advances the
// workflow to resume_uploaded.
func (s *SessionService) UploadResume(ctx context.Context, tenantID, sessionID, filename, contentType string, data []byte) (*workspace.FileMeta, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		return nil, ErrUploadTooLarge
	}
	if !s.mimeAllowed(contentType) {
		return nil, ErrUnsupportedFileType
	}

	meta, err := s.workspace.SaveUploadedFile(ctx, sessionID, filename, data)
	if err != nil {
		return nil, fmt.Errorf("saving upload: %w", err)
	}
	if err := s.store.SetResumePath(ctx, tenantID, sessionID, meta.Path); err != nil {
		return nil, err
	}
	if _, err := s.store.AdvanceWorkflow(ctx, tenantID, sessionID, models.StateResumeUploaded); err != nil {
		return nil, err
	}
	slog.Info("Resume uploaded", "session_id", sessionID, "path", meta.Path, "size", meta.SizeBytes)
	return meta, nil
}

// ProvideJobDescription records the job description. A resume must have been
// uploaded first.
func (s *SessionService) ProvideJobDescription(ctx context.Context, tenantID, sessionID, text, url string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	if text == "" && url == "" {
		return nil, NewValidationError("text", "text or url is required")
	}
	if session.WorkflowState.Before(models.StateResumeUploaded) {
		return nil, fmt.Errorf("%w: upload a resume before providing a job description", ErrInvalidState)
	}
	if err := s.store.SetJobDescription(ctx, tenantID, sessionID, text, url); err != nil {
		return nil, err
	}
	return s.store.AdvanceWorkflow(ctx, tenantID, sessionID, models.StateJDProvided)
}

// Export materializes the current resume into the artifact namespace (or the
// workspace's exports/ prefix when no artifact store is attached) and
// advances the workflow to exported.
func (s *SessionService) Export(ctx context.Context, tenantID, sessionID string) (*workspace.FileMeta, error) {
	session, err := s.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	source := session.ResumePath
	if source == "" {
		source = "resume.md"
	}
	content, err := s.workspace.ReadFile(ctx, sessionID, source)
	if err != nil {
		if errors.Is(err, workspace.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: no resume to export", ErrInvalidState)
		}
		return nil, err
	}

	exportName := fmt.Sprintf("resume_export_%s.md", time.Now().UTC().Format("20060102T150405Z"))
	var meta *workspace.FileMeta
	if s.artifacts != nil {
		meta, err = s.artifacts.SaveArtifact(ctx, sessionID, exportName, content)
	} else {
		meta, err = s.workspace.WriteFile(ctx, sessionID, "exports/"+exportName, content)
	}
	if err != nil {
		return nil, fmt.Errorf("writing export: %w", err)
	}

	if err := s.store.SetExportPath(ctx, tenantID, sessionID, meta.Path); err != nil {
		return nil, err
	}
	if _, err := s.store.AdvanceWorkflow(ctx, tenantID, sessionID, models.StateExported); err != nil {
		return nil, err
	}
	slog.Info("Export created", "session_id", sessionID, "path", meta.Path)
	return meta, nil
}

// ListFiles returns the merged workspace + artifact listing. Artifact
// entries win on path collision.
func (s *SessionService) ListFiles(ctx context.Context, tenantID, sessionID string) ([]workspace.FileMeta, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	ws, err := s.workspace.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var artifacts []workspace.FileMeta
	if s.artifacts != nil {
		artifacts, err = s.artifacts.ListArtifacts(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	}
	return workspace.MergeListings(ws, artifacts), nil
}

// ReadFile reads a file from the workspace, falling back to the artifact
// store transparently. ErrFileNotFound only when both miss.
func (s *SessionService) ReadFile(ctx context.Context, tenantID, sessionID, rel string) ([]byte, error) {
	if _, err := s.store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	data, err := s.workspace.ReadFile(ctx, sessionID, rel)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, workspace.ErrFileNotFound) {
		return nil, err
	}
	if s.artifacts != nil {
		data, err = s.artifacts.ReadArtifact(ctx, sessionID, rel)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, workspace.ErrFileNotFound) {
			return nil, err
		}
	}
	return nil, ErrFileNotFound
}

// Usage returns the session's run accounting.
func (s *SessionService) Usage(ctx context.Context, tenantID, sessionID string) (*store.UsageSummary, error) {
	return s.store.SessionUsage(ctx, tenantID, sessionID)
}

func (s *SessionService) mimeAllowed(contentType string) bool {
	if contentType == "" {
		return false
	}
	// Strip parameters like "; charset=utf-8".
	mime := strings.TrimSpace(strings.Split(contentType, ";")[0])
	for _, allowed := range s.cfg.AllowedUploadMIMETypes {
		if strings.EqualFold(mime, allowed) {
			return true
		}
	}
	return false
}
