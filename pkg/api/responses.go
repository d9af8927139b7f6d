package api

import (
	"github.com/tailr-ai/tailr/pkg/config"
	"github.com/tailr-ai/tailr/pkg/models"
	"github.com/tailr-ai/tailr/pkg/workspace"
)

// RunResponse is a run record plus the idempotent-reuse marker.
type RunResponse struct {
	*models.Run
	Reused bool `json:"reused"`
}

// AutoApproveResponse echoes the updated setting.
type AutoApproveResponse struct {
	Enabled bool `json:"enabled"`
}

// FileListResponse is the merged workspace + artifact listing.
type FileListResponse struct {
	Files []workspace.FileMeta `json:"files"`
}

// UploadResponse describes the stored upload.
type UploadResponse struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ExportResponse describes the materialized export.
type ExportResponse struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ProviderPolicyResponse is the retry and fallback configuration view.
type ProviderPolicyResponse struct {
	ExecutorMode  string                 `json:"executor_mode"`
	Retry         RetryPolicy            `json:"retry"`
	FallbackChain []config.ProviderModel `json:"fallback_chain"`
}

// RetryPolicy is the retry configuration in plain seconds.
type RetryPolicy struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseDelaySeconds int `json:"base_delay_seconds"`
	MaxDelaySeconds  int `json:"max_delay_seconds"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Error  string `json:"error,omitempty"`
}
