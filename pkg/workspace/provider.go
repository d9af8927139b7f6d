// Package workspace provides session-scoped file storage: the workspace
// proper (uploaded inputs and agent-edited files) and an optional artifact
// namespace for exports.
package workspace

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrFileNotFound is returned when a file does not exist in the provider.
var ErrFileNotFound = errors.New("file not found")

// FileMeta describes one stored file.
type FileMeta struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"` // "workspace" or "artifact"
}

// Provider is the workspace capability set consumed by the core. All paths
// are relative to the session's workspace root.
type Provider interface {
	CreateWorkspace(ctx context.Context, sessionID, name string) error
	SaveUploadedFile(ctx context.Context, sessionID, filename string, data []byte) (*FileMeta, error)
	ListFiles(ctx context.Context, sessionID string) ([]FileMeta, error)
	ReadFile(ctx context.Context, sessionID, rel string) ([]byte, error)
	WriteFile(ctx context.Context, sessionID, rel string, data []byte) (*FileMeta, error)
	DeleteWorkspace(ctx context.Context, sessionID string) (int, error)
}

// ArtifactStore is the optional artifact capability set. It mirrors Provider
// under a separate namespace and adds TTL-based expiry.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, sessionID, rel string, data []byte) (*FileMeta, error)
	ListArtifacts(ctx context.Context, sessionID string) ([]FileMeta, error)
	ReadArtifact(ctx context.Context, sessionID, rel string) ([]byte, error)
	DeleteArtifacts(ctx context.Context, sessionID string) (int, error)
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// MergeListings overlays artifact entries onto workspace entries keyed by
// path. Artifact entries win on collision; the result is sorted by path.
func MergeListings(ws, artifacts []FileMeta) []FileMeta {
	byPath := make(map[string]FileMeta, len(ws)+len(artifacts))
	for _, f := range ws {
		byPath[f.Path] = f
	}
	for _, f := range artifacts {
		byPath[f.Path] = f
	}
	out := make([]FileMeta, 0, len(byPath))
	for _, f := range byPath {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
