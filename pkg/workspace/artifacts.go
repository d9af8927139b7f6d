package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// LocalArtifactStore keeps exported artifacts under root/<session_id>/,
// a namespace separate from the workspace proper.
type LocalArtifactStore struct {
	inner *LocalProvider
}

// NewLocalArtifactStore creates a filesystem-backed artifact store.
func NewLocalArtifactStore(root string) (*LocalArtifactStore, error) {
	inner, err := NewLocalProvider(root)
	if err != nil {
		return nil, err
	}
	return &LocalArtifactStore{inner: inner}, nil
}

var _ ArtifactStore = (*LocalArtifactStore)(nil)

func (s *LocalArtifactStore) SaveArtifact(ctx context.Context, sessionID, rel string, data []byte) (*FileMeta, error) {
	meta, err := s.inner.WriteFile(ctx, sessionID, rel, data)
	if err != nil {
		return nil, err
	}
	meta.Source = "artifact"
	return meta, nil
}

func (s *LocalArtifactStore) ListArtifacts(ctx context.Context, sessionID string) ([]FileMeta, error) {
	metas, err := s.inner.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range metas {
		metas[i].Source = "artifact"
	}
	return metas, nil
}

func (s *LocalArtifactStore) ReadArtifact(ctx context.Context, sessionID, rel string) ([]byte, error) {
	return s.inner.ReadFile(ctx, sessionID, rel)
}

func (s *LocalArtifactStore) DeleteArtifacts(ctx context.Context, sessionID string) (int, error) {
	return s.inner.DeleteWorkspace(ctx, sessionID)
}

// CleanupExpired removes artifact files older than ttl and prunes emptied
// session directories. Returns the number of files removed.
func (s *LocalArtifactStore) CleanupExpired(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	removed := 0
	err := filepath.WalkDir(s.inner.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	// Prune now-empty session directories.
	entries, err := os.ReadDir(s.inner.root)
	if err != nil {
		return removed, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.inner.root, e.Name())
		if children, err := os.ReadDir(dir); err == nil && len(children) == 0 {
			_ = os.Remove(dir)
		}
	}
	return removed, nil
}
