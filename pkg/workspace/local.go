package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvider stores each session's workspace under root/<session_id>/.
type LocalProvider struct {
	root string
}

// NewLocalProvider creates a filesystem-backed provider rooted at root.
func NewLocalProvider(root string) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	return &LocalProvider{root: root}, nil
}

var _ Provider = (*LocalProvider)(nil)

func (p *LocalProvider) CreateWorkspace(_ context.Context, sessionID, _ string) error {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func (p *LocalProvider) SaveUploadedFile(ctx context.Context, sessionID, filename string, data []byte) (*FileMeta, error) {
	return p.WriteFile(ctx, sessionID, filepath.Base(filename), data)
}

func (p *LocalProvider) ListFiles(_ context.Context, sessionID string) ([]FileMeta, error) {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	var out []FileMeta
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, FileMeta{
			Path:      filepath.ToSlash(rel),
			SizeBytes: info.Size(),
			UpdatedAt: info.ModTime().UTC(),
			Source:    "workspace",
		})
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, fs.ErrNotExist) {
		return nil, walkErr
	}
	return out, nil
}

func (p *LocalProvider) ReadFile(_ context.Context, sessionID, rel string) ([]byte, error) {
	path, err := p.resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrFileNotFound
	}
	return data, err
}

func (p *LocalProvider) WriteFile(_ context.Context, sessionID, rel string, data []byte) (*FileMeta, error) {
	path, err := p.resolve(sessionID, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, err
	}
	return &FileMeta{
		Path:      filepath.ToSlash(rel),
		SizeBytes: int64(len(data)),
		UpdatedAt: time.Now().UTC(),
		Source:    "workspace",
	}, nil
}

func (p *LocalProvider) DeleteWorkspace(_ context.Context, sessionID string) (int, error) {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return 0, err
	}
	count := 0
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			count++
		}
		return nil
	})
	if err := os.RemoveAll(dir); err != nil {
		return 0, err
	}
	return count, nil
}

func (p *LocalProvider) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(p.root, sessionID), nil
}

// resolve joins rel under the session dir, rejecting path traversal.
func (p *LocalProvider) resolve(sessionID, rel string) (string, error) {
	dir, err := p.sessionDir(sessionID)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	if cleaned == "/" {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	return filepath.Join(dir, cleaned), nil
}
