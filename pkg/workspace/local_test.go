package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProviderReadWriteList(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, p.CreateWorkspace(ctx, "sess-1", "default"))

	meta, err := p.WriteFile(ctx, "sess-1", "notes/resume.md", []byte("# Resume"))
	require.NoError(t, err)
	assert.Equal(t, "notes/resume.md", meta.Path)
	assert.Equal(t, int64(8), meta.SizeBytes)
	assert.Equal(t, "workspace", meta.Source)

	data, err := p.ReadFile(ctx, "sess-1", "notes/resume.md")
	require.NoError(t, err)
	assert.Equal(t, "# Resume", string(data))

	_, err = p.ReadFile(ctx, "sess-1", "missing.md")
	assert.ErrorIs(t, err, ErrFileNotFound)

	files, err := p.ListFiles(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "notes/resume.md", files[0].Path)

	// A session with no workspace lists empty, not an error.
	files, err = p.ListFiles(ctx, "sess-unknown")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestLocalProviderSessionIsolation(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	_, err = p.WriteFile(ctx, "sess-a", "resume.md", []byte("a"))
	require.NoError(t, err)

	_, err = p.ReadFile(ctx, "sess-b", "resume.md")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestLocalProviderRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	p, err := NewLocalProvider(root)
	require.NoError(t, err)

	secret := filepath.Join(root, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("top secret"), 0o600))

	// Escapes are clamped inside the session dir, never the parent.
	data, err := p.ReadFile(ctx, "sess-1", "../secret.txt")
	assert.Error(t, err)
	assert.Nil(t, data)

	_, err = p.ReadFile(ctx, "sess-1", "..")
	assert.Error(t, err)

	_, err = p.WriteFile(ctx, "sess-1/../sess-2", "x.md", []byte("x"))
	assert.Error(t, err)
}

func TestLocalProviderSaveUploadStripsDirectories(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	meta, err := p.SaveUploadedFile(ctx, "sess-1", "/tmp/evil/../resume.md", []byte("content"))
	require.NoError(t, err)
	assert.Equal(t, "resume.md", meta.Path)
}

func TestDeleteWorkspaceCountsFiles(t *testing.T) {
	ctx := context.Background()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	_, err = p.WriteFile(ctx, "sess-1", "a.md", []byte("a"))
	require.NoError(t, err)
	_, err = p.WriteFile(ctx, "sess-1", "sub/b.md", []byte("b"))
	require.NoError(t, err)

	n, err := p.DeleteWorkspace(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	files, err := p.ListFiles(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalArtifactStore(t.TempDir())
	require.NoError(t, err)

	meta, err := s.SaveArtifact(ctx, "sess-1", "export.md", []byte("exported"))
	require.NoError(t, err)
	assert.Equal(t, "artifact", meta.Source)

	data, err := s.ReadArtifact(ctx, "sess-1", "export.md")
	require.NoError(t, err)
	assert.Equal(t, "exported", string(data))

	list, err := s.ListArtifacts(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "artifact", list[0].Source)
}

func TestCleanupExpiredRemovesOldArtifacts(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewLocalArtifactStore(root)
	require.NoError(t, err)

	_, err = s.SaveArtifact(ctx, "sess-old", "old.md", []byte("old"))
	require.NoError(t, err)
	_, err = s.SaveArtifact(ctx, "sess-new", "new.md", []byte("new"))
	require.NoError(t, err)

	// Age the first artifact past the TTL.
	oldPath := filepath.Join(root, "sess-old", "old.md")
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	removed, err := s.CleanupExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.ReadArtifact(ctx, "sess-old", "old.md")
	assert.ErrorIs(t, err, ErrFileNotFound)
	_, err = s.ReadArtifact(ctx, "sess-new", "new.md")
	assert.NoError(t, err)

	// The emptied session dir was pruned.
	_, statErr := os.Stat(filepath.Join(root, "sess-old"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestMergeListingsArtifactWins(t *testing.T) {
	ws := []FileMeta{
		{Path: "resume.md", Source: "workspace"},
		{Path: "notes.md", Source: "workspace"},
	}
	artifacts := []FileMeta{
		{Path: "resume.md", Source: "artifact"},
		{Path: "export.md", Source: "artifact"},
	}

	merged := MergeListings(ws, artifacts)
	require.Len(t, merged, 3)

	bySource := map[string]string{}
	for _, m := range merged {
		bySource[m.Path] = m.Source
	}
	assert.Equal(t, "artifact", bySource["resume.md"])
	assert.Equal(t, "workspace", bySource["notes.md"])
	assert.Equal(t, "artifact", bySource["export.md"])
}
