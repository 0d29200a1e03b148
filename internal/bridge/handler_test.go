package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/crdtstore"
	"github.com/diaryx-org/diaryx-go/internal/frontmatter"
	"github.com/diaryx-org/diaryx-go/internal/vfs"
)

func strPtr(s string) *string { return &s }

// newTestEnv builds a handler over a temp workspace with in-memory CRDT
// state.
func newTestEnv(t *testing.T) (*Handler, *crdt.WorkspaceDoc, *crdt.BodyDocManager, string) {
	t.Helper()

	root := t.TempDir()
	store := crdtstore.NewMemoryStore()
	workspace := crdt.NewWorkspaceDoc(1)
	bodies := crdt.NewBodyDocManager(store, "ws", 1, "dev", "test", nil)

	h := NewHandler(vfs.NewOSFileSystem(), root, nil)
	h.SetWorkspaceDoc(workspace)

	return h, workspace, bodies, root
}

// --- remote metadata to disk ---

func TestHandleRemoteMetadataUpdate_WritesFile(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, bodies.SetBody(ctx, "notes/a.md", "hello body"))

	meta := &crdt.FileMetadata{
		Title:      strPtr("A"),
		PartOf:     strPtr("README.md"),
		ModifiedAt: 1,
	}

	err := h.HandleRemoteMetadataUpdate(ctx,
		[]crdt.FileEntry{{Path: "notes/a.md", Meta: meta}}, nil, bodies, true)
	require.NoError(t, err)

	// Parent directory was created implicitly.
	raw, err := os.ReadFile(filepath.Join(root, "notes", "a.md"))
	require.NoError(t, err)

	p, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "A", p.Fields["title"])
	assert.Equal(t, "README.md", p.Fields["part_of"])
	assert.Equal(t, "hello body", p.Body)
}

func TestHandleRemoteMetadataUpdate_DeletesRemovedFiles(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	target := filepath.Join(root, "gone.md")
	require.NoError(t, os.WriteFile(target, []byte("---\n---\n"), 0o644))

	require.NoError(t, h.HandleRemoteMetadataUpdate(ctx, nil, []string{"gone.md"}, bodies, true))

	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestHandleRemoteMetadataUpdate_SkipsHiddenPaths(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	meta := &crdt.FileMetadata{Title: strPtr("X"), ModifiedAt: 1}

	err := h.HandleRemoteMetadataUpdate(ctx,
		[]crdt.FileEntry{{Path: ".secret/a.md", Meta: meta}}, nil, bodies, true)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, ".secret"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestHandleRemoteMetadataUpdate_NoDiskWriteWhenDisabled(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	meta := &crdt.FileMetadata{Title: strPtr("X"), ModifiedAt: 1}

	err := h.HandleRemoteMetadataUpdate(ctx,
		[]crdt.FileEntry{{Path: "a.md", Meta: meta}}, nil, bodies, false)
	require.NoError(t, err)

	_, statErr := os.Stat(filepath.Join(root, "a.md"))
	assert.True(t, os.IsNotExist(statErr))
}

// --- remote body to disk ---

func TestHandleRemoteBodyUpdate_KeepsFrontmatterVerbatim(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	original := "---\ntitle: Keep Me\nweird_key: survives\n---\n\nold body\n"
	target := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(target, []byte(original), 0o644))

	require.NoError(t, h.HandleRemoteBodyUpdate(ctx, "a.md", "new body\n", bodies, true))

	raw, err := os.ReadFile(target)
	require.NoError(t, err)

	p, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "Keep Me", p.Fields["title"])
	assert.Equal(t, "survives", p.Fields["weird_key"])
	assert.Equal(t, "new body\n", p.Body)
}

func TestHandleRemoteBodyUpdate_ReconstructsMissingFile(t *testing.T) {
	h, workspace, bodies, root := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, workspace.Set("a.md", &crdt.FileMetadata{
		Title: strPtr("Reconstructed"), ModifiedAt: 1,
	}))

	require.NoError(t, h.HandleRemoteBodyUpdate(ctx, "a.md", "crdt body", bodies, true))

	raw, err := os.ReadFile(filepath.Join(root, "a.md"))
	require.NoError(t, err)

	p, err := frontmatter.Parse(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "Reconstructed", p.Fields["title"])
	assert.Equal(t, "crdt body", p.Body)
}

// --- echo-loop prevention ---

func TestIngest_SuppressedDuringSyncWrite(t *testing.T) {
	h, workspace, bodies, root := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"),
		[]byte("---\ntitle: A\n---\n\nbody\n"), 0o644))

	updates := 0

	workspace.Observe(func([]byte, []string) { updates++ })

	// Sync-driven write in flight: the filesystem-to-CRDT path must not
	// produce a new update for the same path.
	h.markSyncWrite("a.md")

	require.NoError(t, h.IngestLocalFile(ctx, "a.md", workspace, bodies))
	assert.Zero(t, updates, "ingest during sync write must be suppressed")

	h.clearSyncWrite("a.md")

	// Without the marker the same call feeds the CRDT.
	require.NoError(t, h.IngestLocalFile(ctx, "a.md", workspace, bodies))
	assert.Positive(t, updates)
}

func TestSyncWriteMarker_ClearedAfterWrite(t *testing.T) {
	h, _, bodies, _ := newTestEnv(t)
	ctx := context.Background()

	meta := &crdt.FileMetadata{Title: strPtr("A"), ModifiedAt: 1}

	require.NoError(t, h.HandleRemoteMetadataUpdate(ctx,
		[]crdt.FileEntry{{Path: "a.md", Meta: meta}}, nil, bodies, true))

	assert.False(t, h.IsSyncWrite("a.md"), "marker must clear on success")
}

func TestSyncWriteMarker_ClearedOnFailure(t *testing.T) {
	h, _, bodies, root := newTestEnv(t)
	ctx := context.Background()

	// Force the write to fail: a directory occupies the target path.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a.md"), 0o755))

	meta := &crdt.FileMetadata{Title: strPtr("A"), ModifiedAt: 1}

	err := h.HandleRemoteMetadataUpdate(ctx,
		[]crdt.FileEntry{{Path: "a.md", Meta: meta}}, nil, bodies, true)
	assert.Error(t, err)

	assert.False(t, h.IsSyncWrite("a.md"), "marker must clear on failure too")
}

func TestLocalWriteMarker_DeferredClear(t *testing.T) {
	h, _, _, _ := newTestEnv(t)

	clearFn := h.MarkLocalWrite("a.md")
	assert.True(t, h.IsLocalWrite("a.md"))

	clearFn()
	assert.False(t, h.IsLocalWrite("a.md"))
}

// --- local ingest ---

func TestIngestLocalFile_FeedsBothDocs(t *testing.T) {
	h, workspace, bodies, root := newTestEnv(t)
	ctx := context.Background()

	content := "---\ntitle: Fed\npart_of: README.md\n---\n\nthe body\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte(content), 0o644))

	require.NoError(t, h.IngestLocalFile(ctx, "a.md", workspace, bodies))

	meta := workspace.Get("a.md")
	require.NotNil(t, meta)
	assert.Equal(t, "Fed", *meta.Title)
	assert.Equal(t, "README.md", *meta.PartOf)

	body, err := bodies.GetBody(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, "the body\n", body)
}

func TestIngestLocalFile_RejectsHiddenAndBackslash(t *testing.T) {
	h, workspace, bodies, _ := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, h.IngestLocalFile(ctx, ".diaryx/config.md", workspace, bodies))
	assert.Nil(t, workspace.Get(".diaryx/config.md"))

	assert.Error(t, h.IngestLocalFile(ctx, `bad\path.md`, workspace, bodies))
}

func TestIngestLocalDelete_Tombstones(t *testing.T) {
	h, workspace, _, _ := newTestEnv(t)

	require.NoError(t, workspace.Set("a.md", &crdt.FileMetadata{Title: strPtr("A"), ModifiedAt: 1}))
	require.NoError(t, h.IngestLocalDelete("a.md", workspace))

	assert.Nil(t, workspace.Get("a.md"))
	assert.True(t, workspace.Tombstones()["a.md"])
}
