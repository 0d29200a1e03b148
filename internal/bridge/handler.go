// Package bridge connects CRDT state to the on-disk workspace: it writes
// files when remote updates arrive, ingests local edits into the
// documents, and keeps the two directions from echoing into each other.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/frontmatter"
	"github.com/diaryx-org/diaryx-go/internal/vfs"
)

// Handler bridges CRDT documents and the filesystem. It owns the two
// disjoint per-path marker sets that prevent echo loops:
//
//   - local-write markers: set while writing a file in response to a local
//     user action, so observers can pause for that path.
//   - sync-write markers: set while writing a file in response to a CRDT
//     update from the network; while set, the filesystem-to-CRDT path for
//     that file is suppressed.
//
// Markers are cleared on every exit path, success or failure. Without
// that, each peer's disk write would re-broadcast as its own change and
// the swarm would loop forever.
type Handler struct {
	fs     vfs.FileSystem
	root   string
	logger *slog.Logger

	workspace *crdt.WorkspaceDoc

	mu          sync.Mutex
	localWrites map[string]bool
	syncWrites  map[string]bool
}

// NewHandler creates a Handler rooted at the workspace directory.
func NewHandler(fs vfs.FileSystem, root string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		fs:          fs,
		root:        root,
		logger:      logger,
		localWrites: make(map[string]bool),
		syncWrites:  make(map[string]bool),
	}
}

// SetWorkspaceDoc wires the workspace document used to reconstruct
// frontmatter when an on-disk file is missing or unparseable.
func (h *Handler) SetWorkspaceDoc(doc *crdt.WorkspaceDoc) {
	h.workspace = doc
}

// Root returns the workspace root directory.
func (h *Handler) Root() string { return h.root }

// --- marker sets ---

// markSyncWrite flags path as being written due to a network update.
func (h *Handler) markSyncWrite(path string) {
	h.mu.Lock()
	h.syncWrites[path] = true
	h.mu.Unlock()
}

func (h *Handler) clearSyncWrite(path string) {
	h.mu.Lock()
	delete(h.syncWrites, path)
	h.mu.Unlock()
}

// IsSyncWrite reports whether a sync-driven write is in progress for path.
// The filesystem-to-CRDT ingest path checks this to suppress echo.
func (h *Handler) IsSyncWrite(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.syncWrites[path]
}

// MarkLocalWrite flags path as being written due to a local user action.
// Returns a clear func; callers defer it so the marker never leaks.
func (h *Handler) MarkLocalWrite(path string) func() {
	h.mu.Lock()
	h.localWrites[path] = true
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.localWrites, path)
		h.mu.Unlock()
	}
}

// IsLocalWrite reports whether a local-action write is in progress for path.
func (h *Handler) IsLocalWrite(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.localWrites[path]
}

// --- remote to disk ---

// HandleRemoteMetadataUpdate reconstructs on-disk files for each live
// entry and deletes files for each removed path. Parent directories are
// created implicitly; hidden paths are never touched. Disk failures are
// logged and do not retract the CRDT update — the CRDT is authoritative
// and the next write re-converges.
func (h *Handler) HandleRemoteMetadataUpdate(
	ctx context.Context,
	liveFiles []crdt.FileEntry,
	removedFiles []string,
	bodies *crdt.BodyDocManager,
	writeToDisk bool,
) error {
	if !writeToDisk {
		return nil
	}

	var errs []error

	for _, f := range liveFiles {
		if crdt.HasHiddenSegment(f.Path) {
			continue
		}

		if err := h.writeFileFromCRDT(ctx, f.Path, f.Meta, bodies); err != nil {
			h.logger.Warn("bridge: writing remote metadata update failed",
				"path", f.Path, "error", err)
			errs = append(errs, err)
		}
	}

	for _, path := range removedFiles {
		if crdt.HasHiddenSegment(path) {
			continue
		}

		full := filepath.Join(h.root, filepath.FromSlash(path))

		exists, err := h.fs.Exists(ctx, full)
		if err != nil || !exists {
			continue
		}

		h.markSyncWrite(path)

		if err := h.fs.DeleteFile(ctx, full); err != nil {
			h.logger.Warn("bridge: deleting removed file failed", "path", path, "error", err)
			errs = append(errs, err)
		}

		h.clearSyncWrite(path)
	}

	return errors.Join(errs...)
}

// writeFileFromCRDT composes frontmatter from metadata plus the CRDT body
// and writes the file under the sync-write marker.
func (h *Handler) writeFileFromCRDT(ctx context.Context, path string, meta *crdt.FileMetadata, bodies *crdt.BodyDocManager) error {
	body := ""

	if bodies != nil {
		text, err := bodies.GetBody(ctx, path)
		if err != nil {
			return fmt.Errorf("bridge: reading body doc for %s: %w", path, err)
		}

		body = text
	}

	content, err := frontmatter.Compose(meta, body)
	if err != nil {
		return err
	}

	full := filepath.Join(h.root, filepath.FromSlash(path))

	h.markSyncWrite(path)
	defer h.clearSyncWrite(path)

	return h.fs.WriteFile(ctx, full, content)
}

// HandleRemoteBodyUpdate replaces only the body region of the on-disk
// file, keeping its frontmatter verbatim. A missing or unparseable file is
// rewritten whole with frontmatter reconstructed from the workspace doc —
// nothing is lost because the body CRDT is the authority.
func (h *Handler) HandleRemoteBodyUpdate(
	ctx context.Context,
	path, newBody string,
	bodies *crdt.BodyDocManager,
	writeToDisk bool,
) error {
	if !writeToDisk || crdt.HasHiddenSegment(path) {
		return nil
	}

	full := filepath.Join(h.root, filepath.FromSlash(path))

	h.markSyncWrite(path)
	defer h.clearSyncWrite(path)

	existing, err := h.fs.ReadToString(ctx, full)
	if err == nil {
		if _, parseErr := frontmatter.Parse(existing); parseErr == nil {
			return h.fs.WriteFile(ctx, full, frontmatter.ReplaceBody(existing, newBody))
		}
	}

	// Missing or broken frontmatter: reconstruct from the workspace doc.
	meta := &crdt.FileMetadata{ModifiedAt: time.Now().UnixMilli()}

	if h.workspace != nil {
		if m := h.workspace.Get(path); m != nil {
			meta = m
		}
	}

	body := newBody

	if body == "" && bodies != nil {
		// Caller may signal "use the doc" with an empty body.
		if text, bodyErr := bodies.GetBody(ctx, path); bodyErr == nil {
			body = text
		}
	}

	content, composeErr := frontmatter.Compose(meta, body)
	if composeErr != nil {
		return composeErr
	}

	return h.fs.WriteFile(ctx, full, content)
}

// --- disk to CRDT ---

// IngestLocalFile parses the on-disk file at relPath and feeds it into the
// workspace and body documents as a local mutation. Calls while a
// sync-driven write for the same path is in flight are suppressed — that
// write came from the network and must not echo back.
func (h *Handler) IngestLocalFile(
	ctx context.Context,
	relPath string,
	workspace *crdt.WorkspaceDoc,
	bodies *crdt.BodyDocManager,
) error {
	path := norm.NFC.String(filepath.ToSlash(relPath))

	canonical, err := crdt.CanonicalizePath(path)
	if err != nil {
		return err
	}

	if crdt.HasHiddenSegment(canonical) {
		return nil
	}

	if h.IsSyncWrite(canonical) {
		h.logger.Debug("bridge: suppressing ingest during sync write", "path", canonical)
		return nil
	}

	full := filepath.Join(h.root, filepath.FromSlash(canonical))

	content, err := h.fs.ReadToString(ctx, full)
	if err != nil {
		return fmt.Errorf("bridge: reading local file %s: %w", canonical, err)
	}

	parsed, parseErr := frontmatter.Parse(content)
	if parseErr != nil && !errors.Is(parseErr, frontmatter.ErrNoFrontmatter) {
		h.logger.Warn("bridge: unparseable frontmatter, ingesting body only",
			"path", canonical, "error", parseErr)
	}

	meta := frontmatter.ToMetadata(parsed, time.Now().UnixMilli())

	if err := workspace.Set(canonical, meta); err != nil {
		return fmt.Errorf("bridge: updating workspace doc for %s: %w", canonical, err)
	}

	if err := bodies.SetBody(ctx, canonical, parsed.Body); err != nil {
		return fmt.Errorf("bridge: updating body doc for %s: %w", canonical, err)
	}

	return nil
}

// IngestLocalDelete tombstones relPath in the workspace doc after the user
// removed the file locally.
func (h *Handler) IngestLocalDelete(relPath string, workspace *crdt.WorkspaceDoc) error {
	path := norm.NFC.String(filepath.ToSlash(relPath))

	canonical, err := crdt.CanonicalizePath(path)
	if err != nil {
		return err
	}

	if crdt.HasHiddenSegment(canonical) || h.IsSyncWrite(canonical) {
		return nil
	}

	return workspace.Delete(canonical, time.Now().UnixMilli())
}
