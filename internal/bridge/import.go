package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
	"github.com/diaryx-org/diaryx-go/internal/frontmatter"
)

// ImportLocalFiles walks the workspace and imports markdown files the CRDT
// does not know yet: missing metadata entries are created, and files with
// a metadata entry but an empty body doc get their parsed body imported.
// This runs before the first handshake so a peer joining an empty account
// still uploads its local content. Returns the number of files touched.
func (h *Handler) ImportLocalFiles(
	ctx context.Context,
	workspace *crdt.WorkspaceDoc,
	bodies *crdt.BodyDocManager,
) (int, error) {
	paths, err := h.fs.ListAllFilesRecursive(ctx, h.root)
	if err != nil {
		return 0, fmt.Errorf("bridge: walking workspace for import: %w", err)
	}

	imported := 0

	for _, rel := range paths {
		if !strings.HasSuffix(rel, ".md") {
			continue
		}

		canonical := norm.NFC.String(rel)
		if crdt.HasHiddenSegment(canonical) {
			continue
		}

		touched, impErr := h.importOne(ctx, canonical, workspace, bodies)
		if impErr != nil {
			h.logger.Warn("bridge: import failed, skipping file", "path", canonical, "error", impErr)
			continue
		}

		if touched {
			imported++
		}
	}

	if imported > 0 {
		h.logger.Info("bridge: imported local files", "count", imported)
	}

	return imported, nil
}

// importOne brings a single on-disk file into the CRDT if it is missing.
func (h *Handler) importOne(
	ctx context.Context,
	canonical string,
	workspace *crdt.WorkspaceDoc,
	bodies *crdt.BodyDocManager,
) (bool, error) {
	haveMeta := workspace.Get(canonical) != nil

	bodyText, err := bodies.GetBody(ctx, canonical)
	if err != nil {
		return false, err
	}

	if haveMeta && bodyText != "" {
		return false, nil // fully known already
	}

	full := filepath.Join(h.root, filepath.FromSlash(canonical))

	content, err := h.fs.ReadToString(ctx, full)
	if err != nil {
		return false, err
	}

	parsed, parseErr := frontmatter.Parse(content)
	if parseErr != nil && !errors.Is(parseErr, frontmatter.ErrNoFrontmatter) {
		return false, parseErr
	}

	touched := false

	if !haveMeta {
		meta := frontmatter.ToMetadata(parsed, time.Now().UnixMilli())
		if err := workspace.Set(canonical, meta); err != nil {
			return false, err
		}

		touched = true
	}

	if bodyText == "" && parsed.Body != "" {
		if err := bodies.SetBody(ctx, canonical, parsed.Body); err != nil {
			return false, err
		}

		touched = true
	}

	return touched, nil
}

// DiscoverMissingFiles walks the contents hierarchy from the root index
// and creates local files that exist in the CRDT but not on disk. Cycles
// in the index graph are broken with a visited set. Returns the number of
// files created.
func (h *Handler) DiscoverMissingFiles(
	ctx context.Context,
	rootIndex string,
	workspace *crdt.WorkspaceDoc,
	bodies *crdt.BodyDocManager,
) (int, error) {
	visited := make(map[string]bool)

	created, err := h.discoverFrom(ctx, rootIndex, workspace, bodies, visited)
	if err != nil {
		return created, err
	}

	if created > 0 {
		h.logger.Info("bridge: created files from synced hierarchy", "count", created)
	}

	return created, nil
}

func (h *Handler) discoverFrom(
	ctx context.Context,
	path string,
	workspace *crdt.WorkspaceDoc,
	bodies *crdt.BodyDocManager,
	visited map[string]bool,
) (int, error) {
	if visited[path] || crdt.HasHiddenSegment(path) {
		return 0, nil
	}

	visited[path] = true

	meta := workspace.Get(path)
	if meta == nil {
		return 0, nil
	}

	created := 0

	full := filepath.Join(h.root, filepath.FromSlash(path))

	exists, err := h.fs.Exists(ctx, full)
	if err != nil {
		return 0, err
	}

	if !exists {
		if err := h.writeFileFromCRDT(ctx, path, meta, bodies); err != nil {
			return created, err
		}

		created++
	}

	dir := filepath.ToSlash(filepath.Dir(path))
	if dir == "." {
		dir = ""
	}

	for _, child := range meta.Contents {
		childPath := child
		if dir != "" {
			childPath = dir + "/" + child
		}

		n, childErr := h.discoverFrom(ctx, childPath, workspace, bodies, visited)
		created += n

		if childErr != nil {
			return created, childErr
		}
	}

	return created, nil
}
