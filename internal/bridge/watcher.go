package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
)

// debounceWindow batches rapid-fire editor events (write + chmod + rename
// dances) into one ingest per path.
const debounceWindow = 250 * time.Millisecond

// Watcher feeds local filesystem edits into the CRDT documents through the
// handler's ingest path, which applies the sync-write suppression.
type Watcher struct {
	handler   *Handler
	workspace *crdt.WorkspaceDoc
	bodies    *crdt.BodyDocManager
	logger    *slog.Logger

	fsw *fsnotify.Watcher
}

// NewWatcher creates a watcher over the handler's workspace root. The
// watch set covers every non-hidden directory recursively; directories
// created later are added as their create events arrive.
func NewWatcher(handler *Handler, workspace *crdt.WorkspaceDoc, bodies *crdt.BodyDocManager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		handler:   handler,
		workspace: workspace,
		bodies:    bodies,
		logger:    logger,
		fsw:       fsw,
	}

	if err := w.addDirsRecursive(handler.Root()); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Run processes events until ctx is canceled. Events for the same path
// within the debounce window collapse into one ingest.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	pendingPaths := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			w.handleEvent(ev, pendingPaths)

			if len(pendingPaths) > 0 {
				timer.Reset(debounceWindow)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("watcher: filesystem event error", "error", err)

		case <-timer.C:
			w.flush(ctx, pendingPaths)
			pendingPaths = make(map[string]bool)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event, pending map[string]bool) {
	rel, err := filepath.Rel(w.handler.Root(), ev.Name)
	if err != nil {
		return
	}

	rel = filepath.ToSlash(rel)

	if crdt.HasHiddenSegment(rel) {
		return
	}

	// New directory: extend the watch set.
	if ev.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			if addErr := w.addDirsRecursive(ev.Name); addErr != nil {
				w.logger.Warn("watcher: adding new directory", "path", rel, "error", addErr)
			}

			return
		}
	}

	if !strings.HasSuffix(rel, ".md") {
		return
	}

	if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) ||
		ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		pending[rel] = true
	}
}

// flush ingests each debounced path: existing files feed the documents,
// vanished files tombstone their workspace entry.
func (w *Watcher) flush(ctx context.Context, pending map[string]bool) {
	for rel := range pending {
		full := filepath.Join(w.handler.Root(), filepath.FromSlash(rel))

		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				if delErr := w.handler.IngestLocalDelete(rel, w.workspace); delErr != nil {
					w.logger.Warn("watcher: ingesting delete", "path", rel, "error", delErr)
				}
			}

			continue
		}

		if err := w.handler.IngestLocalFile(ctx, rel, w.workspace, w.bodies); err != nil {
			w.logger.Warn("watcher: ingesting change", "path", rel, "error", err)
		}
	}
}

// addDirsRecursive adds root and every non-hidden subdirectory.
func (w *Watcher) addDirsRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}

		return w.fsw.Add(path)
	})
}
