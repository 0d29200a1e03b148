package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/diaryx-org/diaryx-go/internal/vfs"
)

// uploadTimeout bounds every per-file transfer to the provider. The same
// value applies at all call sites.
const uploadTimeout = 300 * time.Second

// Engine reconciles a workspace against one provider. Callers serialize
// sync passes per workspace; the manifest has a single writer.
type Engine struct {
	provider Provider
	fs       vfs.FileSystem
	root     string
	logger   *slog.Logger

	manifest     *Manifest
	manifestPath string

	nowFunc func() time.Time // injectable for deterministic tests
}

// NewEngine creates a cloud sync engine for the workspace at root. The
// manifest starts empty; call LoadManifest to pick up persisted state.
func NewEngine(provider Provider, fs vfs.FileSystem, root string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		provider:     provider,
		fs:           fs,
		root:         root,
		logger:       logger,
		manifest:     NewManifest(provider.ProviderID()),
		manifestPath: ManifestPath(root, provider.ProviderID()),
		nowFunc:      time.Now,
	}
}

// Manifest returns the current in-memory manifest.
func (e *Engine) Manifest() *Manifest { return e.manifest }

// ProviderID returns the provider instance identifier.
func (e *Engine) ProviderID() string { return e.provider.ProviderID() }

// IsAvailable reports whether the provider is reachable.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	return e.provider.IsAvailable(ctx)
}

// LoadManifest reads the persisted manifest; a missing file starts fresh.
func (e *Engine) LoadManifest(ctx context.Context) error {
	m, err := LoadManifest(ctx, e.fs, e.manifestPath, e.provider.ProviderID())
	if err != nil {
		return err
	}

	e.manifest = m

	return nil
}

// SaveManifest persists the manifest atomically.
func (e *Engine) SaveManifest(ctx context.Context) error {
	return SaveManifest(ctx, e.fs, e.manifestPath, e.manifest)
}

// DetectLocalChanges walks the workspace, hashes every syncable file, and
// cross-references the manifest: absent means created, a different hash
// means modified, a manifest entry with no file means deleted.
func (e *Engine) DetectLocalChanges(ctx context.Context) ([]LocalChange, error) {
	paths, err := e.fs.ListAllFilesRecursive(ctx, e.root)
	if err != nil {
		return nil, fmt.Errorf("cloud: walking workspace: %w", err)
	}

	var changes []LocalChange
	onDisk := make(map[string]bool)

	for _, path := range paths {
		if !isSyncable(path) {
			continue
		}

		onDisk[path] = true

		content, readErr := e.fs.ReadBinary(ctx, e.localPath(path))
		if readErr != nil {
			return nil, fmt.Errorf("cloud: reading %s: %w", path, readErr)
		}

		hash := HashContent(content)

		mtime, mtErr := e.fs.GetModifiedTime(ctx, e.localPath(path))
		if mtErr != nil {
			mtime = e.nowFunc()
		}

		st, known := e.manifest.Get(path)

		switch {
		case !known:
			changes = append(changes, LocalChange{
				Path: path, Kind: ChangeCreated, Hash: hash,
				Size: int64(len(content)), ModifiedAt: mtime,
			})

		case st.ContentHash != hash:
			changes = append(changes, LocalChange{
				Path: path, Kind: ChangeModified, Hash: hash,
				PreviousHash: st.ContentHash,
				Size:         int64(len(content)), ModifiedAt: mtime,
			})
		}
	}

	for path, st := range e.manifest.Files {
		if !onDisk[path] {
			changes = append(changes, LocalChange{
				Path: path, Kind: ChangeDeleted, PreviousHash: st.ContentHash,
			})
		}
	}

	return changes, nil
}

// DetectRemoteChanges lists the blob store and cross-references the
// manifest: absent means created, a different etag (or, when the provider
// reports no etag, a modification time after the last sync) means
// modified, a manifest entry with no object means deleted.
func (e *Engine) DetectRemoteChanges(ctx context.Context) ([]RemoteChange, error) {
	remote, err := e.provider.ListRemoteFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloud: listing remote files: %w", err)
	}

	var changes []RemoteChange
	onRemote := make(map[string]bool)

	for _, info := range remote {
		if !isSyncable(info.Path) {
			continue
		}

		onRemote[info.Path] = true

		st, known := e.manifest.Get(info.Path)

		switch {
		case !known:
			changes = append(changes, RemoteChange{Path: info.Path, Kind: ChangeCreated, Info: info})

		case remoteModified(st, info):
			changes = append(changes, RemoteChange{
				Path: info.Path, Kind: ChangeModified, Info: info,
				PreviousVersion: st.RemoteVersion,
			})
		}
	}

	for path, st := range e.manifest.Files {
		if !onRemote[path] {
			changes = append(changes, RemoteChange{
				Path: path, Kind: ChangeDeleted, PreviousVersion: st.RemoteVersion,
			})
		}
	}

	return changes, nil
}

// remoteModified compares a remote object against the manifest record.
func remoteModified(st FileSyncState, info RemoteFileInfo) bool {
	if info.ETag != "" && st.RemoteVersion != "" {
		return info.ETag != st.RemoteVersion
	}

	// Etag unavailable: fall back to the modification time.
	return info.ModifiedAt.After(st.SyncedAt)
}

// Sync runs a full bidirectional pass without progress reporting.
func (e *Engine) Sync(ctx context.Context) Result {
	return e.SyncWithProgress(ctx, nil)
}

// SyncWithProgress runs a full bidirectional pass. On any conflict the
// pass aborts before transferring anything and returns the conflict list;
// on provider failure the manifest is left untouched.
func (e *Engine) SyncWithProgress(ctx context.Context, onProgress ProgressFunc) Result {
	report := func(p Progress) {
		if onProgress != nil {
			onProgress(p)
		}
	}

	report(Progress{Stage: StageDetectingLocal, Percent: 5, Message: "Scanning local files..."})

	local, err := e.DetectLocalChanges(ctx)
	if err != nil {
		report(Progress{Stage: StageError, Message: err.Error()})
		return FailureResult(fmt.Sprintf("detecting local changes: %v", err))
	}

	report(Progress{
		Stage: StageDetectingLocal, Current: len(local), Total: len(local),
		Percent: 15, Message: fmt.Sprintf("Found %d local changes", len(local)),
	})

	report(Progress{Stage: StageDetectingRemote, Percent: 20, Message: "Fetching remote files..."})

	remote, err := e.DetectRemoteChanges(ctx)
	if err != nil {
		report(Progress{Stage: StageError, Message: err.Error()})
		return FailureResult(fmt.Sprintf("detecting remote changes: %v", err))
	}

	report(Progress{
		Stage: StageDetectingRemote, Current: len(remote), Total: len(remote),
		Percent: 35, Message: fmt.Sprintf("Found %d remote changes", len(remote)),
	})

	actions := ComputeActions(local, remote)

	var conflicts []ConflictInfo

	for _, a := range actions {
		if a.Kind == ActionConflict {
			conflicts = append(conflicts, *a.Conflict)
		}
	}

	if len(conflicts) > 0 {
		report(Progress{
			Stage: StageError, Total: len(conflicts), Percent: 40,
			Message: fmt.Sprintf("%d conflict(s) detected", len(conflicts)),
		})

		return ConflictResult(conflicts)
	}

	return e.execute(ctx, actions, report)
}

// execute runs uploads, downloads, then deletions sequentially, reporting
// progress through the 40-95%% band.
func (e *Engine) execute(ctx context.Context, actions []Action, report ProgressFunc) Result {
	var uploads, downloads, deletes []Action

	for _, a := range actions {
		switch a.Kind {
		case ActionUpload:
			uploads = append(uploads, a)
		case ActionDownload:
			downloads = append(downloads, a)
		case ActionDelete:
			deletes = append(deletes, a)
		}
	}

	if len(uploads)+len(downloads)+len(deletes) == 0 {
		report(Progress{Stage: StageComplete, Percent: 100, Message: "Already in sync"})
		return SuccessResult(0, 0, 0)
	}

	for i, a := range uploads {
		report(stageProgress(StageUploading, i, len(uploads), 40, 60, a.Path))

		if err := e.uploadFile(ctx, a.Path); err != nil {
			report(Progress{Stage: StageError, Message: err.Error()})
			return FailureResult(fmt.Sprintf("uploading %s: %v", a.Path, err))
		}
	}

	for i, a := range downloads {
		report(stageProgress(StageDownloading, i, len(downloads), 60, 80, a.Path))

		if err := e.downloadFile(ctx, a.Path); err != nil {
			report(Progress{Stage: StageError, Message: err.Error()})
			return FailureResult(fmt.Sprintf("downloading %s: %v", a.Path, err))
		}
	}

	for i, a := range deletes {
		report(stageProgress(StageDeleting, i, len(deletes), 80, 95, a.Path))

		if err := e.deleteFile(ctx, a.Path, a.Direction); err != nil {
			report(Progress{Stage: StageError, Message: err.Error()})
			return FailureResult(fmt.Sprintf("deleting %s: %v", a.Path, err))
		}
	}

	e.manifest.MarkSynced(e.nowFunc())

	if err := e.SaveManifest(ctx); err != nil {
		report(Progress{Stage: StageError, Message: err.Error()})
		return FailureResult(fmt.Sprintf("saving manifest: %v", err))
	}

	report(Progress{Stage: StageComplete, Percent: 100, Message: "Sync complete"})

	e.logger.Info("cloud sync complete",
		slog.Int("uploaded", len(uploads)),
		slog.Int("downloaded", len(downloads)),
		slog.Int("deleted", len(deletes)),
	)

	return SuccessResult(len(uploads), len(downloads), len(deletes))
}

// uploadFile pushes one local file and records the new state.
func (e *Engine) uploadFile(ctx context.Context, path string) error {
	content, err := e.fs.ReadBinary(ctx, e.localPath(path))
	if err != nil {
		return err
	}

	upCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	info, err := e.provider.UploadFile(upCtx, path, content)
	if err != nil {
		return err
	}

	e.manifest.Record(path, FileSyncState{
		ContentHash:   HashContent(content),
		SyncedAt:      e.nowFunc(),
		RemoteVersion: info.ETag,
		Size:          int64(len(content)),
	})

	return nil
}

// downloadFile pulls one remote file to disk and records the new state.
// The manifest hash is computed over the exact bytes written.
func (e *Engine) downloadFile(ctx context.Context, path string) error {
	dlCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	content, info, err := e.provider.DownloadFile(dlCtx, path)
	if err != nil {
		return err
	}

	if err := e.writeLocal(ctx, path, content); err != nil {
		return err
	}

	e.manifest.Record(path, FileSyncState{
		ContentHash:   HashContent(content),
		SyncedAt:      e.nowFunc(),
		RemoteVersion: info.ETag,
		Size:          int64(len(content)),
	})

	return nil
}

// deleteFile propagates a deletion and drops the manifest entry.
func (e *Engine) deleteFile(ctx context.Context, path string, direction SyncDirection) error {
	switch direction {
	case DirectionUpload:
		if err := e.provider.DeleteRemoteFile(ctx, path); err != nil {
			return err
		}

	case DirectionDownload:
		exists, err := e.fs.Exists(ctx, e.localPath(path))
		if err != nil {
			return err
		}

		if exists {
			if err := e.fs.DeleteFile(ctx, e.localPath(path)); err != nil {
				return err
			}
		}

	case DirectionBoth:
		// Gone on both sides already; only the manifest entry remains.
	}

	e.manifest.Remove(path)

	return nil
}

// writeLocal stores downloaded bytes: attachments as raw binary, markdown
// as UTF-8 text. Either way the bytes on disk equal the bytes hashed.
func (e *Engine) writeLocal(ctx context.Context, path string, content []byte) error {
	if IsAttachment(path) {
		return e.fs.WriteBinary(ctx, e.localPath(path), content)
	}

	return e.fs.WriteFile(ctx, e.localPath(path), string(content))
}

func (e *Engine) localPath(path string) string {
	return filepath.Join(e.root, filepath.FromSlash(path))
}

// stageProgress maps an index within a stage onto its percent band.
func stageProgress(stage Stage, i, total, lo, hi int, path string) Progress {
	percent := lo
	if total > 0 {
		percent = lo + (hi-lo)*i/total
	}

	return Progress{Stage: stage, Current: i + 1, Total: total, Percent: percent, Message: path}
}
