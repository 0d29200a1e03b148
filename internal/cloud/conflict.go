package cloud

import (
	"context"
	"fmt"
)

// ResolveConflict applies the user's decision for one conflict and updates
// the manifest accordingly. Skip leaves every piece of state untouched.
func (e *Engine) ResolveConflict(ctx context.Context, conflict *ConflictInfo, resolution Resolution) ResolutionOutcome {
	switch resolution.Kind {
	case KeepLocal:
		if err := e.uploadFile(ctx, conflict.Path); err != nil {
			return failureOutcome(conflict.Path, fmt.Sprintf("uploading local version: %v", err))
		}

	case KeepRemote:
		if err := e.downloadFile(ctx, conflict.Path); err != nil {
			return failureOutcome(conflict.Path, fmt.Sprintf("downloading remote version: %v", err))
		}

	case MergeContent:
		if err := e.fs.WriteFile(ctx, e.localPath(conflict.Path), resolution.Merged); err != nil {
			return failureOutcome(conflict.Path, fmt.Sprintf("writing merged content: %v", err))
		}

		if err := e.uploadFile(ctx, conflict.Path); err != nil {
			return failureOutcome(conflict.Path, fmt.Sprintf("uploading merged content: %v", err))
		}

	case KeepBoth:
		return e.resolveKeepBoth(ctx, conflict)

	case Skip:
		return ResolutionOutcome{Path: conflict.Path, Resolved: true, Message: "skipped"}

	default:
		return failureOutcome(conflict.Path, fmt.Sprintf("unknown resolution kind %d", resolution.Kind))
	}

	if err := e.SaveManifest(ctx); err != nil {
		return failureOutcome(conflict.Path, fmt.Sprintf("saving manifest: %v", err))
	}

	return ResolutionOutcome{Path: conflict.Path, Resolved: true}
}

// resolveKeepBoth downloads the remote version into a timestamped sidecar
// file, then uploads the local version as-is so neither side's work is
// lost.
func (e *Engine) resolveKeepBoth(ctx context.Context, conflict *ConflictInfo) ResolutionOutcome {
	content, _, err := e.provider.DownloadFile(ctx, conflict.Path)
	if err != nil {
		return failureOutcome(conflict.Path, fmt.Sprintf("downloading remote version: %v", err))
	}

	sidecar := e.freeSidecarPath(ctx, conflict)

	if writeErr := e.writeLocal(ctx, sidecar, content); writeErr != nil {
		return failureOutcome(conflict.Path, fmt.Sprintf("writing conflict file: %v", writeErr))
	}

	if upErr := e.uploadFile(ctx, conflict.Path); upErr != nil {
		return failureOutcome(conflict.Path, fmt.Sprintf("uploading local version: %v", upErr))
	}

	if saveErr := e.SaveManifest(ctx); saveErr != nil {
		return failureOutcome(conflict.Path, fmt.Sprintf("saving manifest: %v", saveErr))
	}

	e.logger.Info("cloud conflict resolved keep-both",
		"path", conflict.Path, "conflict_file", sidecar)

	return ResolutionOutcome{
		Path:         conflict.Path,
		Resolved:     true,
		ConflictFile: sidecar,
	}
}

// maxSidecarSuffix bounds collision avoidance; past it the base path is
// reused best-effort.
const maxSidecarSuffix = 1000

// freeSidecarPath picks an unoccupied conflict file name, inserting a
// numeric suffix when a same-second resolution already claimed the base.
func (e *Engine) freeSidecarPath(ctx context.Context, conflict *ConflictInfo) string {
	now := e.nowFunc()
	base := conflict.conflictFileName(now, 0)

	exists, err := e.fs.Exists(ctx, e.localPath(base))
	if err != nil || !exists {
		return base
	}

	for i := 1; i <= maxSidecarSuffix; i++ {
		candidate := conflict.conflictFileName(now, i)

		exists, err = e.fs.Exists(ctx, e.localPath(candidate))
		if err != nil || !exists {
			return candidate
		}
	}

	return base
}

func failureOutcome(path, message string) ResolutionOutcome {
	return ResolutionOutcome{Path: path, Message: message}
}
