package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ChangeKind classifies a change relative to the manifest.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// LocalChange is one difference between the workspace and the manifest.
type LocalChange struct {
	Path         string
	Kind         ChangeKind
	Hash         string // SHA-256 hex of current local bytes (empty for deletes)
	PreviousHash string // manifest hash (ChangeModified and ChangeDeleted)
	Size         int64
	ModifiedAt   time.Time
}

// RemoteChange is one difference between the blob store and the manifest.
type RemoteChange struct {
	Path            string
	Kind            ChangeKind
	Info            RemoteFileInfo
	PreviousVersion string // manifest etag (ChangeModified and ChangeDeleted)
}

// SyncDirection distinguishes which side a delete applies to.
type SyncDirection int

const (
	// DirectionUpload propagates local state outward (delete remote).
	DirectionUpload SyncDirection = iota
	// DirectionDownload propagates remote state inward (delete local).
	DirectionDownload
	// DirectionBoth marks a file deleted on both sides; only the manifest
	// entry remains to clean up.
	DirectionBoth
)

// ActionKind classifies a planned sync action.
type ActionKind int

const (
	ActionUpload ActionKind = iota
	ActionDownload
	ActionDelete
	ActionConflict
)

// Action is exactly one planned operation for one path.
type Action struct {
	Kind       ActionKind
	Path       string
	RemoteInfo RemoteFileInfo // ActionDownload
	Direction  SyncDirection  // ActionDelete
	Conflict   *ConflictInfo  // ActionConflict
}

// ConflictInfo carries everything the user needs to pick a resolution.
type ConflictInfo struct {
	Path             string
	LocalHash        string
	RemoteHash       string
	LocalModifiedAt  time.Time
	RemoteModifiedAt time.Time
}

// ConflictFileName returns the sidecar path used by the keep-both
// resolution: <stem>.conflict-<timestamp><ext>.
func (c *ConflictInfo) ConflictFileName(now time.Time) string {
	return c.conflictFileName(now, 0)
}

// conflictFileName builds the sidecar path, inserting a numeric suffix
// before the extension when collision avoidance needs one.
func (c *ConflictInfo) conflictFileName(now time.Time, suffix int) string {
	tag := ".conflict-" + now.UTC().Format("20060102-150405")
	if suffix > 0 {
		tag += fmt.Sprintf("-%d", suffix)
	}

	dot := strings.LastIndex(c.Path, ".")
	slash := strings.LastIndex(c.Path, "/")

	if dot <= slash {
		return c.Path + tag
	}

	return c.Path[:dot] + tag + c.Path[dot:]
}

// ComputeActions pairs local and remote changes into one action per path.
// The conflict predicate is: both sides changed since the last successful
// sync. A path deleted on both sides is not a conflict — there is nothing
// left to disagree about, only a manifest entry to drop.
func ComputeActions(local []LocalChange, remote []RemoteChange) []Action {
	localByPath := make(map[string]LocalChange, len(local))
	for _, lc := range local {
		localByPath[lc.Path] = lc
	}

	remoteByPath := make(map[string]RemoteChange, len(remote))
	for _, rc := range remote {
		remoteByPath[rc.Path] = rc
	}

	paths := make([]string, 0, len(localByPath)+len(remoteByPath))
	seen := make(map[string]bool)

	for _, lc := range local {
		paths = append(paths, lc.Path)
		seen[lc.Path] = true
	}

	for _, rc := range remote {
		if !seen[rc.Path] {
			paths = append(paths, rc.Path)
		}
	}

	sort.Strings(paths)

	var actions []Action

	for _, path := range paths {
		lc, hasLocal := localByPath[path]
		rc, hasRemote := remoteByPath[path]

		switch {
		case hasLocal && hasRemote:
			actions = append(actions, resolveBothSides(path, lc, rc))

		case hasLocal:
			if lc.Kind == ChangeDeleted {
				actions = append(actions, Action{Kind: ActionDelete, Path: path, Direction: DirectionUpload})
			} else {
				actions = append(actions, Action{Kind: ActionUpload, Path: path})
			}

		case hasRemote:
			if rc.Kind == ChangeDeleted {
				actions = append(actions, Action{Kind: ActionDelete, Path: path, Direction: DirectionDownload})
			} else {
				actions = append(actions, Action{Kind: ActionDownload, Path: path, RemoteInfo: rc.Info})
			}
		}
	}

	return actions
}

// resolveBothSides handles a path that changed locally and remotely.
func resolveBothSides(path string, lc LocalChange, rc RemoteChange) Action {
	if lc.Kind == ChangeDeleted && rc.Kind == ChangeDeleted {
		return Action{Kind: ActionDelete, Path: path, Direction: DirectionBoth}
	}

	remoteHash := rc.Info.ContentHash
	if remoteHash == "" {
		remoteHash = rc.Info.ETag
	}

	return Action{
		Kind: ActionConflict,
		Path: path,
		Conflict: &ConflictInfo{
			Path:             path,
			LocalHash:        lc.Hash,
			RemoteHash:       remoteHash,
			LocalModifiedAt:  lc.ModifiedAt,
			RemoteModifiedAt: rc.Info.ModifiedAt,
		},
	}
}

// attachmentsSegment marks binary payload directories.
const attachmentsSegment = "_attachments"

// IsAttachment reports whether path holds binary content synced as raw
// bytes.
func IsAttachment(path string) bool {
	for seg := range strings.SplitSeq(path, "/") {
		if seg == attachmentsSegment {
			return true
		}
	}

	return false
}

// isSyncable reports whether a workspace-relative path participates in
// cloud sync: markdown files and anything under an _attachments directory.
func isSyncable(path string) bool {
	return strings.HasSuffix(path, ".md") || IsAttachment(path)
}

// HashContent returns the SHA-256 hex digest of content. All manifest
// hashes are computed over the byte form, for markdown and binary alike.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
