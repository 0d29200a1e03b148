// Package cloud implements bidirectional reconciliation between a
// workspace and an opaque blob store: hash-based change detection on both
// sides, a persisted manifest of last-synced state, conflict detection,
// and user-driven conflict resolution.
package cloud

import (
	"context"
	"time"
)

// RemoteFileInfo describes one object in the blob store.
type RemoteFileInfo struct {
	Path        string
	Size        int64
	ModifiedAt  time.Time
	ETag        string
	ContentHash string // optional; providers that know it fill it in
}

// Provider is a blob store that supports file-level sync. Implementations
// are injected at construction time.
type Provider interface {
	// Name is the human-readable provider name.
	Name() string
	// ProviderID uniquely identifies this provider instance, e.g.
	// "s3:bucket-name".
	ProviderID() string
	// ListRemoteFiles returns every object under the sync prefix.
	ListRemoteFiles(ctx context.Context) ([]RemoteFileInfo, error)
	// DownloadFile fetches one object.
	DownloadFile(ctx context.Context, path string) ([]byte, RemoteFileInfo, error)
	// UploadFile stores one object and returns its new remote info.
	UploadFile(ctx context.Context, path string, content []byte) (RemoteFileInfo, error)
	// DeleteRemoteFile removes one object.
	DeleteRemoteFile(ctx context.Context, path string) error
	// IsAvailable reports whether the provider is reachable.
	IsAvailable(ctx context.Context) bool
}
