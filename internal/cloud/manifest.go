package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/diaryx-org/diaryx-go/internal/vfs"
)

// FileSyncState records the last successfully synced version of one file.
type FileSyncState struct {
	ContentHash   string    `json:"content_hash"` // SHA-256 hex of the synced bytes
	SyncedAt      time.Time `json:"synced_at"`
	RemoteVersion string    `json:"remote_version,omitempty"` // provider etag
	Size          int64     `json:"size"`
}

// Manifest is the persisted record of what has been synced with one
// provider. A path absent from Files means "never successfully synced",
// never "was deleted" — deletions remove the key outright.
type Manifest struct {
	ProviderID string                   `json:"provider_id"`
	LastSyncAt time.Time                `json:"last_sync_at"`
	Files      map[string]FileSyncState `json:"files"`
}

// NewManifest creates an empty manifest for a provider.
func NewManifest(providerID string) *Manifest {
	return &Manifest{
		ProviderID: providerID,
		Files:      make(map[string]FileSyncState),
	}
}

// Get returns the sync state for path, ok=false when never synced.
func (m *Manifest) Get(path string) (FileSyncState, bool) {
	st, ok := m.Files[path]
	return st, ok
}

// Record stores the synced state for path.
func (m *Manifest) Record(path string, st FileSyncState) {
	if m.Files == nil {
		m.Files = make(map[string]FileSyncState)
	}

	m.Files[path] = st
}

// Remove drops path from the manifest after a deletion synced.
func (m *Manifest) Remove(path string) {
	delete(m.Files, path)
}

// MarkSynced stamps the completion time of a sync pass.
func (m *Manifest) MarkSynced(now time.Time) {
	m.LastSyncAt = now
}

// ManifestPath returns the deterministic workspace-local location for a
// provider's manifest. Path separators in the provider ID are flattened so
// the ID can never escape the .diaryx directory.
func ManifestPath(workspaceRoot, providerID string) string {
	safe := strings.NewReplacer("/", "-", "\\", "-").Replace(providerID)

	return filepath.Join(workspaceRoot, ".diaryx", "cloud-manifest-"+safe+".json")
}

// LoadManifest reads the manifest at path. A missing file yields a fresh
// manifest for providerID — first sync starts from nothing.
func LoadManifest(ctx context.Context, fs vfs.FileSystem, path, providerID string) (*Manifest, error) {
	exists, err := fs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("cloud: checking manifest %s: %w", path, err)
	}

	if !exists {
		return NewManifest(providerID), nil
	}

	raw, err := fs.ReadBinary(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("cloud: reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("cloud: parsing manifest %s: %w", path, err)
	}

	if m.Files == nil {
		m.Files = make(map[string]FileSyncState)
	}

	return &m, nil
}

// SaveManifest writes the manifest atomically: a temp file first, then a
// rename into place.
func SaveManifest(ctx context.Context, fs vfs.FileSystem, path string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("cloud: encoding manifest: %w", err)
	}

	if err := fs.CreateDirAll(ctx, filepath.Dir(path)); err != nil {
		return err
	}

	if err := fs.WriteBinary(ctx, path, raw); err != nil {
		return fmt.Errorf("cloud: writing manifest %s: %w", path, err)
	}

	return nil
}
