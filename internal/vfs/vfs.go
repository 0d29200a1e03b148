// Package vfs defines the filesystem capability the sync engines depend
// on, plus the OS-backed implementation. All operations take a context so
// a blocking backend can be wrapped by a dedicated worker; the OS
// implementation honors cancellation between calls only.
package vfs

import (
	"context"
	"time"
)

// FileSystem is the host capability expected by the sync engines. Paths
// are absolute or relative to the process working directory; callers
// resolve workspace-relative paths before invoking.
type FileSystem interface {
	ReadToString(ctx context.Context, path string) (string, error)
	ReadBinary(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path, content string) error
	WriteBinary(ctx context.Context, path string, content []byte) error
	// CreateNew writes content only if path does not already exist.
	CreateNew(ctx context.Context, path, content string) error
	DeleteFile(ctx context.Context, path string) error
	MoveFile(ctx context.Context, from, to string) error
	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	CreateDirAll(ctx context.Context, path string) error
	// ListFiles returns the immediate children of dir (names, not paths).
	ListFiles(ctx context.Context, dir string) ([]string, error)
	// ListMdFiles returns the .md children of dir (names, not paths).
	ListMdFiles(ctx context.Context, dir string) ([]string, error)
	// ListAllFilesRecursive returns every file under root as a
	// slash-separated path relative to root, skipping hidden segments.
	ListAllFilesRecursive(ctx context.Context, root string) ([]string, error)
	GetModifiedTime(ctx context.Context, path string) (time.Time, error)
}
