package crdt

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// AudiencePrivate marks a file that must never leave the device via export.
const AudiencePrivate = "private"

// FileMetadata is the per-file record held by the workspace document. It
// mirrors the file's YAML frontmatter: the known keys are typed, everything
// else rides in Extra so unknown frontmatter survives a round-trip.
type FileMetadata struct {
	Title       *string        `json:"title,omitempty"`
	PartOf      *string        `json:"part_of,omitempty"`
	Contents    []string       `json:"contents,omitempty"`
	Attachments []string       `json:"attachments,omitempty"`
	Audience    []string       `json:"audience,omitempty"`
	Description *string        `json:"description,omitempty"`
	Deleted     bool           `json:"deleted,omitempty"`
	ModifiedAt  int64          `json:"modified_at"` // ms since epoch
	Extra       map[string]any `json:"extra,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing
// document-held state.
func (m *FileMetadata) Clone() *FileMetadata {
	if m == nil {
		return nil
	}

	out := *m
	out.Contents = slices.Clone(m.Contents)
	out.Attachments = slices.Clone(m.Attachments)
	out.Audience = slices.Clone(m.Audience)

	if m.Title != nil {
		t := *m.Title
		out.Title = &t
	}

	if m.PartOf != nil {
		p := *m.PartOf
		out.PartOf = &p
	}

	if m.Description != nil {
		d := *m.Description
		out.Description = &d
	}

	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
	}

	return &out
}

// IsPrivate reports whether the audience list forbids export.
func (m *FileMetadata) IsPrivate() bool {
	return slices.Contains(m.Audience, AudiencePrivate)
}

// IsIndex reports whether the file enumerates children.
func (m *FileMetadata) IsIndex() bool {
	return m.Contents != nil
}

func (m *FileMetadata) encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("crdt: encoding metadata: %w", err)
	}

	return b, nil
}

func decodeMetadata(b []byte) (*FileMetadata, error) {
	var m FileMetadata
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("crdt: decoding metadata: %w", err)
	}

	return &m, nil
}

// CanonicalizePath converts a workspace-relative path to canonical form:
// forward slashes, no leading slash, no backslash escapes. Returns an error
// for paths that violate the canonical-path rules rather than guessing.
func CanonicalizePath(p string) (string, error) {
	if strings.Contains(p, "\\") {
		return "", fmt.Errorf("crdt: path %q contains a backslash", p)
	}

	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "", fmt.Errorf("crdt: empty path")
	}

	return p, nil
}

// EscapePathSegment applies the in-segment percent escapes: %25, %22, %5C.
// Percent goes first so already-escaped segments don't double up.
func EscapePathSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "%", "%25")
	seg = strings.ReplaceAll(seg, `"`, "%22")
	seg = strings.ReplaceAll(seg, "\\", "%5C")

	return seg
}

// UnescapePathSegment reverses EscapePathSegment.
func UnescapePathSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "%22", `"`)
	seg = strings.ReplaceAll(seg, "%5C", "\\")
	seg = strings.ReplaceAll(seg, "%25", "%")

	return seg
}

// HasHiddenSegment reports whether any path segment starts with a dot.
// Hidden paths are never written, read, or synced.
func HasHiddenSegment(path string) bool {
	for seg := range strings.SplitSeq(path, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}

	return false
}
