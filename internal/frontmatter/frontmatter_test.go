package frontmatter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
)

func strPtr(s string) *string { return &s }

const sampleFile = `---
title: My Notes
part_of: README.md
contents:
  - a.md
  - b.md
audience:
  - private
custom_key: custom value
---

Body line one.
Body line two.
`

func TestParse_SplitsFieldsAndBody(t *testing.T) {
	p, err := Parse(sampleFile)
	require.NoError(t, err)

	assert.Equal(t, "My Notes", p.Fields["title"])
	assert.Equal(t, "README.md", p.Fields["part_of"])
	assert.Equal(t, "custom value", p.Fields["custom_key"])
	assert.Equal(t, "Body line one.\nBody line two.\n", p.Body)
}

func TestParse_NoFrontmatter(t *testing.T) {
	p, err := Parse("just a body\n")
	assert.ErrorIs(t, err, ErrNoFrontmatter)
	assert.Equal(t, "just a body\n", p.Body)
	assert.Empty(t, p.Fields)
}

func TestParse_Unterminated(t *testing.T) {
	p, err := Parse("---\ntitle: X\nno closing fence")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoFrontmatter)
	assert.NotNil(t, p)
}

func TestParse_EmptyBody(t *testing.T) {
	p, err := Parse("---\ntitle: X\n---\n")
	require.NoError(t, err)
	assert.Equal(t, "X", p.Fields["title"])
	assert.Empty(t, p.Body)
}

func TestToMetadata_KnownAndExtraKeys(t *testing.T) {
	p, err := Parse(sampleFile)
	require.NoError(t, err)

	meta := ToMetadata(p, 123)

	assert.Equal(t, "My Notes", *meta.Title)
	assert.Equal(t, "README.md", *meta.PartOf)
	assert.Equal(t, []string{"a.md", "b.md"}, meta.Contents)
	assert.Equal(t, []string{"private"}, meta.Audience)
	assert.True(t, meta.IsPrivate())
	assert.Equal(t, int64(123), meta.ModifiedAt)
	assert.Equal(t, "custom value", meta.Extra["custom_key"])
	assert.NotContains(t, meta.Extra, "title")
}

func TestCompose_RoundTripsThroughParse(t *testing.T) {
	meta := &crdt.FileMetadata{
		Title:       strPtr("Round Trip"),
		PartOf:      strPtr("README.md"),
		Contents:    []string{"x.md"},
		Description: strPtr("a note"),
		ModifiedAt:  1,
		Extra:       map[string]any{"zeta": "z", "alpha": "a"},
	}

	content, err := Compose(meta, "the body\n")
	require.NoError(t, err)

	p, err := Parse(content)
	require.NoError(t, err)

	assert.Equal(t, "Round Trip", p.Fields["title"])
	assert.Equal(t, "README.md", p.Fields["part_of"])
	assert.Equal(t, []any{"x.md"}, p.Fields["contents"])
	assert.Equal(t, "a note", p.Fields["description"])
	assert.Equal(t, "z", p.Fields["zeta"])
	assert.Equal(t, "a", p.Fields["alpha"])
	assert.Equal(t, "the body\n", p.Body)
}

func TestCompose_ExtraKeysSorted(t *testing.T) {
	meta := &crdt.FileMetadata{
		ModifiedAt: 1,
		Extra:      map[string]any{"zzz": 1, "aaa": 2, "mmm": 3},
	}

	content, err := Compose(meta, "")
	require.NoError(t, err)

	aaa := strings.Index(content, "aaa:")
	mmm := strings.Index(content, "mmm:")
	zzz := strings.Index(content, "zzz:")

	assert.Less(t, aaa, mmm)
	assert.Less(t, mmm, zzz)
}

func TestCompose_EmptyMetadata(t *testing.T) {
	content, err := Compose(&crdt.FileMetadata{ModifiedAt: 1}, "body")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, "---\n"))
	assert.Contains(t, content, "body")
}

func TestReplaceBody_KeepsFrontmatterVerbatim(t *testing.T) {
	replaced := ReplaceBody(sampleFile, "new body\n")

	p, err := Parse(replaced)
	require.NoError(t, err)

	// Frontmatter fields unchanged, including unknown keys.
	assert.Equal(t, "My Notes", p.Fields["title"])
	assert.Equal(t, "custom value", p.Fields["custom_key"])
	assert.Equal(t, "new body\n", p.Body)
}

func TestReplaceBody_NoFrontmatterReplacesWholesale(t *testing.T) {
	assert.Equal(t, "new", ReplaceBody("plain old content", "new"))
}

func TestReplaceBody_EmptyNewBody(t *testing.T) {
	replaced := ReplaceBody(sampleFile, "")

	p, err := Parse(replaced)
	require.NoError(t, err)
	assert.Equal(t, "My Notes", p.Fields["title"])
	assert.Empty(t, p.Body)
}
