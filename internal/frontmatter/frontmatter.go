// Package frontmatter parses and composes the YAML frontmatter block of
// diaryx markdown files and maps it to and from the CRDT file metadata.
package frontmatter

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/diaryx-org/diaryx-go/internal/crdt"
)

// fence delimits the frontmatter block.
const fence = "---"

// Parsed is the result of splitting a markdown file.
type Parsed struct {
	// Fields holds every frontmatter key, known or not.
	Fields map[string]any
	// Body is everything after the closing fence (leading newline trimmed).
	Body string
}

// ErrNoFrontmatter is wrapped by Parse when the file has no opening fence.
var ErrNoFrontmatter = fmt.Errorf("frontmatter: no frontmatter block")

// Parse splits content into frontmatter fields and body. A file without a
// frontmatter block returns ErrNoFrontmatter with the whole content as body
// in the returned value, so callers can fall back to body-only handling.
func Parse(content string) (*Parsed, error) {
	if !strings.HasPrefix(content, fence+"\n") && content != fence {
		return &Parsed{Fields: map[string]any{}, Body: content}, ErrNoFrontmatter
	}

	rest := strings.TrimPrefix(content, fence+"\n")

	// Searching "\n"+rest also finds the closing fence of an empty block,
	// which starts rest itself; end is one past the match's index in rest.
	end := strings.Index("\n"+rest, "\n"+fence)
	if end < 0 {
		return &Parsed{Fields: map[string]any{}, Body: content}, fmt.Errorf("frontmatter: unterminated block")
	}

	yamlSrc := rest[:max(end-1, 0)]

	// Skip the closing fence's own newline, then the single blank
	// separator line Compose emits before the body.
	body := rest[end+len(fence):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	fields := map[string]any{}
	if err := yaml.Unmarshal([]byte(yamlSrc), &fields); err != nil {
		return &Parsed{Fields: map[string]any{}, Body: content}, fmt.Errorf("frontmatter: parsing yaml: %w", err)
	}

	return &Parsed{Fields: fields, Body: body}, nil
}

// ToMetadata converts parsed fields into file metadata. Unknown keys land
// in Extra so they survive a CRDT round-trip.
func ToMetadata(p *Parsed, modifiedAt int64) *crdt.FileMetadata {
	meta := &crdt.FileMetadata{ModifiedAt: modifiedAt}

	for key, val := range p.Fields {
		switch key {
		case "title":
			if s, ok := val.(string); ok {
				meta.Title = &s
			}
		case "part_of":
			if s, ok := val.(string); ok {
				meta.PartOf = &s
			}
		case "contents":
			meta.Contents = stringList(val)
		case "attachments":
			meta.Attachments = stringList(val)
		case "audience":
			meta.Audience = stringList(val)
		case "description":
			if s, ok := val.(string); ok {
				meta.Description = &s
			}
		default:
			if meta.Extra == nil {
				meta.Extra = map[string]any{}
			}

			meta.Extra[key] = val
		}
	}

	return meta
}

// Compose renders a complete markdown file from metadata and body: known
// fields in a stable order, then extra keys sorted, then the body.
func Compose(meta *crdt.FileMetadata, body string) (string, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	addStr := func(key string, val *string) {
		if val != nil {
			appendKV(root, key, &yaml.Node{Kind: yaml.ScalarNode, Value: *val})
		}
	}

	addList := func(key string, vals []string) {
		if vals == nil {
			return
		}

		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range vals {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
		}

		appendKV(root, key, seq)
	}

	addStr("title", meta.Title)
	addStr("part_of", meta.PartOf)
	addList("contents", meta.Contents)
	addList("attachments", meta.Attachments)
	addList("audience", meta.Audience)
	addStr("description", meta.Description)

	extraKeys := make([]string, 0, len(meta.Extra))
	for k := range meta.Extra {
		extraKeys = append(extraKeys, k)
	}

	sort.Strings(extraKeys)

	for _, k := range extraKeys {
		node := &yaml.Node{}
		if err := node.Encode(meta.Extra[k]); err != nil {
			return "", fmt.Errorf("frontmatter: encoding extra key %q: %w", k, err)
		}

		appendKV(root, k, node)
	}

	var sb strings.Builder

	sb.WriteString(fence + "\n")

	if len(root.Content) > 0 {
		enc := yaml.NewEncoder(&sb)
		enc.SetIndent(2)

		if err := enc.Encode(root); err != nil {
			return "", fmt.Errorf("frontmatter: encoding yaml: %w", err)
		}

		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("frontmatter: closing encoder: %w", err)
		}
	}

	sb.WriteString(fence + "\n")

	if body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
	}

	return sb.String(), nil
}

// ReplaceBody keeps an existing file's frontmatter block verbatim and swaps
// in a new body. Content without a parseable block is replaced wholesale.
func ReplaceBody(content, newBody string) string {
	if !strings.HasPrefix(content, fence+"\n") {
		return newBody
	}

	rest := strings.TrimPrefix(content, fence+"\n")

	end := strings.Index("\n"+rest, "\n"+fence)
	if end < 0 {
		return newBody
	}

	head := content[:len(fence)+1+end+len(fence)]

	if newBody == "" {
		return head + "\n"
	}

	return head + "\n\n" + newBody
}

func appendKV(root *yaml.Node, key string, val *yaml.Node) {
	root.Content = append(root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Value: key},
		val,
	)
}

func stringList(val any) []string {
	seq, ok := val.([]any)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(seq))

	for _, item := range seq {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}
