package model

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/notesync/internal/errs"
)

// frontmatterDoc is the YAML shape handed to export and validation tools.
type frontmatterDoc struct {
	Title       string          `yaml:"title"`
	Description string          `yaml:"description,omitempty"`
	PartOf      string          `yaml:"part_of,omitempty"`
	Contents    []string        `yaml:"contents,omitempty"`
	Attachments []AttachmentRef `yaml:"attachments,omitempty"`
	Audience    []string        `yaml:"audience,omitempty"`
	Extra       map[string]any  `yaml:",inline"`
}

var reservedFrontmatterKeys = map[string]bool{
	"title": true, "description": true, "part_of": true, "contents": true,
	"attachments": true, "audience": true,
}

// Frontmatter renders an entry's metadata as a YAML frontmatter block.
// Parent and children are rendered as paths; tombstoned children are left out.
func (w *Workspace) Frontmatter(id DocumentID) (string, error) {
	files := w.GetAllFiles()
	meta, ok := files[id]
	if !ok {
		return "", errs.NotFound("document", string(id))
	}
	paths := w.Paths()

	fm := frontmatterDoc{
		Title:       meta.Title,
		Description: meta.Description,
		Attachments: meta.Attachments,
		Audience:    meta.Audience,
	}
	if meta.ParentID != nil {
		fm.PartOf = paths[*meta.ParentID]
	}
	for _, child := range meta.ChildrenIDs {
		if c, ok := files[child]; ok && !c.Deleted {
			fm.Contents = append(fm.Contents, paths[child])
		}
	}
	for k, v := range meta.Extra {
		if reservedFrontmatterKeys[k] {
			continue
		}
		if fm.Extra == nil {
			fm.Extra = make(map[string]any)
		}
		fm.Extra[k] = v
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(fm); err != nil {
		return "", fmt.Errorf("frontmatter %s: %w", id, err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("frontmatter %s: %w", id, err)
	}
	buf.WriteString("---\n")
	return buf.String(), nil
}
