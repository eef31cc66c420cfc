package model

import (
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// DocumentID identifies a workspace entry. It never changes on rename or move.
type DocumentID string

// NewDocumentID returns a time-sortable UUIDv7 id.
func NewDocumentID() DocumentID {
	return DocumentID(uuid.Must(uuid.NewV7()).String())
}

// AttachmentSource tracks where an attachment's bytes live.
type AttachmentSource string

const (
	SourceUnsynced AttachmentSource = "unsynced"
	SourcePending  AttachmentSource = "pending"
	SourceRemote   AttachmentSource = "remote"
)

// AttachmentRef points at a binary attachment of an entry.
type AttachmentRef struct {
	Path     string           `json:"path" yaml:"path"`
	Hash     string           `json:"hash" yaml:"hash"`
	MimeType string           `json:"mimeType" yaml:"mime_type"`
	Size     int64            `json:"size" yaml:"size"`
	Source   AttachmentSource `json:"source" yaml:"source"`
	Deleted  bool             `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// Validate checks an attachment reference.
func (a AttachmentRef) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Path, validation.Required, validation.Length(1, 1024)),
		validation.Field(&a.Size, validation.Min(int64(0))),
		validation.Field(&a.Source, validation.Required,
			validation.In(SourceUnsynced, SourcePending, SourceRemote)),
	)
}

// FileMetadata is the workspace value for one entry.
//
// ChildrenIDs == nil marks a leaf; a non-nil (possibly empty) slice marks a
// container. Membership in ChildrenIDs follows the children's ParentID, so
// concurrent creates under one parent all appear once merged; the stored
// list only orders them.
type FileMetadata struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	ParentID    *DocumentID     `json:"parentId"`
	ChildrenIDs []DocumentID    `json:"childrenIds"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
	Audience    []string        `json:"audience,omitempty"`
	Extra       map[string]any  `json:"extra,omitempty"`
	Deleted     bool            `json:"deleted"`
	ModifiedAt  int64           `json:"modifiedAt"`
}

// IsLeaf reports whether the entry has no children list.
func (m FileMetadata) IsLeaf() bool {
	return m.ChildrenIDs == nil
}

// Validate checks user-supplied metadata before it is written.
func (m FileMetadata) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Title, validation.Required, validation.Length(1, 512),
			validation.By(noNUL)),
		validation.Field(&m.Description, validation.Length(0, 4096)),
		validation.Field(&m.Attachments),
		validation.Field(&m.Audience, validation.Each(validation.Required)),
		validation.Field(&m.ModifiedAt, validation.Min(int64(0))),
	)
}

func noNUL(value interface{}) error {
	s, _ := value.(string)
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("must not contain NUL")
	}
	return nil
}

// FileMetadataPatch updates selected fields. Nil pointers leave a field untouched.
type FileMetadataPatch struct {
	Title       *string
	Description *string
	Attachments *[]AttachmentRef
	Audience    *[]string
	// Extra sets the given keys; a nil value removes the key.
	Extra map[string]any
}

// Field names of the per-entry registers.
const (
	fieldTitle       = "title"
	fieldDescription = "description"
	fieldParent      = "parentId"
	fieldChildren    = "childrenIds"
	fieldAttachments = "attachments"
	fieldAudience    = "audience"
	fieldDeleted     = "deleted"
	fieldModifiedAt  = "modifiedAt"
	extraPrefix      = "extra."
)
