package model

import "strings"

// Kind tells the two replicated document kinds apart.
type Kind int

const (
	KindUnknown Kind = iota
	KindWorkspace
	KindBody
)

const (
	workspacePrefix = "workspace:"
	bodyPrefix      = "body:"
)

// WorkspaceDocName returns the document name of a workspace.
func WorkspaceDocName(workspaceID string) string {
	return workspacePrefix + workspaceID
}

// BodyDocName returns the document name of an entry's body.
func BodyDocName(id DocumentID) string {
	return bodyPrefix + string(id)
}

// ParseDocName splits a document name into its kind and id.
func ParseDocName(name string) (Kind, string) {
	switch {
	case strings.HasPrefix(name, workspacePrefix) && len(name) > len(workspacePrefix):
		return KindWorkspace, strings.TrimPrefix(name, workspacePrefix)
	case strings.HasPrefix(name, bodyPrefix) && len(name) > len(bodyPrefix):
		return KindBody, strings.TrimPrefix(name, bodyPrefix)
	default:
		return KindUnknown, name
	}
}
