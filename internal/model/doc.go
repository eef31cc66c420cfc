// Package model implements the two replicated document kinds on top of crdt.
//
// A Workspace document maps DocumentID -> FileMetadata. Each metadata field is
// its own register in the entry's scope, so concurrent writes to different
// fields never conflict and concurrent writes to the same field resolve by the
// causal last-writer-wins rule of the crdt package. The hierarchy is keyed by
// id; paths are derived by walking parent links and are never merge keys.
//
// A Body document holds one entry's collaborative text (sequence "body") and
// its frontmatter (register scope "frontmatter").
package model
