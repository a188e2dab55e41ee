// Package syncref defines the canonical row identity shared by the journal,
// the merge engine, and the wire protocol.
package syncref

import "fmt"

// Ref is the immutable identity of a tracked row: its content type together
// with its primary key. Equality is structural — two Refs are the same row
// iff both fields match. Primary keys are integers and are never reused.
type Ref struct {
	ContentType string
	PK          int64
}

// New builds a Ref.
func New(contentType string, pk int64) Ref {
	return Ref{ContentType: contentType, PK: pk}
}

// String renders a Ref for logs and error messages, e.g. "city#42".
func (r Ref) String() string {
	return fmt.Sprintf("%s#%d", r.ContentType, r.PK)
}

// Zero reports whether this is the unset Ref value.
func (r Ref) Zero() bool {
	return r.ContentType == "" && r.PK == 0
}
