// Package journal implements the Operations Journal (spec.md §4.2): an
// append-only log of (op_kind, content_type, row_pk, version_id?, order)
// captured on every local DML against a tracked table. The journal is the
// sole truth of what changed — it never stores column values.
package journal

import (
	"context"

	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// OpKind is one of the three DML kinds a journal entry records.
type OpKind string

const (
	Insert OpKind = "i"
	Update OpKind = "u"
	Delete OpKind = "d"
)

func (k OpKind) Valid() bool {
	switch k {
	case Insert, Update, Delete:
		return true
	default:
		return false
	}
}

// Operation is one journal entry. Order is the per-log append index,
// monotonically increasing within a log. Version is nil on local
// (unversioned) operations and set once the server has assigned a
// VersionId to the push batch that produced this entry.
type Operation struct {
	Order   int64
	Kind    OpKind
	Ref     syncref.Ref
	Version *int64
}

// Journal is the append-only per-role operations log. Appends must happen
// inside the same store transaction as the mutation they record (spec.md
// §4.2): if that transaction rolls back, the journal entry rolls back with
// it — so Journal methods take a context bound to the caller's transaction
// rather than managing their own.
type Journal interface {
	// Append records one operation. Order is assigned by the store
	// (one more than the largest Order already present), not supplied by
	// the caller.
	Append(ctx context.Context, kind OpKind, ref syncref.Ref) error

	// IterUnversioned returns every entry in the unversioned partition
	// (local writes not yet pushed), ordered by Order ascending.
	IterUnversioned(ctx context.Context) ([]Operation, error)

	// IterSince returns every versioned entry with Version > sinceVersion,
	// ordered by Version, then Order, ascending. Used by the server to build pull
	// messages, and is itself read-only (spec.md §4.9 pull: idempotent).
	IterSince(ctx context.Context, sinceVersion int64) ([]Operation, error)

	// Drop removes journal entries matching the given Refs from the
	// unversioned partition. Used after a successful push (entries have
	// been accepted and are no longer "not yet pushed") and by the merge
	// engine's resolution policy to neutralize a local delete (§4.7 rule
	// 1) or remove a satisfied local delete (§4.7 rule 4).
	Drop(ctx context.Context, refs []syncref.Ref) error

	// Replace atomically swaps the unversioned entries for ref with a
	// single compacted entry (or removes them entirely if kept is nil).
	// Used by the compression engine to install its output.
	Replace(ctx context.Context, ref syncref.Ref, kept *Operation) error

	// AssignVersions tags every unversioned entry for the given refs with
	// the given version id, moving them into the versioned partition
	// (server-side only; the SQL journal also stamps the entries with its
	// own NodeID). Used by the server protocol handler on accepted push.
	AssignVersions(ctx context.Context, refs []syncref.Ref, version int64) error
}
