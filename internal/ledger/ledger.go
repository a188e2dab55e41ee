// Package ledger implements the Version Ledger (spec.md §4.3): the
// server-assigned, strictly increasing sequence of VersionIds that every
// accepted push is stamped with, plus the client-side record of the last
// version a node has pulled.
package ledger

import "context"

// Version is one entry in the server's version ledger.
type Version struct {
	ID          int64
	PushingNode string
}

// Ledger is the server-side sequence of versions. One Assign call happens
// per accepted push, inside the same transaction as applying that push's
// operations and tagging the journal (spec.md §4.9 push, step 5).
type Ledger interface {
	// Assign allocates and records the next VersionId, attributed to
	// pushingNode.
	Assign(ctx context.Context, pushingNode string) (Version, error)

	// Current returns the most recently assigned VersionId, or 0 if the
	// ledger is empty (no pushes have ever been accepted).
	Current(ctx context.Context) (int64, error)
}

// ClientState is the client-side bookkeeping a node keeps between syncs:
// its registered identity and the last version it has successfully pulled
// or been told about by a push response (spec.md §4.9).
type ClientState struct {
	NodeID           string
	Secret           string
	LastKnownVersion int64
}

// ClientStateStore persists ClientState across process restarts.
type ClientStateStore interface {
	Load(ctx context.Context) (ClientState, error)
	Save(ctx context.Context, state ClientState) error
}
