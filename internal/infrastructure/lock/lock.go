// Package lock provides the single-writer serialization primitive the sync
// server uses when more than one replica shares the same Postgres database
// (spec.md §4.15). Without it, two replicas could both read the ledger's
// current version, both see themselves as ahead, and assign the same
// version number to two different push batches.
package lock

import "context"

// Lock is a mutual-exclusion lock held for the duration of one push.
// Implementations must be safe to construct per-call; Acquire/Release pairs
// are not reused across pushes.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
