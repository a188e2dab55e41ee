package merge

import (
	"context"

	"github.com/bintlabs/go-sync-db/internal/compress"
	"github.com/bintlabs/go-sync-db/internal/registry"
)

// MaxPKSource reports the current maximum primary key for a content type's
// table — needed to reallocate a colliding remote insert (spec.md §4.7 rule
// 3). Implemented by *store.Tx.
type MaxPKSource interface {
	MaxPK(ctx context.Context, ct registry.ContentType) (int64, error)
}

// ResolutionPolicy decides the two identity-conflict outcomes the spec (§9,
// "Fixed resolution policy → strategy object") flags as a future override
// point: update-vs-update, and insert-vs-insert. Rules 1 (delete vs
// non-delete) and 4 (delete vs delete) are structural and not exposed here —
// their outcome never depends on row content, only on which side deleted.
type ResolutionPolicy interface {
	// ResolveUpdateConflict decides a direct update-vs-update conflict.
	// Returning true means the local update is kept and the remote update
	// is discarded, per spec.md §4.7 rule 2.
	ResolveUpdateConflict(ctx context.Context, remote, local compress.Result) (keepLocal bool, err error)

	// ResolveInsertCollision returns the pk the incoming remote insert
	// should be rewritten to use, per spec.md §4.7 rule 3 ("successor of
	// current max pk in that table").
	ResolveInsertCollision(ctx context.Context, pks MaxPKSource, ct registry.ContentType, remote compress.Result) (int64, error)
}

// DefaultPolicy implements the spec's fixed rules literally: local always
// wins an update-vs-update conflict, and a colliding remote insert is
// reallocated to maxPK+1.
type DefaultPolicy struct{}

func (DefaultPolicy) ResolveUpdateConflict(ctx context.Context, remote, local compress.Result) (bool, error) {
	return true, nil
}

func (DefaultPolicy) ResolveInsertCollision(ctx context.Context, pks MaxPKSource, ct registry.ContentType, remote compress.Result) (int64, error) {
	max, err := pks.MaxPK(ctx, ct)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}
