package merge

import (
	"context"
	"fmt"

	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// unionFind is a minimal disjoint-set structure over syncref.Ref, used to
// group pending swap pairs into connected components (spec.md §4.8 step 3,
// §9 "cyclic FK graphs... compute conflict components with union-find").
type unionFind struct {
	parent map[syncref.Ref]syncref.Ref
}

func newUnionFind() *unionFind { return &unionFind{parent: make(map[syncref.Ref]syncref.Ref)} }

func (u *unionFind) find(r syncref.Ref) syncref.Ref {
	if _, ok := u.parent[r]; !ok {
		u.parent[r] = r
		return r
	}
	root := r
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[r] != root {
		next := u.parent[r]
		u.parent[r] = root
		r = next
	}
	return root
}

func (u *unionFind) union(a, b syncref.Ref) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}

// DetectUniqueSwaps implements spec.md §4.8 steps 1-2: scans every surviving
// remote insert/update for a unique-constraint collision against the local
// store, and — if the colliding local row is itself being overwritten in
// this same pull message — treats it as a value swap rather than a genuine
// conflict. Returns the set of refs that turned out to be involved in a
// swap, so the caller can exclude them from ordinary op application (they
// are applied exclusively via ApplySwapComponents's delete-then-reinsert,
// which is what keeps the unique constraint satisfied at every instant).
//
// Per spec.md §9's open question on tie-breaks ("source order is
// unspecified; recommend iterating constraints in declared order and
// failing fast"), this scans refs and their constraints in a fixed order
// and returns immediately on the first unsolvable collision, rather than
// batching every unsolvable entry found across the whole message.
func DetectUniqueSwaps(ctx context.Context, tx *store.Tx, reg *registry.Registry, remoteInsertsUpdates []syncref.Ref, payloads syncmsg.Payloads) (*unionFind, map[syncref.Ref]bool, error) {
	uf := newUnionFind()
	involved := make(map[syncref.Ref]bool)

	for _, ref := range remoteInsertsUpdates {
		ct, err := reg.MustGet(ref.ContentType)
		if err != nil {
			return nil, nil, err
		}
		row, ok := payloads.Get(ref)
		if !ok {
			continue
		}
		for _, constraint := range ct.UniqueConstraints {
			values := make([]any, len(constraint))
			for i, col := range constraint {
				values[i] = row[col]
			}
			localRow, found, err := tx.FindByUnique(ctx, ct, constraint, values, ref.PK)
			if err != nil {
				return nil, nil, fmt.Errorf("unique swap lookup %s%v: %w", ref, constraint, err)
			}
			if !found {
				continue
			}
			localPK, err := ct.PKOf(localRow)
			if err != nil {
				return nil, nil, err
			}
			localRef := syncref.New(ref.ContentType, localPK)
			if _, hasSwapPartner := payloads.Get(localRef); !hasSwapPartner {
				return nil, nil, &syncerr.UniqueConstraintError{Entries: []syncerr.ConstraintEntry{
					{ContentType: ref.ContentType, PK: localPK, Columns: constraint},
				}}
			}
			uf.union(ref, localRef)
			involved[ref] = true
			involved[localRef] = true
		}
	}

	return uf, involved, nil
}

// ResolveUniqueSwaps runs DetectUniqueSwaps and immediately applies whatever
// components it finds. Exposed for callers (and tests) that don't need to
// exclude swap-involved refs from a separate normal-application pass.
func ResolveUniqueSwaps(ctx context.Context, tx *store.Tx, reg *registry.Registry, remoteInsertsUpdates []syncref.Ref, payloads syncmsg.Payloads) error {
	uf, involved, err := DetectUniqueSwaps(ctx, tx, reg, remoteInsertsUpdates, payloads)
	if err != nil {
		return err
	}
	if len(involved) == 0 {
		return nil
	}
	return ApplySwapComponents(ctx, tx, reg, uf, involved, payloads)
}

// ApplySwapComponents executes step 3 of spec.md §4.8 for every connected
// component of involved refs: disable FK cascades, delete every member,
// reinsert each from its final pull-message payload, then re-enable
// cascades.
func ApplySwapComponents(ctx context.Context, tx *store.Tx, reg *registry.Registry, uf *unionFind, involved map[syncref.Ref]bool, payloads syncmsg.Payloads) error {
	components := make(map[syncref.Ref][]syncref.Ref)
	for ref := range involved {
		root := uf.find(ref)
		components[root] = append(components[root], ref)
	}

	for _, members := range components {
		if err := tx.SetFKChecks(ctx, false); err != nil {
			return fmt.Errorf("disable fk checks for unique swap: %w", err)
		}

		for _, ref := range members {
			ct, err := reg.MustGet(ref.ContentType)
			if err != nil {
				_ = tx.SetFKChecks(ctx, true)
				return err
			}
			if err := tx.DeleteRow(ctx, ct, ref.PK); err != nil {
				_ = tx.SetFKChecks(ctx, true)
				return fmt.Errorf("unique swap delete %s: %w", ref, err)
			}
		}
		for _, ref := range members {
			ct, err := reg.MustGet(ref.ContentType)
			if err != nil {
				_ = tx.SetFKChecks(ctx, true)
				return err
			}
			row, ok := payloads.Get(ref)
			if !ok {
				_ = tx.SetFKChecks(ctx, true)
				return &syncerr.MergeFetchFailure{Ref: ref.String(), Reason: "no final payload for unique swap reinsert"}
			}
			if err := tx.InsertRow(ctx, ct, row); err != nil {
				_ = tx.SetFKChecks(ctx, true)
				return fmt.Errorf("unique swap reinsert %s: %w", ref, err)
			}
		}

		if err := tx.SetFKChecks(ctx, true); err != nil {
			return fmt.Errorf("re-enable fk checks after unique swap: %w", err)
		}
	}
	return nil
}
