package syncmsg

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/bintlabs/go-sync-db/internal/compress"
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// RowFetcher is the subset of *store.Tx the builders need — kept as an
// interface so tests can fake it without a real database.
type RowFetcher interface {
	FetchRow(ctx context.Context, ct registry.ContentType, pk int64) (registry.Row, error)
}

// lastOrder returns, per ref, the highest Order seen across ops — used as
// the compacted operation's wire order, so the compressed message still
// sorts in roughly the chronology the journal recorded.
func lastOrder(ops []journal.Operation) map[syncref.Ref]int64 {
	out := make(map[syncref.Ref]int64, len(ops))
	for _, op := range ops {
		if op.Order > out[op.Ref] {
			out[op.Ref] = op.Order
		}
	}
	return out
}

func sortByOrder(wires []OperationWire) {
	sort.Slice(wires, func(i, j int) bool { return wires[i].Order < wires[j].Order })
}

// BuildPush implements the push half of the Payload Builder (spec.md §4.4):
// compress the client's unversioned journal, attach row payloads for every
// surviving insert/update, and return a message ready for signing.
//
// An unreadable row for a surviving insert/update is treated as an error —
// push is all-or-nothing (partial push is an explicit non-goal), so the
// first such failure aborts the build rather than silently dropping entries.
func BuildPush(ctx context.Context, tx RowFetcher, reg *registry.Registry, j journal.Journal, nodeID string, lastKnownVersion int64) (PushMessage, []error, error) {
	ops, err := j.IterUnversioned(ctx)
	if err != nil {
		return PushMessage{}, nil, fmt.Errorf("build push: read unversioned journal: %w", err)
	}
	results, warnings := compress.Local(ops)
	order := lastOrder(ops)

	// Install the compaction (spec.md §4.2's compact(rules)) back into the
	// unversioned journal before building the wire message: a ref that nets
	// out to no-op (Keep=false, e.g. insert-then-delete before ever being
	// pushed) would otherwise never leave the unversioned partition, since
	// it never appears in pushedRefs for the post-push Drop to clean up.
	for _, r := range results {
		var kept *journal.Operation
		if r.Keep {
			kept = &journal.Operation{Kind: r.Kind}
		}
		if err := j.Replace(ctx, r.Ref, kept); err != nil {
			return PushMessage{}, warnings, fmt.Errorf("build push: compact journal for %s: %w", r.Ref.String(), err)
		}
	}

	wires := make([]OperationWire, 0, len(results))
	payloads := make(Payloads)
	for _, r := range results {
		if !r.Keep {
			continue
		}
		wire := OperationWire{Order: order[r.Ref], Kind: string(r.Kind), Type: r.Ref.ContentType, PK: r.Ref.PK}
		if r.Kind == journal.Insert || r.Kind == journal.Update {
			ct, err := reg.MustGet(r.Ref.ContentType)
			if err != nil {
				return PushMessage{}, warnings, err
			}
			row, err := tx.FetchRow(ctx, ct, r.Ref.PK)
			if err != nil {
				return PushMessage{}, warnings, &syncerr.MergeFetchFailure{Ref: r.Ref.String(), Reason: err.Error()}
			}
			payloads.Put(r.Ref, row)
		}
		wires = append(wires, wire)
	}
	sortByOrder(wires)

	msg := PushMessage{
		NodeID:           nodeID,
		LastKnownVersion: lastKnownVersion,
		Operations:       wires,
		Payloads:         payloads,
		Checksum:         payloads.CRC32(),
	}
	return msg, warnings, nil
}

// BuildPull implements the pull half of the Payload Builder (spec.md §4.4):
// compress the server journal's entries newer than sinceVersion, attach row
// payloads, and expand one level of each surviving row's outgoing foreign
// keys into included_parents so the client's merge rarely has to make a
// follow-up fetch for a referenced parent it doesn't yet have locally.
func BuildPull(ctx context.Context, tx RowFetcher, reg *registry.Registry, j journal.Journal, sinceVersion, latestVersion int64) (PullMessage, error) {
	ops, err := j.IterSince(ctx, sinceVersion)
	if err != nil {
		return PullMessage{}, fmt.Errorf("build pull: read journal since %d: %w", sinceVersion, err)
	}
	results := compress.Remote(ops)
	order := lastOrder(ops)

	wires := make([]OperationWire, 0, len(results))
	payloads := make(Payloads)
	var includedParents []RefWire
	seenParent := make(map[syncref.Ref]bool)

	for _, r := range results {
		if !r.Keep {
			continue // net no-op for this ref (i .* d => ∅); nothing to tell the client
		}
		var version *int64
		if r.Version != nil {
			v := *r.Version
			version = &v
		}
		wires = append(wires, OperationWire{Order: order[r.Ref], Kind: string(r.Kind), Type: r.Ref.ContentType, PK: r.Ref.PK, Version: version})
		if r.Kind != journal.Insert && r.Kind != journal.Update {
			continue
		}
		ct, err := reg.MustGet(r.Ref.ContentType)
		if err != nil {
			return PullMessage{}, err
		}
		row, err := tx.FetchRow(ctx, ct, r.Ref.PK)
		if err != nil {
			return PullMessage{}, &syncerr.MergeFetchFailure{Ref: r.Ref.String(), Reason: err.Error()}
		}
		payloads.Put(r.Ref, row)

		for _, fk := range ct.ForeignKeys {
			pkVal, ok := row[fk.Column]
			if !ok || pkVal == nil {
				continue
			}
			parentPK, err := registry.CoercePK(pkVal)
			if err != nil {
				continue
			}
			parentRef := syncref.New(fk.TargetType, parentPK)
			if seenParent[parentRef] {
				continue
			}
			parentCT, err := reg.MustGet(fk.TargetType)
			if err != nil {
				return PullMessage{}, err
			}
			parentRow, err := tx.FetchRow(ctx, parentCT, parentPK)
			if err != nil {
				if errors.Is(err, store.ErrRowNotFound) {
					continue // parent since deleted; client will learn via its own journal entry
				}
				return PullMessage{}, &syncerr.MergeFetchFailure{Ref: parentRef.String(), Reason: err.Error()}
			}
			payloads.Put(parentRef, parentRow)
			includedParents = append(includedParents, RefToWire(parentRef))
			seenParent[parentRef] = true
		}
	}
	sortByOrder(wires)

	return PullMessage{
		LatestVersion:   latestVersion,
		Operations:      wires,
		Payloads:        payloads,
		Checksum:        payloads.CRC32(),
		IncludedParents: includedParents,
	}, nil
}
