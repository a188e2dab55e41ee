package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bintlabs/go-sync-db/internal/compress"
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
	"github.com/bintlabs/go-sync-db/pkg/metrics"
)

// plan accumulates every resolution decision made while scanning identity
// conflicts, before any of it is applied to the store. Keeping detection and
// application as separate passes means a decision made while scanning one
// conflict (e.g. "remote op X is now an insert") is visible regardless of
// which conflict bucket produced it.
type plan struct {
	skipRemoteDelete    map[syncref.Ref]bool
	discardRemoteUpdate map[syncref.Ref]bool
	forceInsert         map[syncref.Ref]bool
	resurrect           map[syncref.Ref]bool
	rewritePK           map[syncref.Ref]int64
	dropLocalRefs       []syncref.Ref
}

func newPlan() *plan {
	return &plan{
		skipRemoteDelete:    make(map[syncref.Ref]bool),
		discardRemoteUpdate: make(map[syncref.Ref]bool),
		forceInsert:         make(map[syncref.Ref]bool),
		resurrect:           make(map[syncref.Ref]bool),
		rewritePK:           make(map[syncref.Ref]int64),
	}
}

// recordConflictMetrics tallies each detected conflict by kind, ahead of
// resolution, so the counters reflect how often each situation in spec.md
// §4.7 actually arises in practice.
func recordConflictMetrics(c Conflicts) {
	for _, dc := range c.Direct {
		switch {
		case dc.Remote.Kind == journal.Delete && dc.Local.Kind == journal.Delete:
			metrics.MergeConflictsTotal.WithLabelValues("delete_delete").Inc()
		case dc.Remote.Kind == journal.Delete || dc.Local.Kind == journal.Delete:
			metrics.MergeConflictsTotal.WithLabelValues("delete_update").Inc()
		default:
			metrics.MergeConflictsTotal.WithLabelValues("update_update").Inc()
		}
	}
	if n := len(c.Dependency); n > 0 {
		metrics.MergeConflictsTotal.WithLabelValues("dependency").Add(float64(n))
	}
	if n := len(c.ReversedDependency); n > 0 {
		metrics.MergeConflictsTotal.WithLabelValues("reversed_dependency").Add(float64(n))
	}
	if n := len(c.InsertCollisions); n > 0 {
		metrics.MergeConflictsTotal.WithLabelValues("insert_collision").Add(float64(n))
	}
}

// Run executes the full merge subroutine (spec.md §4.6-§4.8) for one pull
// message against the client's current unversioned journal: compress both
// sides, detect identity conflicts, apply the fixed resolution policy,
// resolve unique-constraint swaps, and return the version the client should
// advance to. The caller is expected to run this inside a single store
// transaction (spec.md §5) — if Run returns an error, the caller must roll
// back so last_known_version never advances past a failed merge.
func Run(ctx context.Context, tx *store.Tx, reg *registry.Registry, localJournal journal.Journal, pull syncmsg.PullMessage, policy ResolutionPolicy, logger *slog.Logger) (int64, error) {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	localOps, err := localJournal.IterUnversioned(ctx)
	if err != nil {
		return 0, fmt.Errorf("merge: read local journal: %w", err)
	}
	localResults, localWarnings := compress.Local(localOps)
	for _, w := range localWarnings {
		logger.Warn("local compression warning during merge", "error", w)
		metrics.CompressionWarningsTotal.Inc()
	}

	remoteResults := pull.Results()
	localSet := NewSet(localResults)
	remoteSet := NewSet(remoteResults)

	fetchLocal := func(ref syncref.Ref) ([]syncref.Ref, error) {
		ct, err := reg.MustGet(ref.ContentType)
		if err != nil {
			return nil, err
		}
		row, err := tx.FetchRow(ctx, ct, ref.PK)
		if errors.Is(err, store.ErrRowNotFound) {
			return nil, &syncerr.MergeFetchFailure{Ref: ref.String(), Reason: "row absent from local store"}
		}
		if err != nil {
			return nil, err
		}
		return fkRefs(ct, row)
	}
	fetchRemote := func(ref syncref.Ref) ([]syncref.Ref, error) {
		ct, err := reg.MustGet(ref.ContentType)
		if err != nil {
			return nil, err
		}
		row, ok := pull.Payloads.Get(ref)
		if !ok {
			return nil, &syncerr.MergeFetchFailure{Ref: ref.String(), Reason: "row payload absent from pull message"}
		}
		return fkRefs(ct, row)
	}

	conflicts, err := Detect(remoteSet, localSet, fetchLocal, fetchRemote)
	if err != nil {
		return 0, err
	}
	recordConflictMetrics(conflicts)

	p := newPlan()

	for _, dc := range conflicts.Direct {
		switch {
		case dc.Remote.Kind == journal.Delete && dc.Local.Kind == journal.Delete:
			// rule 4: delete vs delete, no-op
			p.dropLocalRefs = append(p.dropLocalRefs, dc.Local.Ref)
			p.skipRemoteDelete[dc.Remote.Ref] = true
		case dc.Remote.Kind == journal.Delete:
			// rule 1, delete was remote: reinsert from DB means "don't
			// delete" — the local row already reflects the local update.
			p.skipRemoteDelete[dc.Remote.Ref] = true
		case dc.Local.Kind == journal.Delete:
			// rule 1, delete was local: reinsert from MSG — the row no
			// longer exists locally, so the remote op must be applied as
			// an insert regardless of its own kind.
			p.dropLocalRefs = append(p.dropLocalRefs, dc.Local.Ref)
			p.forceInsert[dc.Remote.Ref] = true
		case dc.Remote.Kind == journal.Update && dc.Local.Kind == journal.Update:
			keepLocal, err := policy.ResolveUpdateConflict(ctx, dc.Remote, dc.Local)
			if err != nil {
				return 0, err
			}
			if keepLocal {
				p.discardRemoteUpdate[dc.Remote.Ref] = true
			}
		}
	}

	for _, dep := range conflicts.Dependency {
		p.skipRemoteDelete[dep.RemoteDelete.Ref] = true
	}

	for _, rdep := range conflicts.ReversedDependency {
		p.dropLocalRefs = append(p.dropLocalRefs, rdep.LocalDelete.Ref)
		p.resurrect[rdep.LocalDelete.Ref] = true
	}

	for _, ic := range conflicts.InsertCollisions {
		ct, err := reg.MustGet(ic.Remote.Ref.ContentType)
		if err != nil {
			return 0, err
		}
		newPK, err := policy.ResolveInsertCollision(ctx, tx, ct, ic.Remote)
		if err != nil {
			return 0, err
		}
		p.rewritePK[ic.Remote.Ref] = newPK
	}

	remoteRefSet := make(map[syncref.Ref]bool, len(remoteResults))
	for _, r := range remoteResults {
		remoteRefSet[r.Ref] = true
	}
	for ref := range p.resurrect {
		if remoteRefSet[ref] {
			continue // the ref already has its own remote op; that op's application covers the resurrection
		}
		ct, err := reg.MustGet(ref.ContentType)
		if err != nil {
			return 0, err
		}
		row, ok := pull.Payloads.Get(ref)
		if !ok {
			return 0, &syncerr.MergeFetchFailure{Ref: ref.String(), Reason: "no payload to resurrect reversed-dependency parent"}
		}
		if err := tx.InsertRow(ctx, ct, row); err != nil {
			return 0, fmt.Errorf("merge: resurrect %s: %w", ref, err)
		}
	}

	sort.Slice(remoteResults, func(i, j int) bool {
		oi, oj := remoteResults[i].Version, remoteResults[j].Version
		if oi != nil && oj != nil && *oi != *oj {
			return *oi < *oj
		}
		return remoteResults[i].Ref.String() < remoteResults[j].Ref.String()
	})

	// Unique-constraint swaps must be detected and excluded from ordinary
	// application *before* any conflicting insert/update runs — applying a
	// swap's two halves independently (rather than delete-then-reinsert
	// both together) would trip the real unique constraint in the store
	// partway through (spec.md §4.8).
	var swapCandidates []syncref.Ref
	for _, r := range remoteResults {
		if p.skipRemoteDelete[r.Ref] || p.discardRemoteUpdate[r.Ref] {
			continue
		}
		if r.Kind == journal.Insert || r.Kind == journal.Update || p.forceInsert[r.Ref] {
			swapCandidates = append(swapCandidates, r.Ref)
		}
	}
	uf, swapInvolved, err := DetectUniqueSwaps(ctx, tx, reg, swapCandidates, pull.Payloads)
	if err != nil {
		return 0, err
	}
	if len(swapInvolved) > 0 {
		metrics.MergeConflictsTotal.WithLabelValues("unique_swap").Add(float64(len(swapInvolved)))
	}

	for _, r := range remoteResults {
		if p.skipRemoteDelete[r.Ref] {
			continue
		}
		if p.discardRemoteUpdate[r.Ref] {
			continue
		}
		if swapInvolved[r.Ref] {
			continue // handled exclusively by ApplySwapComponents below
		}
		ct, err := reg.MustGet(r.Ref.ContentType)
		if err != nil {
			return 0, err
		}

		if newPK, rewritten := p.rewritePK[r.Ref]; rewritten {
			row, ok := pull.Payloads.Get(r.Ref)
			if !ok {
				return 0, &syncerr.MergeFetchFailure{Ref: r.Ref.String(), Reason: "no payload for colliding insert"}
			}
			rewrittenRow := make(registry.Row, len(row))
			for k, v := range row {
				rewrittenRow[k] = v
			}
			rewrittenRow[ct.PKColumn] = newPK
			if err := tx.InsertRow(ctx, ct, rewrittenRow); err != nil {
				return 0, fmt.Errorf("merge: insert reallocated %s#%d: %w", ct.ID, newPK, err)
			}
			continue
		}

		isInsert := r.Kind == journal.Insert || p.forceInsert[r.Ref]
		switch {
		case r.Kind == journal.Delete:
			if err := tx.DeleteRow(ctx, ct, r.Ref.PK); err != nil {
				return 0, fmt.Errorf("merge: delete %s: %w", r.Ref, err)
			}
		case isInsert:
			row, ok := pull.Payloads.Get(r.Ref)
			if !ok {
				return 0, &syncerr.MergeFetchFailure{Ref: r.Ref.String(), Reason: "no payload for insert"}
			}
			if err := tx.InsertRow(ctx, ct, row); err != nil {
				return 0, fmt.Errorf("merge: insert %s: %w", r.Ref, err)
			}
		default: // Update
			row, ok := pull.Payloads.Get(r.Ref)
			if !ok {
				return 0, &syncerr.MergeFetchFailure{Ref: r.Ref.String(), Reason: "no payload for update"}
			}
			if err := tx.UpdateRow(ctx, ct, row); err != nil {
				return 0, fmt.Errorf("merge: update %s: %w", r.Ref, err)
			}
		}
	}

	if len(swapInvolved) > 0 {
		if err := ApplySwapComponents(ctx, tx, reg, uf, swapInvolved, pull.Payloads); err != nil {
			return 0, err
		}
	}

	if err := localJournal.Drop(ctx, p.dropLocalRefs); err != nil {
		return 0, fmt.Errorf("merge: clear neutralized local journal entries: %w", err)
	}

	return pull.LatestVersion, nil
}

// fkRefs resolves every outgoing foreign key of row into the Ref it points
// at, skipping nullable FK columns that are currently nil.
func fkRefs(ct registry.ContentType, row registry.Row) ([]syncref.Ref, error) {
	out := make([]syncref.Ref, 0, len(ct.ForeignKeys))
	for _, fk := range ct.ForeignKeys {
		v, ok := row[fk.Column]
		if !ok || v == nil {
			continue
		}
		pk, err := registry.CoercePK(v)
		if err != nil {
			continue
		}
		out = append(out, syncref.New(fk.TargetType, pk))
	}
	return out, nil
}
