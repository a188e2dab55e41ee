// Package merge implements the client-side Merge Engine (spec.md §4.6-§4.8):
// identity conflict detection between a compressed local operation set and a
// compressed remote (pull) operation set, the fixed resolution policy, and
// unique-constraint swap resolution.
package merge

import (
	"github.com/bintlabs/go-sync-db/internal/compress"
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// Side distinguishes which compressed set an operation came from.
type Side int

const (
	Remote Side = iota
	Local
)

// Set is a compressed operation set split by kind for conflict detection,
// mirroring spec.md §4.6's I_l/U_l/D_l and I_m/U_m/D_m notation.
type Set struct {
	Insert map[syncref.Ref]compress.Result
	Update map[syncref.Ref]compress.Result
	Delete map[syncref.Ref]compress.Result
}

// NewSet buckets compress.Results (only Keep==true ones matter) by kind.
func NewSet(results []compress.Result) Set {
	s := Set{
		Insert: make(map[syncref.Ref]compress.Result),
		Update: make(map[syncref.Ref]compress.Result),
		Delete: make(map[syncref.Ref]compress.Result),
	}
	for _, r := range results {
		if !r.Keep {
			continue
		}
		switch r.Kind {
		case journal.Insert:
			s.Insert[r.Ref] = r
		case journal.Update:
			s.Update[r.Ref] = r
		case journal.Delete:
			s.Delete[r.Ref] = r
		}
	}
	return s
}

func (s Set) nonDelete() map[syncref.Ref]compress.Result {
	out := make(map[syncref.Ref]compress.Result, len(s.Insert)+len(s.Update))
	for ref, r := range s.Insert {
		out[ref] = r
	}
	for ref, r := range s.Update {
		out[ref] = r
	}
	return out
}

func (s Set) updateOrDelete() map[syncref.Ref]compress.Result {
	out := make(map[syncref.Ref]compress.Result, len(s.Update)+len(s.Delete))
	for ref, r := range s.Update {
		out[ref] = r
	}
	for ref, r := range s.Delete {
		out[ref] = r
	}
	return out
}

// FKLookup resolves a ref's outgoing foreign keys, returning every Ref it
// points at. Conflict detection needs this to test "does local/remote row x
// have an FK pointing at the other side's deleted ref" (spec.md §4.6
// dependency/reversed-dependency) — it requires fetching x's row, hence a
// caller-supplied lookup that can fail rather than a pure function of the ref.
type FKLookup func(ref syncref.Ref) ([]syncref.Ref, error)

// DirectConflict is a (remote, local) pair sharing the same Ref, both
// non-insert (spec.md §4.6 "direct").
type DirectConflict struct {
	Remote compress.Result
	Local  compress.Result
}

// DependencyConflict is a remote delete whose Ref a local insert/update's row
// points at via FK (spec.md §4.6 "dependency").
type DependencyConflict struct {
	RemoteDelete compress.Result
	LocalOp      compress.Result
}

// ReversedDependencyConflict is a local delete whose Ref a remote
// insert/update's row points at via FK (spec.md §4.6 "reversed dependency").
type ReversedDependencyConflict struct {
	RemoteOp  compress.Result
	LocalDelete compress.Result
}

// InsertCollision is a (remote insert, local insert) pair sharing a Ref —
// the same pk was independently assigned on both sides (spec.md §4.6
// "insert collision").
type InsertCollision struct {
	Remote compress.Result
	Local  compress.Result
}

// Conflicts holds every conflict pairing detected between a remote
// (pull-derived) and local (unversioned-journal-derived) compressed set.
type Conflicts struct {
	Direct             []DirectConflict
	Dependency         []DependencyConflict
	ReversedDependency []ReversedDependencyConflict
	InsertCollisions   []InsertCollision
}

// Detect computes the four conflict sets of spec.md §4.6.
//
// fetchLocal resolves a ref's FK edges from the *current local store* (used
// for dependency conflicts: does a locally-surviving insert/update's row
// point at a ref the remote side deleted). fetchRemote resolves a ref's FK
// edges from the *pull message's row payloads* (used for reversed-dependency
// conflicts: does a remote-surviving insert/update's row, as shipped in the
// message, point at a ref the local side deleted).
//
// If an FK lookup required for a non-delete op fails, Detect returns an
// error — spec.md §4.6: "If fetch required by a non-delete fails, conflict
// detection fails (fatal) — it indicates journal/store drift."
func Detect(remote, local Set, fetchLocal, fetchRemote FKLookup) (Conflicts, error) {
	var c Conflicts

	localUD := local.updateOrDelete()
	remoteUD := remote.updateOrDelete()
	for ref, r := range remoteUD {
		if l, ok := localUD[ref]; ok {
			c.Direct = append(c.Direct, DirectConflict{Remote: r, Local: l})
		}
	}

	localNonDelete := local.nonDelete()
	for ref, rDel := range remote.Delete {
		for lref, lop := range localNonDelete {
			fks, err := fetchLocal(lref)
			if err != nil {
				return Conflicts{}, err
			}
			if containsRef(fks, ref) {
				c.Dependency = append(c.Dependency, DependencyConflict{RemoteDelete: rDel, LocalOp: lop})
			}
		}
	}

	remoteNonDelete := remote.nonDelete()
	for ref, lDel := range local.Delete {
		for rref, rop := range remoteNonDelete {
			fks, err := fetchRemote(rref)
			if err != nil {
				return Conflicts{}, err
			}
			if containsRef(fks, ref) {
				c.ReversedDependency = append(c.ReversedDependency, ReversedDependencyConflict{RemoteOp: rop, LocalDelete: lDel})
			}
		}
	}

	for ref, r := range remote.Insert {
		if l, ok := local.Insert[ref]; ok {
			c.InsertCollisions = append(c.InsertCollisions, InsertCollision{Remote: r, Local: l})
		}
	}

	return c, nil
}

func containsRef(fks []syncref.Ref, ref syncref.Ref) bool {
	for _, fk := range fks {
		if fk == ref {
			return true
		}
	}
	return false
}
