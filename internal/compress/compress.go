// Package compress implements the Compression Engine (spec.md §4.5): it
// rewrites per-ref operation sequences (ordered by journal order) down to at
// most one operation per ref, preserving the net state transition.
//
// Local rules apply to the unversioned client journal before push:
//
//	i u*     => i         u u*   => u
//	i u* d   => (empty)   u* d   => d
//
// Remote rules apply to the server-built pull message, which may contain
// re-inserts after deletes (another node's conflict resolution can revive a
// ref a client thinks is gone):
//
//	i => i   u => u   d => d
//	i .* d   => ∅   i .* ~d => i
//	u .* d   => d   u .* ~d => u
//	d .* d   => d   d .* ~d => u
//
// The remote grammar depends only on the first and last operation of each
// ref's sequence (every sequence decomposes to one of the nine (first,last)
// pairs above), which is why RemoteResult is a pure function of those two
// kinds — this also makes remote-rule coverage of every {i,u,d} sequence
// (testable property 3 of spec.md §8) straightforward to check exhaustively.
package compress

import (
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// Result is the outcome of compressing one ref's operation sequence.
type Result struct {
	Ref  syncref.Ref
	Kind journal.OpKind // zero value ("") means the ref nets out to no-op
	Keep bool           // false means the ref contributes no residual operation
	// Version carries through the last remote operation's version id, for
	// remote compression only (so the compacted op can still be installed
	// as "versioned" in the client's applied history after merge).
	Version *int64
}

// group buckets operations by ref, preserving Order within each bucket
// (operations are assumed already sorted by Order ascending on input).
func group(ops []journal.Operation) map[syncref.Ref][]journal.Operation {
	byRef := make(map[syncref.Ref][]journal.Operation)
	for _, op := range ops {
		byRef[op.Ref] = append(byRef[op.Ref], op)
	}
	return byRef
}

func allUpdates(kinds []journal.OpKind) bool {
	for _, k := range kinds {
		if k != journal.Update {
			return false
		}
	}
	return true
}

// matchLocal matches one ref's kind sequence against the local grammar.
// matched is false if the sequence does not fit any rule (possible
// tampering or PK reuse — left untouched by the caller, surfaced via a
// CompressionWarning). When matched, resultKind is the zero value ("") iff
// the net effect is "no residual operation" (the i u* d => ∅ rule).
func matchLocal(kinds []journal.OpKind) (resultKind journal.OpKind, matched bool) {
	if len(kinds) == 0 {
		return "", false
	}
	switch kinds[0] {
	case journal.Insert:
		rest := kinds[1:]
		if allUpdates(rest) {
			return journal.Insert, true
		}
		if len(rest) >= 1 && rest[len(rest)-1] == journal.Delete && allUpdates(rest[:len(rest)-1]) {
			return "", true
		}
		return "", false
	case journal.Update:
		if allUpdates(kinds) {
			return journal.Update, true
		}
		if kinds[len(kinds)-1] == journal.Delete && allUpdates(kinds[:len(kinds)-1]) {
			return journal.Delete, true
		}
		return "", false
	case journal.Delete:
		if len(kinds) == 1 {
			return journal.Delete, true
		}
		return "", false
	default:
		return "", false
	}
}

// Local compresses the client's unversioned journal. Returns one Result per
// distinct ref whose sequence matched the grammar (in no defined order: refs
// are iterated from a map) plus a CompressionWarning for every ref whose
// sequence didn't match; those refs get no Result at all — callers must
// leave their original journal entries alone (see journal.Journal.Replace,
// which the caller simply does not invoke for unmatched refs).
func Local(ops []journal.Operation) (results []Result, warnings []error) {
	byRef := group(ops)
	for ref, seq := range byRef {
		kinds := make([]journal.OpKind, len(seq))
		for i, op := range seq {
			kinds[i] = op.Kind
		}
		resultKind, matched := matchLocal(kinds)
		if !matched {
			strs := make([]string, len(kinds))
			for i, k := range kinds {
				strs[i] = string(k)
			}
			warnings = append(warnings, &syncerr.CompressionWarning{Ref: ref.String(), Sequence: strs})
			continue
		}
		results = append(results, Result{Ref: ref, Kind: resultKind, Keep: resultKind != ""})
	}
	return results, warnings
}

// remoteResult is the (first,last) => outcome table described in the
// package doc comment.
func remoteResult(first, last journal.OpKind) journal.OpKind {
	switch {
	case first == journal.Insert && last == journal.Delete:
		return ""
	case first == journal.Insert:
		return journal.Insert
	case first == journal.Update && last == journal.Delete:
		return journal.Delete
	case first == journal.Update:
		return journal.Update
	case first == journal.Delete && last == journal.Delete:
		return journal.Delete
	case first == journal.Delete:
		return journal.Update
	default:
		return ""
	}
}

// Remote compresses the server-built pull message's per-ref sequences.
// Every sequence over {i,u,d} matches (property 3 of spec.md §8): the
// remote grammar is total. The Version carried on the Result is the last
// operation's version (the most recent server-assigned version touching
// that ref), since that's what the client needs to advance to.
func Remote(ops []journal.Operation) []Result {
	byRef := group(ops)
	results := make([]Result, 0, len(byRef))
	for ref, seq := range byRef {
		first := seq[0].Kind
		last := seq[len(seq)-1].Kind
		kind := remoteResult(first, last)
		results = append(results, Result{
			Ref:     ref,
			Kind:    kind,
			Keep:    kind != "",
			Version: seq[len(seq)-1].Version,
		})
	}
	return results
}
