// Package syncmsg implements the Message Codec & Payload Builder (spec.md
// §4.4, §6): the canonical JSON envelope exchanged by push/pull/repair, its
// HMAC signature, and the logic that walks a journal + store to build one.
package syncmsg

import (
	"encoding/json"
	"hash/crc32"
	"sort"

	"github.com/bintlabs/go-sync-db/internal/compress"
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// OperationWire is the JSON shape of one Operation on the wire (spec.md §6):
// `{order, kind, type, pk, version?}`.
type OperationWire struct {
	Order   int64  `json:"order"`
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	PK      int64  `json:"pk"`
	Version *int64 `json:"version,omitempty"`
}

func (w OperationWire) Ref() syncref.Ref { return syncref.New(w.Type, w.PK) }

func ToWire(op journal.Operation) OperationWire {
	return OperationWire{
		Order:   op.Order,
		Kind:    string(op.Kind),
		Type:    op.Ref.ContentType,
		PK:      op.Ref.PK,
		Version: op.Version,
	}
}

func (w OperationWire) ToOperation() journal.Operation {
	return journal.Operation{
		Order:   w.Order,
		Kind:    journal.OpKind(w.Kind),
		Ref:     w.Ref(),
		Version: w.Version,
	}
}

// Payloads is the wire shape `{type: {pk: {col: value, ...}}}` — pk keys are
// JSON object keys, so they're decimal strings rather than numbers.
type Payloads map[string]map[string]registry.Row

func (p Payloads) Put(ref syncref.Ref, row registry.Row) {
	if p[ref.ContentType] == nil {
		p[ref.ContentType] = make(map[string]registry.Row)
	}
	p[ref.ContentType][pkKey(ref.PK)] = row
}

func (p Payloads) Get(ref syncref.Ref) (registry.Row, bool) {
	byPK, ok := p[ref.ContentType]
	if !ok {
		return nil, false
	}
	row, ok := byPK[pkKey(ref.PK)]
	return row, ok
}

func pkKey(pk int64) string {
	b, _ := json.Marshal(pk)
	return string(b)
}

// CRC32 computes a deterministic checksum of every payload row, used as a
// cheap end-to-end integrity check on top of transport-level checksums
// (spec.md §4.18): it walks content types and primary keys in sorted order,
// so the result is stable regardless of Go's randomized map iteration.
func (p Payloads) CRC32() uint32 {
	types := make([]string, 0, len(p))
	for t := range p {
		types = append(types, t)
	}
	sort.Strings(types)

	h := crc32.NewIEEE()
	for _, t := range types {
		byPK := p[t]
		pks := make([]string, 0, len(byPK))
		for pk := range byPK {
			pks = append(pks, pk)
		}
		sort.Strings(pks)
		for _, pk := range pks {
			row := byPK[pk]
			cols := make([]string, 0, len(row))
			for c := range row {
				cols = append(cols, c)
			}
			sort.Strings(cols)
			h.Write([]byte(t))
			h.Write([]byte(pk))
			for _, c := range cols {
				b, _ := json.Marshal(row[c])
				h.Write([]byte(c))
				h.Write(b)
			}
		}
	}
	return h.Sum32()
}

// RefWire is a bare Ref on the wire, used by PullMessage.IncludedParents.
type RefWire struct {
	Type string `json:"type"`
	PK   int64  `json:"pk"`
}

func RefToWire(r syncref.Ref) RefWire { return RefWire{Type: r.ContentType, PK: r.PK} }

// PushMessage is the client → server push envelope.
type PushMessage struct {
	NodeID           string          `json:"node_id"`
	LastKnownVersion int64           `json:"last_known_version"`
	Operations       []OperationWire `json:"operations"`
	Payloads         Payloads        `json:"payloads"`
	Checksum         uint32          `json:"checksum"`
	Signature        string          `json:"signature"`
	ExtraData        json.RawMessage `json:"extra_data,omitempty"`
}

// PullMessage is the server → client pull response.
type PullMessage struct {
	LatestVersion   int64           `json:"latest_version"`
	Operations      []OperationWire `json:"operations"`
	Payloads        Payloads        `json:"payloads"`
	Checksum        uint32          `json:"checksum"`
	IncludedParents []RefWire       `json:"included_parents,omitempty"`
}

// Results converts the message's already-compressed operations back into
// compress.Results, ready for merge.NewSet — the server's pull builder runs
// compress.Remote once, so the merge engine must not recompress these.
func (m PullMessage) Results() []compress.Result {
	out := make([]compress.Result, 0, len(m.Operations))
	for _, w := range m.Operations {
		var version *int64
		if w.Version != nil {
			v := *w.Version
			version = &v
		}
		out = append(out, compress.Result{Ref: w.Ref(), Kind: journal.OpKind(w.Kind), Keep: true, Version: version})
	}
	return out
}

// PullRequest is the client → server pull request body.
type PullRequest struct {
	NodeID           string          `json:"node_id"`
	LastKnownVersion int64           `json:"last_known_version"`
	ExtraData        json.RawMessage `json:"extra_data,omitempty"`
}

// RegisterResponse is the server's reply to /register.
type RegisterResponse struct {
	NodeID string `json:"node_id"`
	Secret string `json:"secret"`
}

// PushAccepted is the server's 200 reply to an accepted push.
type PushAccepted struct {
	LatestVersion int64 `json:"latest_version"`
}

// RepairSnapshot is the full-store rescue payload (spec.md §4.9 repair):
// every tracked table's rows plus the version to resume from.
type RepairSnapshot struct {
	LatestVersion int64                         `json:"latest_version"`
	Tables        map[string][]registry.Row     `json:"tables"`
	ContentTypes  map[string]registry.ContentType `json:"-"`
}
