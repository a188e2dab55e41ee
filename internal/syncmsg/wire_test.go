package syncmsg

import (
	"testing"

	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

func TestPayloadsCRC32_DeterministicAcrossMapOrder(t *testing.T) {
	a := make(Payloads)
	a.Put(syncref.New("city", 1), registry.Row{"id": int64(1), "name": "Alice"})
	a.Put(syncref.New("city", 2), registry.Row{"id": int64(2), "name": "Bob"})
	a.Put(syncref.New("country", 1), registry.Row{"id": int64(1), "name": "Wonderland"})

	b := make(Payloads)
	b.Put(syncref.New("country", 1), registry.Row{"id": int64(1), "name": "Wonderland"})
	b.Put(syncref.New("city", 2), registry.Row{"id": int64(2), "name": "Bob"})
	b.Put(syncref.New("city", 1), registry.Row{"id": int64(1), "name": "Alice"})

	if a.CRC32() != b.CRC32() {
		t.Fatalf("CRC32 differs despite identical content inserted in different order: %08x vs %08x", a.CRC32(), b.CRC32())
	}
}

func TestPayloadsCRC32_ChangesWithContent(t *testing.T) {
	a := make(Payloads)
	a.Put(syncref.New("city", 1), registry.Row{"id": int64(1), "name": "Alice"})

	b := make(Payloads)
	b.Put(syncref.New("city", 1), registry.Row{"id": int64(1), "name": "Alicia"})

	if a.CRC32() == b.CRC32() {
		t.Fatal("CRC32 should differ when a column value changes")
	}
}

func TestPayloadsCRC32_EmptyIsStable(t *testing.T) {
	a := make(Payloads)
	b := make(Payloads)
	if a.CRC32() != b.CRC32() {
		t.Fatal("two empty Payloads should checksum identically")
	}
}
