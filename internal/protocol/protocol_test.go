package protocol_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bintlabs/go-sync-db/internal/protocol"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

var thingType = registry.ContentType{
	ID:       "thing",
	PKColumn: "id",
	Columns:  []string{"id", "name"},
}

func newProtocolServer(t *testing.T) *protocol.Server {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	reg := registry.New()
	if err := reg.Register(thingType); err != nil {
		t.Fatalf("register thing: %v", err)
	}

	s := store.New(db, store.SQLite{}, slog.Default())
	ctx := context.Background()
	if err := s.CreateAll(ctx); err != nil {
		t.Fatalf("create all: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE thing (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("create thing table: %v", err)
	}
	return protocol.New(s, reg, slog.Default())
}

// signedInsert builds a fully valid, signed push message inserting one row,
// at the given last_known_version.
func signedInsert(t *testing.T, secret, nodeID string, pk int64, name string, lastKnownVersion int64) syncmsg.PushMessage {
	t.Helper()
	ref := syncref.New("thing", pk)
	ops := []syncmsg.OperationWire{{Order: 1, Kind: "i", Type: "thing", PK: pk}}
	payloads := syncmsg.Payloads{}
	payloads.Put(ref, registry.Row{"id": pk, "name": name})
	msg := syncmsg.PushMessage{
		NodeID:           nodeID,
		LastKnownVersion: lastKnownVersion,
		Operations:       ops,
		Payloads:         payloads,
		Checksum:         payloads.CRC32(),
	}
	if err := syncmsg.SignMessage(secret, &msg); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return msg
}

func TestServer_RegisterThenPush(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if creds.NodeID != "node-a" || creds.Secret == "" {
		t.Fatalf("creds = %+v, want node-a with a non-empty secret", creds)
	}

	msg := signedInsert(t, creds.Secret, creds.NodeID, 1, "Gizmo", 0)
	version, err := srv.Push(ctx, msg)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	rows, err := srv.Query(ctx, "thing")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Gizmo" {
		t.Fatalf("rows = %+v, want one row named Gizmo", rows)
	}

	current, err := srv.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if current != 1 {
		t.Fatalf("current version = %d, want 1", current)
	}
}

func TestServer_PushUnknownNodeIsAuthError(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	msg := signedInsert(t, "whatever-secret", "ghost-node", 1, "Gizmo", 0)
	_, err := srv.Push(ctx, msg)
	if err == nil {
		t.Fatal("push from an unregistered node should fail")
	}
	if syncerr.Classify(err) != syncerr.KindAuth {
		t.Fatalf("Classify(err) = %v, want KindAuth", syncerr.Classify(err))
	}
}

func TestServer_PushBadSignatureIsAuthError(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := signedInsert(t, creds.Secret, creds.NodeID, 1, "Gizmo", 0)
	msg.Signature = "deadbeef"

	_, err = srv.Push(ctx, msg)
	if err == nil {
		t.Fatal("push with a forged signature should fail")
	}
	if syncerr.Classify(err) != syncerr.KindAuth {
		t.Fatalf("Classify(err) = %v, want KindAuth", syncerr.Classify(err))
	}
}

func TestServer_PushChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	msg := signedInsert(t, creds.Secret, creds.NodeID, 1, "Gizmo", 0)
	msg.Checksum ^= 0xFFFFFFFF // corrupt the checksum after signing
	if resignErr := syncmsg.SignMessage(creds.Secret, &msg); resignErr != nil {
		t.Fatalf("resign: %v", resignErr)
	}

	_, err = srv.Push(ctx, msg)
	if err == nil {
		t.Fatal("push with a corrupted checksum should fail")
	}
	var mismatch *syncerr.ChecksumMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("err = %v, want *syncerr.ChecksumMismatch", err)
	}
}

func TestServer_PushStaleLastKnownVersionIsRejected(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.Push(ctx, signedInsert(t, creds.Secret, creds.NodeID, 1, "First", 0)); err != nil {
		t.Fatalf("first push: %v", err)
	}

	// node-a pushes again claiming it still hasn't seen any server version.
	msg := signedInsert(t, creds.Secret, creds.NodeID, 2, "Second", 0)
	_, err = srv.Push(ctx, msg)
	if err == nil {
		t.Fatal("push at a stale last_known_version should be rejected")
	}
	if syncerr.Classify(err) != syncerr.KindPushRejected {
		t.Fatalf("Classify(err) = %v, want KindPushRejected", syncerr.Classify(err))
	}
}

func TestServer_PullReturnsOperationsSinceVersion(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.Push(ctx, signedInsert(t, creds.Secret, creds.NodeID, 1, "First", 0)); err != nil {
		t.Fatalf("push 1: %v", err)
	}
	if _, err := srv.Push(ctx, signedInsert(t, creds.Secret, creds.NodeID, 2, "Second", 1)); err != nil {
		t.Fatalf("push 2: %v", err)
	}

	pull, err := srv.Pull(ctx, syncmsg.PullRequest{NodeID: creds.NodeID, LastKnownVersion: 1})
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if pull.LatestVersion != 2 {
		t.Fatalf("latest version = %d, want 2", pull.LatestVersion)
	}
	if len(pull.Operations) != 1 || pull.Operations[0].PK != 2 {
		t.Fatalf("operations = %+v, want exactly the pk=2 insert", pull.Operations)
	}
}

func TestServer_PullUnknownNodeIsAuthError(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	_, err := srv.Pull(ctx, syncmsg.PullRequest{NodeID: "ghost-node", LastKnownVersion: 0})
	if err == nil {
		t.Fatal("pull from an unregistered node should fail")
	}
	if syncerr.Classify(err) != syncerr.KindAuth {
		t.Fatalf("Classify(err) = %v, want KindAuth", syncerr.Classify(err))
	}
}

func TestServer_RepairSnapshotsEveryTrackedTable(t *testing.T) {
	ctx := context.Background()
	srv := newProtocolServer(t)

	creds, err := srv.Register(ctx, "node-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := srv.Push(ctx, signedInsert(t, creds.Secret, creds.NodeID, 1, "First", 0)); err != nil {
		t.Fatalf("push: %v", err)
	}

	snap, err := srv.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if snap.LatestVersion != 1 {
		t.Fatalf("snapshot latest version = %d, want 1", snap.LatestVersion)
	}
	rows, ok := snap.Tables["thing"]
	if !ok || len(rows) != 1 || rows[0]["name"] != "First" {
		t.Fatalf("snapshot thing rows = %+v", rows)
	}
}
