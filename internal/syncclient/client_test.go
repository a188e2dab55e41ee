package syncclient_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/merge"
	"github.com/bintlabs/go-sync-db/internal/protocol"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncclient"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// directTransport calls straight into an in-process protocol.Server —
// mirroring the teacher-adjacent multi-client sync harness pattern (each
// simulated node gets its own sqlite database; the "wire" here is a Go
// function call instead of HTTP, since framing is explicitly out of scope).
type directTransport struct {
	server *protocol.Server
}

func (d directTransport) Register(ctx context.Context, name string) (string, string, error) {
	creds, err := d.server.Register(ctx, name)
	return creds.NodeID, creds.Secret, err
}

func (d directTransport) Push(ctx context.Context, msg syncmsg.PushMessage) (int64, error) {
	return d.server.Push(ctx, msg)
}

func (d directTransport) Pull(ctx context.Context, req syncmsg.PullRequest) (syncmsg.PullMessage, error) {
	return d.server.Pull(ctx, req)
}

func (d directTransport) Repair(ctx context.Context) (syncmsg.RepairSnapshot, error) {
	return d.server.Repair(ctx)
}

var widgetType = registry.ContentType{
	ID:       "widget",
	PKColumn: "id",
	Columns:  []string{"id", "name"},
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(widgetType); err != nil {
		t.Fatalf("register widget content type: %v", err)
	}
	return reg
}

func newSQLiteStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1) // one shared connection keeps the in-memory database alive

	s := store.New(db, store.SQLite{}, slog.Default())
	ctx := context.Background()
	if err := s.CreateAll(ctx); err != nil {
		t.Fatalf("create all: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE widget (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("create widget table: %v", err)
	}
	return s
}

// localWrite simulates an application inserting a row and recording the
// mutation in the journal inside the same transaction (spec.md §4.2) — the
// obligation the rest of the application carries in a real deployment.
func localWrite(t *testing.T, s *store.Store, id int64, name string) {
	t.Helper()
	ctx := context.Background()
	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, widgetType, registry.Row{"id": id, "name": name}); err != nil {
			return err
		}
		return store.NewSQLJournal(tx).Append(ctx, journal.Insert, syncref.New(widgetType.ID, id))
	})
	if err != nil {
		t.Fatalf("local write %d: %v", id, err)
	}
}

func TestClientSync_PushAccepted(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	serverStore := newSQLiteStore(t)
	clientStore := newSQLiteStore(t)

	server := protocol.New(serverStore, reg, slog.Default())
	transport := directTransport{server: server}
	client := syncclient.New(clientStore, reg, transport, merge.DefaultPolicy{}, slog.Default())

	if err := client.Register(ctx, "node-a"); err != nil {
		t.Fatalf("register: %v", err)
	}

	localWrite(t, clientStore, 1, "Alpha")

	version, err := client.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}

	err = serverStore.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, err := tx.FetchRow(ctx, widgetType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "Alpha" {
			t.Errorf("server widget name = %v, want Alpha", row["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify server row: %v", err)
	}
}

func TestClientSync_PullsRemoteChangesOnDivergence(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	serverStore := newSQLiteStore(t)

	server := protocol.New(serverStore, reg, slog.Default())
	transport := directTransport{server: server}

	aStore := newSQLiteStore(t)
	bStore := newSQLiteStore(t)
	clientA := syncclient.New(aStore, reg, transport, merge.DefaultPolicy{}, slog.Default())
	clientB := syncclient.New(bStore, reg, transport, merge.DefaultPolicy{}, slog.Default())

	if err := clientA.Register(ctx, "node-a"); err != nil {
		t.Fatalf("register A: %v", err)
	}
	if err := clientB.Register(ctx, "node-b"); err != nil {
		t.Fatalf("register B: %v", err)
	}

	localWrite(t, aStore, 1, "Alpha")
	if _, err := clientA.Sync(ctx); err != nil {
		t.Fatalf("A initial sync: %v", err)
	}

	localWrite(t, bStore, 2, "Bravo")
	if _, err := clientB.Sync(ctx); err != nil {
		t.Fatalf("B sync: %v", err)
	}

	// A has nothing new to push, but its last_known_version is now stale;
	// Sync must pull B's change via the PushRejected retry path (spec.md
	// §4.10) rather than erroring.
	if _, err := clientA.Sync(ctx); err != nil {
		t.Fatalf("A catch-up sync: %v", err)
	}

	err := aStore.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, err := tx.FetchRow(ctx, widgetType, 2)
		if err != nil {
			return err
		}
		if row["name"] != "Bravo" {
			t.Errorf("A's copy of row 2 = %v, want Bravo", row["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify A pulled B's row: %v", err)
	}
}
