package merge_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/merge"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

var gadgetType = registry.ContentType{
	ID:       "gadget",
	PKColumn: "id",
	Columns:  []string{"id", "name"},
}

func newMergeStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)

	s := store.New(db, store.SQLite{}, slog.Default())
	ctx := context.Background()
	if err := s.CreateAll(ctx); err != nil {
		t.Fatalf("create all: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE gadget (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("create gadget table: %v", err)
	}
	return s
}

func newMergeRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(gadgetType); err != nil {
		t.Fatalf("register gadget: %v", err)
	}
	return reg
}

// pullMessage builds a PullMessage directly from already-compressed
// operations, bypassing compress.Remote/BuildPull — merge.Run must not
// recompress a pull message's operations (syncmsg.PullMessage.Results).
func pullMessage(ops []syncmsg.OperationWire, payloads syncmsg.Payloads, latest int64) syncmsg.PullMessage {
	return syncmsg.PullMessage{LatestVersion: latest, Operations: ops, Payloads: payloads}
}

func insertOp(ref syncref.Ref, version int64) syncmsg.OperationWire {
	v := version
	return syncmsg.OperationWire{Order: 1, Kind: string(journal.Insert), Type: ref.ContentType, PK: ref.PK, Version: &v}
}

func updateOp(ref syncref.Ref, version int64) syncmsg.OperationWire {
	v := version
	return syncmsg.OperationWire{Order: 1, Kind: string(journal.Update), Type: ref.ContentType, PK: ref.PK, Version: &v}
}

func deleteOp(ref syncref.Ref, version int64) syncmsg.OperationWire {
	v := version
	return syncmsg.OperationWire{Order: 1, Kind: string(journal.Delete), Type: ref.ContentType, PK: ref.PK, Version: &v}
}

func TestRun_CleanRemoteInsertApplies(t *testing.T) {
	ctx := context.Background()
	reg := newMergeRegistry(t)
	s := newMergeStore(t)

	ref := syncref.New("gadget", 1)
	payloads := syncmsg.Payloads{}
	payloads.Put(ref, registry.Row{"id": int64(1), "name": "Widget"})
	pull := pullMessage([]syncmsg.OperationWire{insertOp(ref, 1)}, payloads, 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		version, err := merge.Run(ctx, tx, reg, j, pull, merge.DefaultPolicy{}, slog.Default())
		if err != nil {
			return err
		}
		if version != 1 {
			t.Fatalf("version = %d, want 1", version)
		}
		row, err := tx.FetchRow(ctx, gadgetType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "Widget" {
			t.Errorf("name = %v, want Widget", row["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_UpdateConflictDefaultPolicyKeepsLocal(t *testing.T) {
	ctx := context.Background()
	reg := newMergeRegistry(t)
	s := newMergeStore(t)

	ref := syncref.New("gadget", 1)

	// Seed the row and record a local (unversioned) update to it.
	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, gadgetType, registry.Row{"id": int64(1), "name": "Local"}); err != nil {
			return err
		}
		return store.NewSQLJournal(tx).Append(ctx, journal.Update, ref)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	payloads := syncmsg.Payloads{}
	payloads.Put(ref, registry.Row{"id": int64(1), "name": "Remote"})
	pull := pullMessage([]syncmsg.OperationWire{updateOp(ref, 1)}, payloads, 1)

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		_, err := merge.Run(ctx, tx, reg, j, pull, merge.DefaultPolicy{}, slog.Default())
		if err != nil {
			return err
		}
		row, err := tx.FetchRow(ctx, gadgetType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "Local" {
			t.Errorf("name = %v, want Local (default policy keeps local on update/update conflict)", row["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_DeleteVsDeleteIsNoOpAndClearsLocalJournal(t *testing.T) {
	ctx := context.Background()
	reg := newMergeRegistry(t)
	s := newMergeStore(t)

	ref := syncref.New("gadget", 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, gadgetType, registry.Row{"id": int64(1), "name": "Gone"}); err != nil {
			return err
		}
		if err := tx.DeleteRow(ctx, gadgetType, 1); err != nil {
			return err
		}
		return store.NewSQLJournal(tx).Append(ctx, journal.Delete, ref)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	pull := pullMessage([]syncmsg.OperationWire{deleteOp(ref, 1)}, syncmsg.Payloads{}, 1)

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		if _, err := merge.Run(ctx, tx, reg, j, pull, merge.DefaultPolicy{}, slog.Default()); err != nil {
			return err
		}
		unversioned, err := j.IterUnversioned(ctx)
		if err != nil {
			return err
		}
		if len(unversioned) != 0 {
			t.Errorf("unversioned journal = %v, want empty (delete/delete rule 4 clears the local entry)", unversioned)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_InsertCollisionReallocatesRemotePK(t *testing.T) {
	ctx := context.Background()
	reg := newMergeRegistry(t)
	s := newMergeStore(t)

	ref := syncref.New("gadget", 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, gadgetType, registry.Row{"id": int64(1), "name": "LocalNew"}); err != nil {
			return err
		}
		return store.NewSQLJournal(tx).Append(ctx, journal.Insert, ref)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	payloads := syncmsg.Payloads{}
	payloads.Put(ref, registry.Row{"id": int64(1), "name": "RemoteNew"})
	pull := pullMessage([]syncmsg.OperationWire{insertOp(ref, 1)}, payloads, 1)

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		if _, err := merge.Run(ctx, tx, reg, j, pull, merge.DefaultPolicy{}, slog.Default()); err != nil {
			return err
		}
		// the local row at pk 1 must be untouched...
		row, err := tx.FetchRow(ctx, gadgetType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "LocalNew" {
			t.Errorf("local row 1 name = %v, want LocalNew", row["name"])
		}
		// ...and the remote insert reallocated to maxPK+1 = 2.
		row2, err := tx.FetchRow(ctx, gadgetType, 2)
		if err != nil {
			return err
		}
		if row2["name"] != "RemoteNew" {
			t.Errorf("reallocated row 2 name = %v, want RemoteNew", row2["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}
