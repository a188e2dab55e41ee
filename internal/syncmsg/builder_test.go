package syncmsg_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

var widgetType = registry.ContentType{
	ID:       "widget",
	PKColumn: "id",
	Columns:  []string{"id", "name"},
}

func newBuilderStore(t *testing.T) *store.Store {
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
	if _, err := db.ExecContext(ctx, `CREATE TABLE widget (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		t.Fatalf("create widget table: %v", err)
	}
	return s
}

func newBuilderRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(widgetType); err != nil {
		t.Fatalf("register widget: %v", err)
	}
	return reg
}

// TestBuildPush_CompactsSurvivingRefToOneJournalEntry confirms BuildPush
// installs the local compression result back into the journal (spec.md
// §4.2's compact(rules)) rather than leaving the pre-compaction sequence of
// entries sitting in the unversioned partition.
func TestBuildPush_CompactsSurvivingRefToOneJournalEntry(t *testing.T) {
	ctx := context.Background()
	reg := newBuilderRegistry(t)
	s := newBuilderStore(t)
	ref := syncref.New("widget", 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, widgetType, registry.Row{"id": int64(1), "name": "v1"}); err != nil {
			return err
		}
		j := store.NewSQLJournal(tx)
		if err := j.Append(ctx, journal.Insert, ref); err != nil {
			return err
		}
		if err := tx.UpdateRow(ctx, widgetType, registry.Row{"id": int64(1), "name": "v2"}); err != nil {
			return err
		}
		if err := j.Append(ctx, journal.Update, ref); err != nil {
			return err
		}
		if err := tx.UpdateRow(ctx, widgetType, registry.Row{"id": int64(1), "name": "v3"}); err != nil {
			return err
		}
		return j.Append(ctx, journal.Update, ref)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		msg, warnings, err := syncmsg.BuildPush(ctx, tx, reg, j, "node-1", 0)
		if err != nil {
			return err
		}
		if len(warnings) != 0 {
			t.Errorf("warnings = %v, want none", warnings)
		}
		if len(msg.Operations) != 1 || msg.Operations[0].Kind != string(journal.Insert) {
			t.Errorf("push operations = %+v, want single compacted insert", msg.Operations)
		}

		unversioned, err := j.IterUnversioned(ctx)
		if err != nil {
			return err
		}
		if len(unversioned) != 1 || unversioned[0].Kind != journal.Insert {
			t.Errorf("journal after BuildPush = %+v, want exactly one compacted insert entry", unversioned)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("build push: %v", err)
	}
}

// TestBuildPush_NetNoOpRefIsDroppedFromJournal confirms an insert-then-delete
// sequence that never left the client (Keep=false) is actually removed from
// the unversioned journal instead of lingering there indefinitely — the bug
// that made Journal.Replace otherwise unreachable.
func TestBuildPush_NetNoOpRefIsDroppedFromJournal(t *testing.T) {
	ctx := context.Background()
	reg := newBuilderRegistry(t)
	s := newBuilderStore(t)
	ref := syncref.New("widget", 1)

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, widgetType, registry.Row{"id": int64(1), "name": "v1"}); err != nil {
			return err
		}
		j := store.NewSQLJournal(tx)
		if err := j.Append(ctx, journal.Insert, ref); err != nil {
			return err
		}
		if err := tx.DeleteRow(ctx, widgetType, 1); err != nil {
			return err
		}
		return j.Append(ctx, journal.Delete, ref)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		msg, _, err := syncmsg.BuildPush(ctx, tx, reg, j, "node-1", 0)
		if err != nil {
			return err
		}
		if len(msg.Operations) != 0 {
			t.Errorf("push operations = %+v, want none (net no-op ref)", msg.Operations)
		}

		unversioned, err := j.IterUnversioned(ctx)
		if err != nil {
			return err
		}
		if len(unversioned) != 0 {
			t.Errorf("journal after BuildPush = %+v, want empty (no-op ref must be dropped, not left behind)", unversioned)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("build push: %v", err)
	}
}
