package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
)

// cityContentType is a minimal tracked table used only by this test — a
// self-contained schema rather than a real migration, mirroring the
// teacher's own testcontainers-backed repository tests.
var cityContentType = registry.ContentType{
	ID:                "city",
	PKColumn:          "id",
	Columns:           []string{"id", "name", "country_id"},
	ForeignKeys:       []registry.ForeignKey{{Column: "country_id", TargetType: "country"}},
	UniqueConstraints: [][]string{{"name"}},
}

var countryContentType = registry.ContentType{
	ID:       "country",
	PKColumn: "id",
	Columns:  []string{"id", "name"},
}

func setupPostgresStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("go_sync_db_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("terminate postgres container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %s", err)
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %s", err)
	}

	schema := `
	CREATE TABLE country (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL
	);
	CREATE TABLE city (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		country_id BIGINT NOT NULL REFERENCES country(id)
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		t.Fatalf("create schema: %s", err)
	}

	s := store.New(db, store.Postgres{}, nil)
	if err := s.CreateAll(ctx); err != nil {
		t.Fatalf("create all: %s", err)
	}
	return s
}

func TestStore_RowCRUD(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, countryContentType, registry.Row{"id": int64(1), "name": "Wonderland"}); err != nil {
			return err
		}
		return tx.InsertRow(ctx, cityContentType, registry.Row{"id": int64(1), "name": "Looking-Glass", "country_id": int64(1)})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, err := tx.FetchRow(ctx, cityContentType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "Looking-Glass" {
			t.Errorf("name = %v, want Looking-Glass", row["name"])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.UpdateRow(ctx, cityContentType, registry.Row{"id": int64(1), "name": "Tulgey Wood", "country_id": int64(1)})
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, err := tx.FetchRow(ctx, cityContentType, 1)
		if err != nil {
			return err
		}
		if row["name"] != "Tulgey Wood" {
			t.Errorf("name after update = %v, want Tulgey Wood", row["name"])
		}
		max, err := tx.MaxPK(ctx, cityContentType)
		if err != nil {
			return err
		}
		if max != 1 {
			t.Errorf("max pk = %d, want 1", max)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify update: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.DeleteRow(ctx, cityContentType, 1)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.FetchRow(ctx, cityContentType, 1)
		return err
	})
	if err != store.ErrRowNotFound {
		t.Fatalf("fetch after delete: got %v, want ErrRowNotFound", err)
	}
}

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	if err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return tx.InsertRow(ctx, countryContentType, registry.Row{"id": int64(2), "name": "Nowhere"})
	}); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	sentinel := sql.ErrNoRows
	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, cityContentType, registry.Row{"id": int64(2), "name": "Underland", "country_id": int64(2)}); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("WithTx error = %v, want sentinel", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		_, err := tx.FetchRow(ctx, cityContentType, 2)
		return err
	})
	if err != store.ErrRowNotFound {
		t.Fatalf("row from rolled-back tx should not exist, got %v", err)
	}
}

func TestStore_FindByUniqueAndFKChecks(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, countryContentType, registry.Row{"id": int64(3), "name": "Elsewhere"}); err != nil {
			return err
		}
		return tx.InsertRow(ctx, cityContentType, registry.Row{"id": int64(3), "name": "Mock Turtle Bay", "country_id": int64(3)})
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		row, ok, err := tx.FindByUnique(ctx, cityContentType, []string{"name"}, []any{"Mock Turtle Bay"}, 0)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected a match")
		}
		if row["id"] != int64(3) {
			t.Errorf("matched row id = %v, want 3", row["id"])
		}
		_, ok, err = tx.FindByUnique(ctx, cityContentType, []string{"name"}, []any{"Mock Turtle Bay"}, 3)
		if err != nil {
			return err
		}
		if ok {
			t.Error("excludePK should have excluded the only match")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("find by unique: %v", err)
	}

	// With FK checks disabled, a city row can be deleted and reinserted
	// with a dangling country_id mid-transaction — the swap resolver's
	// delete-then-reinsert pattern (spec.md §4.8 step 3).
	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.SetFKChecks(ctx, false); err != nil {
			return err
		}
		if err := tx.DeleteRow(ctx, cityContentType, 3); err != nil {
			return err
		}
		if err := tx.InsertRow(ctx, cityContentType, registry.Row{"id": int64(3), "name": "Mock Turtle Bay", "country_id": int64(999)}); err != nil {
			return err
		}
		if err := tx.SetFKChecks(ctx, true); err != nil {
			return err
		}
		// Fix the dangling reference before commit so the enabled FK check passes.
		return tx.UpdateRow(ctx, cityContentType, registry.Row{"id": int64(3), "name": "Mock Turtle Bay", "country_id": int64(3)})
	})
	if err != nil {
		t.Fatalf("fk toggle round trip: %v", err)
	}
}

func TestStore_FetchAll(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if err := tx.InsertRow(ctx, countryContentType, registry.Row{"id": int64(4), "name": "Over There"}); err != nil {
			return err
		}
		for i, name := range []string{"Tweedledum", "Tweedledee"} {
			row := registry.Row{"id": int64(10 + i), "name": name, "country_id": int64(4)}
			if err := tx.InsertRow(ctx, cityContentType, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		rows, err := tx.FetchAll(ctx, cityContentType)
		if err != nil {
			return err
		}
		if len(rows) != 2 {
			t.Errorf("len(rows) = %d, want 2", len(rows))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fetch all: %v", err)
	}
}
