package lock_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bintlabs/go-sync-db/internal/infrastructure/lock"
)

func setupPostgresDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping testcontainers-backed postgres test in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("go_sync_db_lock_test"),
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
	db.SetMaxOpenConns(5)
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %s", err)
	}
	return db
}

func TestAdvisoryLock_ExcludesConcurrentHolder(t *testing.T) {
	db := setupPostgresDB(t)
	ctx := context.Background()

	l1 := lock.NewAdvisoryLock(db, "test-write-lock", nil)
	acquired, err := l1.Acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("l1.Acquire() = %v, %v", acquired, err)
	}

	l2 := lock.NewAdvisoryLock(db, "test-write-lock", nil)
	tryCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := l2.Acquire(tryCtx)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("l2.Acquire should have blocked while l1 holds the lock")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("l2.Acquire neither returned nor errored in time")
	}

	if err := l1.Release(ctx); err != nil {
		t.Fatalf("l1.Release() error = %v", err)
	}

	acquired, err = l2.Acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("l2.Acquire() after release = %v, %v", acquired, err)
	}
	if err := l2.Release(ctx); err != nil {
		t.Fatalf("l2.Release() error = %v", err)
	}
}

func TestAdvisoryLock_ReleaseWithoutAcquireIsNoOp(t *testing.T) {
	db := setupPostgresDB(t)
	l := lock.NewAdvisoryLock(db, "unused-lock", nil)
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("Release() on a never-acquired lock = %v, want nil", err)
	}
}
