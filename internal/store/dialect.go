// Package store binds the Tracking Registry and Operations Journal to a
// real SQL engine: pgx/v5 (via its database/sql driver) on the server,
// modernc.org/sqlite on the client — mirroring the teacher's dual-backend
// internal/storage factory pattern.
package store

import (
	"fmt"

	"github.com/bintlabs/go-sync-db/internal/registry"
)

// Dialect abstracts the small SQL differences between backends: positional
// placeholder syntax, DDL type names, and FK-check toggling (needed by the
// unique-constraint swap resolver, spec.md §4.8 step 3).
type Dialect interface {
	registry.Dialect
	DisableFKChecksSQL() []string
	EnableFKChecksSQL() []string
}

// Postgres is the server-side dialect (pgx/v5 driver, "$1"-style
// placeholders, deferred constraint toggling via session_replication_role).
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (Postgres) BookkeepingDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_versions (
			id BIGSERIAL PRIMARY KEY,
			created_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
			pushing_node TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_operations (
			seq BIGSERIAL PRIMARY KEY,
			order_idx BIGINT NOT NULL,
			kind CHAR(1) NOT NULL,
			content_type TEXT NOT NULL,
			row_pk BIGINT NOT NULL,
			version_id BIGINT NULL REFERENCES sync_versions(id),
			node_id TEXT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_version ON sync_operations(version_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_ref ON sync_operations(content_type, row_pk)`,
		`CREATE TABLE IF NOT EXISTS sync_nodes (
			id TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			registered_ts TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
}

func (Postgres) DisableFKChecksSQL() []string {
	return []string{`SET session_replication_role = 'replica'`}
}

func (Postgres) EnableFKChecksSQL() []string {
	return []string{`SET session_replication_role = 'origin'`}
}

// SQLite is the client-side dialect ("?"-style placeholders, autoincrement
// via INTEGER PRIMARY KEY, per-statement pragma-based FK toggling since
// SQLite has no session-scoped deferred constraints).
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Placeholder(i int) string { return "?" }

func (SQLite) BookkeepingDDL() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS sync_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_ts INTEGER NOT NULL,
			pushing_node TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_operations (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			order_idx INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content_type TEXT NOT NULL,
			row_pk INTEGER NOT NULL,
			version_id INTEGER NULL,
			node_id TEXT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_version ON sync_operations(version_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_operations_ref ON sync_operations(content_type, row_pk)`,
		`CREATE TABLE IF NOT EXISTS sync_client_state (
			node_id TEXT NOT NULL,
			secret TEXT NOT NULL,
			last_known_version INTEGER NOT NULL DEFAULT 0
		)`,
	}
}

func (SQLite) DisableFKChecksSQL() []string {
	return []string{`PRAGMA foreign_keys = OFF`}
}

func (SQLite) EnableFKChecksSQL() []string {
	return []string{`PRAGMA foreign_keys = ON`}
}
