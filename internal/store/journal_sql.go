package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// SQLJournal implements journal.Journal against the sync_operations
// bookkeeping table created by registry.CreateAll. One SQLJournal is bound
// to a single *Tx — callers construct a fresh one per store transaction,
// which is what makes "append inside the same transaction as the mutation"
// (spec.md §4.2) automatic rather than a documented caller obligation.
type SQLJournal struct {
	tx *Tx
	// NodeID, when set, is stamped onto entries as they're assigned a
	// version (server-side only — tags which node's push produced the
	// entry, for diagnostics; spec.md §4.3).
	NodeID string
}

// NewSQLJournal binds a journal to tx.
func NewSQLJournal(tx *Tx) *SQLJournal { return &SQLJournal{tx: tx} }

func (j *SQLJournal) nextOrder(ctx context.Context) (int64, error) {
	var max int64
	row := j.tx.QueryRow(ctx, "SELECT COALESCE(MAX(order_idx), 0) FROM sync_operations")
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("next order: %w", err)
	}
	return max + 1, nil
}

// Append records one operation in the unversioned partition.
func (j *SQLJournal) Append(ctx context.Context, kind journal.OpKind, ref syncref.Ref) error {
	if !kind.Valid() {
		return fmt.Errorf("journal: invalid op kind %q", kind)
	}
	order, err := j.nextOrder(ctx)
	if err != nil {
		return err
	}
	ph := j.tx.dialect.Placeholder
	query := fmt.Sprintf(
		"INSERT INTO sync_operations (order_idx, kind, content_type, row_pk, version_id, created_at) VALUES (%s, %s, %s, %s, NULL, %s)",
		ph(1), ph(2), ph(3), ph(4), ph(5))
	_, err = j.tx.Exec(ctx, query, order, string(kind), ref.ContentType, ref.PK, timestampArg(j.tx.dialect))
	if err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

// timestampArg renders "now" in whatever shape each dialect's created_at
// column expects (TIMESTAMPTZ accepts a time.Time; SQLite's INTEGER column
// stores Unix millis).
func timestampArg(d Dialect) any {
	if d.Name() == "sqlite" {
		return time.Now().UnixMilli()
	}
	return time.Now()
}

func (j *SQLJournal) scanOps(ctx context.Context, query string, args ...any) ([]journal.Operation, error) {
	rows, err := j.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()
	var ops []journal.Operation
	for rows.Next() {
		var order, pk int64
		var kind, contentType string
		var version *int64
		if err := rows.Scan(&order, &kind, &contentType, &pk, &version); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		ops = append(ops, journal.Operation{
			Order:   order,
			Kind:    journal.OpKind(kind),
			Ref:     syncref.New(contentType, pk),
			Version: version,
		})
	}
	return ops, rows.Err()
}

// IterUnversioned returns the unversioned partition ordered by append order.
func (j *SQLJournal) IterUnversioned(ctx context.Context) ([]journal.Operation, error) {
	return j.scanOps(ctx, "SELECT order_idx, kind, content_type, row_pk, version_id FROM sync_operations WHERE version_id IS NULL ORDER BY order_idx ASC")
}

// IterSince returns every versioned entry newer than sinceVersion.
func (j *SQLJournal) IterSince(ctx context.Context, sinceVersion int64) ([]journal.Operation, error) {
	ph := j.tx.dialect.Placeholder(1)
	query := fmt.Sprintf("SELECT order_idx, kind, content_type, row_pk, version_id FROM sync_operations WHERE version_id IS NOT NULL AND version_id > %s ORDER BY version_id ASC, order_idx ASC", ph)
	return j.scanOps(ctx, query, sinceVersion)
}

func refConds(dialect Dialect, refs []syncref.Ref, startArg int) (string, []any) {
	conds := make([]string, len(refs))
	args := make([]any, 0, len(refs)*2)
	n := startArg
	for i, r := range refs {
		conds[i] = fmt.Sprintf("(content_type = %s AND row_pk = %s)", dialect.Placeholder(n), dialect.Placeholder(n+1))
		args = append(args, r.ContentType, r.PK)
		n += 2
	}
	return strings.Join(conds, " OR "), args
}

// Drop removes unversioned entries for the given refs.
func (j *SQLJournal) Drop(ctx context.Context, refs []syncref.Ref) error {
	if len(refs) == 0 {
		return nil
	}
	cond, args := refConds(j.tx.dialect, refs, 1)
	query := fmt.Sprintf("DELETE FROM sync_operations WHERE version_id IS NULL AND (%s)", cond)
	_, err := j.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("journal drop: %w", err)
	}
	return nil
}

// Replace swaps every unversioned entry for ref with a single compacted
// entry (or none, if kept is nil) — the compression engine's output.
func (j *SQLJournal) Replace(ctx context.Context, ref syncref.Ref, kept *journal.Operation) error {
	if err := j.Drop(ctx, []syncref.Ref{ref}); err != nil {
		return err
	}
	if kept == nil {
		return nil
	}
	return j.Append(ctx, kept.Kind, ref)
}

// AssignVersions tags every unversioned entry for the given refs with
// version, moving them into the versioned partition.
func (j *SQLJournal) AssignVersions(ctx context.Context, refs []syncref.Ref, version int64) error {
	if len(refs) == 0 {
		return nil
	}
	cond, args := refConds(j.tx.dialect, refs, 3)
	query := fmt.Sprintf("UPDATE sync_operations SET version_id = %s, node_id = %s WHERE version_id IS NULL AND (%s)",
		j.tx.dialect.Placeholder(1), j.tx.dialect.Placeholder(2), cond)
	full := append([]any{version, nullableString(j.NodeID)}, args...)
	_, err := j.tx.Exec(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("journal assign versions: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
