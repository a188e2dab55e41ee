package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bintlabs/go-sync-db/internal/registry"
)

// ErrRowNotFound is returned by FetchRow when no row matches (FindByUnique
// reports the same case as ok=false instead) — not a store malfunction, the common "this ref no longer
// exists" case callers branch on (e.g. merge fetch from DB after a local
// delete).
var ErrRowNotFound = errors.New("store: row not found")

// Execer is the minimal surface both *sql.DB and *sql.Tx satisfy; used so
// RowStore methods work identically inside or outside a transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a *sql.DB (backed by pgx/v5's stdlib driver on the server, or
// modernc.org/sqlite on the client) and implements RowStore generically
// from registry.ContentType metadata — the same code path serves every
// tracked table without per-table boilerplate.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
	Logger  *slog.Logger
}

// New wraps an already-opened *sql.DB.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{DB: db, Dialect: dialect, Logger: logger}
}

// CreateAll materializes the journal and version bookkeeping tables, plus
// the node table on Postgres or the client state table on SQLite.
func (s *Store) CreateAll(ctx context.Context) error {
	reg := registry.New() // only used to reach the shared CreateAll DDL runner
	return reg.CreateAll(ctx, execAdapter{s.DB}, s.Dialect)
}

type execAdapter struct{ db *sql.DB }

func (e execAdapter) ExecContext(ctx context.Context, query string, args ...any) error {
	_, err := e.db.ExecContext(ctx, query, args...)
	return err
}

// Tx is a RowStore bound to one *sql.Tx, handed to callers by WithTx.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
}

// WithTx runs fn inside a single store transaction, committing on success
// and rolling back on error or panic. Every multi-step sync operation
// (push apply, merge, repair) runs inside one WithTx call so that a failure
// at any point leaves the store exactly as it was (spec.md §7 policy).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(ctx, &Tx{tx: sqlTx, dialect: s.Dialect}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.Logger.Error("rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}
	return sqlTx.Commit()
}

func columnList(cols []string) string { return strings.Join(cols, ", ") }

func placeholders(dialect Dialect, from, n int) []string {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = dialect.Placeholder(from + i)
	}
	return out
}

// FetchRow reads one row by primary key. Returns ErrRowNotFound if absent.
func (t *Tx) FetchRow(ctx context.Context, ct registry.ContentType, pk int64) (registry.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		columnList(ct.Columns), ct.Table, ct.PKColumn, t.dialect.Placeholder(1))
	return t.scanOne(ctx, query, ct.Columns, pk)
}

// FindByUnique looks for a row whose given columns equal values, excluding
// the row identified by excludePK (spec.md §4.8 step 1). ok is false if no
// such row exists.
func (t *Tx) FindByUnique(ctx context.Context, ct registry.ContentType, columns []string, values []any, excludePK int64) (registry.Row, bool, error) {
	conds := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	for i, c := range columns {
		conds = append(conds, fmt.Sprintf("%s = %s", c, t.dialect.Placeholder(i+1)))
		args = append(args, values[i])
	}
	conds = append(conds, fmt.Sprintf("%s <> %s", ct.PKColumn, t.dialect.Placeholder(len(columns)+1)))
	args = append(args, excludePK)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(ct.Columns), ct.Table, strings.Join(conds, " AND "))
	row, err := t.scanOne(ctx, query, ct.Columns, args...)
	if errors.Is(err, ErrRowNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (t *Tx) scanOne(ctx context.Context, query string, cols []string, args ...any) (registry.Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrRowNotFound
	}
	row, err := scanRow(rows, cols)
	if err != nil {
		return nil, err
	}
	return row, rows.Err()
}

func scanRow(rows *sql.Rows, cols []string) (registry.Row, error) {
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	row := make(registry.Row, len(cols))
	for i, c := range cols {
		row[c] = dest[i]
	}
	return row, nil
}

// FetchAll reads every row of a tracked table, ordered by primary key. Used
// by the repair snapshot (spec.md §4.9 repair), which ships a full table
// dump rather than an incremental operation list.
func (t *Tx) FetchAll(ctx context.Context, ct registry.ContentType) ([]registry.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", columnList(ct.Columns), ct.Table, ct.PKColumn)
	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch all %s: %w", ct.ID, err)
	}
	defer rows.Close()
	var out []registry.Row
	for rows.Next() {
		row, err := scanRow(rows, ct.Columns)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertRow inserts a new tracked row.
func (t *Tx) InsertRow(ctx context.Context, ct registry.ContentType, row registry.Row) error {
	args := make([]any, len(ct.Columns))
	for i, c := range ct.Columns {
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ct.Table, columnList(ct.Columns), strings.Join(placeholders(t.dialect, 1, len(ct.Columns)), ", "))
	_, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert %s: %w", ct.ID, err)
	}
	return nil
}

// UpdateRow overwrites every non-PK column of an existing tracked row.
func (t *Tx) UpdateRow(ctx context.Context, ct registry.ContentType, row registry.Row) error {
	setCols := make([]string, 0, len(ct.Columns)-1)
	args := make([]any, 0, len(ct.Columns))
	i := 1
	for _, c := range ct.Columns {
		if c == ct.PKColumn {
			continue
		}
		setCols = append(setCols, fmt.Sprintf("%s = %s", c, t.dialect.Placeholder(i)))
		args = append(args, row[c])
		i++
	}
	pk, err := ct.PKOf(row)
	if err != nil {
		return err
	}
	args = append(args, pk)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		ct.Table, strings.Join(setCols, ", "), ct.PKColumn, t.dialect.Placeholder(i))
	_, err = t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s#%d: %w", ct.ID, pk, err)
	}
	return nil
}

// DeleteRow removes a tracked row by primary key.
func (t *Tx) DeleteRow(ctx context.Context, ct registry.ContentType, pk int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", ct.Table, ct.PKColumn, t.dialect.Placeholder(1))
	_, err := t.tx.ExecContext(ctx, query, pk)
	if err != nil {
		return fmt.Errorf("delete %s#%d: %w", ct.ID, pk, err)
	}
	return nil
}

// MaxPK returns the current maximum primary key for a tracked table, used
// by the insert/insert resolution rule (spec.md §4.7 rule 3: allocate the
// successor of current max pk).
func (t *Tx) MaxPK(ctx context.Context, ct registry.ContentType) (int64, error) {
	query := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) FROM %s", ct.PKColumn, ct.Table)
	var max int64
	if err := t.tx.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return 0, fmt.Errorf("max pk %s: %w", ct.ID, err)
	}
	return max, nil
}

// SetFKChecks toggles foreign-key enforcement for the unique-constraint
// swap resolver (spec.md §4.8 step 3), which must delete-then-reinsert rows
// that reference each other.
func (t *Tx) SetFKChecks(ctx context.Context, enabled bool) error {
	stmts := t.dialect.EnableFKChecksSQL()
	if !enabled {
		stmts = t.dialect.DisableFKChecksSQL()
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("toggle fk checks: %w", err)
		}
	}
	return nil
}

// Exec runs a raw statement inside the transaction (used by the journal
// and ledger SQL adapters, which live in this package too).
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// Query runs a raw query inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRow runs a raw single-row query inside the transaction.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Raw exposes the underlying *sql.Tx for callers that need it directly
// (e.g. pgx-specific batching); prefer the typed helpers above otherwise.
func (t *Tx) Raw() *sql.Tx { return t.tx }
