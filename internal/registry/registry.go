// Package registry implements the Tracking Registry: a process-wide map of
// tracked content types, their primary-key column, outgoing foreign-key
// edges, and unique constraints. It must be fully populated before
// Registry.CreateAll runs, and is read-only afterwards (§5 of the design —
// the in-memory registry is the only component not guarded by store
// transactions, because nothing mutates it after startup).
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// Row is a single tracked row, column name to value. Values are whatever the
// underlying database/sql driver produces/accepts for that column.
type Row map[string]any

// ForeignKey describes an outgoing edge col -> Ref(targetType, row[col]).
type ForeignKey struct {
	Column     string
	TargetType string
}

// ContentType is a registered table description.
type ContentType struct {
	// ID is the short, stable identifier used on the wire (e.g. "city").
	ID string

	// Table is the physical table name (defaults to ID if empty).
	Table string

	// PKColumn is the primary key column name. Primary keys must be
	// integers, never reused, never semantic (spec.md §1, §3).
	PKColumn string

	// Columns is the ordered list of all columns, including the PK.
	Columns []string

	// ForeignKeys lists outgoing edges used by conflict detection (§4.6).
	ForeignKeys []ForeignKey

	// UniqueConstraints lists non-PK unique column sets used by swap
	// resolution (§4.8). Each entry is a nonempty set of column names.
	UniqueConstraints [][]string
}

func (ct ContentType) tableName() string {
	if ct.Table != "" {
		return ct.Table
	}
	return ct.ID
}

func (ct ContentType) equal(other ContentType) bool {
	if ct.ID != other.ID || ct.tableName() != other.tableName() || ct.PKColumn != other.PKColumn {
		return false
	}
	if len(ct.Columns) != len(other.Columns) {
		return false
	}
	for i := range ct.Columns {
		if ct.Columns[i] != other.Columns[i] {
			return false
		}
	}
	if len(ct.ForeignKeys) != len(other.ForeignKeys) {
		return false
	}
	for i := range ct.ForeignKeys {
		if ct.ForeignKeys[i] != other.ForeignKeys[i] {
			return false
		}
	}
	if len(ct.UniqueConstraints) != len(other.UniqueConstraints) {
		return false
	}
	for i := range ct.UniqueConstraints {
		if len(ct.UniqueConstraints[i]) != len(other.UniqueConstraints[i]) {
			return false
		}
		for j := range ct.UniqueConstraints[i] {
			if ct.UniqueConstraints[i][j] != other.UniqueConstraints[i][j] {
				return false
			}
		}
	}
	return true
}

func (ct ContentType) validate() error {
	if ct.ID == "" {
		return fmt.Errorf("content type id cannot be empty")
	}
	if ct.PKColumn == "" {
		return fmt.Errorf("content type %q: primary key column cannot be empty", ct.ID)
	}
	hasPK := false
	for _, c := range ct.Columns {
		if c == ct.PKColumn {
			hasPK = true
			break
		}
	}
	if !hasPK {
		return fmt.Errorf("content type %q: columns must include primary key column %q", ct.ID, ct.PKColumn)
	}
	for _, uc := range ct.UniqueConstraints {
		if len(uc) == 0 {
			return fmt.Errorf("content type %q: unique constraint cannot be empty", ct.ID)
		}
	}
	return nil
}

// PKOf reads the primary key out of a row, coercing the common integer
// representations a database/sql driver may hand back (int64, int, and the
// sqlite driver's occasional float64 via JSON round-trips in tests).
func (ct ContentType) PKOf(row Row) (int64, error) {
	v, ok := row[ct.PKColumn]
	if !ok {
		return 0, fmt.Errorf("content type %q: row missing primary key column %q", ct.ID, ct.PKColumn)
	}
	pk, err := CoercePK(v)
	if err != nil {
		return 0, fmt.Errorf("content type %q: primary key column %q: %w", ct.ID, ct.PKColumn, err)
	}
	return pk, nil
}

// CoercePK normalizes the common integer representations a database/sql
// driver (or a JSON round-trip, in tests) may hand back for a primary key
// column into an int64.
func CoercePK(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("non-integer value %v (%T)", v, v)
	}
}

// Ref builds the Ref for a row of this content type.
func (ct ContentType) Ref(row Row) (syncref.Ref, error) {
	pk, err := ct.PKOf(row)
	if err != nil {
		return syncref.Ref{}, err
	}
	return syncref.New(ct.ID, pk), nil
}

// Registry is the process-wide tracked content type map. Registration is
// idempotent: registering the same ID with an identical definition is a
// no-op, registering the same ID with a different definition is a
// ConfigError.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ContentType
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{types: make(map[string]ContentType)}
}

// Register adds a content type. See Registry's doc comment for idempotence
// rules. Must be called before CreateAll.
func (r *Registry) Register(ct ContentType) error {
	if err := ct.validate(); err != nil {
		return &syncerr.ConfigError{Reason: err.Error()}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[ct.ID]; ok {
		if existing.equal(ct) {
			return nil
		}
		return &syncerr.ConfigError{
			Reason: fmt.Sprintf("content type %q already registered with a different definition", ct.ID),
		}
	}
	r.types[ct.ID] = ct
	return nil
}

// Get looks up a content type by id.
func (r *Registry) Get(id string) (ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[id]
	return ct, ok
}

// MustGet looks up a content type by id, returning a ConfigError suitable
// for fatal propagation when the type is unknown. Per spec.md §4.1, failing
// to find a referenced content type at merge time is fatal.
func (r *Registry) MustGet(id string) (ContentType, error) {
	ct, ok := r.Get(id)
	if !ok {
		return ContentType{}, &syncerr.ConfigError{Reason: fmt.Sprintf("unknown content type %q", id)}
	}
	return ct, nil
}

// All returns every registered content type, sorted by id for deterministic
// iteration (used by CreateAll and diagnostics).
func (r *Registry) All() []ContentType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ContentType, 0, len(r.types))
	for _, ct := range r.types {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SchemaExecer runs the DDL statements CreateAll needs. Implemented by the
// store adapters in internal/store.
type SchemaExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) error
}

// CreateAll materializes the Operations Journal table and Version ledger
// table in the underlying store (spec.md §4.1). It does NOT create the
// tracked application tables themselves — those belong to the relational
// store, an out-of-scope external collaborator (spec.md §1) managed by the
// application's own schema migrations. CreateAll is idempotent: calling it
// any number of times leaves the tables unchanged after the first (the DDL
// uses CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func (r *Registry) CreateAll(ctx context.Context, exec SchemaExecer, dialect Dialect) error {
	for _, stmt := range dialect.BookkeepingDDL() {
		if err := exec.ExecContext(ctx, stmt); err != nil {
			return &syncerr.ConfigError{Reason: fmt.Sprintf("create_all: %v", err)}
		}
	}
	return nil
}

// Dialect abstracts the small SQL differences between the server's
// PostgreSQL store and the client's SQLite store (placeholder style and a
// couple of DDL type names). See internal/store for the two
// implementations.
type Dialect interface {
	// Placeholder returns the positional parameter marker for argument
	// index i (1-based), e.g. "$1" for postgres, "?" for sqlite.
	Placeholder(i int) string
	// BookkeepingDDL returns the CREATE TABLE/INDEX statements for the
	// journal, version ledger, and node tables.
	BookkeepingDDL() []string
	// Name identifies the dialect for logging ("postgres", "sqlite").
	Name() string
}
