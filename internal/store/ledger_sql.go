package store

import (
	"context"
	"fmt"

	"github.com/bintlabs/go-sync-db/internal/ledger"
)

// SQLLedger implements ledger.Ledger against the sync_versions table.
// Like SQLJournal, it is bound to a single *Tx so that assigning a version
// is part of the same atomic commit as applying the push it belongs to.
type SQLLedger struct {
	tx *Tx
}

func NewSQLLedger(tx *Tx) *SQLLedger { return &SQLLedger{tx: tx} }

// Assign allocates the next version id and records it.
func (l *SQLLedger) Assign(ctx context.Context, pushingNode string) (ledger.Version, error) {
	d := l.tx.dialect
	switch d.Name() {
	case "postgres":
		var id int64
		query := fmt.Sprintf("INSERT INTO sync_versions (pushing_node) VALUES (%s) RETURNING id", d.Placeholder(1))
		if err := l.tx.QueryRow(ctx, query, pushingNode).Scan(&id); err != nil {
			return ledger.Version{}, fmt.Errorf("assign version: %w", err)
		}
		return ledger.Version{ID: id, PushingNode: pushingNode}, nil
	default: // sqlite: no RETURNING support guaranteed across driver versions, insert then read last id
		query := fmt.Sprintf("INSERT INTO sync_versions (pushing_node, created_ts) VALUES (%s, %s)", d.Placeholder(1), d.Placeholder(2))
		res, err := l.tx.Exec(ctx, query, pushingNode, timestampArg(d))
		if err != nil {
			return ledger.Version{}, fmt.Errorf("assign version: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return ledger.Version{}, fmt.Errorf("assign version: last insert id: %w", err)
		}
		return ledger.Version{ID: id, PushingNode: pushingNode}, nil
	}
}

// Current returns the highest assigned version id, or 0 if none exist.
func (l *SQLLedger) Current(ctx context.Context) (int64, error) {
	var id int64
	row := l.tx.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) FROM sync_versions")
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("current version: %w", err)
	}
	return id, nil
}

// SQLClientState implements ledger.ClientStateStore against the
// single-row sync_client_state table used on the client side (spec.md
// §4.3's client bookkeeping).
type SQLClientState struct {
	tx *Tx
}

func NewSQLClientState(tx *Tx) *SQLClientState { return &SQLClientState{tx: tx} }

func (c *SQLClientState) Load(ctx context.Context) (ledger.ClientState, error) {
	row := c.tx.QueryRow(ctx, "SELECT node_id, secret, last_known_version FROM sync_client_state LIMIT 1")
	var state ledger.ClientState
	if err := row.Scan(&state.NodeID, &state.Secret, &state.LastKnownVersion); err != nil {
		return ledger.ClientState{}, fmt.Errorf("load client state: %w", err)
	}
	return state, nil
}

func (c *SQLClientState) Save(ctx context.Context, state ledger.ClientState) error {
	if _, err := c.tx.Exec(ctx, "DELETE FROM sync_client_state"); err != nil {
		return fmt.Errorf("save client state: %w", err)
	}
	d := c.tx.dialect
	query := fmt.Sprintf("INSERT INTO sync_client_state (node_id, secret, last_known_version) VALUES (%s, %s, %s)",
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	if _, err := c.tx.Exec(ctx, query, state.NodeID, state.Secret, state.LastKnownVersion); err != nil {
		return fmt.Errorf("save client state: %w", err)
	}
	return nil
}
