package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bintlabs/go-sync-db/internal/node"
)

// SQLNodeRegistry implements node.Registry against the sync_nodes table
// (server-side only — clients never register other clients).
type SQLNodeRegistry struct {
	tx *Tx
}

func NewSQLNodeRegistry(tx *Tx) *SQLNodeRegistry { return &SQLNodeRegistry{tx: tx} }

func (r *SQLNodeRegistry) Register(ctx context.Context, name string) (node.Credentials, error) {
	creds, err := node.NewCredentials()
	if err != nil {
		return node.Credentials{}, err
	}
	if name != "" {
		// Re-registration: reuse the caller-chosen identifier but rotate
		// the secret, replacing any prior row for it (spec.md §4.4).
		creds.NodeID = name
		d := r.tx.dialect
		del := fmt.Sprintf("DELETE FROM sync_nodes WHERE id = %s", d.Placeholder(1))
		if _, err := r.tx.Exec(ctx, del, name); err != nil {
			return node.Credentials{}, fmt.Errorf("register node: %w", err)
		}
	}
	d := r.tx.dialect
	insert := fmt.Sprintf("INSERT INTO sync_nodes (id, secret) VALUES (%s, %s)", d.Placeholder(1), d.Placeholder(2))
	if _, err := r.tx.Exec(ctx, insert, creds.NodeID, creds.Secret); err != nil {
		return node.Credentials{}, fmt.Errorf("register node: %w", err)
	}
	return creds, nil
}

func (r *SQLNodeRegistry) IsRegistered(ctx context.Context, nodeID string) (string, bool, error) {
	d := r.tx.dialect
	query := fmt.Sprintf("SELECT secret FROM sync_nodes WHERE id = %s", d.Placeholder(1))
	var secret string
	err := r.tx.QueryRow(ctx, query, nodeID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("is registered: %w", err)
	}
	return secret, true, nil
}
