// Package syncclient implements the client-side orchestration loop (spec.md
// §4.10): attempt push; on PushRejected pull (which runs the merge engine);
// on UniqueConstraintError stop and report; otherwise retry push. It also
// wraps register and repair for a client node.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bintlabs/go-sync-db/internal/ledger"
	"github.com/bintlabs/go-sync-db/internal/merge"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
)

// Transport is the client's view of the server, over whatever framing
// internal/api/router.go puts in front of protocol.Server (HTTP by default;
// out of scope per spec.md §1, so this is the seam tests fake).
type Transport interface {
	Register(ctx context.Context, name string) (nodeID, secret string, err error)
	Push(ctx context.Context, msg syncmsg.PushMessage) (latestVersion int64, err error)
	Pull(ctx context.Context, req syncmsg.PullRequest) (syncmsg.PullMessage, error)
	Repair(ctx context.Context) (syncmsg.RepairSnapshot, error)
}

// Client runs the sync loop against one local store/journal.
type Client struct {
	DB        *store.Store
	Reg       *registry.Registry
	Transport Transport
	Policy    merge.ResolutionPolicy
	Logger    *slog.Logger
}

func New(db *store.Store, reg *registry.Registry, transport Transport, policy merge.ResolutionPolicy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = merge.DefaultPolicy{}
	}
	return &Client{DB: db, Reg: reg, Transport: transport, Policy: policy, Logger: logger}
}

// Register obtains fresh credentials and persists them as this node's
// client state (spec.md §4.3 register).
func (c *Client) Register(ctx context.Context, name string) error {
	nodeID, secret, err := c.Transport.Register(ctx, name)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		return store.NewSQLClientState(tx).Save(ctx, ledger.ClientState{NodeID: nodeID, Secret: secret, LastKnownVersion: 0})
	})
}

// IsRegistered reports whether this client already holds credentials.
func (c *Client) IsRegistered(ctx context.Context) (bool, error) {
	var state ledger.ClientState
	err := c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		s, err := store.NewSQLClientState(tx).Load(ctx)
		state = s
		return err
	})
	if err != nil {
		return false, nil //nolint:nilerr // absent/unreadable client state means "not registered yet"
	}
	return state.NodeID != "", nil
}

// MaxRetries bounds the push→pull→push retry loop (spec.md §4.10: "bounded
// retry count is a policy of the caller").
const MaxRetries = 5

// Sync runs the canonical client loop once to convergence: push, and on
// divergence pull+merge then retry, up to MaxRetries times. Returns the
// client's resulting last_known_version.
func (c *Client) Sync(ctx context.Context) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		version, err := c.attemptPush(ctx)
		if err == nil {
			return version, nil
		}
		var rejected *syncerr.PushRejected
		if !errors.As(err, &rejected) {
			return 0, err // UniqueConstraintError and everything else stop the loop immediately
		}
		lastErr = err
		if err := c.pullAndMerge(ctx); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("sync: exceeded %d attempts: %w", MaxRetries, lastErr)
}

func (c *Client) attemptPush(ctx context.Context) (int64, error) {
	var state ledger.ClientState
	var msg syncmsg.PushMessage
	var warnings []error
	err := c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		loaded, err := store.NewSQLClientState(tx).Load(ctx)
		if err != nil {
			return fmt.Errorf("push: load client state: %w", err)
		}
		state = loaded
		j := store.NewSQLJournal(tx)
		built, w, err := syncmsg.BuildPush(ctx, tx, c.Reg, j, state.NodeID, state.LastKnownVersion)
		warnings = w
		if err != nil {
			return err
		}
		msg = built
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, w := range warnings {
		c.Logger.Warn("local compression warning during push", "error", w)
	}
	if err := syncmsg.SignMessage(state.Secret, &msg); err != nil {
		return 0, fmt.Errorf("push: sign message: %w", err)
	}

	latest, err := c.Transport.Push(ctx, msg)
	if err != nil {
		return 0, err
	}

	pushedRefs := make([]syncref.Ref, 0, len(msg.Operations))
	for _, op := range msg.Operations {
		pushedRefs = append(pushedRefs, op.Ref())
	}
	err = c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		return j.Drop(ctx, pushedRefs)
	})
	if err != nil {
		return 0, fmt.Errorf("push: clear pushed journal entries: %w", err)
	}
	err = c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		state.LastKnownVersion = latest
		return store.NewSQLClientState(tx).Save(ctx, state)
	})
	if err != nil {
		return 0, fmt.Errorf("push: advance last known version: %w", err)
	}
	return latest, nil
}

func (c *Client) pullAndMerge(ctx context.Context) error {
	var state ledger.ClientState
	err := c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		s, err := store.NewSQLClientState(tx).Load(ctx)
		state = s
		return err
	})
	if err != nil {
		return fmt.Errorf("pull: load client state: %w", err)
	}

	pull, err := c.Transport.Pull(ctx, syncmsg.PullRequest{NodeID: state.NodeID, LastKnownVersion: state.LastKnownVersion})
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if actual := pull.Payloads.CRC32(); actual != pull.Checksum {
		return &syncerr.ChecksumMismatch{Expected: pull.Checksum, Actual: actual}
	}

	return c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		j := store.NewSQLJournal(tx)
		newVersion, err := merge.Run(ctx, tx, c.Reg, j, pull, c.Policy, c.Logger)
		if err != nil {
			return err
		}
		state.LastKnownVersion = newVersion
		return store.NewSQLClientState(tx).Save(ctx, state)
	})
}

// Repair replaces the local store wholesale with a server snapshot (spec.md
// §4.9 repair) — the rescue path when incremental merge can't proceed
// (e.g. an unresolved UniqueConstraintError the operator chooses to blow
// away rather than fix by hand).
func (c *Client) Repair(ctx context.Context) error {
	snap, err := c.Transport.Repair(ctx)
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}
	var state ledger.ClientState
	err = c.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		loaded, err := store.NewSQLClientState(tx).Load(ctx)
		if err != nil {
			return err
		}
		state = loaded

		for _, ct := range c.Reg.All() {
			rows, err := tx.FetchAll(ctx, ct)
			if err != nil {
				return fmt.Errorf("repair: read existing %s rows: %w", ct.ID, err)
			}
			for _, row := range rows {
				pk, err := ct.PKOf(row)
				if err != nil {
					return err
				}
				if err := tx.DeleteRow(ctx, ct, pk); err != nil {
					return fmt.Errorf("repair: clear %s: %w", ct.ID, err)
				}
			}
			for _, row := range snap.Tables[ct.ID] {
				if err := tx.InsertRow(ctx, ct, row); err != nil {
					return fmt.Errorf("repair: load %s: %w", ct.ID, err)
				}
			}
		}

		j := store.NewSQLJournal(tx)
		unversioned, err := j.IterUnversioned(ctx)
		if err != nil {
			return err
		}
		discard := make([]syncref.Ref, 0, len(unversioned))
		for _, op := range unversioned {
			discard = append(discard, op.Ref)
		}
		if err := j.Drop(ctx, discard); err != nil {
			return err
		}

		state.LastKnownVersion = snap.LatestVersion
		return store.NewSQLClientState(tx).Save(ctx, state)
	})
	return err
}
