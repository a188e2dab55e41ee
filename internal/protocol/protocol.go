// Package protocol implements the Server Protocol Handler (spec.md §4.9):
// push validation and atomic apply, pull snapshot building, register, and
// repair — the HTTP-framing-agnostic core that internal/api's handlers call
// into.
package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bintlabs/go-sync-db/internal/infrastructure/lock"
	"github.com/bintlabs/go-sync-db/internal/journal"
	"github.com/bintlabs/go-sync-db/internal/ledger"
	"github.com/bintlabs/go-sync-db/internal/node"
	"github.com/bintlabs/go-sync-db/internal/registry"
	"github.com/bintlabs/go-sync-db/internal/store"
	"github.com/bintlabs/go-sync-db/internal/syncerr"
	"github.com/bintlabs/go-sync-db/internal/syncmsg"
	"github.com/bintlabs/go-sync-db/internal/syncref"
	"github.com/bintlabs/go-sync-db/pkg/metrics"
)

// Server ties the registry and store together behind the operations spec.md
// §6 exposes over HTTP (register, push, pull, repair, query). One Server serves every node; per-call state
// lives entirely in the store.
type Server struct {
	DB     *store.Store
	Reg    *registry.Registry
	Logger *slog.Logger

	// WriteLock serializes push application across server replicas sharing
	// one database (spec.md §4.15). Nil is valid for a single-replica
	// deployment, where the database transaction alone already provides
	// atomicity.
	WriteLock lock.Lock
}

func New(db *store.Store, reg *registry.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{DB: db, Reg: reg, Logger: logger}
}

// WithWriteLock attaches a write lock to an existing Server, returning it
// for chaining at construction time.
func (s *Server) WithWriteLock(l lock.Lock) *Server {
	s.WriteLock = l
	return s
}

// Register issues fresh {node_id, secret} credentials (spec.md §4.9
// register; §4.3's register procedure). A non-empty name becomes the node id,
// replacing any node already stored under that id with a fresh secret; an
// empty name gets a random id.
func (s *Server) Register(ctx context.Context, name string) (node.Credentials, error) {
	var creds node.Credentials
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		reg := store.NewSQLNodeRegistry(tx)
		c, err := reg.Register(ctx, name)
		if err != nil {
			return err
		}
		creds = c
		return nil
	})
	return creds, err
}

// Push validates and applies a push message (spec.md §4.9 push). The
// signature is verified against the node's stored secret; a stale
// last_known_version is rejected with no state change (the divergence
// gate — spec.md §8 property 5); otherwise every operation is applied and a
// single new version is assigned to the whole batch (atomicity — spec.md §8
// property 4).
func (s *Server) Push(ctx context.Context, msg syncmsg.PushMessage) (latestVersion int64, err error) {
	defer func() {
		if err == nil {
			metrics.PushesTotal.WithLabelValues("accepted").Inc()
			return
		}
		switch syncerr.Classify(err) {
		case syncerr.KindPushRejected:
			metrics.PushesTotal.WithLabelValues("rejected").Inc()
		case syncerr.KindAuth:
			metrics.PushesTotal.WithLabelValues("auth_error").Inc()
		case syncerr.KindIntegrity:
			metrics.PushesTotal.WithLabelValues("integrity_error").Inc()
		default:
			metrics.PushesTotal.WithLabelValues("error").Inc()
		}
	}()
	if s.WriteLock != nil {
		acquired, lockErr := s.WriteLock.Acquire(ctx)
		if lockErr != nil {
			return 0, fmt.Errorf("push: acquire write lock: %w", lockErr)
		}
		if !acquired {
			return 0, fmt.Errorf("push: write lock held by another replica")
		}
		defer s.WriteLock.Release(ctx)
	}
	err = s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		nodeReg := store.NewSQLNodeRegistry(tx)
		secret, ok, err := nodeReg.IsRegistered(ctx, msg.NodeID)
		if err != nil {
			return err
		}
		if !ok {
			return &syncerr.AuthError{Reason: "unknown node " + msg.NodeID}
		}
		valid, err := syncmsg.Verify(secret, msg)
		if err != nil {
			return err
		}
		if !valid {
			return &syncerr.AuthError{Reason: "signature mismatch"}
		}
		if actual := msg.Payloads.CRC32(); actual != msg.Checksum {
			return &syncerr.ChecksumMismatch{Expected: msg.Checksum, Actual: actual}
		}

		ldg := store.NewSQLLedger(tx)
		current, err := ldg.Current(ctx)
		if err != nil {
			return err
		}
		if msg.LastKnownVersion < current {
			return &syncerr.PushRejected{ClientVersion: msg.LastKnownVersion, ServerVersion: current}
		}

		if err := applyPushOperations(ctx, tx, s.Reg, msg); err != nil {
			return err
		}

		assignStart := time.Now()
		version, err := ldg.Assign(ctx, msg.NodeID)
		if err != nil {
			return err
		}

		refs := make([]syncref.Ref, 0, len(msg.Operations))
		for _, op := range msg.Operations {
			refs = append(refs, op.Ref())
		}
		j := store.NewSQLJournal(tx)
		j.NodeID = msg.NodeID
		for _, op := range msg.Operations {
			if err := j.Append(ctx, journal.OpKind(op.Kind), op.Ref()); err != nil {
				return fmt.Errorf("push: append server journal entry: %w", err)
			}
		}
		if err := j.AssignVersions(ctx, refs, version.ID); err != nil {
			return fmt.Errorf("push: assign versions: %w", err)
		}
		metrics.VersionAssignmentSeconds.Observe(time.Since(assignStart).Seconds())

		latestVersion = version.ID
		return nil
	})
	return latestVersion, err
}

// applyPushOperations applies every operation in a push message, in order,
// against the server store. A constraint violation aborts the whole
// transaction and is reported as an IntegrityError naming the offending
// content type and pk (spec.md §4.9).
func applyPushOperations(ctx context.Context, tx *store.Tx, reg *registry.Registry, msg syncmsg.PushMessage) error {
	for _, op := range msg.Operations {
		ct, err := reg.MustGet(op.Type)
		if err != nil {
			return err
		}
		switch journal.OpKind(op.Kind) {
		case journal.Insert:
			row, ok := msg.Payloads.Get(op.Ref())
			if !ok {
				return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: fmt.Errorf("missing payload for insert")}
			}
			if err := tx.InsertRow(ctx, ct, row); err != nil {
				return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: err}
			}
		case journal.Update:
			row, ok := msg.Payloads.Get(op.Ref())
			if !ok {
				return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: fmt.Errorf("missing payload for update")}
			}
			if err := tx.UpdateRow(ctx, ct, row); err != nil {
				return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: err}
			}
		case journal.Delete:
			if err := tx.DeleteRow(ctx, ct, op.PK); err != nil {
				return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: err}
			}
		default:
			return &syncerr.IntegrityError{ContentType: op.Type, PK: op.PK, Cause: fmt.Errorf("unknown op kind %q", op.Kind)}
		}
	}
	return nil
}

// Pull builds a PullMessage for a client at the given last known version
// (spec.md §4.9 pull). Read-only and idempotent: it opens a transaction only
// to get a consistent read view (spec.md §5), never writes.
func (s *Server) Pull(ctx context.Context, req syncmsg.PullRequest) (syncmsg.PullMessage, error) {
	var msg syncmsg.PullMessage
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		if s.DB.Dialect.Name() == "postgres" {
			// Fix the snapshot before the first read, so a push committing
			// mid-pull is seen either whole or not at all.
			if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
				return fmt.Errorf("pull: set snapshot isolation: %w", err)
			}
		}
		nodeReg := store.NewSQLNodeRegistry(tx)
		_, ok, err := nodeReg.IsRegistered(ctx, req.NodeID)
		if err != nil {
			return err
		}
		if !ok {
			return &syncerr.AuthError{Reason: "unknown node " + req.NodeID}
		}
		ldg := store.NewSQLLedger(tx)
		latest, err := ldg.Current(ctx)
		if err != nil {
			return err
		}
		j := store.NewSQLJournal(tx)
		built, err := syncmsg.BuildPull(ctx, tx, s.Reg, j, req.LastKnownVersion, latest)
		if err != nil {
			return err
		}
		msg = built
		return nil
	})
	if err == nil {
		metrics.PullOperationsReturned.Observe(float64(len(msg.Operations)))
	}
	return msg, err
}

// Repair returns a full snapshot of every tracked table plus the current
// latest version (spec.md §4.9 repair) — the rescue path clients fall back
// to when incremental merge can't proceed.
func (s *Server) Repair(ctx context.Context) (syncmsg.RepairSnapshot, error) {
	var snap syncmsg.RepairSnapshot
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		ldg := store.NewSQLLedger(tx)
		latest, err := ldg.Current(ctx)
		if err != nil {
			return err
		}
		tables := make(map[string][]registry.Row)
		for _, ct := range s.Reg.All() {
			rows, err := tx.FetchAll(ctx, ct)
			if err != nil {
				return fmt.Errorf("repair: snapshot %s: %w", ct.ID, err)
			}
			tables[ct.ID] = rows
		}
		snap = syncmsg.RepairSnapshot{LatestVersion: latest, Tables: tables}
		return nil
	})
	return snap, err
}

// Query returns every row of one tracked content type as it currently
// stands server-side (spec.md §6's optional read endpoint) — a convenience
// for operators and dashboards, never consulted by push/pull/merge.
func (s *Server) Query(ctx context.Context, contentType string) ([]registry.Row, error) {
	ct, err := s.Reg.MustGet(contentType)
	if err != nil {
		return nil, err
	}
	var rows []registry.Row
	err = s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		r, err := tx.FetchAll(ctx, ct)
		rows = r
		return err
	})
	return rows, err
}

// CurrentVersion reports the server's current latest version, for the
// /watch notification endpoint and diagnostics — never consulted by
// push/pull/merge, which read the ledger themselves inside their own
// transaction.
func (s *Server) CurrentVersion(ctx context.Context) (int64, error) {
	var latest int64
	err := s.DB.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		v, err := store.NewSQLLedger(tx).Current(ctx)
		latest = v
		return err
	})
	return latest, err
}

// LedgerVersion exposes the server's ledger for callers (e.g. the orchestration
// client loop over a direct/in-process server, used in tests) that need the
// current version without a full pull.
type LedgerVersion = ledger.Version
