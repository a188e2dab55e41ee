package lock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"log/slog"
)

// AdvisoryLock serializes push application using a Postgres session-level
// advisory lock (pg_advisory_lock/pg_advisory_unlock). It is the default
// lock backend (config.LockConfig.Backend == "advisory"): it needs no extra
// infrastructure beyond the database the server already connects to, at the
// cost of holding one dedicated connection for the lifetime of the lock.
type AdvisoryLock struct {
	db     *sql.DB
	conn   *sql.Conn
	key    int64
	logger *slog.Logger
}

// NewAdvisoryLock builds a lock over one fixed key, derived from name by a
// non-cryptographic hash (pg_advisory_lock takes a bigint, not a string).
func NewAdvisoryLock(db *sql.DB, name string, logger *slog.Logger) *AdvisoryLock {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLock{db: db, key: advisoryKey(name), logger: logger}
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// Acquire blocks on a dedicated connection until the advisory lock is held.
// Unlike DistributedLock, there is no TTL: the lock is released explicitly,
// or implicitly when the holding connection closes (including on crash).
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key); err != nil {
		conn.Close()
		return false, err
	}
	l.conn = conn
	l.logger.Debug("advisory lock acquired", "key", l.key)
	return true, nil
}

// Release unlocks and returns the dedicated connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}
