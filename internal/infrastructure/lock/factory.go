package lock

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// pushLockName identifies the single named lock the server takes around
// push application; there is exactly one writer lock, not one per node or
// content type (spec.md §4.15 scopes the lock to the whole push operation).
const pushLockName = "go-sync-db:push"

// New builds the configured lock backend. backend is "advisory" (default,
// uses db) or "redis" (uses redisClient, which may be nil when unused).
func New(backend string, db *sql.DB, redisClient *redis.Client, cfg *LockConfig, logger *slog.Logger) (Lock, error) {
	switch backend {
	case "", "advisory":
		return NewAdvisoryLock(db, pushLockName, logger), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("lock backend %q requires a redis client", backend)
		}
		return NewDistributedLock(redisClient, pushLockName, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}
