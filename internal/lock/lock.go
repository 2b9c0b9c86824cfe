// Package lock implements named, TTL-bounded ResourceLocks, grounded
// directly on this lineage's distributed-lock pattern: insert with
// ON CONFLICT DO NOTHING, then steal if the existing row has expired.
package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// ResourceLock is one row of resource_locks.
type ResourceLock struct {
	Resource  string
	Holder    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Acquire attempts to take resource for holder with the given ttl. Any
// caller attempting acquisition sweeps an expired lock it encounters, per
// spec §5's shared-resource policy.
func Acquire(ctx context.Context, db *sql.DB, resource, holder string, ttl time.Duration) (ResourceLock, error) {
	now := time.Now()
	expires := now.Add(ttl)

	if _, err := db.ExecContext(ctx, `
		INSERT INTO resource_locks (resource, holder, acquired_at, expires_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (resource) DO NOTHING
	`, resource, holder, now, expires); err != nil {
		return ResourceLock{}, codes.Wrap(codes.Store, "failed to insert resource lock", "retry the request", err)
	}

	res, err := db.ExecContext(ctx, `
		UPDATE resource_locks
		SET holder = $2, acquired_at = $3, expires_at = $4
		WHERE resource = $1 AND (holder = $2 OR expires_at < $3)
	`, resource, holder, now, expires)
	if err != nil {
		return ResourceLock{}, codes.Wrap(codes.Store, "failed to steal expired resource lock", "retry the request", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ResourceLock{}, codes.New(codes.Busy, "resource lock is held by another caller", "retry after the lock's ttl elapses")
	}

	return ResourceLock{Resource: resource, Holder: holder, AcquiredAt: now, ExpiresAt: expires}, nil
}

// Release frees resource if holder currently owns it.
func Release(ctx context.Context, db *sql.DB, resource, holder string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM resource_locks WHERE resource = $1 AND holder = $2`, resource, holder)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to release resource lock", "retry the request", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return codes.New(codes.Worker, "lock not held by caller", "acquire the lock before releasing it")
	}
	return nil
}
