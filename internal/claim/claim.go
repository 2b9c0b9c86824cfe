// Package claim implements the Claim Engine (C1): atomic lease assignment,
// heartbeat, and expiry recovery over the bead queue, grounded on this
// lineage's distributed-lock pattern (insert-then-steal-if-expired, under
// row-level locking) generalized from a single named lock to a queue of
// beads.
package claim

import (
	"context"
	"database/sql"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// Claim mirrors one row of bead_claims.
type Claim struct {
	ID             int64
	BeadID         string
	Owner          int
	ClaimedAt      time.Time
	HeartbeatAt    time.Time
	LeaseExpiresAt time.Time
	Status         string
}

// Engine drives claim acquisition and recovery against a store.
type Engine struct {
	DB         *sql.DB
	LeaseTTL   time.Duration
	ClaimLabel string
}

// New builds an Engine with the given lease TTL and default claim label.
func New(db *sql.DB, leaseTTL time.Duration, claimLabel string) *Engine {
	return &Engine{DB: db, LeaseTTL: leaseTTL, ClaimLabel: claimLabel}
}

// RecoverExpired reclaims every lease past its expiry: the claim row is
// deleted, the bead returns to pending, and the owning worker resets to
// idle. Runs under FOR UPDATE SKIP LOCKED so concurrent recoveries never
// collide.
func (e *Engine) RecoverExpired(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to begin recovery transaction", "retry the request", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, bead_id, owner FROM bead_claims
		WHERE lease_expires_at < now() AND status = 'in_progress'
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to scan expired claims", "retry the request", err)
	}
	type expired struct {
		id     int64
		beadID string
		owner  int
	}
	var list []expired
	for rows.Next() {
		var x expired
		if err := rows.Scan(&x.id, &x.beadID, &x.owner); err != nil {
			rows.Close()
			return 0, codes.Wrap(codes.Store, "failed to read expired claim row", "retry the request", err)
		}
		list = append(list, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, codes.Wrap(codes.Store, "failed to iterate expired claims", "retry the request", err)
	}

	for _, x := range list {
		if _, err := tx.ExecContext(ctx, `DELETE FROM bead_claims WHERE id = $1`, x.id); err != nil {
			return 0, codes.Wrap(codes.Store, "failed to delete expired claim", "retry the request", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE beads SET status = 'pending' WHERE id = $1`, x.beadID); err != nil {
			return 0, codes.Wrap(codes.Store, "failed to reset bead after lease expiry", "retry the request", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_state SET status = 'idle', current_bead_id = NULL, current_stage = NULL, stage_started_at = NULL
			WHERE worker_id = $1
		`, x.owner); err != nil {
			return 0, codes.Wrap(codes.Store, "failed to reset worker after lease expiry", "retry the request", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, codes.Wrap(codes.Store, "failed to commit recovery transaction", "retry the request", err)
	}
	return len(list), nil
}

// Next returns the id of the top candidate bead without claiming it, or
// ok=false if the queue is empty at the configured priority label.
func (e *Engine) Next(ctx context.Context) (string, bool, error) {
	var id string
	err := e.DB.QueryRowContext(ctx, `
		SELECT id FROM beads
		WHERE status = 'pending' AND priority = $1
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, e.ClaimLabel).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, codes.Wrap(codes.Store, "failed to select next bead", "retry the request", err)
	}
	return id, true, nil
}

// Acquire atomically claims the highest-priority pending bead for owner.
// If owner already holds a live claim, that claim is returned unchanged
// (idempotent reclaim) rather than acquiring a second one.
func (e *Engine) Acquire(ctx context.Context, owner int) (Claim, bool, error) {
	if _, err := e.RecoverExpired(ctx); err != nil {
		return Claim{}, false, err
	}

	if existing, ok, err := e.activeClaimFor(ctx, owner); err != nil {
		return Claim{}, false, err
	} else if ok {
		return existing, true, nil
	}

	var result Claim
	found := false
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var beadID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM beads
			WHERE status = 'pending' AND priority = $1
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, e.ClaimLabel).Scan(&beadID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return codes.Wrap(codes.Store, "failed to select candidate bead", "retry the request", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE beads SET status = 'in_progress' WHERE id = $1`, beadID); err != nil {
			return codes.Wrap(codes.Store, "failed to mark bead in progress", "retry the request", err)
		}

		now := time.Now()
		expires := now.Add(e.LeaseTTL)
		row := tx.QueryRowContext(ctx, `
			INSERT INTO bead_claims (bead_id, owner, claimed_at, heartbeat_at, lease_expires_at, status)
			VALUES ($1,$2,$3,$3,$4,'in_progress')
			RETURNING id, bead_id, owner, claimed_at, heartbeat_at, lease_expires_at, status
		`, beadID, owner, now, expires)
		if err := row.Scan(&result.ID, &result.BeadID, &result.Owner, &result.ClaimedAt, &result.HeartbeatAt, &result.LeaseExpiresAt, &result.Status); err != nil {
			return codes.Wrap(codes.Store, "failed to insert claim", "retry the request", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_state (worker_id, current_bead_id, current_stage, stage_started_at, status)
			VALUES ($1,$2,'rust-contract',$3,'working')
			ON CONFLICT (worker_id) DO UPDATE SET
				current_bead_id = EXCLUDED.current_bead_id,
				current_stage = EXCLUDED.current_stage,
				stage_started_at = EXCLUDED.stage_started_at,
				status = 'working'
		`, owner, beadID, now); err != nil {
			return codes.Wrap(codes.Store, "failed to update worker state on claim", "retry the request", err)
		}

		found = true
		return nil
	})
	if err != nil {
		return Claim{}, false, err
	}
	return result, found, nil
}

func (e *Engine) activeClaimFor(ctx context.Context, owner int) (Claim, bool, error) {
	var c Claim
	err := e.DB.QueryRowContext(ctx, `
		SELECT id, bead_id, owner, claimed_at, heartbeat_at, lease_expires_at, status
		FROM bead_claims
		WHERE owner = $1 AND status = 'in_progress' AND lease_expires_at >= now()
	`, owner).Scan(&c.ID, &c.BeadID, &c.Owner, &c.ClaimedAt, &c.HeartbeatAt, &c.LeaseExpiresAt, &c.Status)
	if err == sql.ErrNoRows {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, codes.Wrap(codes.Store, "failed to look up active claim", "retry the request", err)
	}
	return c, true, nil
}

// Heartbeat extends owner's lease by LeaseTTL from now. Extension is
// monotonic — it never shortens the lease, so a heartbeat racing behind a
// more generous extension is a no-op. A stale or missing claim surfaces
// CONFLICT.
func (e *Engine) Heartbeat(ctx context.Context, owner int) (Claim, error) {
	newExpiry := time.Now().Add(e.LeaseTTL)
	var c Claim
	err := e.DB.QueryRowContext(ctx, `
		UPDATE bead_claims
		SET heartbeat_at = now(),
		    lease_expires_at = GREATEST(lease_expires_at, $2)
		WHERE owner = $1 AND status = 'in_progress' AND lease_expires_at >= now()
		RETURNING id, bead_id, owner, claimed_at, heartbeat_at, lease_expires_at, status
	`, owner, newExpiry).Scan(&c.ID, &c.BeadID, &c.Owner, &c.ClaimedAt, &c.HeartbeatAt, &c.LeaseExpiresAt, &c.Status)
	if err == sql.ErrNoRows {
		return Claim{}, codes.New(codes.Worker, "no active claim for worker", "claim a bead before heartbeating")
	}
	if err != nil {
		return Claim{}, codes.Wrap(codes.Store, "failed to heartbeat claim", "retry the request", err)
	}
	return c, nil
}

// Release frees owner's current claim. forced marks the claim (and bead)
// blocked; a clean release returns the bead to pending.
func (e *Engine) Release(ctx context.Context, owner int, forced bool) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		var beadID string
		err := tx.QueryRowContext(ctx, `SELECT bead_id FROM bead_claims WHERE owner = $1 AND status = 'in_progress'`, owner).Scan(&beadID)
		if err == sql.ErrNoRows {
			return codes.New(codes.Worker, "worker holds no active claim", "nothing to release")
		}
		if err != nil {
			return codes.Wrap(codes.Store, "failed to look up claim to release", "retry the request", err)
		}

		claimStatus := "completed"
		beadStatus := "pending"
		if forced {
			claimStatus = "blocked"
			beadStatus = "blocked"
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bead_claims SET status = $2 WHERE owner = $1 AND status = 'in_progress'`, owner, claimStatus); err != nil {
			return codes.Wrap(codes.Store, "failed to update claim on release", "retry the request", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE beads SET status = $2 WHERE id = $1`, beadID, beadStatus); err != nil {
			return codes.Wrap(codes.Store, "failed to update bead on release", "retry the request", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_state SET current_bead_id = NULL, current_stage = NULL, stage_started_at = NULL,
			       status = 'idle', implementation_attempt = 0
			WHERE worker_id = $1
		`, owner); err != nil {
			return codes.Wrap(codes.Store, "failed to reset worker on release", "retry the request", err)
		}
		return nil
	})
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to begin transaction", "retry the request", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return codes.Wrap(codes.Store, "failed to commit transaction", "retry the request", err)
	}
	return nil
}
