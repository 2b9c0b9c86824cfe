// Package registry tracks SwarmInstance rows — one per running coordinator
// process — so multiple coordinators can share a store per spec §5,
// grounded directly on this lineage's Instance/RegisterInstance/
// HeartbeatInstance/CleanupStaleInstances pattern.
package registry

import (
	"context"
	"database/sql"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// staleAfter mirrors this lineage's instance-liveness window: an instance
// that hasn't heartbeated within this window is no longer "active".
const staleAfter = 60 * time.Second

// Instance is one row of swarm_instances.
type Instance struct {
	InstanceID    string
	Hostname      string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Status        string
}

// Register inserts or refreshes this process's instance row.
func Register(ctx context.Context, db *sql.DB, instanceID, hostname string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO swarm_instances (instance_id, hostname, started_at, last_heartbeat, status)
		VALUES ($1,$2,now(),now(),'active')
		ON CONFLICT (instance_id) DO UPDATE SET last_heartbeat = now(), status = 'active'
	`, instanceID, hostname)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to register swarm instance", "retry startup", err)
	}
	return nil
}

// Heartbeat refreshes this instance's liveness timestamp.
func Heartbeat(ctx context.Context, db *sql.DB, instanceID string) error {
	_, err := db.ExecContext(ctx, `UPDATE swarm_instances SET last_heartbeat = now() WHERE instance_id = $1`, instanceID)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to heartbeat swarm instance", "retry the request", err)
	}
	return nil
}

// Unregister marks this instance inactive on graceful shutdown.
func Unregister(ctx context.Context, db *sql.DB, instanceID string) error {
	_, err := db.ExecContext(ctx, `UPDATE swarm_instances SET status = 'stopped' WHERE instance_id = $1`, instanceID)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to unregister swarm instance", "ignore on shutdown path", err)
	}
	return nil
}

// Active lists instances that have heartbeated within staleAfter.
func Active(ctx context.Context, db *sql.DB) ([]Instance, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT instance_id, hostname, started_at, last_heartbeat, status
		FROM swarm_instances
		WHERE status = 'active' AND last_heartbeat > now() - ($1 || ' seconds')::interval
		ORDER BY instance_id ASC
	`, int(staleAfter.Seconds()))
	if err != nil {
		return nil, codes.Wrap(codes.Store, "failed to list active swarm instances", "retry the request", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var in Instance
		if err := rows.Scan(&in.InstanceID, &in.Hostname, &in.StartedAt, &in.LastHeartbeat, &in.Status); err != nil {
			return nil, codes.Wrap(codes.Store, "failed to scan swarm instance", "retry the request", err)
		}
		out = append(out, in)
	}
	if out == nil {
		out = []Instance{}
	}
	return out, rows.Err()
}

// CleanupStale flips instances past the liveness window to stopped.
func CleanupStale(ctx context.Context, db *sql.DB) (int, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE swarm_instances SET status = 'stopped'
		WHERE status = 'active' AND last_heartbeat <= now() - ($1 || ' seconds')::interval
	`, int(staleAfter.Seconds()))
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to clean up stale swarm instances", "retry the request", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
