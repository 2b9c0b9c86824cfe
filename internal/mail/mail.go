// Package mail implements InterAgentMessage delivery and the broadcast
// command as persisted inbox rows, adapted from this lineage's pub/sub
// swarm-messaging convention to the protocol's synchronous request/response
// model (no standing subscriber exists to receive a live publish).
package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// Message is one row of agent_messages.
type Message struct {
	ID         int64          `json:"id"`
	Type       string         `json:"type"`
	Subject    string         `json:"subject"`
	Body       string         `json:"body"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Read       bool           `json:"read"`
	FromWorker *int           `json:"from_worker,omitempty"`
	ToWorker   *int           `json:"to_worker,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Send inserts one directed or broadcast (toWorker == nil) message.
func Send(ctx context.Context, db *sql.DB, msgType, subject, body string, metadata map[string]any, fromWorker *int, toWorker *int) (int64, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, codes.Wrap(codes.Serialization, "failed to encode message metadata", "report this as a bug", err)
	}
	var id int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO agent_messages (msg_type, subject, body, metadata, from_worker, to_worker)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, msgType, subject, body, meta, fromWorker, toWorker).Scan(&id)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to send message", "retry the request", err)
	}
	return id, nil
}

// Broadcast fans a message out to every registered worker by inserting one
// row per worker, mirroring a single broadcast command producing N inbox
// deliveries.
func Broadcast(ctx context.Context, db *sql.DB, msgType, subject, body string, metadata map[string]any, fromWorker *int) (int, error) {
	rows, err := db.QueryContext(ctx, `SELECT worker_id FROM agent_state`)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to enumerate workers for broadcast", "retry the request", err)
	}
	var workers []int
	for rows.Next() {
		var w int
		if err := rows.Scan(&w); err != nil {
			rows.Close()
			return 0, codes.Wrap(codes.Store, "failed to read worker id for broadcast", "retry the request", err)
		}
		workers = append(workers, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, codes.Wrap(codes.Store, "failed to iterate workers for broadcast", "retry the request", err)
	}

	count := 0
	for _, w := range workers {
		to := w
		if _, err := Send(ctx, db, msgType, subject, body, metadata, fromWorker, &to); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Unread returns undelivered messages addressed to worker, oldest first.
func Unread(ctx context.Context, db *sql.DB, worker int) ([]Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, msg_type, subject, body, metadata, read, from_worker, to_worker, created_at
		FROM agent_messages
		WHERE to_worker = $1 AND read = false
		ORDER BY created_at ASC, id ASC
	`, worker)
	if err != nil {
		return nil, codes.Wrap(codes.Store, "failed to list unread messages", "retry the request", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var meta []byte
		var from, to sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Type, &m.Subject, &m.Body, &meta, &m.Read, &from, &to, &m.CreatedAt); err != nil {
			return nil, codes.Wrap(codes.Store, "failed to scan message", "retry the request", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		if from.Valid {
			v := int(from.Int64)
			m.FromWorker = &v
		}
		if to.Valid {
			v := int(to.Int64)
			m.ToWorker = &v
		}
		out = append(out, m)
	}
	if out == nil {
		out = []Message{}
	}
	return out, rows.Err()
}

// MarkRead flags a message as delivered.
func MarkRead(ctx context.Context, db *sql.DB, id int64) error {
	res, err := db.ExecContext(ctx, `UPDATE agent_messages SET read = true WHERE id = $1`, id)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to mark message read", "retry the request", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return codes.New(codes.Bead, "unknown message id", "check the message id")
	}
	return nil
}
