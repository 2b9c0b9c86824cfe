// Package event implements the append-only Event Log (C4): a monotonic,
// per-bead-ordered execution event stream with a single write path.
package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// MaxPageSize is the server-enforced cap on paginated reads. Per the
// resolved Open Question, requests above this are rejected with INVALID
// rather than silently clamped, uniformly across history/monitor/batch.
const MaxPageSize = 10000

const SchemaVersion = 1

// Type is the closed set of recognized event types.
type Type string

const (
	StageCompleted     Type = "stage_completed"
	TransitionAdvance  Type = "transition_advance"
	TransitionRetry    Type = "transition_retry"
	TransitionBlocked  Type = "transition_blocked"
	TransitionFinalize Type = "transition_finalize"
	TransitionNoop     Type = "transition_noop"
)

// Event is one row of the execution log.
type Event struct {
	Sequence      int64          `json:"sequence"`
	SchemaVersion int            `json:"schema_version"`
	EventType     Type           `json:"event_type"`
	EntityID      string         `json:"entity_id"`
	BeadID        string         `json:"bead_id,omitempty"`
	WorkerID      *int           `json:"worker_id,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	CausationID   string         `json:"causation_id,omitempty"`
	Category      string         `json:"category,omitempty"`
	Retryable     *bool          `json:"retryable,omitempty"`
	NextCommand   string         `json:"next_command,omitempty"`
	Detail        string         `json:"detail,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Querier is satisfied by *sql.DB and *sql.Tx, so Record can run inside the
// stage machine's transaction or standalone.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Record appends e to the log. The insert is atomic: a failure never
// leaves a partial row, and always surfaces as a codes.Store error rather
// than being swallowed.
func Record(ctx context.Context, q Querier, e Event) (int64, error) {
	if e.SchemaVersion < 1 {
		e.SchemaVersion = SchemaVersion
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, codes.Wrap(codes.Serialization, "failed to encode event payload", "report this as a bug", err)
	}
	var seq int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO execution_events
			(schema_version, event_type, entity_id, bead_id, worker_id, stage,
			 causation_id, category, retryable, next_command, detail, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING sequence
	`, e.SchemaVersion, string(e.EventType), e.EntityID, nullStr(e.BeadID), e.WorkerID, nullStr(e.Stage),
		nullStr(e.CausationID), nullStr(e.Category), e.Retryable, nullStr(e.NextCommand), nullStr(e.Detail), payload,
	).Scan(&seq)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to record execution event", "retry the request", err)
	}
	return seq, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns events ordered by sequence ascending, optionally filtered
// to one bead, starting after afterSeq. limit above MaxPageSize is
// rejected outright — no rows are read.
func List(ctx context.Context, q Querier, beadID string, afterSeq int64, limit int) ([]Event, error) {
	if limit < 0 {
		return nil, codes.New(codes.Serialization, "limit must be non-negative", "pass a limit between 0 and 10000")
	}
	if limit > MaxPageSize {
		return nil, codes.New(codes.Serialization, "limit exceeds the maximum page size", "request 10000 rows or fewer per call")
	}
	if limit == 0 {
		return []Event{}, nil
	}

	var rows *sql.Rows
	var err error
	if beadID != "" {
		rows, err = q.QueryContext(ctx, `
			SELECT sequence, schema_version, event_type, entity_id, bead_id, worker_id, stage,
			       causation_id, category, retryable, next_command, detail, payload, created_at
			FROM execution_events
			WHERE bead_id = $1 AND sequence > $2
			ORDER BY sequence ASC
			LIMIT $3
		`, beadID, afterSeq, limit)
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT sequence, schema_version, event_type, entity_id, bead_id, worker_id, stage,
			       causation_id, category, retryable, next_command, detail, payload, created_at
			FROM execution_events
			WHERE sequence > $1
			ORDER BY sequence ASC
			LIMIT $2
		`, afterSeq, limit)
	}
	if err != nil {
		return nil, codes.Wrap(codes.Store, "failed to list execution events", "retry the request", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var bead, stage, causation, category, nextCmd, detail sql.NullString
		var worker sql.NullInt64
		var retryable sql.NullBool
		var payload []byte
		if err := rows.Scan(&e.Sequence, &e.SchemaVersion, &e.EventType, &e.EntityID, &bead, &worker, &stage,
			&causation, &category, &retryable, &nextCmd, &detail, &payload, &e.CreatedAt); err != nil {
			return nil, codes.Wrap(codes.Store, "failed to scan execution event", "retry the request", err)
		}
		e.BeadID = bead.String
		e.Stage = stage.String
		e.CausationID = causation.String
		e.Category = category.String
		e.NextCommand = nextCmd.String
		e.Detail = detail.String
		if worker.Valid {
			w := int(worker.Int64)
			e.WorkerID = &w
		}
		if retryable.Valid {
			e.Retryable = &retryable.Bool
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	if out == nil {
		out = []Event{}
	}
	return out, rows.Err()
}
