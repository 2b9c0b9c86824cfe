// Package artifact implements the Artifact Store (C3): immutable,
// content-addressed blobs attached to a stage attempt.
package artifact

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// Type is the classification of an artifact's content.
type Type string

const (
	ContractDocument   Type = "contract_document"
	ImplementationCode Type = "implementation_code"
	TestResults        Type = "test_results"
	FailureDetails     Type = "failure_details"
	StageLog           Type = "stage_log"
	RetryPacket        Type = "retry_packet"
)

// Input is what a caller supplies to Write; the hash is computed here, not
// by the caller, so identical content always dedupes regardless of who
// wrote it.
type Input struct {
	AttemptID int64
	Type      Type
	Content   string
	Metadata  map[string]any
}

// Artifact is a stored row as returned by List.
type Artifact struct {
	ID          int64          `json:"id"`
	AttemptID   int64          `json:"attempt_id"`
	Type        Type           `json:"type"`
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"-"`
}

type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Write computes the SHA-256 of in.Content and inserts a new row, or
// returns the id of an existing row with the same (attempt, type, hash) —
// the idempotence invariant in spec §8.
func Write(ctx context.Context, q Querier, in Input) (int64, string, error) {
	sum := sha256.Sum256([]byte(in.Content))
	hash := hex.EncodeToString(sum[:])

	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return 0, "", codes.Wrap(codes.Serialization, "failed to encode artifact metadata", "report this as a bug", err)
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO stage_artifacts (attempt_id, artifact_type, content, metadata, content_hash)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (attempt_id, artifact_type, content_hash) DO UPDATE SET attempt_id = EXCLUDED.attempt_id
		RETURNING id
	`, in.AttemptID, string(in.Type), in.Content, meta, hash).Scan(&id)
	if err != nil {
		return 0, "", codes.Wrap(codes.Store, "failed to write artifact", "retry the request", err)
	}
	return id, hash, nil
}

// List returns a bead's artifacts ordered by (attempt.started_at, type),
// optionally filtered to one artifact type. An invalid type filter yields
// INVALID without touching the store.
func List(ctx context.Context, q Querier, beadID string, filterType Type) ([]Artifact, error) {
	if filterType != "" && !validType(filterType) {
		return nil, codes.New(codes.Serialization, "unknown artifact type", "use one of: contract_document, implementation_code, test_results, failure_details, stage_log, retry_packet")
	}

	var rows *sql.Rows
	var err error
	if filterType != "" {
		rows, err = q.QueryContext(ctx, `
			SELECT a.id, a.attempt_id, a.artifact_type, a.content, a.metadata, a.content_hash, a.created_at, h.started_at
			FROM stage_artifacts a
			JOIN stage_history h ON h.id = a.attempt_id
			WHERE h.bead_id = $1 AND a.artifact_type = $2
			ORDER BY h.started_at ASC, a.artifact_type ASC, a.id ASC
		`, beadID, string(filterType))
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT a.id, a.attempt_id, a.artifact_type, a.content, a.metadata, a.content_hash, a.created_at, h.started_at
			FROM stage_artifacts a
			JOIN stage_history h ON h.id = a.attempt_id
			WHERE h.bead_id = $1
			ORDER BY h.started_at ASC, a.artifact_type ASC, a.id ASC
		`, beadID)
	}
	if err != nil {
		return nil, codes.Wrap(codes.Store, "failed to list artifacts", "retry the request", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var meta []byte
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.Type, &a.Content, &meta, &a.ContentHash, &a.CreatedAt, &a.StartedAt); err != nil {
			return nil, codes.Wrap(codes.Store, "failed to scan artifact", "retry the request", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &a.Metadata)
		}
		out = append(out, a)
	}
	if out == nil {
		out = []Artifact{}
	}
	return out, rows.Err()
}

// Latest returns the most recent artifact of the given type for a bead, or
// ok=false if none exists.
func Latest(ctx context.Context, q Querier, beadID string, t Type) (Artifact, bool, error) {
	all, err := List(ctx, q, beadID, t)
	if err != nil {
		return Artifact{}, false, err
	}
	if len(all) == 0 {
		return Artifact{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func validType(t Type) bool {
	switch t {
	case ContractDocument, ImplementationCode, TestResults, FailureDetails, StageLog, RetryPacket:
		return true
	}
	return false
}
