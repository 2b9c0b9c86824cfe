package protocol

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/envelope"
)

func jsonUnmarshalAny(raw json.RawMessage, out *any) error {
	return json.Unmarshal(raw, out)
}

// defaultState computes the {total, active} snapshot every success
// envelope carries, counting beads and in-progress claims.
func defaultState(ctx context.Context, db *sql.DB) *envelope.State {
	var total, active int
	_ = db.QueryRowContext(ctx, `SELECT count(*) FROM beads`).Scan(&total)
	_ = db.QueryRowContext(ctx, `SELECT count(*) FROM bead_claims WHERE status = 'in_progress'`).Scan(&active)
	return &envelope.State{Total: total, Active: active}
}

func notFound(msg, fix string) *codes.Error {
	return codes.New(codes.Bead, msg, fix)
}

func internal(msg string, cause error) *codes.Error {
	return codes.Wrap(codes.Internal, msg, "retry; if persistent, file a bug with the request id", cause)
}
