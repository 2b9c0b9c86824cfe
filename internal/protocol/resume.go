package protocol

import (
	"context"
	"database/sql"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/artifact"
	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/stage"
)

// timelineEntry is one row of a bead's stage timeline, ordered ascending
// by started_at per spec §4.11.
type timelineEntry struct {
	Stage       string     `json:"stage"`
	Attempt     int        `json:"attempt"`
	Outcome     string     `json:"outcome"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ResumeContext is the deterministic, self-sufficient projection
// BuildResumeContext returns.
type ResumeContext struct {
	BeadID               string            `json:"bead_id"`
	Status               string            `json:"status"`
	Timeline             []timelineEntry   `json:"timeline"`
	LatestContract       *artifact.Artifact `json:"latest_contract,omitempty"`
	LatestImplementation *artifact.Artifact `json:"latest_implementation,omitempty"`
	LatestFailure        *artifact.Artifact `json:"latest_failure,omitempty"`
	WorkerFeedback       string            `json:"worker_feedback,omitempty"`
	NextStage            string            `json:"next_stage"`
	NextCommand          string            `json:"next_command"`
}

// BuildResumeContext rebuilds actionable context for a bead from persisted
// artifacts and history alone — no in-memory worker state is required,
// making a freshly started worker able to resume any in-progress bead.
func BuildResumeContext(ctx context.Context, d *Deps, beadID string) (ResumeContext, *codes.Error) {
	var status string
	err := d.DB.QueryRowContext(ctx, `SELECT status FROM beads WHERE id = $1`, beadID).Scan(&status)
	if err == sql.ErrNoRows {
		return ResumeContext{}, notFound("unknown bead", "check the bead id")
	}
	if err != nil {
		return ResumeContext{}, internal("failed to look up bead", err)
	}

	rows, err := d.DB.QueryContext(ctx, `
		SELECT stage, attempt_number, outcome, started_at, completed_at
		FROM stage_history WHERE bead_id = $1
		ORDER BY started_at ASC, id ASC
	`, beadID)
	if err != nil {
		return ResumeContext{}, internal("failed to load stage timeline", err)
	}
	defer rows.Close()

	var timeline []timelineEntry
	var lastStage stage.Stage
	var lastOutcome stage.Outcome
	var lastFeedback string
	for rows.Next() {
		var e timelineEntry
		var completedAt sql.NullTime
		if err := rows.Scan(&e.Stage, &e.Attempt, &e.Outcome, &e.StartedAt, &completedAt); err != nil {
			return ResumeContext{}, internal("failed to scan stage timeline row", err)
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		timeline = append(timeline, e)
		lastStage = stage.Stage(e.Stage)
		lastOutcome = stage.Outcome(e.Outcome)
	}
	if timeline == nil {
		timeline = []timelineEntry{}
	}

	_ = d.DB.QueryRowContext(ctx, `
		SELECT feedback_text FROM stage_history
		WHERE bead_id = $1 AND feedback_text IS NOT NULL
		ORDER BY started_at DESC LIMIT 1
	`, beadID).Scan(&lastFeedback)

	contract, hasContract, err := artifact.Latest(ctx, d.DB, beadID, artifact.ContractDocument)
	if err != nil {
		return ResumeContext{}, internal("failed to load contract artifact", err)
	}
	impl, hasImpl, err := artifact.Latest(ctx, d.DB, beadID, artifact.ImplementationCode)
	if err != nil {
		return ResumeContext{}, internal("failed to load implementation artifact", err)
	}
	failure, hasFailure, err := artifact.Latest(ctx, d.DB, beadID, artifact.FailureDetails)
	if err != nil {
		return ResumeContext{}, internal("failed to load failure artifact", err)
	}

	nextStage := lastStage
	if len(timeline) == 0 {
		nextStage = stage.RustContract
	} else if lastOutcome == stage.Passed {
		if n, ok := stage.Next(lastStage); ok {
			nextStage = n
		}
	}
	// A still-incomplete contract means the resumer must rerun it; the
	// projection refuses to guess past a missing required prerequisite.
	if (nextStage == stage.Implement || nextStage == stage.QAEnforcer || nextStage == stage.RedQueen) && !hasContract {
		return ResumeContext{}, codes.New(codes.Serialization, "resume context missing required contract artifact", "re-run rust-contract before resuming later stages")
	}

	rc := ResumeContext{
		BeadID:         beadID,
		Status:         status,
		Timeline:       timeline,
		WorkerFeedback: lastFeedback,
		NextStage:      string(nextStage),
		NextCommand:    "agent",
	}
	if hasContract {
		rc.LatestContract = &contract
	}
	if hasImpl {
		rc.LatestImplementation = &impl
	}
	if hasFailure {
		rc.LatestFailure = &failure
	}
	return rc, nil
}
