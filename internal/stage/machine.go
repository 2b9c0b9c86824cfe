package stage

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/artifact"
	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/event"
)

// ArtifactInput is one artifact produced by a stage run, before it is
// content-addressed and persisted.
type ArtifactInput struct {
	Type     artifact.Type
	Content  string
	Metadata map[string]any
}

// Result is what the Skill collaborator returns for one stage execution.
type Result struct {
	Outcome    Outcome
	Feedback   string
	Artifacts  []ArtifactInput
	Transcript string
}

// Runner executes one stage for one bead and returns a structured Result.
// Implementations are expected to enforce their own bounded timeout.
type Runner interface {
	RunStage(ctx context.Context, st Stage, beadID string, attemptNumber int, workerCtx map[string]any) (Result, error)
}

// LandingResult is the remote-push confirmation gating Complete.
type LandingResult struct {
	Push   bool
	Detail string
}

// Lander confirms a completed pipeline is externally visible.
type Lander interface {
	Land(ctx context.Context, beadID string) (LandingResult, error)
}

// Machine ties the pure transition function to durable storage, the Skill
// runner, and the Landing executor.
type Machine struct {
	DB          *sql.DB
	Runner      Runner
	Lander      Lander
	MaxAttempts int
}

// workerState is the subset of agent_state needed to drive one cycle.
type workerState struct {
	beadID            sql.NullString
	currentStage      sql.NullString
	implAttempt       int
}

// RunOnce executes the worker's current stage once and applies the
// resulting transition. It returns the transition taken and the stage
// that was executed.
func (m *Machine) RunOnce(ctx context.Context, workerID int) (Transition, Stage, error) {
	ws, err := m.loadWorker(ctx, workerID)
	if err != nil {
		return 0, "", err
	}
	if !ws.beadID.Valid || !ws.currentStage.Valid {
		return 0, "", codes.New(codes.Worker, "worker has no active bead or stage", "claim a bead before running a stage")
	}
	beadID := ws.beadID.String
	st := Stage(ws.currentStage.String)
	if st == Done {
		return TransitionNoop, Done, nil
	}

	attemptNumber, err := m.nextAttemptNumber(ctx, beadID, st)
	if err != nil {
		return 0, "", err
	}

	startedAt := time.Now()
	var attemptID int64
	err = m.DB.QueryRowContext(ctx, `
		INSERT INTO stage_history (worker_id, bead_id, stage, attempt_number, outcome, started_at)
		VALUES ($1,$2,$3,$4,'started',$5)
		RETURNING id
	`, workerID, beadID, string(st), attemptNumber, startedAt).Scan(&attemptID)
	if err != nil {
		return 0, "", codes.Wrap(codes.Store, "failed to open stage attempt", "retry the request", err)
	}

	result, runErr := m.Runner.RunStage(ctx, st, beadID, attemptNumber, map[string]any{"worker_id": workerID})
	completedAt := time.Now()
	durationMs := completedAt.Sub(startedAt).Milliseconds()

	outcome := result.Outcome
	resultText := result.Transcript
	if runErr != nil {
		outcome = Error
		resultText = runErr.Error()
	}

	if _, err := m.DB.ExecContext(ctx, `
		UPDATE stage_history
		SET outcome = $2, result_text = $3, feedback_text = $4, transcript = $5,
		    completed_at = $6, duration_ms = $7
		WHERE id = $1
	`, attemptID, string(outcome), resultText, result.Feedback, result.Transcript, completedAt, durationMs); err != nil {
		return 0, "", codes.Wrap(codes.Store, "failed to close stage attempt", "retry the request", err)
	}

	if _, err := event.Record(ctx, m.DB, event.Event{
		EventType: event.StageCompleted, EntityID: beadID, BeadID: beadID,
		WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
		Payload: map[string]any{"outcome": string(outcome), "attempt": attemptNumber, "duration_ms": durationMs},
	}); err != nil {
		return 0, "", err
	}

	decisionAttempt := ws.implAttempt + 1
	transition := Decide(st, outcome, decisionAttempt, m.MaxAttempts)

	// Artifacts are written after the transition is known so retry_packet
	// can be gated on it per spec §4.6.
	for _, a := range result.Artifacts {
		if a.Type == artifact.RetryPacket && transition != TransitionRetry {
			continue
		}
		if _, _, err := artifact.Write(ctx, m.DB, artifact.Input{
			AttemptID: attemptID, Type: a.Type, Content: a.Content, Metadata: a.Metadata,
		}); err != nil {
			return 0, "", err
		}
	}

	if err := m.applyTransition(ctx, workerID, beadID, st, transition, decisionAttempt, result.Feedback, attemptID); err != nil {
		return 0, "", err
	}

	return transition, st, nil
}

func (m *Machine) loadWorker(ctx context.Context, workerID int) (workerState, error) {
	var ws workerState
	err := m.DB.QueryRowContext(ctx, `
		SELECT current_bead_id, current_stage, implementation_attempt
		FROM agent_state WHERE worker_id = $1
	`, workerID).Scan(&ws.beadID, &ws.currentStage, &ws.implAttempt)
	if err == sql.ErrNoRows {
		return ws, codes.New(codes.Worker, "unknown worker", "register the worker before running stages")
	}
	if err != nil {
		return ws, codes.Wrap(codes.Store, "failed to load worker state", "retry the request", err)
	}
	return ws, nil
}

func (m *Machine) nextAttemptNumber(ctx context.Context, beadID string, st Stage) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM stage_history WHERE bead_id = $1 AND stage = $2
	`, beadID, string(st)).Scan(&n)
	if err != nil {
		return 0, codes.Wrap(codes.Store, "failed to compute attempt number", "retry the request", err)
	}
	return n, nil
}

func (m *Machine) applyTransition(ctx context.Context, workerID int, beadID string, st Stage, t Transition, decisionAttempt int, feedback string, attemptID int64) error {
	switch t {
	case TransitionAdvance:
		next, _ := Next(st)
		if _, err := m.DB.ExecContext(ctx, `
			UPDATE agent_state SET current_stage = $2, stage_started_at = now() WHERE worker_id = $1
		`, workerID, string(next)); err != nil {
			return codes.Wrap(codes.Store, "failed to advance worker stage", "retry the request", err)
		}
		_, err := event.Record(ctx, m.DB, event.Event{
			EventType: event.TransitionAdvance, EntityID: beadID, BeadID: beadID,
			WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
			NextCommand: "agent", Payload: map[string]any{"from": string(st), "to": string(next)},
		})
		return err

	case TransitionRetry:
		if _, err := m.DB.ExecContext(ctx, `
			UPDATE agent_state
			SET current_stage = 'implement', stage_started_at = now(),
			    implementation_attempt = $2, status = 'waiting', last_feedback = $3
			WHERE worker_id = $1
		`, workerID, decisionAttempt, feedback); err != nil {
			return codes.Wrap(codes.Store, "failed to set retry state", "retry the request", err)
		}
		if _, err := m.DB.ExecContext(ctx, `
			UPDATE stage_history SET feedback_text = $2 WHERE id = $1
		`, attemptID, feedback); err != nil {
			return codes.Wrap(codes.Store, "failed to record retry feedback", "retry the request", err)
		}
		retryable := true
		_, err := event.Record(ctx, m.DB, event.Event{
			EventType: event.TransitionRetry, EntityID: beadID, BeadID: beadID,
			WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
			Category: "retry", Retryable: &retryable, NextCommand: "agent", Detail: feedback,
			Payload: map[string]any{"attempt": decisionAttempt},
		})
		return err

	case TransitionBlock:
		if _, err := m.DB.ExecContext(ctx, `UPDATE bead_claims SET status = 'blocked' WHERE bead_id = $1 AND status = 'in_progress'`, beadID); err != nil {
			return codes.Wrap(codes.Store, "failed to block claim", "retry the request", err)
		}
		if _, err := m.DB.ExecContext(ctx, `UPDATE beads SET status = 'blocked' WHERE id = $1`, beadID); err != nil {
			return codes.Wrap(codes.Store, "failed to block bead", "retry the request", err)
		}
		if _, err := m.DB.ExecContext(ctx, `
			UPDATE agent_state SET status = 'error', current_stage = NULL, last_feedback = $2
			WHERE worker_id = $1
		`, workerID, feedback); err != nil {
			return codes.Wrap(codes.Store, "failed to set worker error state", "retry the request", err)
		}
		retryable := false
		_, err := event.Record(ctx, m.DB, event.Event{
			EventType: event.TransitionBlocked, EntityID: beadID, BeadID: beadID,
			WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
			Category: "blocked", Retryable: &retryable, Detail: feedback,
		})
		return err

	case TransitionComplete:
		return m.complete(ctx, workerID, beadID, st, attemptID)

	case TransitionNoop:
		_, err := event.Record(ctx, m.DB, event.Event{
			EventType: event.TransitionNoop, EntityID: beadID, BeadID: beadID,
			WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
		})
		return err
	}
	return nil
}

// complete runs the Landing contract: completion is not final until the
// remote push is confirmed.
func (m *Machine) complete(ctx context.Context, workerID int, beadID string, st Stage, attemptID int64) error {
	landing, err := m.Lander.Land(ctx, beadID)
	if err != nil {
		return codes.Wrap(codes.Dependency, "landing executor failed", "retry the agent command", err)
	}

	if !landing.Push {
		if _, _, err := artifact.Write(ctx, m.DB, artifact.Input{
			AttemptID: attemptID, Type: artifact.FailureDetails,
			Content:  landing.Detail,
			Metadata: map[string]any{"stage": string(st), "reason": "landing_not_confirmed"},
		}); err != nil {
			return err
		}
		retryable := true
		_, err := event.Record(ctx, m.DB, event.Event{
			EventType: event.TransitionRetry, EntityID: beadID, BeadID: beadID,
			WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
			Category: "landing", Retryable: &retryable, Detail: landing.Detail,
			NextCommand: "agent",
		})
		return err
	}

	if _, err := m.DB.ExecContext(ctx, `UPDATE bead_claims SET status = 'completed' WHERE bead_id = $1 AND status = 'in_progress'`, beadID); err != nil {
		return codes.Wrap(codes.Store, "failed to complete claim", "retry the request", err)
	}
	if _, err := m.DB.ExecContext(ctx, `UPDATE beads SET status = 'completed' WHERE id = $1`, beadID); err != nil {
		return codes.Wrap(codes.Store, "failed to complete bead", "retry the request", err)
	}
	if _, err := m.DB.ExecContext(ctx, `
		UPDATE agent_state SET status = 'done', current_bead_id = NULL, current_stage = 'done', stage_started_at = now()
		WHERE worker_id = $1
	`, workerID); err != nil {
		return codes.Wrap(codes.Store, "failed to mark worker done", "retry the request", err)
	}
	_, err = event.Record(ctx, m.DB, event.Event{
		EventType: event.TransitionFinalize, EntityID: beadID, BeadID: beadID,
		WorkerID: &workerID, Stage: string(st), CausationID: strconv.FormatInt(attemptID, 10),
	})
	return err
}
