package stage

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jordanhubbard/beadswarm/internal/artifact"
	"github.com/jordanhubbard/beadswarm/internal/testutil"
)

type fakeRunner struct {
	result Result
	err    error
}

func (f *fakeRunner) RunStage(ctx context.Context, st Stage, beadID string, attemptNumber int, workerCtx map[string]any) (Result, error) {
	return f.result, f.err
}

type fakeLander struct {
	result LandingResult
	err    error
}

func (f *fakeLander) Land(ctx context.Context, beadID string) (LandingResult, error) {
	return f.result, f.err
}

func seedClaimedWorker(t *testing.T, db *sql.DB, beadID string, workerID int, stage Stage, attempt int) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO beads (id, status) VALUES ($1, 'in_progress')`, beadID); err != nil {
		t.Fatalf("failed to seed bead: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO agent_state (worker_id, current_bead_id, current_stage, status, implementation_attempt)
		VALUES ($1, $2, $3, 'working', $4)
	`, workerID, beadID, string(stage), attempt); err != nil {
		t.Fatalf("failed to seed worker: %v", err)
	}
	if _, err := db.Exec(`
		INSERT INTO bead_claims (bead_id, owner, lease_expires_at, status)
		VALUES ($1, $2, now() + interval '5 minutes', 'in_progress')
	`, beadID, workerID); err != nil {
		t.Fatalf("failed to seed claim: %v", err)
	}
}

func TestRunOnceAdvancesOnPass(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, RustContract, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{Outcome: Passed}}, Lander: &fakeLander{}, MaxAttempts: 3}
	transition, st, err := m.RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if transition != TransitionAdvance || st != RustContract {
		t.Errorf("expected advance from rust-contract, got %v/%v", transition, st)
	}

	var currentStage string
	if err := db.QueryRow(`SELECT current_stage FROM agent_state WHERE worker_id = 1`).Scan(&currentStage); err != nil {
		t.Fatalf("failed to read agent_state: %v", err)
	}
	if currentStage != string(Implement) {
		t.Errorf("expected worker advanced to implement, got %s", currentStage)
	}
}

func TestRunOnceRetriesOnFailureUnderBudget(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, Implement, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{Outcome: Failed, Feedback: "fix the thing"}}, Lander: &fakeLander{}, MaxAttempts: 3}
	transition, _, err := m.RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if transition != TransitionRetry {
		t.Errorf("expected retry under budget, got %v", transition)
	}

	var stage, status, feedback string
	if err := db.QueryRow(`SELECT current_stage, status, last_feedback FROM agent_state WHERE worker_id = 1`).Scan(&stage, &status, &feedback); err != nil {
		t.Fatalf("failed to read agent_state: %v", err)
	}
	if stage != string(Implement) || status != "waiting" || feedback != "fix the thing" {
		t.Errorf("unexpected retry state: stage=%s status=%s feedback=%s", stage, status, feedback)
	}
}

func TestRunOnceBlocksAtAttemptBudget(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, Implement, 2)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{Outcome: Failed, Feedback: "still broken"}}, Lander: &fakeLander{}, MaxAttempts: 3}
	transition, _, err := m.RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if transition != TransitionBlock {
		t.Errorf("expected block at attempt budget, got %v", transition)
	}

	var beadStatus string
	if err := db.QueryRow(`SELECT status FROM beads WHERE id = 'bead-a'`).Scan(&beadStatus); err != nil {
		t.Fatalf("failed to read bead status: %v", err)
	}
	if beadStatus != "blocked" {
		t.Errorf("expected bead blocked, got %s", beadStatus)
	}
}

func TestRunOnceCompleteRequiresConfirmedLanding(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, RedQueen, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{Outcome: Passed}}, Lander: &fakeLander{result: LandingResult{Push: false, Detail: "push rejected"}}, MaxAttempts: 3}
	transition, _, err := m.RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if transition != TransitionComplete {
		t.Errorf("expected the decided transition to remain complete even though landing failed, got %v", transition)
	}

	var beadStatus string
	if err := db.QueryRow(`SELECT status FROM beads WHERE id = 'bead-a'`).Scan(&beadStatus); err != nil {
		t.Fatalf("failed to read bead status: %v", err)
	}
	if beadStatus != "in_progress" {
		t.Errorf("expected bead to remain in_progress when landing is not confirmed, got %s", beadStatus)
	}
}

func TestRunOnceCompletesWhenLandingConfirmed(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, RedQueen, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{Outcome: Passed}}, Lander: &fakeLander{result: LandingResult{Push: true}}, MaxAttempts: 3}
	if _, _, err := m.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	var beadStatus, workerStatus string
	if err := db.QueryRow(`SELECT status FROM beads WHERE id = 'bead-a'`).Scan(&beadStatus); err != nil {
		t.Fatalf("failed to read bead status: %v", err)
	}
	if err := db.QueryRow(`SELECT status FROM agent_state WHERE worker_id = 1`).Scan(&workerStatus); err != nil {
		t.Fatalf("failed to read worker status: %v", err)
	}
	if beadStatus != "completed" || workerStatus != "done" {
		t.Errorf("expected bead completed and worker done, got bead=%s worker=%s", beadStatus, workerStatus)
	}
}

func TestRunOnceWritesArtifacts(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, RustContract, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{
		Outcome:   Passed,
		Artifacts: []ArtifactInput{{Type: artifact.ContractDocument, Content: "the contract"}},
	}}, Lander: &fakeLander{}, MaxAttempts: 3}
	if _, _, err := m.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	got, ok, err := artifact.Latest(context.Background(), db, "bead-a", artifact.ContractDocument)
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if !ok || got.Content != "the contract" {
		t.Errorf("expected the contract artifact to be persisted, got ok=%v content=%q", ok, got.Content)
	}
}

func TestRunOnceDropsRetryPacketWhenNotRetrying(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, RustContract, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{result: Result{
		Outcome:   Passed,
		Artifacts: []ArtifactInput{{Type: artifact.RetryPacket, Content: "should not persist"}},
	}}, Lander: &fakeLander{}, MaxAttempts: 3}
	if _, _, err := m.RunOnce(context.Background(), 1); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	_, ok, err := artifact.Latest(context.Background(), db, "bead-a", artifact.RetryPacket)
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if ok {
		t.Error("expected retry_packet to be dropped on a non-retry transition")
	}
}

func TestRunOnceNoActiveBeadIsError(t *testing.T) {
	db := testutil.DB(t)
	if _, err := db.Exec(`INSERT INTO agent_state (worker_id, status) VALUES (1, 'idle')`); err != nil {
		t.Fatalf("failed to seed worker: %v", err)
	}

	m := &Machine{DB: db, Runner: &fakeRunner{}, Lander: &fakeLander{}, MaxAttempts: 3}
	if _, _, err := m.RunOnce(context.Background(), 1); err == nil {
		t.Error("expected an error running a stage for an idle worker")
	}
}

func TestRunOnceOnDoneStageIsNoop(t *testing.T) {
	db := testutil.DB(t)
	seedClaimedWorker(t, db, "bead-a", 1, Done, 0)

	m := &Machine{DB: db, Runner: &fakeRunner{}, Lander: &fakeLander{}, MaxAttempts: 3}
	transition, st, err := m.RunOnce(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if transition != TransitionNoop || st != Done {
		t.Errorf("expected noop on the done stage, got %v/%v", transition, st)
	}
}
