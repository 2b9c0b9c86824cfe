package artifact

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jordanhubbard/beadswarm/internal/testutil"
)

func seedAttempt(t *testing.T, db *sql.DB, beadID string, stage string) int64 {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO beads (id, status) VALUES ($1, 'in_progress') ON CONFLICT (id) DO NOTHING`, beadID); err != nil {
		t.Fatalf("failed to seed bead: %v", err)
	}
	var attemptID int64
	err := db.QueryRow(`
		INSERT INTO stage_history (worker_id, bead_id, stage, attempt_number)
		VALUES (1, $1, $2, 1)
		RETURNING id
	`, beadID, stage).Scan(&attemptID)
	if err != nil {
		t.Fatalf("failed to seed stage_history: %v", err)
	}
	return attemptID
}

func TestWriteDedupesByContentHash(t *testing.T) {
	db := testutil.DB(t)
	attemptID := seedAttempt(t, db, "bead-a", "rust-contract")

	id1, hash1, err := Write(context.Background(), db, Input{AttemptID: attemptID, Type: ContractDocument, Content: "same content"})
	if err != nil {
		t.Fatalf("first Write error: %v", err)
	}
	id2, hash2, err := Write(context.Background(), db, Input{AttemptID: attemptID, Type: ContractDocument, Content: "same content"})
	if err != nil {
		t.Fatalf("second Write error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected identical content to dedupe to the same row, got %d vs %d", id1, id2)
	}
	if hash1 != hash2 {
		t.Errorf("expected identical content to hash identically, got %s vs %s", hash1, hash2)
	}
}

func TestWriteDistinctContentProducesDistinctRows(t *testing.T) {
	db := testutil.DB(t)
	attemptID := seedAttempt(t, db, "bead-a", "rust-contract")

	id1, _, err := Write(context.Background(), db, Input{AttemptID: attemptID, Type: ContractDocument, Content: "version one"})
	if err != nil {
		t.Fatalf("first Write error: %v", err)
	}
	id2, _, err := Write(context.Background(), db, Input{AttemptID: attemptID, Type: ContractDocument, Content: "version two"})
	if err != nil {
		t.Fatalf("second Write error: %v", err)
	}
	if id1 == id2 {
		t.Error("expected distinct content to produce distinct rows")
	}
}

func TestListOrdersByAttemptThenType(t *testing.T) {
	db := testutil.DB(t)
	a1 := seedAttempt(t, db, "bead-a", "rust-contract")
	if _, _, err := Write(context.Background(), db, Input{AttemptID: a1, Type: ContractDocument, Content: "contract"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if _, _, err := Write(context.Background(), db, Input{AttemptID: a1, Type: StageLog, Content: "log"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	got, err := List(context.Background(), db, "bead-a", "")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(got))
	}
	if got[0].Type != ContractDocument || got[1].Type != StageLog {
		t.Errorf("expected contract_document before stage_log, got %v then %v", got[0].Type, got[1].Type)
	}
}

func TestListFilteredByInvalidTypeIsRejected(t *testing.T) {
	db := testutil.DB(t)
	_, err := List(context.Background(), db, "bead-a", Type("bogus"))
	if err == nil {
		t.Fatal("expected an error for an unknown artifact type filter")
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	db := testutil.DB(t)
	a1 := seedAttempt(t, db, "bead-a", "implement")
	if _, _, err := Write(context.Background(), db, Input{AttemptID: a1, Type: ImplementationCode, Content: "v1"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if _, _, err := Write(context.Background(), db, Input{AttemptID: a1, Type: ImplementationCode, Content: "v2"}); err != nil {
		t.Fatalf("Write error: %v", err)
	}

	latest, ok, err := Latest(context.Background(), db, "bead-a", ImplementationCode)
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if !ok {
		t.Fatal("expected a latest artifact")
	}
	if latest.Content != "v2" {
		t.Errorf("expected the most recently written content, got %q", latest.Content)
	}
}

func TestLatestNoneFoundIsNotError(t *testing.T) {
	db := testutil.DB(t)
	_, err := db.Exec(`INSERT INTO beads (id, status) VALUES ('bead-empty', 'pending')`)
	if err != nil {
		t.Fatalf("failed to seed bead: %v", err)
	}
	_, ok, err := Latest(context.Background(), db, "bead-empty", ContractDocument)
	if err != nil {
		t.Fatalf("Latest returned error: %v", err)
	}
	if ok {
		t.Error("expected ok=false with no artifacts present")
	}
}
