package audit

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/testutil"
)

func TestRecordPersistsAndBuffers(t *testing.T) {
	db := testutil.DB(t)
	m := NewManager(db)

	err := m.Record(context.Background(), Entry{
		Timestamp:  time.Now(),
		Command:    "status",
		RequestID:  "req-1",
		OK:         true,
		DurationMs: 12,
	}, false)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM command_audit WHERE command = 'status'`).Scan(&count); err != nil {
		t.Fatalf("failed to query command_audit: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 persisted audit row, got %d", count)
	}

	recent := m.Recent(10)
	if len(recent) != 1 || recent[0].Command != "status" {
		t.Errorf("expected the recorded entry in the ring buffer, got %+v", recent)
	}
}

func TestRecordRedactsSensitiveArgs(t *testing.T) {
	db := testutil.DB(t)
	m := NewManager(db)

	err := m.Record(context.Background(), Entry{
		Timestamp: time.Now(),
		Command:   "init",
		Args:      map[string]any{"dsn": "postgres://secret", "max_agents": 12.0},
		OK:        true,
	}, false)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	recent := m.Recent(1)
	if len(recent) != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", len(recent))
	}
	if recent[0].Args["dsn"] != "[redacted]" {
		t.Errorf("expected dsn to be redacted, got %v", recent[0].Args["dsn"])
	}
	if recent[0].Args["max_agents"] != 12.0 {
		t.Errorf("expected non-sensitive args to pass through unchanged, got %v", recent[0].Args["max_agents"])
	}
}

func TestRecentReturnsNewestFirstAndRespectsLimit(t *testing.T) {
	db := testutil.DB(t)
	m := NewManager(db)

	for _, cmd := range []string{"a", "b", "c"} {
		if err := m.Record(context.Background(), Entry{Timestamp: time.Now(), Command: cmd, OK: true}, false); err != nil {
			t.Fatalf("Record(%s) error: %v", cmd, err)
		}
	}

	recent := m.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].Command != "c" || recent[1].Command != "b" {
		t.Errorf("expected newest-first order [c,b], got [%s,%s]", recent[0].Command, recent[1].Command)
	}
}
