// Package audit implements the Audit component (P5): a command_audit row
// per accepted request, plus an in-memory ring buffer of recent entries
// for fast-path queries, grounded on this lineage's logging.Manager
// (ring buffer backed by a durable table).
package audit

import (
	"container/ring"
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Entry is one command_audit row.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Command   string         `json:"command"`
	RequestID string         `json:"request_id,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	OK        bool           `json:"ok"`
	DurationMs int64         `json:"duration_ms"`
	ErrorCode string         `json:"error_code,omitempty"`
	Changes   map[string]any `json:"changes,omitempty"`
}

// redactKeys are stripped from Args before persistence or buffering.
var redactKeys = map[string]bool{
	"password": true, "token": true, "secret": true, "dsn": true, "database_url": true,
}

// Manager buffers recent audit entries in memory and persists every entry
// to the command_audit table.
type Manager struct {
	mu     sync.Mutex
	buffer *ring.Ring
	db     *sql.DB
}

// NewManager returns a Manager with a 200-entry in-memory ring, matching
// this lineage's logging buffer sizing; the ring is read back through
// Recent.
func NewManager(db *sql.DB) *Manager {
	return &Manager{buffer: ring.New(200), db: db}
}

// Record writes e to the durable table and the in-memory ring. A
// persistence failure on a successful command is logged and surfaced to
// the caller as an error (per spec §4.12) but never rolls back the
// command it's auditing; a persistence failure on an already-failing
// command is logged only, so it never masks the original error.
func (m *Manager) Record(ctx context.Context, e Entry, commandAlreadyFailed bool) error {
	e.Args = redact(e.Args)

	m.mu.Lock()
	m.buffer.Value = e
	m.buffer = m.buffer.Next()
	m.mu.Unlock()

	args, _ := json.Marshal(e.Args)
	changes, _ := json.Marshal(e.Changes)

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO command_audit (ts, command, request_id, args, ok, duration_ms, error_code, changes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.Timestamp, e.Command, nullStr(e.RequestID), args, e.OK, e.DurationMs, nullStr(e.ErrorCode), changes)
	if err != nil {
		log.Printf("[Audit] Warning: failed to persist audit row for command %q: %v", e.Command, err)
		if commandAlreadyFailed {
			return nil
		}
		return err
	}
	return nil
}

// Recent returns up to n most-recently-buffered entries, newest first.
func (m *Manager) Recent(n int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	m.buffer.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(Entry))
	})
	// ring.Do walks oldest-to-current; reverse for newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func redact(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if redactKeys[k] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
