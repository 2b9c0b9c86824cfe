// Package store is the Store Adapter (L3): a pooled, timeout-bounded
// PostgreSQL connection, grounded on the same sql.Open/lib/pq wiring and
// rebind() placeholder convention this lineage's database package uses.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jordanhubbard/beadswarm/internal/codes"
)

// Store wraps the pooled connection plus the clamped per-call timeout every
// query is bounded by.
type Store struct {
	DB      *sql.DB
	Timeout time.Duration
}

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL, following
// this lineage's shared-query-fragment convention.
func rebind(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

// Open dials dsn, clamping timeoutMs to [100, 30000] and classifying the
// failure mode before returning. It never panics on a malformed URL —
// that case is reported as a codes.Config error immediately.
func Open(dsn string, timeoutMs int) (*Store, error) {
	if timeoutMs < 100 {
		timeoutMs = 100
	}
	if timeoutMs > 30000 {
		timeoutMs = 30000
	}
	timeout := time.Duration(timeoutMs) * time.Millisecond

	if dsn == "" {
		return nil, codes.New(codes.Config, "database DSN is empty", "set DATABASE_URL")
	}
	if _, err := url.Parse(dsn); err != nil {
		return nil, codes.Wrap(codes.Config, "malformed database URL", "check DATABASE_URL syntax", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, codes.Wrap(codes.Config, "failed to open database handle", "check DATABASE_URL syntax", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classifyConnectError(err, time.Since(start))
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{DB: db, Timeout: timeout}, nil
}

// classifyConnectError distinguishes Timeout from ConnectionRefused from
// AuthenticationFailed per §4.3, recording the elapsed time that actually
// passed before failure.
func classifyConnectError(err error, elapsed time.Duration) error {
	ctx := map[string]any{"elapsed_ms": elapsed.Milliseconds()}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return codes.Wrap(codes.Timeout, "store connection timed out", "check store reachability or raise connect_timeout_ms", err).WithCtx(ctx)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.Wrap(codes.Timeout, "store connection timed out", "check store reachability or raise connect_timeout_ms", err).WithCtx(ctx)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Name() == "invalid_password" || pqErr.Code.Class().Name() == "invalid_authorization_specification" {
			return codes.Wrap(codes.Unauthorized, "store authentication failed", "check store credentials", err).WithCtx(ctx)
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "password authentication failed") || strings.Contains(msg, "authentication failed") {
		return codes.Wrap(codes.Unauthorized, "store authentication failed", "check store credentials", err).WithCtx(ctx)
	}
	if strings.Contains(msg, "connection refused") {
		return codes.Wrap(codes.Dependency, "store connection refused", "confirm the store is running and reachable", err).WithCtx(ctx)
	}

	return codes.Wrap(codes.Store, "failed to connect to store", "check DATABASE_URL and store health", err).WithCtx(ctx)
}

// Bootstrap applies the schema DDL. Safe to call repeatedly (init-db is
// idempotent per spec §8's round-trip law).
func (s *Store) Bootstrap(ctx context.Context) error {
	return BootstrapDB(ctx, s.DB)
}

// BootstrapDB applies the schema DDL directly against db, for callers that
// only hold a *sql.DB (e.g. the "init-db" handler sharing Deps.DB).
func BootstrapDB(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return codes.Wrap(codes.Store, "failed to apply schema", "check store permissions and retry init-db", err)
	}
	return nil
}

// Ctx returns a context bounded by the store's configured timeout, derived
// from parent.
func (s *Store) Ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.Timeout)
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic — grounded on this lineage's
// WithTransaction helper.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return codes.Wrap(codes.Store, "failed to begin transaction", "retry the request", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return codes.Wrap(codes.Store, "failed to commit transaction", "retry the request", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.DB.Close()
}
