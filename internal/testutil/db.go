// Package testutil provides a shared, truncate-between-tests PostgreSQL
// handle for integration tests, grounded on the teacher's database_test.go
// newTestDB/pgParams/TestMain pattern: one throwaway database per test
// binary run, schema applied once, every test starting from a clean slate.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/jordanhubbard/beadswarm/internal/store"
)

func pgParams() (host, port, user, password string) {
	host = os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	port = os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	user = os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "beadswarm"
	}
	password = os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		password = "beadswarm"
	}
	return
}

var (
	sharedDB     *sql.DB
	sharedOnce   sync.Once
	sharedErr    error
	sharedDBName string
	sharedAdmDSN string
)

// DB returns a shared *sql.DB with the full schema applied, truncating all
// tables before returning so each test starts clean. Skips the test if
// PostgreSQL is not reachable.
func DB(t *testing.T) *sql.DB {
	t.Helper()

	sharedOnce.Do(func() {
		host, port, user, password := pgParams()
		sharedAdmDSN = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=postgres sslmode=disable connect_timeout=5",
			host, port, user, password,
		)
		admin, err := sql.Open("postgres", sharedAdmDSN)
		if err != nil {
			sharedErr = fmt.Errorf("postgres not available: %w", err)
			return
		}
		if err := admin.Ping(); err != nil {
			admin.Close()
			sharedErr = fmt.Errorf("postgres not reachable: %w", err)
			return
		}

		sharedDBName = fmt.Sprintf("beadswarm_test_%d", time.Now().UnixNano())
		if _, err := admin.Exec(`CREATE DATABASE "` + sharedDBName + `"`); err != nil {
			admin.Close()
			sharedErr = fmt.Errorf("cannot create test database %q: %w", sharedDBName, err)
			return
		}
		admin.Close()

		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
			host, port, user, password, sharedDBName,
		)
		st, err := store.Open(dsn, 5000)
		if err != nil {
			sharedErr = fmt.Errorf("failed to open test database: %w", err)
			return
		}
		if err := st.Bootstrap(context.Background()); err != nil {
			sharedErr = fmt.Errorf("failed to bootstrap schema: %w", err)
			return
		}
		sharedDB = st.DB
	})

	if sharedErr != nil {
		t.Skipf("skipping: %v", sharedErr)
		return nil
	}

	truncateAll(t, sharedDB)
	seedConfig(sharedDB)
	return sharedDB
}

func truncateAll(t *testing.T, db *sql.DB) {
	t.Helper()
	rows, err := db.Query(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename NOT LIKE 'pg_%'
	`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, `"`+name+`"`)
		}
	}
	rows.Close()
	if len(tables) == 0 {
		return
	}
	_, _ = db.Exec("TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE")
}

func seedConfig(db *sql.DB) {
	_, _ = db.Exec(`
		INSERT INTO configuration (id, max_workers, max_implementation_attempts, claim_label, swarm_status)
		VALUES (1, 12, 3, 'p0', 'running')
		ON CONFLICT (id) DO NOTHING
	`)
}
