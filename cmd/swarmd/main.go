// Command swarmd is the coordinator process: it speaks the line-delimited
// JSON protocol on stdin/stdout, with maintenance (lease recovery, stale
// instance cleanup) running on a background loop — grounded on the
// teacher's cmd/loom/main.go signal-driven startup/shutdown and
// StartMaintenanceLoop pattern, adapted from an HTTP server to a
// stdin/stdout protocol loop.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jordanhubbard/beadswarm/internal/audit"
	"github.com/jordanhubbard/beadswarm/internal/claim"
	"github.com/jordanhubbard/beadswarm/internal/config"
	"github.com/jordanhubbard/beadswarm/internal/landing"
	"github.com/jordanhubbard/beadswarm/internal/metrics"
	"github.com/jordanhubbard/beadswarm/internal/protocol"
	"github.com/jordanhubbard/beadswarm/internal/registry"
	"github.com/jordanhubbard/beadswarm/internal/skill"
	"github.com/jordanhubbard/beadswarm/internal/stage"
	"github.com/jordanhubbard/beadswarm/internal/store"
)

const version = "0.1.0"

var (
	configPath string
	databaseURL string
	scriptDir   string
	repoDir     string
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	root := &cobra.Command{
		Use:     "swarmd",
		Short:   "beadswarm coordinator: claims, dispatches, and tracks pipeline beads over stdin/stdout",
		Version: version,
		RunE:    run,
	}
	root.Flags().StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	root.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL DSN (overrides config file and DATABASE_URL)")
	root.Flags().StringVar(&scriptDir, "script-dir", "skills", "directory of per-stage skill scripts")
	root.Flags().StringVar(&repoDir, "repo-dir", ".", "working tree git push lands completed beads from")

	if err := root.Execute(); err != nil {
		// root.Execute already printed the error. Every startup failure
		// exits with CLI_ERROR's exit code (1); the error's kind does not
		// select a different exit code.
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}
	cfg.ApplyEnv()
	if databaseURL != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.DSN = databaseURL
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.Database.DSN, cfg.ConnectTimeoutMs)
	if err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()

	bootCtx, bootCancel := st.Ctx(context.Background())
	if err := st.Bootstrap(bootCtx); err != nil {
		bootCancel()
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	bootCancel()

	instanceID := uuid.NewString()
	hostname, _ := os.Hostname()
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registry.Register(runCtx, st.DB, instanceID, hostname); err != nil {
		return fmt.Errorf("failed to register swarm instance: %w", err)
	}
	defer func() {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if err := registry.Unregister(unregCtx, st.DB, instanceID); err != nil {
			log.Printf("[Swarmd] Warning: failed to unregister instance %s: %v", instanceID, err)
		}
	}()

	leaseTTL := time.Duration(cfg.LeaseTTLSeconds) * time.Second
	skillTimeout := time.Duration(cfg.SkillTimeoutMs) * time.Millisecond

	claimEngine := claim.New(st.DB, leaseTTL, cfg.ClaimLabel)
	runner := skill.New(scriptDir, skillTimeout)
	lander := landing.New(repoDir, "", "", skillTimeout)
	machine := &stage.Machine{DB: st.DB, Runner: runner, Lander: lander, MaxAttempts: cfg.MaxImplementationAttempts}

	m := metrics.New()
	auditMgr := audit.NewManager(st.DB)

	deps := &protocol.Deps{
		DB:         st.DB,
		Cfg:        cfg,
		Claim:      claimEngine,
		Machine:    machine,
		Metrics:    m,
		Audit:      auditMgr,
		InstanceID: instanceID,
		StartedAt:  time.Now(),
	}
	dispatcher := protocol.NewDispatcher(deps)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	go startMaintenanceLoop(runCtx, claimEngine, st.DB, instanceID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return serveStdio(runCtx, dispatcher)
}

// serveStdio reads newline-delimited JSON requests from stdin and writes
// one envelope line to stdout per request, until EOF or runCtx is
// cancelled.
func serveStdio(runCtx context.Context, dispatcher *protocol.Dispatcher) error {
	reader := bufio.NewScanner(os.Stdin)
	reader.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	for reader.Scan() {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}
		line := reader.Bytes()
		if len(line) == 0 {
			continue
		}
		out := dispatcher.Handle(runCtx, line)
		if _, err := writer.Write(out); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
		writer.Flush()
	}
	return reader.Err()
}

// startMaintenanceLoop mirrors the teacher's StartMaintenanceLoop: a
// ticking background sweep that reclaims expired leases and retires stale
// swarm instances, independent of the request loop.
func startMaintenanceLoop(ctx context.Context, claimEngine *claim.Engine, db *sql.DB, instanceID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := claimEngine.RecoverExpired(ctx); err != nil {
				log.Printf("[Swarmd] Warning: lease recovery sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[Swarmd] recovered %d expired lease(s)", n)
			}
			if err := registry.Heartbeat(ctx, db, instanceID); err != nil {
				log.Printf("[Swarmd] Warning: instance heartbeat failed: %v", err)
			}
			if n, err := registry.CleanupStale(ctx, db); err != nil {
				log.Printf("[Swarmd] Warning: stale instance cleanup failed: %v", err)
			} else if n > 0 {
				log.Printf("[Swarmd] retired %d stale swarm instance(s)", n)
			}
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("[Swarmd] metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("[Swarmd] metrics server error: %v", err)
	}
}
