package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/doctor"
	"github.com/jordanhubbard/beadswarm/internal/registry"
	"github.com/jordanhubbard/beadswarm/internal/store"
)

func handleDoctor(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	checks := doctor.Run(ctx, d.DB, doctor.Default())
	allOK := true
	for _, c := range checks {
		if !c.OK {
			allOK = false
			break
		}
	}
	next := "status"
	if !allOK {
		next = "init-db"
	}
	return HandlerResult{Data: map[string]any{"checks": checks}, Next: next}, nil
}

// commandSummaries is the stable index help/? returns; it mirrors the
// closed command set in the dispatcher registry.
var commandSummaries = []map[string]string{
	{"cmd": "doctor", "summary": "Health checks; returns {checks:[{name,ok,msg}]}"},
	{"cmd": "help", "summary": "Command index, error codes, examples"},
	{"cmd": "status", "summary": "Aggregate counts: agents by status, beads by status"},
	{"cmd": "state", "summary": "Full state dump including minimum {total, active}"},
	{"cmd": "init", "summary": "Bootstrap and schema application (idempotent)"},
	{"cmd": "register", "summary": "Seed N worker rows (idempotent)"},
	{"cmd": "next", "summary": "Return top bead recommendation without claiming"},
	{"cmd": "claim-next", "summary": "Atomic claim of the next eligible bead"},
	{"cmd": "assign", "summary": "Explicit bead to worker assignment"},
	{"cmd": "release", "summary": "Free a worker's claim"},
	{"cmd": "agent", "summary": "Run full pipeline for one worker"},
	{"cmd": "run-once", "summary": "Single claim then execute cycle"},
	{"cmd": "smoke", "summary": "Single-worker end-to-end smoke test"},
	{"cmd": "monitor", "summary": "Views: active, progress, failures, messages"},
	{"cmd": "history", "summary": "Paginated event log, optional bead_id filter"},
	{"cmd": "artifacts", "summary": "Stored artifacts for a bead, optional artifact_type filter"},
	{"cmd": "resume", "summary": "List resumable beads"},
	{"cmd": "resume-context", "summary": "Deep, self-sufficient context payload for one bead"},
	{"cmd": "qa", "summary": "Deterministic QA checks"},
	{"cmd": "lock", "summary": "Named lock acquire with TTL"},
	{"cmd": "unlock", "summary": "Named lock release"},
	{"cmd": "broadcast", "summary": "Fan-out message to all workers"},
	{"cmd": "agents", "summary": "List workers with state"},
	{"cmd": "prompt", "summary": "Return canonical agent prompt text"},
	{"cmd": "spawn-prompts", "summary": "Materialize canonical agent prompt text"},
	{"cmd": "load-profile", "summary": "Synthetic load generator"},
	{"cmd": "batch", "summary": "Execute an ordered array of sub-commands"},
}

func handleHelp(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	data := map[string]any{
		"commands": commandSummaries,
		"error_codes": []map[string]any{
			{"code": "CLI_ERROR", "exit": 1},
			{"code": "INVALID", "exit": 2},
			{"code": "INTERNAL", "exit": 3},
			{"code": "CONFLICT", "exit": 4},
			{"code": "NOTFOUND", "exit": 5},
			{"code": "CONFLICT", "exit": 6},
			{"code": "DEPENDENCY", "exit": 7},
			{"code": "INVALID", "exit": 8},
			{"code": "INTERNAL", "exit": 9},
			{"code": "EXISTS", "exit": 4},
			{"code": "BUSY", "exit": 4},
			{"code": "UNAUTHORIZED", "exit": 4},
			{"code": "TIMEOUT", "exit": 7},
		},
		"example": `{"cmd":"claim-next","args":{"agent_id":1}}`,
	}
	return HandlerResult{Data: data, Next: "status"}, nil
}

func handleStatus(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentsByStatus, err := groupCount(ctx, d, "SELECT status, count(*) FROM agent_state GROUP BY status")
	if err != nil {
		return HandlerResult{}, err
	}
	beadsByStatus, err := groupCount(ctx, d, "SELECT status, count(*) FROM beads GROUP BY status")
	if err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{
		Data:  map[string]any{"agents_by_status": agentsByStatus, "beads_by_status": beadsByStatus},
		Next:  "agents",
		State: defaultState(ctx, d.DB),
	}, nil
}

func groupCount(ctx context.Context, d *Deps, query string) (map[string]int, *codes.Error) {
	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, internal("failed to aggregate counts", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, internal("failed to scan aggregate row", err)
		}
		out[k] = n
	}
	return out, nil
}

func handleState(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	st := defaultState(ctx, d.DB)
	instances, ierr := registry.Active(ctx, d.DB)
	if ierr != nil {
		return HandlerResult{}, codes.As(ierr)
	}
	return HandlerResult{
		Data: map[string]any{
			"total":     st.Total,
			"active":    st.Active,
			"instances": instances,
			"instance":  d.InstanceID,
		},
		Next:  "status",
		State: st,
	}, nil
}

func handleInit(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{"apply schema DDL (idempotent)"}}, Next: "register"}, nil
	}
	if err := store.BootstrapDB(ctx, d.DB); err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{
		Data:    map[string]any{"bootstrapped": true},
		Next:    "register",
		Changes: map[string]any{"schema": "applied"},
	}, nil
}

func handleRegister(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	n, ok, perr := req.OptIntArg("seed_agents")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok {
		n = d.Cfg.MaxAgents
	}
	if verr := ValidateSeedAgents("seed_agents", n); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("seed %d worker rows", n)}}, Next: "claim-next"}, nil
	}

	for i := 1; i <= n; i++ {
		if _, err := d.DB.ExecContext(ctx, `
			INSERT INTO agent_state (worker_id, status) VALUES ($1, 'idle')
			ON CONFLICT (worker_id) DO NOTHING
		`, i); err != nil {
			return HandlerResult{}, internal("failed to seed worker row", err)
		}
	}
	return HandlerResult{
		Data:    map[string]any{"seeded": n},
		Next:    "claim-next",
		Changes: map[string]any{"agent_state": n},
	}, nil
}

func handleAgents(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT worker_id, current_bead_id, current_stage, status, implementation_attempt, last_feedback
		FROM agent_state ORDER BY worker_id ASC
	`)
	if err != nil {
		return HandlerResult{}, internal("failed to list agents", err)
	}
	defer rows.Close()

	type agentRow struct {
		WorkerID     int     `json:"worker_id"`
		CurrentBead  *string `json:"current_bead_id,omitempty"`
		CurrentStage *string `json:"current_stage,omitempty"`
		Status       string  `json:"status"`
		Attempt      int     `json:"implementation_attempt"`
		LastFeedback *string `json:"last_feedback,omitempty"`
	}
	var out []agentRow
	for rows.Next() {
		var a agentRow
		if err := rows.Scan(&a.WorkerID, &a.CurrentBead, &a.CurrentStage, &a.Status, &a.Attempt, &a.LastFeedback); err != nil {
			return HandlerResult{}, internal("failed to scan agent row", err)
		}
		out = append(out, a)
	}
	if out == nil {
		out = []agentRow{}
	}
	return HandlerResult{Data: map[string]any{"agents": out}, Next: "claim-next"}, nil
}

func handlePrompt(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	// Prompt text content is an external collaborator's concern (spec §1);
	// this handler only fulfills the command contract with a stable
	// placeholder naming the stages the agent will execute.
	stages := []string{"rust-contract", "implement", "qa-enforcer", "red-queen"}
	text := fmt.Sprintf("You are an autonomous worker. Execute stages in order: %v. Report outcome as JSON {outcome, feedback}.", stages)
	return HandlerResult{Data: map[string]any{"prompt": text, "stages": stages}, Next: "claim-next"}, nil
}

func handleLoadProfile(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	n, ok, perr := req.OptIntArg("count")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok || n <= 0 {
		n = 10
	}
	priority, _, perr := req.OptStringArg("priority")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if priority == "" {
		priority = d.Cfg.ClaimLabel
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("insert %d synthetic beads at priority %s", n, priority)}}, Next: "claim-next"}, nil
	}

	batchStamp := time.Now().UnixNano()
	inserted := 0
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("load-%s-%d-%d", priority, batchStamp, i)
		res, err := d.DB.ExecContext(ctx, `INSERT INTO beads (id, priority) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`, id, priority)
		if err != nil {
			return HandlerResult{}, internal("failed to insert synthetic bead", err)
		}
		if aff, _ := res.RowsAffected(); aff > 0 {
			inserted++
		}
	}
	return HandlerResult{
		Data:    map[string]any{"inserted": inserted},
		Next:    "claim-next",
		Changes: map[string]any{"beads": inserted},
	}, nil
}
