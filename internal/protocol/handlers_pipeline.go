package protocol

import (
	"context"
	"fmt"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/lock"
	"github.com/jordanhubbard/beadswarm/internal/mail"
	"github.com/jordanhubbard/beadswarm/internal/stage"
)

func handleNext(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	beadID, ok, err := d.Claim.Next(ctx)
	if err != nil {
		return HandlerResult{}, codes.As(err)
	}
	if !ok {
		return HandlerResult{Data: map[string]any{"bead_id": nil}, Next: "register"}, nil
	}
	return HandlerResult{Data: map[string]any{"bead_id": beadID}, Next: "claim-next"}, nil
}

func handleClaimNext(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentID, perr := req.IntArg("agent_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateAgentID("agent_id", agentID); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		beadID, ok, err := d.Claim.Next(ctx)
		if err != nil {
			return HandlerResult{}, codes.As(err)
		}
		plan := []string{"no pending bead at configured priority"}
		if ok {
			plan = []string{fmt.Sprintf("claim bead %s for worker %d", beadID, agentID)}
		}
		return HandlerResult{Data: map[string]any{"plan": plan}, Next: "agent"}, nil
	}

	c, ok, err := d.Claim.Acquire(ctx, agentID)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ClaimsTotal.WithLabelValues("error").Inc()
		}
		return HandlerResult{}, codes.As(err)
	}
	if !ok {
		if d.Metrics != nil {
			d.Metrics.ClaimsTotal.WithLabelValues("empty").Inc()
		}
		return HandlerResult{Data: map[string]any{"bead_id": nil}, Next: "register"}, nil
	}
	if d.Metrics != nil {
		d.Metrics.ClaimsTotal.WithLabelValues("claimed").Inc()
	}
	return HandlerResult{
		Data:    map[string]any{"bead_id": c.BeadID, "claim_id": c.ID, "owner": c.Owner, "lease_expires_at": c.LeaseExpiresAt},
		Next:    "agent",
		Changes: map[string]any{"bead_claims": 1},
	}, nil
}

func handleAssign(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	beadID, perr := req.StringArg("bead_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateBeadID("bead_id", beadID); verr != nil {
		return HandlerResult{}, verr
	}
	agentID, perr := req.IntArg("agent_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateAgentID("agent_id", agentID); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("assign bead %s to worker %d", beadID, agentID)}}, Next: "agent"}, nil
	}

	now := time.Now()
	expires := now.Add(d.Claim.LeaseTTL)
	res, err := d.DB.ExecContext(ctx, `UPDATE beads SET status = 'in_progress' WHERE id = $1 AND status = 'pending'`, beadID)
	if err != nil {
		return HandlerResult{}, internal("failed to mark bead in progress", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return HandlerResult{}, notFound("bead not found or not pending", "check the bead id and its status")
	}
	if _, err := d.DB.ExecContext(ctx, `
		INSERT INTO bead_claims (bead_id, owner, claimed_at, heartbeat_at, lease_expires_at, status)
		VALUES ($1,$2,$3,$3,$4,'in_progress')
	`, beadID, agentID, now, expires); err != nil {
		return HandlerResult{}, internal("failed to insert claim for assignment", err)
	}
	if _, err := d.DB.ExecContext(ctx, `
		INSERT INTO agent_state (worker_id, current_bead_id, current_stage, stage_started_at, status)
		VALUES ($1,$2,'rust-contract',$3,'working')
		ON CONFLICT (worker_id) DO UPDATE SET current_bead_id=EXCLUDED.current_bead_id, current_stage=EXCLUDED.current_stage, stage_started_at=EXCLUDED.stage_started_at, status='working'
	`, agentID, beadID, now); err != nil {
		return HandlerResult{}, internal("failed to update worker state for assignment", err)
	}
	return HandlerResult{Data: map[string]any{"assigned": true}, Next: "agent", Changes: map[string]any{"bead_claims": 1}}, nil
}

func handleRelease(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentID, perr := req.IntArg("agent_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateAgentID("agent_id", agentID); verr != nil {
		return HandlerResult{}, verr
	}
	forced, _, perr := req.OptBoolArg("force")
	if perr != nil {
		return HandlerResult{}, perr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("release worker %d (forced=%v)", agentID, forced)}}, Next: "claim-next"}, nil
	}

	if err := d.Claim.Release(ctx, agentID, forced); err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"released": true}, Next: "claim-next", Changes: map[string]any{"bead_claims": 1}}, nil
}

// runCycle runs one stage execution for the worker currently holding a bead.
func runCycle(ctx context.Context, d *Deps, agentID int) (stage.Transition, stage.Stage, *codes.Error) {
	t, st, err := d.Machine.RunOnce(ctx, agentID)
	if err != nil {
		return 0, "", codes.As(err)
	}
	if d.Metrics != nil {
		d.Metrics.StageTransitions.WithLabelValues(t.String()).Inc()
	}
	return t, st, nil
}

func handleAgent(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentID, perr := req.IntArg("id")
	if perr == nil {
		// accept either "id" or "agent_id" for this command, per the
		// end-to-end scenarios in spec §8 which use "id".
	} else if v, ok, e2 := req.OptIntArg("agent_id"); e2 == nil && ok {
		agentID = v
	} else {
		return HandlerResult{}, perr
	}
	if verr := ValidateAgentID("id", agentID); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		return HandlerResult{
			Data: map[string]any{"plan": []string{
				fmt.Sprintf("claim a bead for worker %d if idle", agentID),
				"run rust-contract, implement, qa-enforcer, red-queen in order",
				"land the completed bead",
			}},
			Next: "status",
		}, nil
	}

	if _, _, err := d.Claim.Acquire(ctx, agentID); err != nil {
		return HandlerResult{}, codes.As(err)
	}

	var lastTransition stage.Transition
	var lastStage stage.Stage
	for i := 0; i < 4; i++ {
		t, st, err := runCycle(ctx, d, agentID)
		if err != nil {
			return HandlerResult{}, err
		}
		lastTransition, lastStage = t, st
		if t == stage.TransitionBlock || t == stage.TransitionComplete || t == stage.TransitionNoop {
			break
		}
	}

	return HandlerResult{
		Data: map[string]any{"transition": lastTransition.String(), "stage": string(lastStage)},
		Next: "status",
		Changes: map[string]any{"stage_history": 1},
	}, nil
}

func handleRunOnce(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentID, perr := req.IntArg("agent_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateAgentID("agent_id", agentID); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("claim then run one stage cycle for worker %d", agentID)}}, Next: "status"}, nil
	}

	if _, _, err := d.Claim.Acquire(ctx, agentID); err != nil {
		return HandlerResult{}, codes.As(err)
	}
	t, st, err := runCycle(ctx, d, agentID)
	if err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Data: map[string]any{"transition": t.String(), "stage": string(st)}, Next: "status"}, nil
}

func handleSmoke(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	agentID, ok, perr := req.OptIntArg("agent_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok {
		agentID = 1
	}
	if verr := ValidateAgentID("agent_id", agentID); verr != nil {
		return HandlerResult{}, verr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("register worker %d", agentID), fmt.Sprintf("drive full pipeline for worker %d", agentID)}}, Next: "status"}, nil
	}

	if _, err := d.DB.ExecContext(ctx, `INSERT INTO agent_state (worker_id, status) VALUES ($1,'idle') ON CONFLICT (worker_id) DO NOTHING`, agentID); err != nil {
		return HandlerResult{}, internal("failed to seed smoke-test worker", err)
	}
	if _, _, err := d.Claim.Acquire(ctx, agentID); err != nil {
		return HandlerResult{}, codes.As(err)
	}
	var lastTransition stage.Transition
	for i := 0; i < 8; i++ {
		t, _, err := runCycle(ctx, d, agentID)
		if err != nil {
			return HandlerResult{}, err
		}
		lastTransition = t
		if t == stage.TransitionComplete || t == stage.TransitionBlock || t == stage.TransitionNoop {
			break
		}
	}
	return HandlerResult{Data: map[string]any{"final_transition": lastTransition.String()}, Next: "status"}, nil
}

func handleLock(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	resource, perr := req.StringArg("resource")
	if perr != nil {
		return HandlerResult{}, perr
	}
	holder, perr := req.StringArg("holder")
	if perr != nil {
		return HandlerResult{}, perr
	}
	ttlSeconds, ok, perr := req.OptIntArg("ttl_seconds")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok || ttlSeconds <= 0 {
		ttlSeconds = 60
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("acquire lock %q for %q (ttl=%ds)", resource, holder, ttlSeconds)}}, Next: "unlock"}, nil
	}

	l, err := lock.Acquire(ctx, d.DB, resource, holder, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"resource": l.Resource, "holder": l.Holder, "expires_at": l.ExpiresAt}, Next: "unlock", Changes: map[string]any{"resource_locks": 1}}, nil
}

func handleUnlock(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	resource, perr := req.StringArg("resource")
	if perr != nil {
		return HandlerResult{}, perr
	}
	holder, perr := req.StringArg("holder")
	if perr != nil {
		return HandlerResult{}, perr
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{fmt.Sprintf("release lock %q held by %q", resource, holder)}}, Next: "lock"}, nil
	}

	if err := lock.Release(ctx, d.DB, resource, holder); err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"released": true}, Next: "lock", Changes: map[string]any{"resource_locks": 1}}, nil
}

func handleBroadcast(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	subject, perr := req.StringArg("subject")
	if perr != nil {
		return HandlerResult{}, perr
	}
	body, perr := req.StringArg("body")
	if perr != nil {
		return HandlerResult{}, perr
	}
	msgType, ok, perr := req.OptStringArg("type")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok {
		msgType = "broadcast"
	}

	if req.Dry {
		return HandlerResult{Data: map[string]any{"plan": []string{"deliver message to every registered worker"}}, Next: "monitor"}, nil
	}

	n, err := mail.Broadcast(ctx, d.DB, msgType, subject, body, nil, nil)
	if err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"delivered": n}, Next: "monitor", Changes: map[string]any{"agent_messages": n}}, nil
}
