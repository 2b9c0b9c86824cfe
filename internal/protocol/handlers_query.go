package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/artifact"
	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/event"
	"github.com/jordanhubbard/beadswarm/internal/mail"
)

func handleMonitor(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	view, ok, perr := req.OptStringArg("view")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok {
		view = "active"
	}

	switch view {
	case "active":
		rows, err := d.DB.QueryContext(ctx, `
			SELECT worker_id, current_bead_id, current_stage FROM agent_state WHERE status = 'working'
			ORDER BY worker_id ASC
		`)
		if err != nil {
			return HandlerResult{}, internal("failed to query active view", err)
		}
		defer rows.Close()
		type row struct {
			WorkerID int     `json:"worker_id"`
			BeadID   *string `json:"bead_id"`
			Stage    *string `json:"stage"`
		}
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.WorkerID, &r.BeadID, &r.Stage); err != nil {
				return HandlerResult{}, internal("failed to scan active row", err)
			}
			out = append(out, r)
		}
		if out == nil {
			out = []row{}
		}
		return HandlerResult{Data: map[string]any{"view": "active", "workers": out}, Next: "history"}, nil

	case "progress":
		beadsByStatus, err := groupCount(ctx, d, "SELECT status, count(*) FROM beads GROUP BY status")
		if err != nil {
			return HandlerResult{}, err
		}
		return HandlerResult{Data: map[string]any{"view": "progress", "beads_by_status": beadsByStatus}, Next: "history"}, nil

	case "failures":
		rows, err := d.DB.QueryContext(ctx, `
			SELECT DISTINCT ON (bead_id, stage) bead_id, stage, feedback_text, completed_at
			FROM stage_history
			WHERE outcome = 'failed'
			ORDER BY bead_id, stage, started_at DESC
		`)
		if err != nil {
			return HandlerResult{}, internal("failed to query failures view", err)
		}
		defer rows.Close()
		type row struct {
			BeadID      string     `json:"bead_id"`
			Stage       string     `json:"stage"`
			Feedback    *string    `json:"feedback,omitempty"`
			CompletedAt *time.Time `json:"completed_at,omitempty"`
		}
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.BeadID, &r.Stage, &r.Feedback, &r.CompletedAt); err != nil {
				return HandlerResult{}, internal("failed to scan failures row", err)
			}
			out = append(out, r)
		}
		if out == nil {
			out = []row{}
		}
		return HandlerResult{Data: map[string]any{"view": "failures", "failures": out}, Next: "history"}, nil

	case "messages":
		agentID, ok, perr := req.OptIntArg("agent_id")
		if perr != nil {
			return HandlerResult{}, perr
		}
		if !ok {
			return HandlerResult{}, codes.New(codes.Serialization, "messages view requires agent_id", "pass args.agent_id")
		}
		msgs, err := mail.Unread(ctx, d.DB, agentID)
		if err != nil {
			return HandlerResult{}, codes.As(err)
		}
		return HandlerResult{Data: map[string]any{"view": "messages", "messages": msgs}, Next: "history"}, nil

	default:
		return HandlerResult{}, codes.New(codes.Serialization, "unknown monitor view", "use one of: active, progress, failures, messages")
	}
}

func handleHistory(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	beadID, _, perr := req.OptStringArg("bead_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	limit, ok, perr := req.OptIntArg("limit")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if !ok {
		limit = 100
	}
	if verr := ValidateLimit("limit", limit); verr != nil {
		return HandlerResult{}, verr
	}
	afterSeq, _, perr := req.OptIntArg("after")
	if perr != nil {
		return HandlerResult{}, perr
	}

	events, err := event.List(ctx, d.DB, beadID, int64(afterSeq), limit)
	if err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"events": events}, Next: "artifacts"}, nil
}

func handleArtifacts(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	beadID, perr := req.StringArg("bead_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateBeadID("bead_id", beadID); verr != nil {
		return HandlerResult{}, verr
	}
	artifactType, _, perr := req.OptStringArg("artifact_type")
	if perr != nil {
		return HandlerResult{}, perr
	}

	list, err := artifact.List(ctx, d.DB, beadID, artifact.Type(artifactType))
	if err != nil {
		return HandlerResult{}, codes.As(err)
	}
	return HandlerResult{Data: map[string]any{"artifacts": list}, Next: "resume-context"}, nil
}

func handleResume(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id FROM beads WHERE status = 'in_progress'
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return HandlerResult{}, internal("failed to list resumable beads", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return HandlerResult{}, internal("failed to scan resumable bead", err)
		}
		ids = append(ids, id)
	}
	if ids == nil {
		ids = []string{}
	}
	return HandlerResult{Data: map[string]any{"resumable": ids}, Next: "resume-context"}, nil
}

func handleResumeContext(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	beadID, perr := req.StringArg("bead_id")
	if perr != nil {
		return HandlerResult{}, perr
	}
	if verr := ValidateBeadID("bead_id", beadID); verr != nil {
		return HandlerResult{}, verr
	}
	ctxPayload, err := BuildResumeContext(ctx, d, beadID)
	if err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Data: ctxPayload, Next: "agent"}, nil
}

func handleQA(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	checks := []map[string]any{}
	var danglingClaims int
	_ = d.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM bead_claims c
		LEFT JOIN beads b ON b.id = c.bead_id
		WHERE b.id IS NULL
	`).Scan(&danglingClaims)
	checks = append(checks, map[string]any{"name": "no_dangling_claims", "ok": danglingClaims == 0, "count": danglingClaims})

	var doubleClaims int
	_ = d.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM (
			SELECT bead_id FROM bead_claims WHERE status = 'in_progress' GROUP BY bead_id HAVING count(*) > 1
		) x
	`).Scan(&doubleClaims)
	checks = append(checks, map[string]any{"name": "one_active_claim_per_bead", "ok": doubleClaims == 0, "count": doubleClaims})

	allOK := true
	for _, c := range checks {
		if c["ok"] != true {
			allOK = false
		}
	}
	return HandlerResult{Data: map[string]any{"ok": allOK, "checks": checks}, Next: "status"}, nil
}

func handleBatch(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error) {
	raw, ok := req.Args["ops"]
	if !ok {
		return HandlerResult{}, codes.New(codes.Serialization, "batch requires \"ops\"", "pass args.ops as an array of sub-commands")
	}
	var rawOps []json.RawMessage
	if err := json.Unmarshal(raw, &rawOps); err != nil {
		return HandlerResult{}, codes.New(codes.Serialization, "\"ops\" must be an array of command objects", "each item needs at least a \"cmd\" field")
	}

	type itemResult struct {
		Index int              `json:"index"`
		OK    bool             `json:"ok"`
		D     any              `json:"d,omitempty"`
		Err   *envelopeErrBody `json:"err,omitempty"`
	}

	items := make([]itemResult, 0, len(rawOps))
	pass, fail := 0, 0
	for i, rawOp := range rawOps {
		// Each sub-op uses the same flat-or-nested args grammar as a
		// top-level request (spec §8 S6 spreads sub-op args flat, e.g.
		// {"cmd":"agent","id":0}).
		subReq, perr := parseFields(rawOp)
		if perr != nil {
			items = append(items, itemResult{Index: i, OK: false, Err: &envelopeErrBody{Code: "INVALID", Msg: perr.Msg}})
			fail++
			continue
		}
		handler, found := registry[subReq.Cmd]
		if !found {
			items = append(items, itemResult{Index: i, OK: false, Err: &envelopeErrBody{Code: "INVALID", Msg: "unknown command: " + subReq.Cmd}})
			fail++
			continue
		}
		subReq.Dry = subReq.Dry || req.Dry
		res, herr := handler(ctx, d, subReq)
		if herr != nil {
			items = append(items, itemResult{Index: i, OK: false, Err: &envelopeErrBody{Code: herr.Kind.Code(), Msg: herr.Msg}})
			fail++
			continue
		}
		items = append(items, itemResult{Index: i, OK: true, D: res.Data})
		pass++
	}

	summary := map[string]any{"total": len(rawOps), "pass": pass, "fail": fail}
	return HandlerResult{Data: map[string]any{"items": items, "summary": summary}, Next: "status"}, nil
}

// envelopeErrBody mirrors envelope.ErrBody's minimal shape locally to avoid
// importing envelope for this one nested literal.
type envelopeErrBody struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
