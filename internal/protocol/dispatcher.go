package protocol

import (
	"context"
	"database/sql"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/audit"
	"github.com/jordanhubbard/beadswarm/internal/claim"
	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/config"
	"github.com/jordanhubbard/beadswarm/internal/envelope"
	"github.com/jordanhubbard/beadswarm/internal/metrics"
	"github.com/jordanhubbard/beadswarm/internal/stage"
)

// Deps bundles everything a handler needs. It is built once at startup and
// shared across requests; all mutable state lives in the store, not here,
// per the cooperative/single-event-loop concurrency model in spec §5.
type Deps struct {
	DB         *sql.DB
	Cfg        config.Config
	Claim      *claim.Engine
	Machine    *stage.Machine
	Metrics    *metrics.Metrics
	Audit      *audit.Manager
	InstanceID string
	StartedAt  time.Time
}

// HandlerResult is what a handler produces before the dispatcher wraps it
// in an envelope.
type HandlerResult struct {
	Data    any
	Next    string
	State   *envelope.State
	Changes map[string]any
}

// HandlerFunc executes one command. req.Dry indicates the request must not
// mutate any table except command_audit.
type HandlerFunc func(ctx context.Context, d *Deps, req Request) (HandlerResult, *codes.Error)

// registry is the closed, stable command-name-to-handler map (P2).
var registry = map[string]HandlerFunc{
	"doctor":          handleDoctor,
	"help":            handleHelp,
	"?":               handleHelp,
	"status":          handleStatus,
	"state":           handleState,
	"init":            handleInit,
	"init-db":         handleInit,
	"init-local-db":   handleInit,
	"bootstrap":       handleInit,
	"register":        handleRegister,
	"next":            handleNext,
	"claim-next":      handleClaimNext,
	"assign":          handleAssign,
	"release":         handleRelease,
	"agent":           handleAgent,
	"run-once":        handleRunOnce,
	"smoke":           handleSmoke,
	"monitor":         handleMonitor,
	"history":         handleHistory,
	"artifacts":       handleArtifacts,
	"resume":          handleResume,
	"resume-context":  handleResumeContext,
	"qa":              handleQA,
	"lock":            handleLock,
	"unlock":          handleUnlock,
	"broadcast":       handleBroadcast,
	"agents":          handleAgents,
	"prompt":          handlePrompt,
	"spawn-prompts":   handlePrompt,
	"load-profile":    handleLoadProfile,
	"batch":           handleBatch,
}

// Dispatcher routes one parsed Request to its handler, enforcing the audit
// wrap (P5) and the dry-run contract uniformly.
type Dispatcher struct {
	Deps *Deps
}

func NewDispatcher(d *Deps) *Dispatcher { return &Dispatcher{Deps: d} }

// Handle parses, dispatches, audits, and renders exactly one response line
// for one inbound line.
func (disp *Dispatcher) Handle(ctx context.Context, line []byte) []byte {
	req, perr := Parse(line)
	b := envelope.NewBuilder("")
	if perr != nil {
		env := b.Failure(perr)
		out, _ := envelope.Encode(env)
		return out
	}
	b = envelope.NewBuilder(req.Rid)

	handler, ok := registry[req.Cmd]
	if !ok {
		err := codes.New(codes.Serialization, "unknown command: "+req.Cmd, "send \"help\" for the list of recognized commands")
		disp.audit(ctx, req, false, 0, err, nil)
		out, _ := envelope.Encode(b.Failure(err))
		return out
	}

	start := time.Now()
	result, herr := handler(ctx, disp.Deps, req)
	elapsedMs := time.Since(start).Milliseconds()

	if disp.Deps.Metrics != nil {
		okLabel := "true"
		if herr != nil {
			okLabel = "false"
		}
		disp.Deps.Metrics.CommandsTotal.WithLabelValues(req.Cmd, okLabel).Inc()
		disp.Deps.Metrics.CommandDuration.WithLabelValues(req.Cmd).Observe(float64(elapsedMs))
	}

	disp.audit(ctx, req, herr == nil, elapsedMs, herr, result.Changes)

	if herr != nil {
		out, _ := envelope.Encode(b.Failure(herr))
		return out
	}
	state := result.State
	if state == nil {
		state = defaultState(ctx, disp.Deps.DB)
	}
	env := b.Success(result.Data, result.Next, state)
	out, _ := envelope.Encode(env)
	return out
}

func (disp *Dispatcher) audit(ctx context.Context, req Request, ok bool, durationMs int64, herr *codes.Error, changes map[string]any) {
	args := make(map[string]any, len(req.Args))
	for k, v := range req.Args {
		var dec any
		_ = jsonUnmarshalAny(v, &dec)
		args[k] = dec
	}
	entry := audit.Entry{
		Timestamp:  time.Now(),
		Command:    req.Cmd,
		RequestID:  req.Rid,
		Args:       args,
		OK:         ok,
		DurationMs: durationMs,
		Changes:    changes,
	}
	if herr != nil {
		entry.ErrorCode = herr.Kind.Code()
	}
	if req.Dry {
		entry.Changes = map[string]any{}
	}
	_ = disp.Deps.Audit.Record(ctx, entry, !ok)
}
