// Package skill implements the Skill runner external collaborator: each
// pipeline stage is an opaque subprocess invocation, bounded by a timeout
// and with its output captured as a stage_log artifact, grounded on this
// lineage's shell-executor pattern (allowlisted command, context-bounded
// exec.CommandContext, captured stdout/stderr).
package skill

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/artifact"
	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/stage"
)

// Runner invokes one external script per stage, named by convention
// "<ScriptDir>/<stage>.sh bead_id attempt_number". The script's stdout
// must be a single-line JSON object: {"outcome": "passed|failed|error",
// "feedback": "...", "transcript": "..."}.  A script that does not exist
// is treated as a stage failure with category dependency, not a panic.
type Runner struct {
	ScriptDir string
	Timeout   time.Duration
}

// New builds a Runner bounded by timeout, using scripts under dir.
func New(dir string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Runner{ScriptDir: dir, Timeout: timeout}
}

type scriptOutput struct {
	Outcome    string `json:"outcome"`
	Feedback   string `json:"feedback"`
	Transcript string `json:"transcript"`
}

// RunStage executes the stage's skill script and returns a structured
// stage.Result. stdout and stderr are always captured into a stage_log
// artifact regardless of outcome.
func (r *Runner) RunStage(ctx context.Context, st stage.Stage, beadID string, attemptNumber int, workerCtx map[string]any) (stage.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	scriptPath := r.ScriptDir + "/" + string(st) + ".sh"
	cmd := exec.CommandContext(ctx, scriptPath, beadID, strconv.Itoa(attemptNumber))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	log := stage.ArtifactInput{
		Type:    artifact.StageLog,
		Content: "stdout:\n" + stdout.String() + "\nstderr:\n" + stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return stage.Result{
			Outcome:    stage.Error,
			Feedback:   "stage execution timed out",
			Transcript: stderr.String(),
			Artifacts:  []stage.ArtifactInput{log},
		}, codes.New(codes.Timeout, "stage execution timed out", "increase skill_timeout_ms or investigate the stage script")
	}

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			// The script itself could not be started (missing, not
			// executable) — a dependency failure, not a stage verdict.
			return stage.Result{
				Outcome:    stage.Error,
				Feedback:   "failed to invoke stage script: " + runErr.Error(),
				Artifacts:  []stage.ArtifactInput{log},
				Transcript: stderr.String(),
			}, codes.Wrap(codes.Dependency, "failed to invoke stage script", "verify the skill script exists and is executable", runErr)
		}
	}

	var out scriptOutput
	_ = json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out)
	outcome := stage.Outcome(out.Outcome)
	switch outcome {
	case stage.Passed, stage.Failed, stage.Error:
	default:
		if runErr != nil {
			outcome = stage.Failed
		} else {
			outcome = stage.Passed
		}
	}

	transcript := out.Transcript
	if transcript == "" {
		transcript = stdout.String()
	}

	return stage.Result{
		Outcome:    outcome,
		Feedback:   out.Feedback,
		Transcript: transcript,
		Artifacts:  []stage.ArtifactInput{log},
	}, nil
}
