// Package landing implements the Landing executor external collaborator:
// confirming a completed bead's work is pushed to the remote, grounded on
// this lineage's git service's exec.CommandContext("git", "push", ...)
// invocation pattern.
package landing

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/stage"
)

// Executor confirms a remote push for a bead's working tree.
type Executor struct {
	RepoDir string
	Remote  string
	Branch  string
	Timeout time.Duration
}

// New builds an Executor bounded by timeout.
func New(repoDir, remote, branch string, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if remote == "" {
		remote = "origin"
	}
	return &Executor{RepoDir: repoDir, Remote: remote, Branch: branch, Timeout: timeout}
}

// Land pushes the bead's branch and reports whether the remote accepted it.
func (e *Executor) Land(ctx context.Context, beadID string) (stage.LandingResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	branch := e.Branch
	if branch == "" {
		branch = "bead/" + beadID
	}

	cmd := exec.CommandContext(ctx, "git", "push", e.Remote, branch)
	cmd.Dir = e.RepoDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return stage.LandingResult{Push: false, Detail: strings.TrimSpace(out.String())}, nil
	}
	return stage.LandingResult{Push: true, Detail: strings.TrimSpace(out.String())}, nil
}
