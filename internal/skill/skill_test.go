package skill

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jordanhubbard/beadswarm/internal/codes"
	"github.com/jordanhubbard/beadswarm/internal/stage"
)

func writeScript(t *testing.T, dir string, st stage.Stage, body string) {
	t.Helper()
	path := filepath.Join(dir, string(st)+".sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
}

func TestRunStageReportsScriptOutcome(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, stage.Implement, `echo '{"outcome":"failed","feedback":"missing test coverage"}'`)
	r := New(dir, 2*time.Second)

	result, err := r.RunStage(context.Background(), stage.Implement, "bead-1", 1, nil)
	if err != nil {
		t.Fatalf("RunStage returned error: %v", err)
	}
	if result.Outcome != stage.Failed {
		t.Errorf("expected outcome failed, got %v", result.Outcome)
	}
	if result.Feedback != "missing test coverage" {
		t.Errorf("expected feedback from script, got %q", result.Feedback)
	}
}

func TestRunStageAlwaysCapturesStageLogArtifact(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, stage.RustContract, `echo '{"outcome":"passed"}'`)
	r := New(dir, 2*time.Second)

	result, err := r.RunStage(context.Background(), stage.RustContract, "bead-1", 1, nil)
	if err != nil {
		t.Fatalf("RunStage returned error: %v", err)
	}
	if len(result.Artifacts) != 1 {
		t.Fatalf("expected exactly one artifact, got %d", len(result.Artifacts))
	}
	if result.Artifacts[0].Type != "stage_log" {
		t.Errorf("expected a stage_log artifact, got %v", result.Artifacts[0].Type)
	}
}

func TestRunStageMissingScriptIsDependencyError(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, 2*time.Second)

	result, err := r.RunStage(context.Background(), stage.QAEnforcer, "bead-1", 1, nil)
	if err == nil {
		t.Fatal("expected an error for a missing skill script")
	}
	ce := codes.As(err)
	if ce.Kind != codes.Dependency {
		t.Errorf("expected Dependency kind, got %v", ce.Kind)
	}
	if result.Outcome != stage.Error {
		t.Errorf("expected outcome error, got %v", result.Outcome)
	}
}

func TestRunStageTimeoutIsTimeoutError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, stage.RedQueen, `sleep 2`)
	r := New(dir, 100*time.Millisecond)

	result, err := r.RunStage(context.Background(), stage.RedQueen, "bead-1", 1, nil)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	ce := codes.As(err)
	if ce.Kind != codes.Timeout {
		t.Errorf("expected Timeout kind, got %v", ce.Kind)
	}
	if result.Outcome != stage.Error {
		t.Errorf("expected outcome error on timeout, got %v", result.Outcome)
	}
}

func TestRunStageNonJSONStdoutWithCleanExitDefaultsPassed(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, stage.Implement, `echo 'not json'`)
	r := New(dir, 2*time.Second)

	result, err := r.RunStage(context.Background(), stage.Implement, "bead-1", 1, nil)
	if err != nil {
		t.Fatalf("RunStage returned error: %v", err)
	}
	if result.Outcome != stage.Passed {
		t.Errorf("expected a clean exit with unparsable stdout to default to passed, got %v", result.Outcome)
	}
}

func TestRunStageNonZeroExitWithoutJSONDefaultsFailed(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, stage.Implement, `exit 1`)
	r := New(dir, 2*time.Second)

	result, err := r.RunStage(context.Background(), stage.Implement, "bead-1", 1, nil)
	if err != nil {
		t.Fatalf("RunStage returned error: %v", err)
	}
	if result.Outcome != stage.Failed {
		t.Errorf("expected a non-zero exit without a JSON verdict to default to failed, got %v", result.Outcome)
	}
}

func TestNewDefaultsNonPositiveTimeout(t *testing.T) {
	r := New("/tmp", 0)
	if r.Timeout != 3*time.Second {
		t.Errorf("expected default timeout of 3s, got %v", r.Timeout)
	}
}
