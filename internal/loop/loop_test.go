package loop_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"planloom/internal/config"
	"planloom/internal/engine"
	"planloom/internal/execlog"
	"planloom/internal/loop"
	"planloom/internal/store"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
}

const loopJob = `---
id: WI-001
kind: job
status: planned
outputs: [outputs/result.md]
verification_evidence: [artifacts/verification.md]
---
# WI-001 Build the result

# Acceptance Criteria
- result.md contains the summarized findings table with all rows populated

# Verification Plan
- open the rendered result and confirm the findings table matches the raw data

# Relevant Lessons Learned
- keep the raw extract around so the table can be regenerated
`

// seed builds a workspace where every completion gate can pass, so tests
// exercise the loop's own state machine rather than gate plumbing.
func seed(t *testing.T) (*store.FS, string) {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("plan.md", "---\nid: PROJ-1\nkind: project\nstatus: in_progress\nagreement_status: agreed\n---\n# Plan\n")
	write("workstreams/WS-001/plan.md", "---\nid: WS-001\nkind: workstream\nstatus: in_progress\n---\n")
	write("workstreams/WS-001/jobs/WI-001/plan.md", loopJob)
	write("workstreams/WS-001/jobs/WI-001/prompt.md", "Produce the findings table from the raw extract.\n")
	write("workstreams/WS-001/jobs/WI-001/outputs/result.md", "findings table\n")
	write("workstreams/WS-001/jobs/WI-001/artifacts/verification.md", "checked the findings against the raw extract\n")
	write("outputs/dashboard.json", "{}\n")
	write("outputs/dashboard.html", "<html></html>\n")
	write("outputs/2024-task-tracker.csv", "id,status\n")
	write("notes/lessons-learned.md", "- WI-001: regenerate tables from raw extract\n")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(root, "workstreams/WS-001/jobs/WI-001/outputs/result.md"), old, old); err != nil {
		t.Fatal(err)
	}
	return store.NewFS(root), root
}

type fakeRunner struct {
	exits   []int
	stdouts []string
	calls   int
}

func (f *fakeRunner) Run(_ context.Context, req loop.RunRequest) (loop.RunResult, error) {
	i := f.calls
	f.calls++
	if i >= len(f.exits) {
		i = len(f.exits) - 1
	}
	if err := os.WriteFile(req.StdoutPath, []byte(f.stdouts[i]), 0o644); err != nil {
		return loop.RunResult{}, err
	}
	return loop.RunResult{
		ExitCode: f.exits[i],
		Stdout:   f.stdouts[i],
		Command:  "fake-runner",
	}, nil
}

func executor(fs *store.FS, r loop.Runner) loop.Executor {
	log := &execlog.Memory{}
	eng := engine.Engine{
		Store:  fs,
		Log:    log,
		Config: config.Default("PROJ-1"),
		Now:    fixedNow,
		Out:    io.Discard,
	}
	return loop.Executor{Engine: eng, Log: log, Runner: r, Now: fixedNow}
}

func TestCompletedOnFirstAttemptWithPromise(t *testing.T) {
	fs, root := seed(t)
	runner := &fakeRunner{exits: []int{0}, stdouts: []string{"work done\n<promise>WI-001-DONE</promise>\n"}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeUntilComplete,
		MaxAttempts: 2,
		Promise:     "WI-001-DONE",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != loop.StatusCompleted || summary.StopReason != loop.ReasonPromiseDetected {
		t.Fatalf("summary: %+v", summary.State)
	}
	if summary.Attempts != 1 || summary.ExitCode() != 0 {
		t.Fatalf("attempts=%d exit=%d", summary.Attempts, summary.ExitCode())
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != "done" {
		t.Fatalf("job = %s", job.Status())
	}
	if _, err := os.Stat(loop.StatePath(root, "WI-001")); err != nil {
		t.Fatalf("state.json missing: %v", err)
	}
	if _, err := os.Stat(loop.SummaryPath(root, "WI-001")); err != nil {
		t.Fatalf("summary.json missing: %v", err)
	}
}

func TestMissingPromiseExhaustsBudget(t *testing.T) {
	fs, _ := seed(t)
	runner := &fakeRunner{exits: []int{0}, stdouts: []string{"work done, no token\n"}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeUntilComplete,
		MaxAttempts: 2,
		Promise:     "WI-001-DONE",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != loop.StatusBlocked || summary.StopReason != loop.ReasonMaxIterations {
		t.Fatalf("summary: %+v", summary.State)
	}
	if summary.Attempts != 2 || runner.calls != 2 || summary.ExitCode() != 1 {
		t.Fatalf("attempts=%d calls=%d exit=%d", summary.Attempts, runner.calls, summary.ExitCode())
	}
	if summary.LastAttempt == nil || summary.LastAttempt.GateStage != "gates_passed_not_complete" {
		t.Fatalf("last attempt: %+v", summary.LastAttempt)
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != "blocked" {
		t.Fatalf("job = %s", job.Status())
	}
	if !job.Front.Bool("loop_enabled") || job.Front.Str("loop_mode") != loop.ModeUntilComplete {
		t.Fatalf("loop config not stamped: enabled=%v mode=%q",
			job.Front.Bool("loop_enabled"), job.Front.Str("loop_mode"))
	}
	if job.Front.Int("loop_max_iterations") != 2 || job.Front.Str("loop_target_promise") != "WI-001-DONE" {
		t.Fatalf("loop budget/promise not stamped: max=%d promise=%q",
			job.Front.Int("loop_max_iterations"), job.Front.Str("loop_target_promise"))
	}
	if job.Front.Str("loop_started_at") == "" {
		t.Fatalf("loop_started_at not stamped")
	}
}

func TestMaxIterationsModeIgnoresPromiseToken(t *testing.T) {
	fs, _ := seed(t)
	runner := &fakeRunner{exits: []int{0}, stdouts: []string{"work done, no token\n"}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeMaxIterations,
		MaxAttempts: 2,
		Promise:     "WI-001-DONE",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != loop.StatusCompleted || summary.StopReason != loop.ReasonCompleted {
		t.Fatalf("summary: %+v", summary.State)
	}
	if summary.Attempts != 1 || runner.calls != 1 {
		t.Fatalf("attempts=%d calls=%d", summary.Attempts, runner.calls)
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != "done" {
		t.Fatalf("job = %s", job.Status())
	}
}

func TestRunnerFailureSurfacesExitCode(t *testing.T) {
	fs, _ := seed(t)
	runner := &fakeRunner{exits: []int{7}, stdouts: []string{"boom\n"}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeUntilComplete,
		MaxAttempts: 2,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != loop.StatusError || summary.StopReason != "exit_code_7" {
		t.Fatalf("summary: %+v", summary.State)
	}
	if summary.ExitCode() != 7 || summary.Attempts != 1 {
		t.Fatalf("exit=%d attempts=%d", summary.ExitCode(), summary.Attempts)
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != "in_progress" {
		t.Fatalf("job must remain in_progress, got %s", job.Status())
	}
}

func TestCancelBeforeFirstAttempt(t *testing.T) {
	fs, root := seed(t)
	cancel := loop.CancelPath(root, "WI-001")
	if err := os.MkdirAll(filepath.Dir(cancel), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cancel, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{exits: []int{0}, stdouts: []string{""}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeUntilComplete,
		MaxAttempts: 2,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Status != loop.StatusStopped || summary.StopReason != loop.ReasonCancel {
		t.Fatalf("summary: %+v", summary.State)
	}
	if summary.Attempts != 0 || runner.calls != 0 {
		t.Fatalf("cancel must preempt attempts: attempts=%d calls=%d", summary.Attempts, runner.calls)
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != "planned" {
		t.Fatalf("job = %s", job.Status())
	}
}

func TestResumeContinuesAttemptNumbering(t *testing.T) {
	fs, root := seed(t)
	prior := `{"schema":"planloom.loop-state.v1","work_item_id":"WI-001","status":"blocked","attempts":3}`
	statePath := loop.StatePath(root, "WI-001")
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(statePath, []byte(prior), 0o644); err != nil {
		t.Fatal(err)
	}
	runner := &fakeRunner{exits: []int{7}, stdouts: []string{"boom\n"}}
	summary, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:        loop.ModeUntilComplete,
		MaxAttempts: 10,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.StartType != "resume" {
		t.Fatalf("start type: %s", summary.StartType)
	}
	if summary.LastAttempt == nil || summary.LastAttempt.Number != 4 {
		t.Fatalf("resumed attempt number: %+v", summary.LastAttempt)
	}
}

func TestPromiseValidation(t *testing.T) {
	fs, _ := seed(t)
	runner := &fakeRunner{exits: []int{0}, stdouts: []string{""}}
	_, err := executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:    loop.ModePromiseOrMax,
		ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("promise_or_max without promise must fail")
	}
	_, err = executor(fs, runner).Run(context.Background(), "WI-001", loop.Options{
		Mode:    loop.ModePromiseOrMax,
		Promise: "BAD<TOKEN>",
		ActorID: "tester",
	})
	if err == nil {
		t.Fatalf("angle brackets must be rejected")
	}
}

func TestDetectPromiseNormalizes(t *testing.T) {
	got := loop.DetectPromise("noise <PROMISE>  WI-9\n  DONE </PROMISE> trailing")
	if got != "WI-9 DONE" {
		t.Fatalf("detect = %q", got)
	}
	if loop.DetectPromise("no token here") != "" {
		t.Fatalf("expected empty detection")
	}
}
