package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"planloom/internal/config"
	"planloom/internal/db"
	"planloom/internal/domain"
	"planloom/internal/engine"
	"planloom/internal/execlog"
	"planloom/internal/migrate"
	"planloom/internal/store"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
}

const healthyJob = `---
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

// seed builds a workspace where WI-001 passes every completion gate; tests
// break individual gates from there.
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
	write("workstreams/WS-001/jobs/WI-001/plan.md", healthyJob)
	write("workstreams/WS-001/jobs/WI-001/prompt.md", "Produce the findings table from the raw extract.\n")
	write("workstreams/WS-001/jobs/WI-001/outputs/result.md", "findings table\n")
	write("workstreams/WS-001/jobs/WI-001/artifacts/verification.md", "checked the findings against the raw extract\n")
	write("outputs/dashboard.json", "{}\n")
	write("outputs/dashboard.html", "<html></html>\n")
	write("outputs/2024-task-tracker.csv", "id,status\n")
	write("notes/lessons-learned.md", "- WI-001: regenerate tables from raw extract\n")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(root, "workstreams", "WS-001", "jobs", "WI-001", "outputs", "result.md"), old, old); err != nil {
		t.Fatal(err)
	}
	return store.NewFS(root), root
}

func newEngine(fs *store.FS, out io.Writer) engine.Engine {
	return engine.Engine{
		Store:  fs,
		Log:    &execlog.Memory{},
		Config: config.Default("PROJ-1"),
		Now:    fixedNow,
		Out:    out,
	}
}

func setFront(t *testing.T, fs *store.FS, load func() (*store.Doc, error), key, value string) {
	t.Helper()
	doc, err := load()
	if err != nil {
		t.Fatal(err)
	}
	doc.Front.Set(key, value)
	if err := fs.Put(doc); err != nil {
		t.Fatal(err)
	}
}

func TestStartRequiresAgreement(t *testing.T) {
	fs, _ := seed(t)
	setFront(t, fs, fs.Project, "agreement_status", "draft")
	eng := newEngine(fs, io.Discard)
	_, err := eng.StartJob(context.Background(), "WI-001", engine.StartOptions{ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "agreement_status") {
		t.Fatalf("expected agreement gate, got %v", err)
	}
}

func TestStartRefusesTerminalAncestor(t *testing.T) {
	fs, _ := seed(t)
	setFront(t, fs, func() (*store.Doc, error) { return fs.WorkstreamFor("WI-001") }, "status", domain.StatusCancelled)
	eng := newEngine(fs, io.Discard)
	_, err := eng.StartJob(context.Background(), "WI-001", engine.StartOptions{ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected terminal ancestor error, got %v", err)
	}
}

func TestStartSetsIterationAndProgress(t *testing.T) {
	fs, _ := seed(t)
	eng := newEngine(fs, io.Discard)
	job, err := eng.StartJob(context.Background(), "WI-001", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status() != domain.StatusInProgress || job.Front.Int("iteration") != 1 {
		t.Fatalf("status=%s iteration=%d", job.Status(), job.Front.Int("iteration"))
	}
	if job.Front.Str("started_at") == "" {
		t.Fatal("started_at not stamped")
	}
	found := false
	for _, line := range job.ProgressLines() {
		if strings.Contains(line, "job_start: planned -> in_progress (iteration 1)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("progress lines: %v", job.ProgressLines())
	}

	// Re-entry from blocked bumps the iteration counter.
	setFront(t, fs, func() (*store.Doc, error) { return fs.Job("WI-001") }, "status", domain.StatusBlocked)
	job, err = eng.StartJob(context.Background(), "WI-001", engine.StartOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if job.Front.Int("iteration") != 2 {
		t.Fatalf("iteration after blocked restart = %d", job.Front.Int("iteration"))
	}
}

func TestStartBlockedByUnmetDependency(t *testing.T) {
	fs, _ := seed(t)
	job, err := fs.Job("WI-001")
	if err != nil {
		t.Fatal(err)
	}
	job.Front.Set("depends_on", []string{"WI-000"})
	if err := fs.Put(job); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(fs, io.Discard)

	_, err = eng.StartJob(context.Background(), "WI-001", engine.StartOptions{ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "unmet dependencies") {
		t.Fatalf("expected dependency gate, got %v", err)
	}

	// Override without a note is refused.
	_, err = eng.StartJob(context.Background(), "WI-001", engine.StartOptions{Override: true, ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "justification note") {
		t.Fatalf("expected note requirement, got %v", err)
	}

	// Override with a note starts the job and records the decision.
	job, err = eng.StartJob(context.Background(), "WI-001", engine.StartOptions{
		Override: true,
		Note:     "upstream extract verified by hand",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("override start: %v", err)
	}
	if job.Status() != domain.StatusInProgress {
		t.Fatalf("status = %s", job.Status())
	}
	project, err := fs.Project()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(project.Body, "dependency_override: started WI-001 despite unmet deps [WI-000]: upstream extract verified by hand") {
		t.Fatalf("decision not recorded:\n%s", project.Body)
	}
}

func TestCompleteBlocksOnUnmetDependency(t *testing.T) {
	fs, _ := seed(t)
	job, err := fs.Job("WI-001")
	if err != nil {
		t.Fatal(err)
	}
	job.Front.Set("depends_on", []string{"WI-000"})
	job.SetStatus(domain.StatusInProgress)
	if err := fs.Put(job); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(fs, io.Discard)

	res, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if !errors.Is(err, engine.ErrGateFailed) {
		t.Fatalf("expected ErrGateFailed, got %v", err)
	}
	if res.Status != domain.StatusBlocked || res.GatePassed {
		t.Fatalf("result: %+v", res)
	}
	job, _ = fs.Job("WI-001")
	if job.Status() != domain.StatusBlocked {
		t.Fatalf("job = %s", job.Status())
	}
	if job.Front.Str("completed_at") != "" {
		t.Fatalf("completed_at must stay empty, got %q", job.Front.Str("completed_at"))
	}
	found := false
	for _, line := range job.ProgressLines() {
		if strings.Contains(line, "job_complete: FAILED gate; reverting to blocked") {
			found = true
		}
	}
	if !found {
		t.Fatalf("progress lines: %v", job.ProgressLines())
	}
}

func TestCompleteRevertsToInProgressOnEvidenceGate(t *testing.T) {
	fs, root := seed(t)
	// Empty evidence fails the nonempty gate without any dependency error.
	evid := filepath.Join(root, "workstreams", "WS-001", "jobs", "WI-001", "artifacts", "verification.md")
	if err := os.WriteFile(evid, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(fs, io.Discard)

	res, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if !errors.Is(err, engine.ErrGateFailed) {
		t.Fatalf("expected ErrGateFailed, got %v", err)
	}
	if res.Status != domain.StatusInProgress {
		t.Fatalf("revert status = %s", res.Status)
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != domain.StatusInProgress {
		t.Fatalf("job = %s", job.Status())
	}
}

func TestCompleteResolvesDeclaredPathsAgainstJobDir(t *testing.T) {
	fs, root := seed(t)
	// An identically named file at the project root must not satisfy the
	// gate; declared paths are relative to the job directory.
	if err := os.Remove(filepath.Join(root, "workstreams", "WS-001", "jobs", "WI-001", "outputs", "result.md")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "outputs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "outputs", "result.md"), []byte("findings table\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(fs, io.Discard)

	res, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if !errors.Is(err, engine.ErrGateFailed) {
		t.Fatalf("expected ErrGateFailed, got %v", err)
	}
	found := false
	for _, g := range res.GateErrors {
		if g == "missing or empty: outputs/result.md" {
			found = true
		}
	}
	if !found {
		t.Fatalf("gate errors: %v", res.GateErrors)
	}
}

func TestGateFailureStampsFreshTruthIntoReward(t *testing.T) {
	fs, root := seed(t)
	evid := filepath.Join(root, "workstreams", "WS-001", "jobs", "WI-001", "artifacts", "verification.md")
	if err := os.WriteFile(evid, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	eng := newEngine(fs, io.Discard)

	_, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if !errors.Is(err, engine.ErrGateFailed) {
		t.Fatalf("expected ErrGateFailed, got %v", err)
	}
	// Truth ran before reward, so the reward stamp reflects this attempt's
	// truth verdict rather than the previous one.
	job, _ := fs.Job("WI-001")
	if job.Front.Str("truth_last_status") != "fail" {
		t.Fatalf("truth_last_status = %q", job.Front.Str("truth_last_status"))
	}
	if next := job.Front.Str("reward_last_next_action"); !strings.HasPrefix(next, "Truth gate failed:") {
		t.Fatalf("reward_last_next_action = %q", next)
	}
}

func TestCompleteRefusesCancelledJob(t *testing.T) {
	fs, _ := seed(t)
	setFront(t, fs, func() (*store.Doc, error) { return fs.Job("WI-001") }, "status", domain.StatusCancelled)
	eng := newEngine(fs, io.Discard)
	_, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("expected cancelled refusal, got %v", err)
	}
}

func TestCompleteCascadesWithPromises(t *testing.T) {
	fs, _ := seed(t)
	var out bytes.Buffer
	eng := newEngine(fs, &out)

	res, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{
		Cascade: true,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.GatePassed || res.Status != domain.StatusDone {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Promises) != 2 || res.Promises[0] != "WS-001-DONE" || res.Promises[1] != "PROJ-1-DONE" {
		t.Fatalf("promises: %v", res.Promises)
	}
	for _, token := range []string{"<promise>WS-001-DONE</promise>", "<promise>PROJ-1-DONE</promise>"} {
		if !strings.Contains(out.String(), token) {
			t.Fatalf("missing %s in output:\n%s", token, out.String())
		}
	}
	job, _ := fs.Job("WI-001")
	if job.Status() != domain.StatusDone || job.Front.Str("completed_at") == "" {
		t.Fatalf("job: status=%s completed_at=%q", job.Status(), job.Front.Str("completed_at"))
	}
	ws, _ := fs.WorkstreamFor("WI-001")
	if ws.Status() != domain.StatusDone {
		t.Fatalf("workstream = %s", ws.Status())
	}
	project, _ := fs.Project()
	if project.Status() != domain.StatusDone {
		t.Fatalf("project = %s", project.Status())
	}
	if len(res.Advisories) == 0 {
		t.Fatal("expected side-effect advisories")
	}
	for _, adv := range res.Advisories {
		if !strings.HasSuffix(adv, ": ok") {
			t.Fatalf("advisory failed: %s", adv)
		}
	}
}

func TestCompleteWithoutCascadeLeavesParents(t *testing.T) {
	fs, _ := seed(t)
	eng := newEngine(fs, io.Discard)
	res, err := eng.CompleteJob(context.Background(), "WI-001", engine.CompleteOptions{ActorID: "tester"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(res.Promises) != 0 {
		t.Fatalf("promises without cascade: %v", res.Promises)
	}
	ws, _ := fs.WorkstreamFor("WI-001")
	if ws.Status() == domain.StatusDone {
		t.Fatal("workstream must not auto-complete without cascade")
	}
}

func TestAuditEventsRecorded(t *testing.T) {
	fs, root := seed(t)
	conn, err := db.Open(db.Config{Root: root})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := newEngine(fs, io.Discard)
	eng = engine.New(fs, conn, eng.Log, eng.Config, eng.Settings)
	eng.Now = fixedNow
	eng.Out = io.Discard

	ctx := context.Background()
	if _, err := eng.StartJob(ctx, "WI-001", engine.StartOptions{ActorID: "tester"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.CompleteJob(ctx, "WI-001", engine.CompleteOptions{Cascade: true, ActorID: "tester"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	var types []string
	rows, err := conn.QueryContext(ctx, `SELECT type FROM events ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		types = append(types, typ)
	}
	want := []string{"job.started", "job.completed", "workstream.completed", "project.completed"}
	if len(types) != len(want) {
		t.Fatalf("event types: %v", types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], w)
		}
	}
}
