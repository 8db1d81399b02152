package sync_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"planloom/internal/store"
	plansync "planloom/internal/sync"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
}

func seed(t *testing.T, jobStatuses map[string]string) (*store.FS, string) {
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
	write("plan.md", "---\nid: PROJ-1\nkind: project\nstatus: planned\n---\n# Plan\n\nKeep this prose.\n")
	write("workstreams/WS-001/plan.md", "---\nid: WS-001\nkind: workstream\nstatus: planned\n---\n")
	for id, status := range jobStatuses {
		write("workstreams/WS-001/jobs/"+id+"/plan.md",
			"---\nid: "+id+"\nkind: job\nstatus: "+status+"\nestimate_hours: 2\n---\n")
	}
	return store.NewFS(root), root
}

func runSync(t *testing.T, fs *store.FS) *plansync.Report {
	t.Helper()
	report, err := plansync.Syncer{Repo: fs, Now: fixedNow}.Run()
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	return report
}

func TestRollupPropagatesInProgress(t *testing.T) {
	fs, _ := seed(t, map[string]string{"WI-A": "in_progress", "WI-B": "planned"})
	report := runSync(t, fs)

	ws, _ := fs.Workstreams()
	if ws[0].Status() != "in_progress" {
		t.Fatalf("workstream = %s", ws[0].Status())
	}
	if ws[0].Front.Str("started_at") == "" {
		t.Fatalf("started_at not stamped")
	}
	project, _ := fs.Project()
	if project.Status() != "in_progress" {
		t.Fatalf("project = %s", project.Status())
	}
	found := false
	for _, c := range report.Changes {
		if c.WorkItemID == "WS-001" && c.From == "planned" && c.To == "in_progress" {
			found = true
			if !strings.Contains(c.Reason, "in_progress") {
				t.Fatalf("reason: %q", c.Reason)
			}
		}
	}
	if !found {
		t.Fatalf("workstream change missing: %+v", report.Changes)
	}
	lines := ws[0].ProgressLines()
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "status_rollup: planned -> in_progress (because ") {
		t.Fatalf("progress line: %v", lines)
	}
}

func TestRollupCompletesAndRegresses(t *testing.T) {
	fs, root := seed(t, map[string]string{"WI-A": "done", "WI-B": "done"})
	runSync(t, fs)
	ws, _ := fs.Workstreams()
	if ws[0].Status() != "done" || ws[0].Front.Str("completed_at") == "" {
		t.Fatalf("workstream not completed: %s", ws[0].Status())
	}
	project, _ := fs.Project()
	if project.Status() != "done" {
		t.Fatalf("project = %s", project.Status())
	}

	// A job regressing to blocked pulls the parents back and clears the
	// completion stamp.
	jobPath := filepath.Join(root, "workstreams/WS-001/jobs/WI-B/plan.md")
	data, err := os.ReadFile(jobPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(jobPath, []byte(strings.Replace(string(data), "status: done", "status: blocked", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	runSync(t, fs)
	ws, _ = fs.Workstreams()
	if ws[0].Status() != "blocked" {
		t.Fatalf("workstream = %s", ws[0].Status())
	}
	if ws[0].Front.Str("completed_at") != "" {
		t.Fatalf("completed_at should be cleared")
	}
}

func TestGeneratedTablesPreserveProseAndOrder(t *testing.T) {
	fs, root := seed(t, map[string]string{"WI-A": "planned", "WI-B": "planned"})
	// A hand-arranged table lists WI-B first; sync must keep that order.
	wsPath := filepath.Join(root, "workstreams/WS-001/plan.md")
	body := "---\nid: WS-001\nkind: workstream\nstatus: planned\n---\n# WS-001\n\nIntro prose stays.\n\n" +
		"<!-- planloom:table:jobs -->\n| Job | Status | Estimate (h) | Depends On |\n|---|---|---|---|\n" +
		"| WI-B | planned | 2 |  |\n<!-- /planloom:table:jobs -->\n\nTrailing prose stays.\n"
	if err := os.WriteFile(wsPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	runSync(t, fs)

	updated, err := os.ReadFile(wsPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(updated)
	if !strings.Contains(text, "Intro prose stays.") || !strings.Contains(text, "Trailing prose stays.") {
		t.Fatalf("prose lost:\n%s", text)
	}
	if strings.Index(text, "| WI-B |") > strings.Index(text, "| WI-A |") {
		t.Fatalf("user row order not preserved:\n%s", text)
	}
}

func TestProjectTableAppendedWhenMissing(t *testing.T) {
	fs, root := seed(t, map[string]string{"WI-A": "done"})
	runSync(t, fs)
	data, err := os.ReadFile(filepath.Join(root, "plan.md"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "Keep this prose.") {
		t.Fatalf("prose lost")
	}
	if !strings.Contains(text, "| WS-001 | done | 1/1 |") {
		t.Fatalf("workstream row missing:\n%s", text)
	}
}

func TestIndexWritten(t *testing.T) {
	fs, root := seed(t, map[string]string{"WI-A": "done", "WI-B": "planned"})
	runSync(t, fs)
	data, err := os.ReadFile(store.WorkstreamIndexPath(root))
	if err != nil {
		t.Fatalf("index missing: %v", err)
	}
	if !strings.Contains(string(data), "| WS-001 | planned | 1/2 |") {
		t.Fatalf("index content:\n%s", string(data))
	}
}

func TestNoChangesIsStable(t *testing.T) {
	fs, _ := seed(t, map[string]string{"WI-A": "planned"})
	runSync(t, fs)
	report := runSync(t, fs)
	if len(report.Changes) != 0 {
		t.Fatalf("second run must be a no-op: %+v", report.Changes)
	}
	if report.TablesUpdated != 0 {
		t.Fatalf("tables rewritten without changes: %d", report.TablesUpdated)
	}
}
