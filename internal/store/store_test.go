package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleDoc = `---
id: WI-001
kind: job
status: planned
depends_on: [WI-000]
estimate_hours: 2.5
custom_field: keep-me
nested:
  a: 1
---
# WI-001 Sample

## Acceptance Criteria
- does the thing

## Progress Log

- 2024-01-01T00:00:00Z created
`

func TestParseRenderRoundTrip(t *testing.T) {
	front, body, err := ParseDoc([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if front.Str("id") != "WI-001" || front.Str("status") != "planned" {
		t.Fatalf("typed fields lost")
	}
	if front.Str("custom_field") != "keep-me" {
		t.Fatalf("unknown scalar lost")
	}
	if _, ok := front.Get("nested"); !ok {
		t.Fatalf("unknown mapping lost")
	}
	out, err := RenderDoc(front, body)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	front2, body2, err := ParseDoc(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if body2 != body {
		t.Fatalf("body changed:\n%q\n%q", body, body2)
	}
	if front2.Str("custom_field") != "keep-me" {
		t.Fatalf("unknown field dropped on round trip")
	}
	got := front2.Keys()
	want := front.Keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("key order changed: %v vs %v", got, want)
	}
}

func TestParseNoFrontmatter(t *testing.T) {
	front, body, err := ParseDoc([]byte("just text\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(front.Keys()) != 0 || body != "just text\n" {
		t.Fatalf("expected all body")
	}
}

func TestStrListNormalization(t *testing.T) {
	f := NewFront()
	f.Set("a", []any{" x ", "", "[]", "y"})
	f.Set("b", "one, two , ,three")
	f.Set("c", nil)
	if got := f.StrList("a"); len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Fatalf("list normalize: %v", got)
	}
	if got := f.StrList("b"); len(got) != 3 || got[2] != "three" {
		t.Fatalf("string split: %v", got)
	}
	if got := f.StrList("c"); len(got) != 0 {
		t.Fatalf("nil should be empty: %v", got)
	}
	if got := f.StrList("missing"); got == nil || len(got) != 0 {
		t.Fatalf("missing should be empty non-nil: %v", got)
	}
}

func TestEstimateHoursDefault(t *testing.T) {
	doc := NewDoc("x/plan.md")
	if doc.EstimateHours() != 1.0 {
		t.Fatalf("absent should default to 1.0")
	}
	doc.Front.Set("estimate_hours", -2)
	if doc.EstimateHours() != 1.0 {
		t.Fatalf("non-positive should default to 1.0")
	}
	doc.Front.Set("estimate_hours", "nope")
	if doc.EstimateHours() != 1.0 {
		t.Fatalf("unparseable should default to 1.0")
	}
	doc.Front.Set("estimate_hours", "2.5")
	if doc.EstimateHours() != 2.5 {
		t.Fatalf("string estimate should parse")
	}
}

func TestAppendProgress(t *testing.T) {
	doc := NewDoc("x/plan.md")
	doc.Body = "# Title\n\n## Progress Log\n\n- old line\n\n## Next Section\ntext\n"
	doc.AppendProgress("2024-01-02T00:00:00Z", "job_start: planned -> in_progress (iteration 1)")
	lines := doc.ProgressLines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 bullets, got %v", lines)
	}
	if !strings.Contains(lines[1], "job_start: planned -> in_progress") {
		t.Fatalf("appended bullet missing: %v", lines)
	}
	if !strings.Contains(doc.Body, "## Next Section\ntext") {
		t.Fatalf("following section damaged:\n%s", doc.Body)
	}
}

func TestAppendProgressCreatesSection(t *testing.T) {
	doc := NewDoc("x/plan.md")
	doc.Body = "# Title\n"
	doc.AppendProgress("2024-01-02T00:00:00Z", "first entry")
	if got := doc.ProgressLines(); len(got) != 1 {
		t.Fatalf("expected created section with 1 bullet, got %v", got)
	}
}

func TestSection(t *testing.T) {
	body := "# Acceptance Criteria\n- a\n- b\n\n# Outputs\n- out.md\n"
	if got := Section(body, "# Acceptance Criteria"); got != "- a\n- b" {
		t.Fatalf("section text: %q", got)
	}
	if got := Section(body, "# Missing"); got != "" {
		t.Fatalf("missing section should be empty: %q", got)
	}
}

func newTestTree(t *testing.T) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	writeDoc := func(rel, content string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writeDoc("plan.md", "---\nid: PROJ-1\nkind: project\nstatus: in_progress\n---\n# Project\n")
	writeDoc("workstreams/WS-001-core/plan.md", "---\nid: WS-001\nkind: workstream\nstatus: planned\n---\n# WS\n")
	writeDoc("workstreams/WS-001-core/jobs/WI-001-first/plan.md", "---\nid: WI-001\nkind: job\nstatus: planned\n---\n# Job\n")
	writeDoc("workstreams/WS-001-core/jobs/WI-002-second/plan.md", "---\nid: WI-002\nkind: job\nstatus: planned\ndepends_on: [WI-001]\n---\n# Job\n")
	return NewFS(root), root
}

func TestFSLookup(t *testing.T) {
	fs, root := newTestTree(t)
	p, err := fs.Project()
	if err != nil || p.ID() != "PROJ-1" {
		t.Fatalf("project: %v", err)
	}
	jobs, err := fs.Jobs()
	if err != nil || len(jobs) != 2 {
		t.Fatalf("jobs: %v %d", err, len(jobs))
	}
	dir, err := fs.JobDir("WI-002")
	if err != nil {
		t.Fatalf("job dir: %v", err)
	}
	if filepath.Base(dir) != "WI-002-second" {
		t.Fatalf("unexpected dir %s", dir)
	}
	ws, err := fs.WorkstreamFor("WI-001")
	if err != nil || ws.ID() != "WS-001" {
		t.Fatalf("workstream for job: %v", err)
	}
	if _, err := fs.JobDir("WI-999"); err == nil {
		t.Fatalf("expected not found")
	}
	// duplicate directory makes resolution ambiguous
	dup := filepath.Join(root, "workstreams", "WS-001-core", "jobs", "WI-001-copy")
	if err := os.MkdirAll(dup, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.JobDir("WI-001"); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestFSPutAtomic(t *testing.T) {
	fs, root := newTestTree(t)
	job, err := fs.Job("WI-001")
	if err != nil {
		t.Fatal(err)
	}
	job.SetStatus("in_progress")
	job.Front.Set("extra", "field")
	if err := fs.Put(job); err != nil {
		t.Fatalf("put: %v", err)
	}
	again, err := fs.Job("WI-001")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status() != "in_progress" || again.Front.Str("extra") != "field" {
		t.Fatalf("write not visible")
	}
	entries, err := os.ReadDir(filepath.Join(root, "workstreams", "WS-001-core", "jobs", "WI-001-first"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestMemoryRepo(t *testing.T) {
	m := NewMemory()
	m.AddProject("PROJ-1")
	m.AddWorkstream("WS-001")
	m.AddJob("WS-001", "WI-001")
	m.AddJob("WS-001", "WI-002")
	jobs, err := m.Jobs()
	if err != nil || len(jobs) != 2 {
		t.Fatalf("jobs: %v", err)
	}
	ws, err := m.WorkstreamFor("WI-002")
	if err != nil || ws.ID() != "WS-001" {
		t.Fatalf("workstream for: %v", err)
	}
	of, err := m.JobsOf("WS-001")
	if err != nil || len(of) != 2 {
		t.Fatalf("jobs of: %v", err)
	}
}
