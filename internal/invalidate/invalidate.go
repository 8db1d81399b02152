package invalidate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"planloom/internal/domain"
	"planloom/internal/graph"
	"planloom/internal/snapshot"
	"planloom/internal/store"
)

const Schema = "planloom.invalidation.v1"

type Scope struct {
	AllScan         bool     `json:"all_scan"`
	WorkItemID      string   `json:"work_item_id,omitempty"`
	ScopedWorkItems []string `json:"scoped_work_items"`
}

type Counts struct {
	ScopedJobs      int `json:"scoped_jobs"`
	ScannedDoneJobs int `json:"scanned_done_jobs"`
	StaleJobs       int `json:"stale_jobs"`
	SkippedJobs     int `json:"skipped_jobs"`
}

type StaleJob struct {
	WorkItemID string `json:"work_item_id"`
	PlanPath   string `json:"plan_path"`
	Reason     string `json:"reason"`
}

type SkippedJob struct {
	WorkItemID string `json:"work_item_id"`
	Reason     string `json:"reason"`
}

type Report struct {
	Schema      string       `json:"schema"`
	GeneratedAt string       `json:"generated_at"`
	Scope       Scope        `json:"scope"`
	Counts      Counts       `json:"counts"`
	StaleJobs   []StaleJob   `json:"stale_jobs"`
	SkippedJobs []SkippedJob `json:"skipped_jobs"`
}

// Engine re-verifies recorded input snapshots and un-completes stale jobs.
type Engine struct {
	Repo store.Repo
	Now  func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Downstream walks the reverse-dependency closure of a trigger job,
// excluding the trigger itself, sorted.
func Downstream(g *graph.Graph, trigger string) []string {
	seen := map[string]bool{trigger: true}
	queue := []string{trigger}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range g.ReverseDeps[cur] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(out)
	return out
}

// Run scans the reverse closure of trigger (or every job when allScan),
// comparing each done job's recorded snapshot against current reality.
// Divergent jobs drop back to blocked with cleared completion.
func (e Engine) Run(trigger string, allScan bool) (*Report, error) {
	g, err := graph.Builder{Repo: e.Repo, Now: e.Now}.Build()
	if err != nil {
		return nil, err
	}
	report := &Report{
		Schema:      Schema,
		GeneratedAt: store.NowISO(e.now()),
		StaleJobs:   []StaleJob{},
		SkippedJobs: []SkippedJob{},
	}
	var scope []string
	if allScan {
		for _, n := range g.Nodes {
			scope = append(scope, n.ID)
		}
		report.Scope = Scope{AllScan: true, ScopedWorkItems: scope}
	} else {
		if _, ok := g.Node(trigger); !ok {
			return nil, fmt.Errorf("job %s: %w", trigger, store.ErrNotFound)
		}
		scope = Downstream(g, trigger)
		report.Scope = Scope{WorkItemID: trigger, ScopedWorkItems: scope}
	}
	if report.Scope.ScopedWorkItems == nil {
		report.Scope.ScopedWorkItems = []string{}
	}
	report.Counts.ScopedJobs = len(scope)

	snapEngine := snapshot.Engine{Repo: e.Repo, Now: e.Now}
	for _, id := range scope {
		job, err := e.Repo.Job(id)
		if err != nil {
			report.SkippedJobs = append(report.SkippedJobs, SkippedJob{WorkItemID: id, Reason: "unreadable"})
			report.Counts.SkippedJobs++
			continue
		}
		if job.Status() != domain.StatusDone {
			report.SkippedJobs = append(report.SkippedJobs, SkippedJob{WorkItemID: id, Reason: "status=" + job.Status()})
			report.Counts.SkippedJobs++
			continue
		}
		stored := job.Front.Str("truth_input_snapshot")
		if stored == "" {
			report.SkippedJobs = append(report.SkippedJobs, SkippedJob{WorkItemID: id, Reason: "missing truth_input_snapshot"})
			report.Counts.SkippedJobs++
			continue
		}
		report.Counts.ScannedDoneJobs++
		current, err := snapEngine.CurrentEntries(id)
		if err != nil {
			report.SkippedJobs = append(report.SkippedJobs, SkippedJob{WorkItemID: id, Reason: err.Error()})
			report.Counts.SkippedJobs++
			continue
		}
		ok, reason := snapshot.Compare(current, stored, job.Dir())
		if ok {
			continue
		}
		if err := e.markStale(job, reason); err != nil {
			return nil, err
		}
		planPath, _ := filepath.Rel(e.Repo.Root(), job.Path)
		report.StaleJobs = append(report.StaleJobs, StaleJob{
			WorkItemID: id,
			PlanPath:   filepath.ToSlash(planPath),
			Reason:     reason,
		})
		report.Counts.StaleJobs++
	}
	if err := e.writeReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// markStale un-completes one job whose recorded inputs no longer match.
func (e Engine) markStale(job *store.Doc, reason string) error {
	ts := store.NowISO(e.now())
	prev := job.Status()
	job.SetStatus(domain.StatusBlocked)
	job.Front.Set("completed_at", "")
	job.Front.Set("truth_last_status", "fail")
	job.Front.Set("truth_last_checked_at", ts)
	job.Front.Set("truth_last_failures", []any{"freshness_inputs: " + reason})
	job.Touch(ts)
	job.AppendProgress(ts, fmt.Sprintf("invalidate_downstream: %s -> blocked (stale truth_input_snapshot: %s)", prev, reason))
	return e.Repo.Put(job)
}

// ReportPath is where the invalidation report lands under a project root.
func ReportPath(root string) string {
	return filepath.Join(store.OutputsDir(root), "invalidation-report.json")
}

func (e Engine) writeReport(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(ReportPath(e.Repo.Root()), append(data, '\n'))
}

// StaleCount reads the last written report's stale counter, zero when no
// report exists. The scheduler carries this into its own report.
func StaleCount(root string) int {
	data, err := os.ReadFile(ReportPath(root))
	if err != nil {
		return 0
	}
	var report struct {
		Counts Counts `json:"counts"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return 0
	}
	return report.Counts.StaleJobs
}
