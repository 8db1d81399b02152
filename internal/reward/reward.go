package reward

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"planloom/internal/config"
	"planloom/internal/domain"
	"planloom/internal/execlog"
	"planloom/internal/store"
)

const Schema = "planloom.rewards.v1"

// DefaultTarget applies when neither the job header nor the config sets a
// reward target.
const DefaultTarget = 80

var defaultWeights = map[string]int{
	"acceptance":        20,
	"outputs":           20,
	"verification_plan": 10,
	"evidence":          10,
	"hygiene":           10,
	"tracker_dashboard": 10,
	"lessons":           5,
	"execution_logs":    10,
	"github_parity":     5,
}

type Components struct {
	AcceptanceOutputs int `json:"acceptance_outputs"`
	Verification      int `json:"verification"`
	PlanHygiene       int `json:"plan_hygiene"`
	TrackerDashboard  int `json:"tracker_dashboard"`
	Lessons           int `json:"lessons"`
	ExecutionLogs     int `json:"execution_logs"`
	GithubParity      int `json:"github_parity"`
	Penalties         int `json:"penalties"`
}

type EvidenceCounts struct {
	OutputsDeclared      int `json:"outputs_declared"`
	OutputsOK            int `json:"outputs_ok"`
	VerificationDeclared int `json:"verification_declared"`
	VerificationOK       int `json:"verification_ok"`
}

type Result struct {
	WorkItemID string         `json:"work_item_id"`
	Score      int            `json:"score"`
	Target     int            `json:"target"`
	GatePassed bool           `json:"gate_passed"`
	Components Components     `json:"components"`
	Evidence   EvidenceCounts `json:"evidence"`
	NextAction string         `json:"next_action"`
}

type Report struct {
	Schema      string   `json:"schema"`
	GeneratedAt string   `json:"generated_at"`
	ProjectID   string   `json:"project_id"`
	Results     []Result `json:"results"`
}

// Evaluator scores jobs against their declared plan, artifacts and history.
type Evaluator struct {
	Repo   store.Repo
	Log    execlog.Reader
	Config *config.Config
	Now    func() time.Time
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Evaluator) weight(name string) int {
	if e.Config != nil && e.Config.Reward.Weights != nil {
		if w, ok := e.Config.Reward.Weights[name]; ok {
			return w
		}
	}
	return defaultWeights[name]
}

func (e Evaluator) target(job *store.Doc) int {
	if t := job.Front.Int("reward_target"); t > 0 {
		return t
	}
	if e.Config != nil && e.Config.Reward.Target > 0 {
		return e.Config.Reward.Target
	}
	return DefaultTarget
}

// EvaluateJob scores one job and stamps the reward fields on its header.
// Jobs past their iteration budget are auto-blocked.
func (e Evaluator) EvaluateJob(ctx context.Context, jobID string) (*Result, error) {
	job, err := e.Repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	project, err := e.Repo.Project()
	if err != nil {
		return nil, err
	}
	ts := store.NowISO(e.now())
	root := e.Repo.Root()
	status := job.Status()

	res := &Result{WorkItemID: jobID, Target: e.target(job)}

	// Acceptance criteria + declared outputs.
	acceptance := store.Section(job.Body, "# Acceptance Criteria")
	wAcc := e.weight("acceptance")
	scoreAcc := 0
	switch {
	case looksPlaceholder(acceptance):
	case len(acceptance) < 40:
		scoreAcc = roundHalf(wAcc)
	default:
		scoreAcc = wAcc
	}
	outputs := job.Outputs()
	var missingOutputs []string
	for _, out := range outputs {
		if fileOK(filepath.Join(job.Dir(), out)) {
			res.Evidence.OutputsOK++
		} else {
			missingOutputs = append(missingOutputs, out)
		}
	}
	res.Evidence.OutputsDeclared = len(outputs)
	scoreOut := 0
	if len(outputs) > 0 {
		scoreOut = roundInt(float64(e.weight("outputs")) * float64(res.Evidence.OutputsOK) / float64(len(outputs)))
	}
	res.Components.AcceptanceOutputs = scoreAcc + scoreOut

	// Verification plan + evidence files.
	plan := store.Section(job.Body, "# Verification Plan")
	wPlan := e.weight("verification_plan")
	scorePlan := 0
	switch {
	case looksPlaceholder(plan):
	case len(plan) < 40:
		scorePlan = roundHalf(wPlan)
	default:
		scorePlan = wPlan
	}
	evidence := job.Evidence()
	var missingEvidence []string
	for _, ev := range evidence {
		if fileOK(filepath.Join(job.Dir(), ev)) {
			res.Evidence.VerificationOK++
		} else {
			missingEvidence = append(missingEvidence, ev)
		}
	}
	res.Evidence.VerificationDeclared = len(evidence)
	scoreEv := 0
	if len(evidence) > 0 {
		scoreEv = roundInt(float64(e.weight("evidence")) * float64(res.Evidence.VerificationOK) / float64(len(evidence)))
	}
	res.Components.Verification = scorePlan + scoreEv

	// Plan hygiene: five equally weighted slots.
	slots := 0
	if (status == domain.StatusInProgress || status == domain.StatusBlocked || status == domain.StatusDone) &&
		job.Front.Str("started_at") != "" {
		slots++
	}
	if job.Front.Str("updated_at") != "" {
		slots++
	}
	progress := job.ProgressLines()
	if len(progress) > 0 {
		slots++
	}
	progressText := strings.ToLower(strings.Join(progress, "\n"))
	switch {
	case status == domain.StatusDone && job.Front.Str("completed_at") != "":
		slots++
	case (status == domain.StatusInProgress || status == domain.StatusBlocked) &&
		(strings.Contains(progressText, "job_complete: attempting completion") || strings.Contains(progressText, "qa note:")):
		slots++
	}
	if domain.ValidStatus(status) {
		slots++
	}
	res.Components.PlanHygiene = roundInt(float64(e.weight("hygiene")) * float64(slots) / 5)

	// Tracker + dashboard artifacts.
	wTracker := e.weight("tracker_dashboard")
	dashboardHalf := wTracker / 2
	scoreTracker := 0
	hasDashboard := fileOK(filepath.Join(store.OutputsDir(root), "dashboard.json")) &&
		fileOK(filepath.Join(store.OutputsDir(root), "dashboard.html"))
	if hasDashboard {
		scoreTracker += dashboardHalf
	}
	trackerMatches, _ := filepath.Glob(filepath.Join(store.OutputsDir(root), "*-task-tracker.csv"))
	hasTracker := len(trackerMatches) > 0
	if hasTracker {
		scoreTracker += wTracker - dashboardHalf
	}
	res.Components.TrackerDashboard = scoreTracker

	// Lessons learned.
	wLessons := e.weight("lessons")
	lessonsPart := roundInt(0.4 * float64(wLessons))
	scoreLessons := 0
	if !looksPlaceholder(store.Section(job.Body, "# Relevant Lessons Learned")) {
		scoreLessons += lessonsPart
	}
	if notes, err := os.ReadFile(filepath.Join(root, "notes", "lessons-learned.md")); err == nil &&
		strings.Contains(string(notes), jobID) {
		scoreLessons += wLessons - lessonsPart
	}
	res.Components.Lessons = scoreLessons

	// Execution log presence and reliability.
	entries, err := e.Log.EntriesFor(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("execution log: %w", err)
	}
	wExec := e.weight("execution_logs")
	scoreExec := 0
	if len(entries) > 0 {
		presence := wExec / 2
		scoreExec += presence
		fails := 0
		for _, entry := range entries {
			if entry.ExitCode != 0 {
				fails++
			}
		}
		failRate := float64(fails) / float64(len(entries))
		scoreExec += roundInt(float64(wExec-presence) * (1 - failRate))
	}
	res.Components.ExecutionLogs = scoreExec

	// GitHub parity: scored from the local issue map only.
	ghEnabled := project.Front.Bool("github_enabled")
	if ghEnabled && githubMapHasIssue(root, jobID) {
		res.Components.GithubParity = e.weight("github_parity")
	}

	// Penalties.
	rework := job.Front.Int("rework_count")
	if rework < 0 {
		rework = 0
	}
	pen := -minInt(10, 2*rework)
	iteration := job.Front.Int("iteration")
	maxIterations := job.Front.Int("max_iterations")
	if maxIterations > 0 && iteration > maxIterations {
		pen -= 10
	}
	res.Components.Penalties = pen

	base := res.Components.AcceptanceOutputs + res.Components.Verification + res.Components.PlanHygiene +
		res.Components.TrackerDashboard + res.Components.Lessons + res.Components.ExecutionLogs +
		res.Components.GithubParity
	res.Score = clamp(base+pen, 0, 100)

	truthStatus := job.Front.Str("truth_last_status")
	truthFailures := job.Front.StrList("truth_last_failures")
	res.NextAction = nextAction(nextActionInput{
		truthFailed:       truthStatus == "fail",
		truthFailures:     truthFailures,
		missingOutputs:    missingOutputs,
		missingEvidence:   missingEvidence,
		placeholderAccept: looksPlaceholder(acceptance),
		placeholderPlan:   looksPlaceholder(plan),
		hasDashboard:      hasDashboard,
		hasTracker:        hasTracker,
		hasExecEntries:    len(entries) > 0,
		githubEnabled:     ghEnabled,
		githubScored:      res.Components.GithubParity > 0,
	})
	res.GatePassed = len(outputs) > 0 && res.Evidence.OutputsOK == len(outputs) &&
		len(evidence) > 0 && res.Evidence.VerificationOK == len(evidence) &&
		res.Score >= res.Target && truthStatus == "pass"

	job.Front.Set("reward_last_score", res.Score)
	job.Front.Set("reward_last_eval_at", ts)
	job.Front.Set("reward_last_next_action", res.NextAction)
	job.Touch(ts)
	if maxIterations > 0 && iteration > maxIterations && !domain.Terminal(status) {
		job.SetStatus(domain.StatusBlocked)
		job.AppendProgress(ts, fmt.Sprintf("auto-blocked: iteration %d exceeded max_iterations %d", iteration, maxIterations))
	}
	if err := e.Repo.Put(job); err != nil {
		return nil, err
	}
	return res, nil
}

// EvaluateAll scores every job and writes the project reward report.
func (e Evaluator) EvaluateAll(ctx context.Context) (*Report, error) {
	project, err := e.Repo.Project()
	if err != nil {
		return nil, err
	}
	jobs, err := e.Repo.Jobs()
	if err != nil {
		return nil, err
	}
	report := &Report{
		Schema:      Schema,
		GeneratedAt: store.NowISO(e.now()),
		ProjectID:   project.ID(),
		Results:     []Result{},
	}
	for _, job := range jobs {
		res, err := e.EvaluateJob(ctx, job.ID())
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", job.ID(), err)
		}
		report.Results = append(report.Results, *res)
	}
	if err := e.writeReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

// ReportPath is where the reward report lands under a project root.
func ReportPath(root string) string {
	return filepath.Join(store.OutputsDir(root), "rewards.json")
}

func (e Evaluator) writeReport(report *Report) error {
	root := e.Repo.Root()
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(ReportPath(root), append(data, '\n')); err != nil {
		return err
	}
	var md strings.Builder
	md.WriteString("# Reward Report\n\n")
	md.WriteString("Generated: " + report.GeneratedAt + "\n\n")
	md.WriteString("| Work Item | Score | Target | Gate | Next Action |\n")
	md.WriteString("|---|---|---|---|---|\n")
	for _, r := range report.Results {
		gate := "fail"
		if r.GatePassed {
			gate = "pass"
		}
		md.WriteString(fmt.Sprintf("| %s | %d | %d | %s | %s |\n",
			r.WorkItemID, r.Score, r.Target, gate, r.NextAction))
	}
	return store.WriteFileAtomic(filepath.Join(store.OutputsDir(root), "reward-report.md"), []byte(md.String()))
}

type nextActionInput struct {
	truthFailed       bool
	truthFailures     []string
	missingOutputs    []string
	missingEvidence   []string
	placeholderAccept bool
	placeholderPlan   bool
	hasDashboard      bool
	hasTracker        bool
	hasExecEntries    bool
	githubEnabled     bool
	githubScored      bool
}

func nextAction(in nextActionInput) string {
	switch {
	case in.truthFailed:
		hint := "re-run the truth evaluation"
		if len(in.truthFailures) > 0 {
			hint = in.truthFailures[0]
		}
		return "Truth gate failed: " + hint
	case len(in.missingOutputs) > 0:
		return "Create missing outputs: " + strings.Join(firstN(in.missingOutputs, 5), ", ")
	case len(in.missingEvidence) > 0:
		return "Produce verification evidence: " + strings.Join(firstN(in.missingEvidence, 5), ", ")
	case in.placeholderAccept:
		return "Tighten acceptance criteria into objective, checkable bullets."
	case in.placeholderPlan:
		return "Write a concrete verification plan and declare evidence files."
	case !in.hasDashboard:
		return "Generate the project dashboard under outputs/."
	case !in.hasTracker:
		return "Export a task tracker CSV under outputs/."
	case !in.hasExecEntries:
		return "Run and log the required commands for this job."
	case in.githubEnabled && !in.githubScored:
		return "Sync this job to the GitHub issue map."
	default:
		return "Run a plan check and add a short QA note to the progress log."
	}
}

// looksPlaceholder flags section text that was never filled in.
func looksPlaceholder(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return true
	}
	lower := strings.ToLower(t)
	for _, frag := range []string{"to be filled", "state the objective", "make these objective"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	if strings.HasPrefix(t, "_") && strings.HasSuffix(t, "_") && len(t) < 120 {
		return true
	}
	return false
}

func githubMapHasIssue(root, jobID string) bool {
	data, err := os.ReadFile(filepath.Join(root, "notes", "github-map.json"))
	if err != nil {
		return false
	}
	var m struct {
		Issues map[string]any `json:"issues"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return false
	}
	_, ok := m.Issues[jobID]
	return ok
}

func fileOK(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func roundInt(v float64) int {
	return int(math.Round(v))
}

func roundHalf(w int) int {
	return roundInt(float64(w) / 2)
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
