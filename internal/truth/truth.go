package truth

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"planloom/internal/config"
	"planloom/internal/execlog"
	"planloom/internal/snapshot"
	"planloom/internal/store"
)

const Schema = "planloom.truth.v1"

const (
	ModeStrict = "strict"
	ModeOff    = "off"
)

// DefaultChecks is the ordered battery applied when a job declares none.
var DefaultChecks = []string{
	"exists_nonempty",
	"freshness",
	"required_command_logged",
	"verification_consistency",
}

type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail"`
}

// Env is the context handed to each check.
type Env struct {
	Ctx    context.Context
	Repo   store.Repo
	Log    execlog.Reader
	Job    *store.Doc
	Root   string
	JobDir string
}

// Check is one pluggable integrity verification.
type Check func(env *Env) CheckResult

var registry = map[string]Check{
	"exists_nonempty":          checkExistsNonempty,
	"freshness":                checkFreshness,
	"freshness_inputs":         checkFreshnessInputs,
	"required_command_logged":  checkRequiredCommandLogged,
	"verification_consistency": checkVerificationConsistency,
	"pdf_embeds_images":        checkPDFEmbedsImages,
	"image_dimensions":         checkImageDimensions,
}

// Register adds or replaces a named check.
func Register(name string, c Check) {
	registry[name] = c
}

type JobResult struct {
	WorkItemID string        `json:"work_item_id"`
	Mode       string        `json:"mode"`
	Status     string        `json:"status"`
	Checks     []CheckResult `json:"checks"`
	Failures   []string      `json:"failures"`
}

type Report struct {
	Schema      string      `json:"schema"`
	GeneratedAt string      `json:"generated_at"`
	ProjectID   string      `json:"project_id"`
	Results     []JobResult `json:"results"`
}

// Evaluator runs the truth battery over jobs.
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

// EvaluateJob runs the battery for one job and stamps truth fields on its
// header. Media checks are appended automatically when the declared outputs
// call for them.
func (e Evaluator) EvaluateJob(ctx context.Context, jobID string) (*JobResult, error) {
	job, err := e.Repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	ts := store.NowISO(e.now())

	mode := e.mode(job)
	job.Front.SetDefault("truth_mode", mode)
	job.Front.SetDefault("truth_checks", toAny(DefaultChecks))
	job.Front.SetDefault("truth_required_commands", []any{})
	job.Front.SetDefault("truth_input_snapshot", "artifacts/"+snapshot.FileName)

	res := &JobResult{WorkItemID: jobID, Mode: mode, Failures: []string{}}
	if mode == ModeOff {
		res.Status = "pass"
		res.Checks = []CheckResult{{Name: "truth_mode", Pass: true, Detail: "truth_mode=off"}}
	} else {
		env := &Env{
			Ctx:    ctx,
			Repo:   e.Repo,
			Log:    e.Log,
			Job:    job,
			Root:   e.Repo.Root(),
			JobDir: job.Dir(),
		}
		for _, name := range e.checkNames(job) {
			check, ok := registry[name]
			if !ok {
				res.Checks = append(res.Checks, CheckResult{
					Name: name, Pass: false, Detail: "unknown check",
				})
				continue
			}
			res.Checks = append(res.Checks, check(env))
		}
		for _, c := range res.Checks {
			if !c.Pass {
				res.Failures = append(res.Failures, c.Name+": "+c.Detail)
			}
		}
		if len(res.Failures) == 0 {
			res.Status = "pass"
		} else {
			res.Status = "fail"
		}
	}

	job.Front.Set("truth_last_status", res.Status)
	job.Front.Set("truth_last_checked_at", ts)
	job.Front.Set("truth_last_failures", toAny(res.Failures))
	job.Touch(ts)
	if err := e.Repo.Put(job); err != nil {
		return nil, err
	}
	if err := e.writeJobReport(job, res, ts); err != nil {
		return nil, err
	}
	return res, nil
}

// EvaluateAll runs the battery over every job and writes the project report.
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
		Results:     []JobResult{},
	}
	for _, job := range jobs {
		res, err := e.EvaluateJob(ctx, job.ID())
		if err != nil {
			return nil, fmt.Errorf("truth %s: %w", job.ID(), err)
		}
		report.Results = append(report.Results, *res)
	}
	if err := e.writeProjectReport(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (e Evaluator) mode(job *store.Doc) string {
	if m := job.Front.Str("truth_mode"); m != "" {
		return m
	}
	if e.Config != nil && e.Config.Truth.Mode != "" {
		return e.Config.Truth.Mode
	}
	return ModeStrict
}

// checkNames resolves the battery for a job: its declared list (or the
// default), plus media checks inferred from declared outputs.
func (e Evaluator) checkNames(job *store.Doc) []string {
	names := job.Front.StrList("truth_checks")
	if len(names) == 0 {
		if e.Config != nil && len(e.Config.Truth.Checks) > 0 {
			names = append(names, e.Config.Truth.Checks...)
		} else {
			names = append(names, DefaultChecks...)
		}
	}
	has := map[string]bool{}
	for _, n := range names {
		has[n] = true
	}
	if len(job.DependsOn()) > 0 && !has["freshness_inputs"] {
		names = append(names, "freshness_inputs")
		has["freshness_inputs"] = true
	}
	hasPDF, hasImage := false, false
	for _, out := range job.Outputs() {
		switch strings.ToLower(filepath.Ext(out)) {
		case ".pdf":
			hasPDF = true
		case ".png", ".jpg", ".jpeg", ".webp":
			hasImage = true
		}
	}
	if hasPDF && !has["pdf_embeds_images"] {
		names = append(names, "pdf_embeds_images")
	}
	if hasImage && !has["image_dimensions"] {
		names = append(names, "image_dimensions")
	}
	return names
}

// ReportPath is where the project truth report lands under a project root.
func ReportPath(root string) string {
	return filepath.Join(store.OutputsDir(root), "truth-report.json")
}

func (e Evaluator) writeJobReport(job *store.Doc, res *JobResult, ts string) error {
	dir := store.ArtifactsDir(job.Dir())
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(filepath.Join(dir, "truth-report.json"), append(data, '\n')); err != nil {
		return err
	}
	return store.WriteFileAtomic(filepath.Join(dir, "truth-report.md"), []byte(renderMarkdown(res, ts)))
}

func (e Evaluator) writeProjectReport(report *Report) error {
	root := e.Repo.Root()
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(ReportPath(root), append(data, '\n')); err != nil {
		return err
	}
	var md strings.Builder
	md.WriteString("# Truth Report\n\n")
	md.WriteString("Generated: " + report.GeneratedAt + "\n\n")
	md.WriteString("| Work Item | Mode | Status | Failures |\n")
	md.WriteString("|---|---|---|---|\n")
	for _, r := range report.Results {
		md.WriteString(fmt.Sprintf("| %s | %s | %s | %s |\n",
			r.WorkItemID, r.Mode, r.Status, strings.Join(r.Failures, "; ")))
	}
	return store.WriteFileAtomic(filepath.Join(store.OutputsDir(root), "truth-report.md"), []byte(md.String()))
}

func renderMarkdown(res *JobResult, ts string) string {
	var md strings.Builder
	md.WriteString("# Truth Report: " + res.WorkItemID + "\n\n")
	md.WriteString("Checked: " + ts + "\n\n")
	md.WriteString("Status: " + res.Status + " (mode " + res.Mode + ")\n\n")
	md.WriteString("| Check | Result | Detail |\n")
	md.WriteString("|---|---|---|\n")
	for _, c := range res.Checks {
		verdict := "fail"
		if c.Pass {
			verdict = "pass"
		}
		md.WriteString(fmt.Sprintf("| %s | %s | %s |\n", c.Name, verdict, c.Detail))
	}
	return md.String()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}
