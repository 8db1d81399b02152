package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"planloom/internal/config"
	"planloom/internal/domain"
	"planloom/internal/events"
	"planloom/internal/execlog"
	"planloom/internal/invalidate"
	"planloom/internal/reward"
	"planloom/internal/schedule"
	"planloom/internal/snapshot"
	"planloom/internal/store"
	plansync "planloom/internal/sync"
	"planloom/internal/truth"
)

// ErrGateFailed marks a completion attempt rejected by the gating engine. The
// job record has already been reverted and annotated when this is returned.
var ErrGateFailed = errors.New("completion gate failed")

// Engine drives job lifecycle transitions over the plan store, with audit
// events recorded in the workspace database.
type Engine struct {
	Store    store.Repo
	DB       *sql.DB
	Events   events.Writer
	Log      execlog.Reader
	Config   *config.Config
	Settings config.Settings
	Now      func() time.Time
	Out      io.Writer
}

func New(repo store.Repo, conn *sql.DB, log execlog.Reader, cfg *config.Config, settings config.Settings) Engine {
	return Engine{
		Store:    repo,
		DB:       conn,
		Events:   events.Writer{DB: conn},
		Log:      log,
		Config:   cfg,
		Settings: settings,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) out() io.Writer {
	if e.Out != nil {
		return e.Out
	}
	return os.Stdout
}

// StartOptions control a start transition.
type StartOptions struct {
	// Override allows starting with unmet dependencies. Note is mandatory and
	// is recorded permanently in the project decision log.
	Override bool
	Note     string
	ActorID  string
}

// StartJob transitions a job to in_progress, enforcing the agreement flag,
// terminal-ancestor and dependency gates.
func (e Engine) StartJob(ctx context.Context, jobID string, opts StartOptions) (*store.Doc, error) {
	job, ws, project, err := e.lineage(jobID)
	if err != nil {
		return nil, err
	}
	if err := e.agreementGate(project); err != nil {
		return nil, err
	}
	for _, doc := range []*store.Doc{project, ws, job} {
		if domain.Terminal(doc.Status()) {
			return nil, fmt.Errorf("%s is %s; cannot start %s", doc.ID(), doc.Status(), jobID)
		}
	}
	ts := store.NowISO(e.now())
	unmet := e.UnmetDependencies(job)
	if len(unmet) > 0 {
		if !opts.Override {
			return nil, fmt.Errorf("unmet dependencies for %s: %s", jobID, strings.Join(unmet, ", "))
		}
		if strings.TrimSpace(opts.Note) == "" {
			return nil, errors.New("dependency override requires a justification note")
		}
		line := fmt.Sprintf("dependency_override: started %s despite unmet deps [%s]: %s",
			jobID, strings.Join(unmet, ", "), strings.TrimSpace(opts.Note))
		project.AppendDecision(ts, line)
		project.Touch(ts)
		if err := e.Store.Put(project); err != nil {
			return nil, err
		}
		job.AppendProgress(ts, line)
	}

	prev := job.Status()
	if prev == "" {
		prev = domain.StatusPlanned
	}
	iteration := job.Front.Int("iteration")
	if iteration <= 0 {
		iteration = 1
	} else if prev == domain.StatusPlanned || prev == domain.StatusBlocked {
		iteration++
	}
	job.Front.Set("iteration", iteration)
	job.Front.SetDefault("started_at", ts)
	job.SetStatus(domain.StatusInProgress)
	job.AppendProgress(ts, fmt.Sprintf("job_start: %s -> in_progress (iteration %d)", prev, iteration))
	job.Touch(ts)
	if err := e.Store.Put(job); err != nil {
		return nil, err
	}
	err = e.appendEvent(ctx, "job.started", jobID, opts.ActorID, events.EventPayload{
		"from":      prev,
		"to":        domain.StatusInProgress,
		"iteration": iteration,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteOptions control a completion transaction.
type CompleteOptions struct {
	// Cascade auto-completes the parent workstream and project when their
	// children are all done.
	Cascade bool
	ActorID string
}

// CompleteResult reports the outcome of one completion attempt.
type CompleteResult struct {
	WorkItemID string   `json:"work_item_id"`
	Status     string   `json:"status"`
	GatePassed bool     `json:"gate_passed"`
	GateErrors []string `json:"gate_errors,omitempty"`
	// Promises holds completion tokens emitted for cascaded parents.
	Promises []string `json:"promises,omitempty"`
	// Advisories records post-commit side effect outcomes. Failures here
	// never undo the completion.
	Advisories []string `json:"advisories,omitempty"`
}

// CompleteJob re-validates every gate against current on-disk state and marks
// the job done only when all of them hold. Gate failures revert the status and
// return ErrGateFailed; the record is never left tentatively done.
func (e Engine) CompleteJob(ctx context.Context, jobID string, opts CompleteOptions) (*CompleteResult, error) {
	job, ws, project, err := e.lineage(jobID)
	if err != nil {
		return nil, err
	}
	if err := e.agreementGate(project); err != nil {
		return nil, err
	}
	if job.Status() == domain.StatusCancelled {
		return nil, fmt.Errorf("%s is cancelled; cannot complete", jobID)
	}
	ts := store.NowISO(e.now())
	prev := job.Status()
	if prev == "" {
		prev = domain.StatusPlanned
	}
	job.Front.SetDefault("started_at", ts)
	if job.Front.Int("iteration") <= 0 {
		job.Front.Set("iteration", 1)
	}
	job.AppendProgress(ts, fmt.Sprintf("job_complete: attempting completion (prev_status=%s)", prev))
	job.Touch(ts)
	if err := e.Store.Put(job); err != nil {
		return nil, err
	}

	// Refresh the input snapshot so gating sees current upstream state.
	res := &CompleteResult{WorkItemID: jobID}
	snapEngine := snapshot.Engine{Repo: e.Store, Now: e.Now}
	if _, err := snapEngine.Capture(jobID); err != nil {
		res.Advisories = append(res.Advisories, "snapshot_capture: "+err.Error())
	}

	depErrors := e.UnmetDependencies(job)
	var gateErrors []string
	for _, d := range depErrors {
		gateErrors = append(gateErrors, "dependency not done: "+d)
	}

	// Truth runs first so the reward pass scores against the fresh verdict.
	truthEval := truth.Evaluator{Repo: e.Store, Log: e.Log, Config: e.Config, Now: e.Now}
	tres, err := truthEval.EvaluateJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("truth evaluation: %w", err)
	}
	if tres.Status != "pass" {
		gateErrors = append(gateErrors, "truth status "+tres.Status)
		for _, f := range firstN(tres.Failures, 3) {
			gateErrors = append(gateErrors, f)
		}
	}

	rewardEval := reward.Evaluator{Repo: e.Store, Log: e.Log, Config: e.Config, Now: e.Now}
	rres, err := rewardEval.EvaluateJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reward evaluation: %w", err)
	}
	if rres.Score < rres.Target {
		gateErrors = append(gateErrors, fmt.Sprintf("reward score %d below target %d", rres.Score, rres.Target))
	}

	// Evaluators rewrote the header; reload before mutating further.
	job, err = e.Store.Job(jobID)
	if err != nil {
		return nil, err
	}
	for _, rel := range append(job.Outputs(), job.Evidence()...) {
		if !fileNonempty(job.Dir(), rel) {
			gateErrors = append(gateErrors, "missing or empty: "+rel)
		}
	}

	if len(gateErrors) > 0 {
		failStatus := domain.StatusInProgress
		if len(depErrors) > 0 || anyContains(gateErrors, "stale") {
			failStatus = domain.StatusBlocked
		}
		job.SetStatus(failStatus)
		job.Front.Set("completed_at", "")
		job.AppendProgress(ts, fmt.Sprintf("job_complete: FAILED gate; reverting to %s; errors: %s",
			failStatus, strings.Join(gateErrors, "; ")))
		job.Touch(ts)
		if err := e.Store.Put(job); err != nil {
			return nil, err
		}
		res.Status = failStatus
		res.GateErrors = gateErrors
		err = e.appendEvent(ctx, "job.complete_failed", jobID, opts.ActorID, events.EventPayload{
			"reverted_to": failStatus,
			"errors":      gateErrors,
		})
		if err != nil {
			return nil, err
		}
		return res, fmt.Errorf("%w: %s", ErrGateFailed, strings.Join(gateErrors, "; "))
	}

	job.SetStatus(domain.StatusDone)
	job.Front.Set("completed_at", ts)
	job.AppendProgress(ts, "job_complete: gate PASSED; status=done confirmed")
	job.Touch(ts)
	if err := e.Store.Put(job); err != nil {
		return nil, err
	}
	res.Status = domain.StatusDone
	res.GatePassed = true
	err = e.appendEvent(ctx, "job.completed", jobID, opts.ActorID, events.EventPayload{
		"from": prev,
		"to":   domain.StatusDone,
	})
	if err != nil {
		return nil, err
	}

	if opts.Cascade {
		if err := e.cascade(ctx, ws, project, opts.ActorID, ts, res); err != nil {
			return nil, err
		}
	}

	for _, effect := range e.sideEffects(ctx, jobID) {
		if err := effect.Run(ctx); err != nil {
			res.Advisories = append(res.Advisories, effect.Name+": "+err.Error())
		} else {
			res.Advisories = append(res.Advisories, effect.Name+": ok")
		}
	}
	return res, nil
}

// cascade auto-completes the workstream when every job under it is done, then
// the project when every workstream is done. Each completion emits a promise
// token so wrapping loop runners can observe it.
func (e Engine) cascade(ctx context.Context, ws, project *store.Doc, actorID, ts string, res *CompleteResult) error {
	jobs, err := e.Store.JobsOf(ws.ID())
	if err != nil {
		return err
	}
	allDone := len(jobs) > 0
	for _, j := range jobs {
		if j.Status() != domain.StatusDone {
			allDone = false
			break
		}
	}
	if allDone && ws.Status() != domain.StatusDone {
		ws.SetStatus(domain.StatusDone)
		ws.Front.Set("completed_at", ts)
		ws.AppendProgress(ts, "auto-complete: all jobs done; status=done")
		ws.Touch(ts)
		if err := e.Store.Put(ws); err != nil {
			return err
		}
		if err := e.emitPromise(ctx, ws, actorID, res); err != nil {
			return err
		}
	}

	streams, err := e.Store.Workstreams()
	if err != nil {
		return err
	}
	allDone = len(streams) > 0
	for _, s := range streams {
		if s.Status() != domain.StatusDone {
			allDone = false
			break
		}
	}
	if allDone && project.Status() != domain.StatusDone {
		project.SetStatus(domain.StatusDone)
		project.Front.Set("completed_at", ts)
		project.AppendProgress(ts, "auto-complete: all workstreams done; status=done")
		project.Touch(ts)
		if err := e.Store.Put(project); err != nil {
			return err
		}
		if err := e.emitPromise(ctx, project, actorID, res); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) emitPromise(ctx context.Context, doc *store.Doc, actorID string, res *CompleteResult) error {
	promise := doc.Front.Str("completion_promise")
	if promise == "" {
		promise = doc.ID() + "-DONE"
	}
	res.Promises = append(res.Promises, promise)
	fmt.Fprintf(e.out(), "<promise>%s</promise>\n", promise)
	return e.appendEvent(ctx, doc.Kind()+".completed", doc.ID(), actorID, events.EventPayload{
		"promise": promise,
	})
}

// SideEffect is one advisory action run after a completion commits. Failures
// are reported, never propagated.
type SideEffect struct {
	Name string
	Run  func(ctx context.Context) error
}

func (e Engine) sideEffects(ctx context.Context, jobID string) []SideEffect {
	return []SideEffect{
		{
			Name: "invalidate_downstream",
			Run: func(ctx context.Context) error {
				_, err := invalidate.Engine{Repo: e.Store, Now: e.Now}.Run(jobID, false)
				return err
			},
		},
		{
			Name: "plan_sync",
			Run: func(ctx context.Context) error {
				_, err := plansync.Syncer{Repo: e.Store, Now: e.Now}.Run()
				return err
			},
		},
		{
			Name: "orchestration_report",
			Run: func(ctx context.Context) error {
				report, err := schedule.Planner{Repo: e.Store, Settings: e.Settings, Now: e.Now}.Plan()
				if err != nil {
					return err
				}
				return report.WriteReport(e.Store.Root())
			},
		},
	}
}

// UnmetDependencies lists the dependencies of a job that are missing or not
// done, sorted.
func (e Engine) UnmetDependencies(job *store.Doc) []string {
	var unmet []string
	seen := map[string]bool{}
	for _, dep := range job.DependsOn() {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		d, err := e.Store.Job(dep)
		if err != nil || d.Status() != domain.StatusDone {
			unmet = append(unmet, dep)
		}
	}
	sort.Strings(unmet)
	return unmet
}

func (e Engine) lineage(jobID string) (job, ws, project *store.Doc, err error) {
	job, err = e.Store.Job(jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	ws, err = e.Store.WorkstreamFor(jobID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("workstream for %s: %w", jobID, err)
	}
	project, err = e.Store.Project()
	if err != nil {
		return nil, nil, nil, err
	}
	return job, ws, project, nil
}

func (e Engine) agreementGate(project *store.Doc) error {
	if project.Front.Str("agreement_status") != domain.AgreementAgreed {
		return fmt.Errorf("project %s agreement_status is not %q", project.ID(), domain.AgreementAgreed)
	}
	return nil
}

// appendEvent records one audit row in its own transaction. A nil DB (plan
// store only, no workspace database) skips the audit trail.
func (e Engine) appendEvent(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) error {
	if e.DB == nil {
		return nil
	}
	project, err := e.Store.Project()
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, project.ID(), "work_item", entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func fileNonempty(dir, rel string) bool {
	info, err := os.Stat(filepath.Join(dir, rel))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

func anyContains(list []string, needle string) bool {
	for _, s := range list {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}
