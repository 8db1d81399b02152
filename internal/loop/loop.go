package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"planloom/internal/domain"
	"planloom/internal/engine"
	"planloom/internal/execlog"
	"planloom/internal/reward"
	"planloom/internal/store"
	"planloom/internal/truth"
)

const Schema = "planloom.loop-state.v1"

const (
	ModeUntilComplete = "until_complete"
	ModeMaxIterations = "max_iterations"
	ModePromiseOrMax  = "promise_or_max"
)

// Loop statuses; everything but active is terminal.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusBlocked   = "blocked"
	StatusStopped   = "stopped"
	StatusError     = "error"
)

// Stop reasons recorded on terminal transitions.
const (
	ReasonCompleted       = "completed"
	ReasonPromiseDetected = "promise_detected"
	ReasonMaxIterations   = "max_iterations"
	ReasonTimeout         = "timeout"
	ReasonCancel          = "cancel"
	ReasonCompleteFailed  = "job_complete_failed"
)

// Stakes fall back to these attempt budgets when the config is silent.
var defaultStakesLoops = map[string]int{
	"low":      2,
	"normal":   3,
	"high":     5,
	"critical": 7,
}

var promiseRe = regexp.MustCompile(`(?is)<promise>(.*?)</promise>`)

// DetectPromise returns the last promise token in text, whitespace-collapsed.
func DetectPromise(text string) string {
	matches := promiseRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return normalizePromise(matches[len(matches)-1][1])
}

func normalizePromise(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ValidatePromise enforces the single-line token contract.
func ValidatePromise(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("promise must be nonempty")
	}
	if strings.ContainsAny(p, "\n\r") {
		return errors.New("promise must be a single line")
	}
	if strings.ContainsAny(p, "<>") {
		return errors.New("promise must not contain angle brackets")
	}
	return nil
}

// Log is the execution-log surface the loop needs: it appends attempt rows and
// the gating evaluators read them back.
type Log interface {
	execlog.Reader
	execlog.Recorder
}

// AttemptRecord captures the outcome of one runner invocation.
type AttemptRecord struct {
	Number          int    `json:"number"`
	StartedAt       string `json:"started_at"`
	EndedAt         string `json:"ended_at"`
	ExitCode        int    `json:"exit_code"`
	DetectedPromise string `json:"detected_promise,omitempty"`
	GateStage       string `json:"gate_stage,omitempty"`
	StdoutLog       string `json:"stdout_log"`
	StderrLog       string `json:"stderr_log"`
	LastMessagePath string `json:"last_message_path"`
}

// State is persisted to state.json after every attempt.
type State struct {
	Schema         string         `json:"schema"`
	SessionID      string         `json:"session_id"`
	WorkItemID     string         `json:"work_item_id"`
	Mode           string         `json:"mode"`
	Promise        string         `json:"promise,omitempty"`
	MaxAttempts    int            `json:"max_attempts"`
	MaxWalltimeSec int            `json:"max_walltime_sec,omitempty"`
	Status         string         `json:"status"`
	StopReason     string         `json:"stop_reason,omitempty"`
	Attempts       int            `json:"attempts"`
	LastAttempt    *AttemptRecord `json:"last_attempt,omitempty"`
	StartedAt      string         `json:"started_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Summary extends the state with wall-clock accounting; written alongside it.
type Summary struct {
	State
	StartType       string `json:"start_type"`
	WallDurationSec int    `json:"wall_duration_sec"`
}

// ExitCode maps a finished loop to its process exit code: completed 0,
// runner errors surface the runner's code, everything else 1.
func (s *Summary) ExitCode() int {
	switch s.Status {
	case StatusCompleted:
		return 0
	case StatusError:
		if s.LastAttempt != nil && s.LastAttempt.ExitCode != 0 {
			return s.LastAttempt.ExitCode
		}
		return 1
	default:
		return 1
	}
}

// Options configure one loop invocation. Zero values defer to the job header
// and then the project config.
type Options struct {
	Mode        string
	MaxAttempts int
	Walltime    time.Duration
	Promise     string
	Override    bool
	Note        string
	ActorID     string
}

// Executor runs the attempt loop for one job.
type Executor struct {
	Engine engine.Engine
	Log    Log
	Runner Runner
	Now    func() time.Time
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// StatePath returns the loop state file for a work item.
func StatePath(root, workItemID string) string {
	return filepath.Join(store.LoopsDir(root), workItemID, "state.json")
}

// SummaryPath returns the loop summary file for a work item.
func SummaryPath(root, workItemID string) string {
	return filepath.Join(store.LoopsDir(root), workItemID, "summary.json")
}

// CancelPath is the cooperative cancellation marker checked at the top of
// every iteration. An in-flight runner invocation is never interrupted.
func CancelPath(root, workItemID string) string {
	return filepath.Join(store.LoopsDir(root), workItemID, "cancel")
}

func logsDir(root, workItemID string) string {
	return filepath.Join(store.LogsDir(root), "loops", workItemID)
}

// Run executes the loop until a terminal status and returns the summary. An
// error return means the environment failed (unreadable records, spawn
// failure); gate failures and budget exhaustion are statuses, not errors.
func (x Executor) Run(ctx context.Context, jobID string, opts Options) (*Summary, error) {
	repo := x.Engine.Store
	root := repo.Root()
	job, err := repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	promptPath := filepath.Join(job.Dir(), store.PromptFile)
	prompt, err := os.ReadFile(promptPath)
	if err != nil || strings.TrimSpace(string(prompt)) == "" {
		return nil, fmt.Errorf("loop requires a nonempty %s for %s", store.PromptFile, jobID)
	}

	mode := opts.Mode
	if mode == "" {
		mode = job.Front.Str("loop_mode")
	}
	if mode == "" {
		mode = ModeUntilComplete
	}
	switch mode {
	case ModeUntilComplete, ModeMaxIterations, ModePromiseOrMax:
	default:
		return nil, fmt.Errorf("unknown loop mode %q", mode)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.Front.Int("max_iterations")
	}
	if maxAttempts <= 0 {
		maxAttempts = x.stakesBudget(job)
	}

	promise := normalizePromise(opts.Promise)
	if promise == "" {
		promise = normalizePromise(job.Front.Str("completion_promise"))
	}
	if mode == ModePromiseOrMax && promise == "" {
		return nil, errors.New("promise_or_max requires a completion promise")
	}
	if promise != "" {
		if err := ValidatePromise(promise); err != nil {
			return nil, err
		}
	}
	// Only the require-promise modes gate completion on the token; under
	// max_iterations a configured promise never blocks.
	gatePromise := promise
	if mode == ModeMaxIterations {
		gatePromise = ""
	}

	walltime := opts.Walltime
	if walltime == 0 {
		if sec := job.Front.Int("loop_max_walltime_sec"); sec > 0 {
			walltime = time.Duration(sec) * time.Second
		} else if x.Engine.Config != nil && x.Engine.Config.Runner.MaxWalltimeSec > 0 {
			walltime = time.Duration(x.Engine.Config.Runner.MaxWalltimeSec) * time.Second
		}
	}

	start := x.now()
	ts := store.NowISO(start)
	state := &State{
		Schema:         Schema,
		SessionID:      uuid.New().String(),
		WorkItemID:     jobID,
		Mode:           mode,
		Promise:        promise,
		MaxAttempts:    maxAttempts,
		MaxWalltimeSec: int(walltime / time.Second),
		Status:         StatusActive,
		StartedAt:      ts,
		UpdatedAt:      ts,
	}
	startType := "fresh"
	if prior, err := loadState(StatePath(root, jobID)); err == nil && prior.Attempts > 0 {
		startType = "resume"
		state.Attempts = prior.Attempts
	}
	summary := &Summary{State: *state, StartType: startType}

	// Cancellation wins before any start gate runs.
	if x.cancelled(root, jobID) {
		state.Attempts = 0
		return x.finish(ctx, state, summary, StatusStopped, ReasonCancel, start, opts.ActorID)
	}

	// Start gates: agreement, terminal ancestors, dependency override path.
	job, err = x.Engine.StartJob(ctx, jobID, engine.StartOptions{
		Override: opts.Override,
		Note:     opts.Note,
		ActorID:  opts.ActorID,
	})
	if err != nil {
		return nil, err
	}

	// The run configuration lives on the header too, not just in state.json.
	job.Front.Set("loop_enabled", true)
	job.Front.Set("loop_mode", mode)
	job.Front.Set("loop_max_iterations", maxAttempts)
	if promise != "" {
		job.Front.Set("loop_target_promise", promise)
	}
	job.Front.SetDefault("loop_started_at", state.StartedAt)
	job.Touch(ts)
	if err := repo.Put(job); err != nil {
		return nil, err
	}

	base := job.Front.Int("iteration")
	if base < 1 {
		base = 1
	}
	attempt := base
	if startType == "resume" {
		if state.Attempts > base {
			attempt = state.Attempts + 1
		} else {
			attempt = base + 1
		}
	}

	for {
		if walltime > 0 && x.now().Sub(start) > walltime {
			return x.finish(ctx, state, summary, StatusBlocked, ReasonTimeout, start, opts.ActorID)
		}
		if attempt > maxAttempts {
			return x.finish(ctx, state, summary, StatusBlocked, ReasonMaxIterations, start, opts.ActorID)
		}
		if x.cancelled(root, jobID) {
			return x.finish(ctx, state, summary, StatusStopped, ReasonCancel, start, opts.ActorID)
		}

		record, err := x.runAttempt(ctx, jobID, attempt, string(prompt))
		if err != nil {
			return nil, err
		}
		state.Attempts = attempt
		state.LastAttempt = record
		if err := x.persist(state, summary, start); err != nil {
			return nil, err
		}
		if record.ExitCode != 0 {
			return x.finish(ctx, state, summary, StatusError, fmt.Sprintf("exit_code_%d", record.ExitCode), start, opts.ActorID)
		}

		stage, ready, err := x.gates(ctx, jobID, gatePromise, record.DetectedPromise)
		if err != nil {
			return nil, err
		}
		if stage != "" {
			record.GateStage = stage
			if err := x.persist(state, summary, start); err != nil {
				return nil, err
			}
			attempt++
			continue
		}
		if !ready {
			record.GateStage = "gates_passed_not_complete"
			if err := x.persist(state, summary, start); err != nil {
				return nil, err
			}
			attempt++
			continue
		}

		if _, err := x.Engine.CompleteJob(ctx, jobID, engine.CompleteOptions{Cascade: true, ActorID: opts.ActorID}); err != nil {
			if errors.Is(err, engine.ErrGateFailed) {
				return x.finish(ctx, state, summary, StatusError, ReasonCompleteFailed, start, opts.ActorID)
			}
			return nil, err
		}
		reason := ReasonCompleted
		if gatePromise != "" {
			reason = ReasonPromiseDetected
		}
		return x.finish(ctx, state, summary, StatusCompleted, reason, start, opts.ActorID)
	}
}

func (x Executor) stakesBudget(job *store.Doc) int {
	stakes := job.Front.Str("stakes")
	if stakes == "" {
		stakes = "normal"
	}
	if cfg := x.Engine.Config; cfg != nil {
		if n, ok := cfg.Stakes.DefaultLoops[stakes]; ok && n > 0 {
			return n
		}
	}
	if n, ok := defaultStakesLoops[stakes]; ok {
		return n
	}
	return defaultStakesLoops["normal"]
}

// runAttempt invokes the external runner once and records the execution-log
// row and job header bookkeeping.
func (x Executor) runAttempt(ctx context.Context, jobID string, attempt int, prompt string) (*AttemptRecord, error) {
	repo := x.Engine.Store
	root := repo.Root()
	dir := logsDir(root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	record := &AttemptRecord{
		Number:          attempt,
		StartedAt:       store.NowISO(x.now()),
		StdoutLog:       filepath.Join(dir, fmt.Sprintf("attempt-%d.stdout.log", attempt)),
		StderrLog:       filepath.Join(dir, fmt.Sprintf("attempt-%d.stderr.log", attempt)),
		LastMessagePath: filepath.Join(dir, fmt.Sprintf("attempt-%d.last-message.txt", attempt)),
	}
	res, err := x.Runner.Run(ctx, RunRequest{
		Prompt:          prompt,
		Dir:             root,
		StdoutPath:      record.StdoutLog,
		StderrPath:      record.StderrLog,
		LastMessagePath: record.LastMessagePath,
	})
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	end := x.now()
	record.EndedAt = store.NowISO(end)
	record.ExitCode = res.ExitCode
	record.DetectedPromise = DetectPromise(res.Stdout + "\n" + res.LastMessage)

	entry := execlog.Entry{
		Timestamp:   record.StartedAt,
		EndTime:     record.EndedAt,
		DurationSec: res.DurationSec,
		Label:       "loop_job",
		Level:       levelFor(res.ExitCode),
		Tags:        []string{"loop", fmt.Sprintf("attempt:%d", attempt), "wi:" + jobID},
		WorkItemID:  jobID,
		Phase:       "loop",
		Command:     res.Command,
		Cwd:         root,
		ExitCode:    res.ExitCode,
		LastMessage: res.LastMessage,
	}
	if err := x.Log.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("append execution log: %w", err)
	}

	job, err := repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	ts := store.NowISO(end)
	job.Front.Set("iteration", attempt)
	job.AppendProgress(ts, fmt.Sprintf("loop_job: attempt %d finished (exit_code=%d)", attempt, res.ExitCode))
	job.Touch(ts)
	if err := repo.Put(job); err != nil {
		return nil, err
	}
	return record, nil
}

func levelFor(exitCode int) string {
	if exitCode == 0 {
		return "info"
	}
	return "error"
}

// gates re-runs the full gating engine fresh. A nonempty stage names the
// failing gate; ready reports completion readiness once all stages pass.
func (x Executor) gates(ctx context.Context, jobID, promise, detected string) (stage string, ready bool, err error) {
	repo := x.Engine.Store
	rewardEval := reward.Evaluator{Repo: repo, Log: x.Log, Config: x.Engine.Config, Now: x.Now}
	rres, err := rewardEval.EvaluateJob(ctx, jobID)
	if err != nil {
		return "", false, fmt.Errorf("reward evaluation: %w", err)
	}
	if rres.Score < rres.Target {
		return "gates_reward_failed", false, nil
	}
	truthEval := truth.Evaluator{Repo: repo, Log: x.Log, Config: x.Engine.Config, Now: x.Now}
	tres, err := truthEval.EvaluateJob(ctx, jobID)
	if err != nil {
		return "", false, fmt.Errorf("truth evaluation: %w", err)
	}
	if tres.Status != "pass" {
		return "gates_truth_failed", false, nil
	}
	job, err := repo.Job(jobID)
	if err != nil {
		return "", false, err
	}
	if errs := planCheck(job); len(errs) > 0 {
		return "gates_plan_failed", false, nil
	}
	for _, rel := range append(job.Outputs(), job.Evidence()...) {
		info, err := os.Stat(filepath.Join(job.Dir(), rel))
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			return "", false, nil
		}
	}
	if promise != "" && detected != promise {
		return "", false, nil
	}
	return "", true, nil
}

// planCheck is the strict consistency stage: the record itself must be sound
// before completion is attempted.
func planCheck(job *store.Doc) []string {
	var errs []string
	if job.ID() == "" {
		errs = append(errs, "missing id")
	}
	if job.Kind() != "job" {
		errs = append(errs, "kind is not job")
	}
	if !domain.ValidStatus(job.Status()) {
		errs = append(errs, "invalid status "+job.Status())
	}
	if len(job.Outputs()) == 0 {
		errs = append(errs, "no declared outputs")
	}
	return errs
}

func (x Executor) cancelled(root, jobID string) bool {
	_, err := os.Stat(CancelPath(root, jobID))
	return err == nil
}

// finish records the terminal transition: state and summary files, job header
// loop fields, and the project decision line.
func (x Executor) finish(ctx context.Context, state *State, summary *Summary, status, reason string, start time.Time, actorID string) (*Summary, error) {
	repo := x.Engine.Store
	ts := store.NowISO(x.now())
	state.Status = status
	state.StopReason = reason
	state.UpdatedAt = ts
	if err := x.persist(state, summary, start); err != nil {
		return nil, err
	}

	job, err := repo.Job(state.WorkItemID)
	if err != nil {
		return nil, err
	}
	job.Front.Set("loop_status", status)
	job.Front.Set("loop_stop_reason", reason)
	job.Front.Set("loop_last_attempt", state.Attempts)
	switch status {
	case StatusBlocked:
		if !domain.Terminal(job.Status()) {
			job.SetStatus(domain.StatusBlocked)
			job.AppendProgress(ts, fmt.Sprintf("loop_job: blocked (%s) after %d attempts", reason, state.Attempts))
		}
	case StatusStopped:
		job.AppendProgress(ts, "loop_job: stopped ("+reason+")")
	case StatusError:
		job.AppendProgress(ts, fmt.Sprintf("loop_job: error (%s) after %d attempts", reason, state.Attempts))
	}
	job.Touch(ts)
	if err := repo.Put(job); err != nil {
		return nil, err
	}

	project, err := repo.Project()
	if err != nil {
		return nil, err
	}
	project.AppendDecision(ts, fmt.Sprintf("loop_finished: %s status=%s reason=%s attempts=%d",
		state.WorkItemID, status, reason, state.Attempts))
	project.Touch(ts)
	if err := repo.Put(project); err != nil {
		return nil, err
	}
	return summary, nil
}

func (x Executor) persist(state *State, summary *Summary, start time.Time) error {
	root := x.Engine.Store.Root()
	state.UpdatedAt = store.NowISO(x.now())
	summary.State = *state
	summary.WallDurationSec = int(x.now().Sub(start) / time.Second)
	if err := writeJSON(StatePath(root, state.WorkItemID), state); err != nil {
		return err
	}
	return writeJSON(SummaryPath(root, state.WorkItemID), summary)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, append(data, '\n'))
}

func loadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
