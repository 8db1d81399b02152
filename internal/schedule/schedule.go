package schedule

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"planloom/internal/config"
	"planloom/internal/domain"
	"planloom/internal/graph"
	"planloom/internal/invalidate"
	"planloom/internal/store"
)

const Schema = "planloom.orchestration.v1"

// DefaultMaxParallel applies when neither the project header nor the settings
// carry a concurrency cap.
const DefaultMaxParallel = 3

// serial policies collapse the wave width to one.
var serialPolicies = map[string]bool{
	"serial":   true,
	"single":   true,
	"manual":   true,
	"off":      true,
	"disabled": true,
	"none":     true,
}

type LimitInfo struct {
	Configured  int  `json:"configured"`
	Effective   int  `json:"effective"`
	EnvOverride bool `json:"env_override"`
}

type WaveDetail struct {
	WaveIndex int      `json:"wave_index"`
	WorkItems []string `json:"work_items"`
}

type BlockedJob struct {
	WorkItemID                  string   `json:"work_item_id"`
	MissingDependencies         []string `json:"missing_dependencies,omitempty"`
	NotDoneDependencies         []string `json:"not_done_dependencies,omitempty"`
	PendingOrCyclicDependencies []string `json:"pending_or_cyclic_dependencies,omitempty"`
}

type Report struct {
	Schema               string             `json:"schema"`
	GeneratedAt          string             `json:"generated_at"`
	SubagentPolicy       string             `json:"subagent_policy"`
	MaxParallelAgents    LimitInfo          `json:"max_parallel_agents"`
	RunnableNow          []string           `json:"runnable_now"`
	Waves                [][]string         `json:"waves"`
	WaveDetails          []WaveDetail       `json:"wave_details"`
	CriticalPath         graph.CriticalPath `json:"critical_path"`
	CriticalPathHours    float64            `json:"critical_path_hours"`
	BlockedJobs          []BlockedJob       `json:"blocked_jobs"`
	StaleDependencyCount int                `json:"stale_dependency_count"`
}

// Planner turns the dependency graph plus per-job status into execution
// waves under the active concurrency policy.
type Planner struct {
	Repo     store.Repo
	Settings config.Settings
	Now      func() time.Time
}

func (p Planner) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func runnable(status string) bool {
	switch status {
	case domain.StatusPlanned, domain.StatusBlocked, domain.StatusInProgress:
		return true
	default:
		return false
	}
}

// Plan computes the orchestration report.
func (p Planner) Plan() (*Report, error) {
	g, err := graph.Builder{Repo: p.Repo, Now: p.Now}.Build()
	if err != nil {
		return nil, err
	}
	project, err := p.Repo.Project()
	if err != nil {
		return nil, err
	}
	policy, limits := p.resolveLimits(project)

	report := &Report{
		Schema:               Schema,
		GeneratedAt:          store.NowISO(p.now()),
		SubagentPolicy:       policy,
		MaxParallelAgents:    limits,
		RunnableNow:          []string{},
		Waves:                [][]string{},
		WaveDetails:          []WaveDetail{},
		CriticalPath:         g.CriticalPath,
		CriticalPathHours:    g.CriticalPath.TotalEstimateHours,
		BlockedJobs:          []BlockedJob{},
		StaleDependencyCount: invalidate.StaleCount(p.Repo.Root()),
	}

	// Active set: jobs that still want execution.
	active := map[string]bool{}
	var activeIDs []string
	for _, n := range g.Nodes {
		if runnable(n.Status) {
			active[n.ID] = true
			activeIDs = append(activeIDs, n.ID)
		}
	}
	sort.Strings(activeIDs)

	indeg := map[string]int{}
	adj := map[string][]string{}
	missing := map[string][]string{}
	notDone := map[string][]string{}
	for _, id := range activeIDs {
		node, _ := g.Node(id)
		seen := map[string]bool{}
		for _, dep := range node.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			depNode, ok := g.Node(dep)
			switch {
			case !ok:
				missing[id] = append(missing[id], dep)
			case depNode.Status == domain.StatusDone:
				// satisfied
			case active[dep]:
				indeg[id]++
				adj[dep] = append(adj[dep], id)
			default:
				// cancelled or otherwise terminal-but-not-done
				notDone[id] = append(notDone[id], dep)
			}
		}
	}

	blockedExternally := func(id string) bool {
		return len(missing[id]) > 0 || len(notDone[id]) > 0
	}

	var frontier []string
	for _, id := range activeIDs {
		if indeg[id] == 0 && !blockedExternally(id) {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	limit := limits.Effective
	scheduled := map[string]bool{}
	for len(frontier) > 0 {
		wave := frontier
		if len(wave) > limit {
			wave = wave[:limit]
		}
		rest := frontier[len(wave):]
		group := make([]string, len(wave))
		copy(group, wave)
		report.Waves = append(report.Waves, group)
		report.WaveDetails = append(report.WaveDetails, WaveDetail{
			WaveIndex: len(report.Waves),
			WorkItems: group,
		})
		var ready []string
		for _, id := range wave {
			scheduled[id] = true
			for _, child := range adj[id] {
				indeg[child]--
				if indeg[child] == 0 && !blockedExternally(child) {
					ready = append(ready, child)
				}
			}
		}
		frontier = append(append([]string{}, rest...), ready...)
		sort.Strings(frontier)
	}
	if len(report.Waves) > 0 {
		report.RunnableNow = report.Waves[0]
	}

	for _, id := range activeIDs {
		if scheduled[id] {
			continue
		}
		entry := BlockedJob{
			WorkItemID:          id,
			MissingDependencies: missing[id],
			NotDoneDependencies: notDone[id],
		}
		if !blockedExternally(id) && indeg[id] > 0 {
			node, _ := g.Node(id)
			var pending []string
			for _, dep := range node.DependsOn {
				if active[dep] && !scheduled[dep] {
					pending = append(pending, dep)
				}
			}
			sort.Strings(pending)
			entry.PendingOrCyclicDependencies = pending
		}
		report.BlockedJobs = append(report.BlockedJobs, entry)
	}
	return report, nil
}

// resolveLimits collapses project header values and explicit settings into
// the effective policy and wave width.
func (p Planner) resolveLimits(project *store.Doc) (string, LimitInfo) {
	policy := project.Front.Str("subagent_policy")
	if policy == "" {
		policy = "parallel"
	}
	override := false
	if p.Settings.SubagentPolicy != "" {
		policy = p.Settings.SubagentPolicy
		override = true
	}
	if p.Settings.NoSubagents {
		policy = "off"
		override = true
	}
	configured := project.Front.Int("max_parallel_agents")
	if configured <= 0 {
		configured = DefaultMaxParallel
	}
	effective := configured
	if p.Settings.MaxParallelAgents > 0 {
		effective = p.Settings.MaxParallelAgents
		override = true
	}
	if serialPolicies[policy] {
		effective = 1
	}
	if effective < 1 {
		effective = 1
	}
	return policy, LimitInfo{Configured: configured, Effective: effective, EnvOverride: override}
}

// ReportPath is where the orchestration report lands under a project root.
func ReportPath(root string) string {
	return filepath.Join(store.OutputsDir(root), "orchestration.json")
}

// WriteReport persists the report atomically.
func (r *Report) WriteReport(root string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(ReportPath(root), append(data, '\n'))
}
