package graph

import (
	"encoding/json"
	"math"
	"path/filepath"
	"sort"
	"time"

	"planloom/internal/store"
)

const Schema = "planloom.dependencygraph.v1"

type Node struct {
	ID            string   `json:"work_item_id"`
	Status        string   `json:"status"`
	EstimateHours float64  `json:"estimate_hours"`
	Workstream    string   `json:"workstream"`
	PlanPath      string   `json:"plan_path"`
	DependsOn     []string `json:"depends_on"`
}

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type MissingDependency struct {
	WorkItemID string `json:"work_item_id"`
	DependsOn  string `json:"depends_on"`
}

type Duplicate struct {
	WorkItemID        string `json:"work_item_id"`
	ExistingPlanPath  string `json:"existing_plan_path"`
	DuplicatePlanPath string `json:"duplicate_plan_path"`
}

type CriticalPath struct {
	WorkItems          []string `json:"work_items"`
	TotalEstimateHours float64  `json:"total_estimate_hours"`
	Available          bool     `json:"available"`
}

type Diagnostics struct {
	MissingDependencies []MissingDependency `json:"missing_dependencies"`
	CycleNodes          []string            `json:"cycle_nodes"`
	DuplicateWorkItems  []Duplicate         `json:"duplicate_work_item_ids"`
}

type Graph struct {
	Schema       string              `json:"schema"`
	GeneratedAt  string              `json:"generated_at"`
	Nodes        []Node              `json:"nodes"`
	Edges        []Edge              `json:"edges"`
	ReverseDeps  map[string][]string `json:"reverse_deps"`
	TopoGroups   [][]string          `json:"topo_groups"`
	CriticalPath CriticalPath        `json:"critical_path"`
	Diagnostics  Diagnostics         `json:"diagnostics"`

	byID map[string]Node
}

// Builder scans job records and assembles the dependency graph.
type Builder struct {
	Repo store.Repo
	Now  func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Build scans every job, resolves depends_on edges, computes topological wave
// groups and the estimate-weighted critical path.
func (b Builder) Build() (*Graph, error) {
	docs, duplicates, err := b.scan()
	if err != nil {
		return nil, err
	}
	g := &Graph{
		Schema:      Schema,
		GeneratedAt: store.NowISO(b.now()),
		ReverseDeps: map[string][]string{},
		byID:        map[string]Node{},
	}
	g.Diagnostics.MissingDependencies = []MissingDependency{}
	g.Diagnostics.CycleNodes = []string{}
	g.Diagnostics.DuplicateWorkItems = duplicates

	deps := map[string][]string{}
	for _, doc := range docs {
		wsID := ""
		if ws, err := b.Repo.WorkstreamFor(doc.ID()); err == nil {
			wsID = ws.ID()
		}
		planPath, _ := filepath.Rel(b.Repo.Root(), doc.Path)
		node := Node{
			ID:            doc.ID(),
			Status:        doc.Status(),
			EstimateHours: doc.EstimateHours(),
			Workstream:    wsID,
			PlanPath:      planPath,
			DependsOn:     doc.DependsOn(),
		}
		g.byID[node.ID] = node
		deps[node.ID] = node.DependsOn
	}
	var ids []string
	for id := range g.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		g.Nodes = append(g.Nodes, g.byID[id])
	}

	// Resolve edges; a dependency without a node is diagnosed and excluded.
	edgeSet := map[Edge]bool{}
	resolved := map[string][]string{}
	for _, id := range ids {
		seen := map[string]bool{}
		for _, dep := range deps[id] {
			if _, ok := g.byID[dep]; !ok {
				g.Diagnostics.MissingDependencies = append(g.Diagnostics.MissingDependencies,
					MissingDependency{WorkItemID: id, DependsOn: dep})
				continue
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			resolved[id] = append(resolved[id], dep)
			edgeSet[Edge{From: dep, To: id}] = true
		}
		sort.Strings(resolved[id])
	}
	g.Edges = make([]Edge, 0, len(edgeSet))
	for e := range edgeSet {
		g.Edges = append(g.Edges, e)
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	for _, id := range ids {
		g.ReverseDeps[id] = []string{}
	}
	for _, e := range g.Edges {
		g.ReverseDeps[e.From] = append(g.ReverseDeps[e.From], e.To)
	}
	for id := range g.ReverseDeps {
		sort.Strings(g.ReverseDeps[id])
	}

	g.TopoGroups, g.Diagnostics.CycleNodes = topoGroups(ids, resolved, g.ReverseDeps)
	if len(g.Diagnostics.CycleNodes) == 0 {
		g.CriticalPath = criticalPath(g.TopoGroups, resolved, g.byID)
	} else {
		g.CriticalPath = CriticalPath{WorkItems: []string{}, TotalEstimateHours: 0, Available: false}
	}
	return g, nil
}

// scan loads every job; the first record claiming an id wins and later ones
// are reported as duplicates.
func (b Builder) scan() ([]*store.Doc, []Duplicate, error) {
	jobs, err := b.Repo.Jobs()
	if err != nil {
		return nil, nil, err
	}
	var docs []*store.Doc
	duplicates := []Duplicate{}
	first := map[string]*store.Doc{}
	for _, doc := range jobs {
		id := doc.ID()
		if id == "" {
			continue
		}
		if existing, ok := first[id]; ok {
			existingRel, _ := filepath.Rel(b.Repo.Root(), existing.Path)
			dupRel, _ := filepath.Rel(b.Repo.Root(), doc.Path)
			duplicates = append(duplicates, Duplicate{
				WorkItemID:        id,
				ExistingPlanPath:  existingRel,
				DuplicatePlanPath: dupRel,
			})
			continue
		}
		first[id] = doc
		docs = append(docs, doc)
	}
	return docs, duplicates, nil
}

// topoGroups runs Kahn's algorithm with a sorted frontier; each level's whole
// frontier forms one group. Unprocessed nodes are cycle members.
func topoGroups(ids []string, deps map[string][]string, reverse map[string][]string) ([][]string, []string) {
	indeg := map[string]int{}
	for _, id := range ids {
		indeg[id] = len(deps[id])
	}
	var frontier []string
	for _, id := range ids {
		if indeg[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)
	groups := [][]string{}
	processed := map[string]bool{}
	for len(frontier) > 0 {
		group := make([]string, len(frontier))
		copy(group, frontier)
		groups = append(groups, group)
		var next []string
		for _, id := range frontier {
			processed[id] = true
			for _, child := range reverse[id] {
				indeg[child]--
				if indeg[child] == 0 {
					next = append(next, child)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}
	var cycle []string
	for _, id := range ids {
		if !processed[id] {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	if cycle == nil {
		cycle = []string{}
	}
	return groups, cycle
}

// criticalPath computes the longest estimate-weighted chain over the
// topological order. Strict comparisons keep the first-seen parent on ties.
func criticalPath(groups [][]string, deps map[string][]string, byID map[string]Node) CriticalPath {
	var order []string
	for _, g := range groups {
		order = append(order, g...)
	}
	if len(order) == 0 {
		return CriticalPath{WorkItems: []string{}, TotalEstimateHours: 0, Available: true}
	}
	dist := map[string]float64{}
	parent := map[string]string{}
	for _, id := range order {
		best := 0.0
		bestParent := ""
		for _, dep := range deps[id] {
			if d, ok := dist[dep]; ok && d > best {
				best = d
				bestParent = dep
			}
		}
		dist[id] = byID[id].EstimateHours + best
		if bestParent != "" {
			parent[id] = bestParent
		}
	}
	end := ""
	endDist := -1.0
	for _, id := range order {
		if dist[id] > endDist {
			endDist = dist[id]
			end = id
		}
	}
	var path []string
	for cur := end; cur != ""; cur = parent[cur] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return CriticalPath{
		WorkItems:          path,
		TotalEstimateHours: math.Round(endDist*1e6) / 1e6,
		Available:          true,
	}
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// ReportPath is where the graph report lands under a project root.
func ReportPath(root string) string {
	return filepath.Join(store.OutputsDir(root), "dependency-graph.json")
}

// WriteReport persists the graph report atomically.
func (g *Graph) WriteReport(root string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(ReportPath(root), append(data, '\n'))
}
