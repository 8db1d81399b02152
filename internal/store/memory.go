package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Memory is an in-memory Repo for tests of scheduling, gating and rollup
// logic that never touch artifact files.
type Memory struct {
	root string
	docs map[string]*Doc // keyed by path
}

func NewMemory() *Memory {
	return &Memory{root: "/mem", docs: map[string]*Doc{}}
}

func (m *Memory) Root() string { return m.root }

// AddProject seeds the project record.
func (m *Memory) AddProject(id string) *Doc {
	doc := NewDoc(ProjectPlanPath(m.root))
	doc.Front.Set("id", id)
	doc.Front.Set("kind", "project")
	doc.Front.Set("status", "in_progress")
	m.docs[doc.Path] = doc
	return doc
}

// AddWorkstream seeds a workstream record.
func (m *Memory) AddWorkstream(id string) *Doc {
	doc := NewDoc(filepath.Join(m.root, workstreamsDir, id, PlanFile))
	doc.Front.Set("id", id)
	doc.Front.Set("kind", "workstream")
	doc.Front.Set("status", "planned")
	m.docs[doc.Path] = doc
	return doc
}

// AddJob seeds a job record under a workstream.
func (m *Memory) AddJob(wsID, id string) *Doc {
	doc := NewDoc(filepath.Join(m.root, workstreamsDir, wsID, jobsDir, id, PlanFile))
	doc.Front.Set("id", id)
	doc.Front.Set("kind", "job")
	doc.Front.Set("status", "planned")
	m.docs[doc.Path] = doc
	return doc
}

func (m *Memory) Project() (*Doc, error) {
	doc, ok := m.docs[ProjectPlanPath(m.root)]
	if !ok {
		return nil, fmt.Errorf("project: %w", ErrNotFound)
	}
	return doc, nil
}

func (m *Memory) Workstreams() ([]*Doc, error) {
	return m.byKind("workstream"), nil
}

func (m *Memory) Jobs() ([]*Doc, error) {
	return m.byKind("job"), nil
}

func (m *Memory) JobsOf(workstreamID string) ([]*Doc, error) {
	prefix := filepath.Join(m.root, workstreamsDir, workstreamID) + string(filepath.Separator)
	var out []*Doc
	for _, doc := range m.byKind("job") {
		if strings.HasPrefix(doc.Path, prefix) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (m *Memory) Job(id string) (*Doc, error) {
	for _, doc := range m.byKind("job") {
		if doc.ID() == id {
			return doc, nil
		}
	}
	return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
}

func (m *Memory) JobDir(id string) (string, error) {
	doc, err := m.Job(id)
	if err != nil {
		return "", err
	}
	return doc.Dir(), nil
}

func (m *Memory) WorkstreamFor(jobID string) (*Doc, error) {
	doc, err := m.Job(jobID)
	if err != nil {
		return nil, err
	}
	wsPlan := filepath.Join(filepath.Dir(filepath.Dir(doc.Dir())), PlanFile)
	ws, ok := m.docs[wsPlan]
	if !ok {
		return nil, fmt.Errorf("workstream for %s: %w", jobID, ErrNotFound)
	}
	return ws, nil
}

func (m *Memory) Put(doc *Doc) error {
	if doc.Path == "" {
		return fmt.Errorf("doc has no path")
	}
	m.docs[doc.Path] = doc
	return nil
}

func (m *Memory) byKind(kind string) []*Doc {
	var paths []string
	for p, doc := range m.docs {
		if doc.Kind() == kind {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	out := make([]*Doc, 0, len(paths))
	for _, p := range paths {
		out = append(out, m.docs[p])
	}
	return out
}
