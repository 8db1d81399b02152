package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// FS is the file-backed repository over a project root.
type FS struct {
	root string
}

func NewFS(root string) *FS {
	if root == "" {
		root = "."
	}
	return &FS{root: root}
}

func (s *FS) Root() string { return s.root }

// Load reads and parses one record.
func (s *FS) Load(path string) (*Doc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	front, body, err := ParseDoc(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Doc{Path: path, Front: front, Body: body}, nil
}

func (s *FS) Project() (*Doc, error) {
	return s.Load(ProjectPlanPath(s.root))
}

func (s *FS) Workstreams() ([]*Doc, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, workstreamsDir, "WS-*", PlanFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return s.loadAll(matches)
}

func (s *FS) Jobs() ([]*Doc, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, workstreamsDir, "WS-*", jobsDir, "*", PlanFile))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return s.loadAll(matches)
}

func (s *FS) JobsOf(workstreamID string) ([]*Doc, error) {
	streams, err := s.Workstreams()
	if err != nil {
		return nil, err
	}
	for _, ws := range streams {
		if ws.ID() != workstreamID {
			continue
		}
		matches, err := filepath.Glob(filepath.Join(ws.Dir(), jobsDir, "*", PlanFile))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		return s.loadAll(matches)
	}
	return nil, fmt.Errorf("workstream %s: %w", workstreamID, ErrNotFound)
}

// JobDir resolves the directory holding a job's plan. Exactly one directory
// named <id> or <id>-<suffix> must exist.
func (s *FS) JobDir(id string) (string, error) {
	var dirs []string
	for _, pattern := range []string{id, id + "-*"} {
		matches, err := filepath.Glob(filepath.Join(s.root, workstreamsDir, "WS-*", jobsDir, pattern))
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.IsDir() {
				dirs = append(dirs, m)
			}
		}
	}
	sort.Strings(dirs)
	switch len(dirs) {
	case 0:
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	case 1:
		return dirs[0], nil
	default:
		return "", fmt.Errorf("job %s matches %d directories", id, len(dirs))
	}
}

func (s *FS) Job(id string) (*Doc, error) {
	dir, err := s.JobDir(id)
	if err != nil {
		return nil, err
	}
	return s.Load(filepath.Join(dir, PlanFile))
}

func (s *FS) WorkstreamFor(jobID string) (*Doc, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}
	return s.Load(filepath.Join(filepath.Dir(filepath.Dir(dir)), PlanFile))
}

// Put renders the record and replaces the file atomically.
func (s *FS) Put(doc *Doc) error {
	data, err := RenderDoc(doc.Front, doc.Body)
	if err != nil {
		return fmt.Errorf("render %s: %w", doc.Path, err)
	}
	return WriteFileAtomic(doc.Path, data)
}

func (s *FS) loadAll(paths []string) ([]*Doc, error) {
	docs := make([]*Doc, 0, len(paths))
	for _, p := range paths {
		doc, err := s.Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// WriteFileAtomic writes via a temp file in the target directory plus rename
// so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
