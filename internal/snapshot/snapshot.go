package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"planloom/internal/store"
)

const Schema = "planloom.inputsnapshot.v1"

// FileName is the default snapshot location inside a job's artifacts dir.
const FileName = "input-snapshot.json"

// Entry fingerprints one declared output of one upstream dependency.
type Entry struct {
	DependencyWorkItemID string  `json:"dependency_work_item_id"`
	DeclaredOutput       string  `json:"declared_output"`
	OutputPath           string  `json:"output_path"`
	Exists               bool    `json:"exists"`
	SHA256               string  `json:"sha256"`
	Mtime                float64 `json:"mtime"`
	MtimeISO             string  `json:"mtime_iso"`
	SizeBytes            int64   `json:"size_bytes"`
}

// Dependency groups the fingerprints taken for one upstream job.
type Dependency struct {
	WorkItemID      string  `json:"work_item_id"`
	JobFound        bool    `json:"job_found"`
	JobPlanPath     string  `json:"job_plan_path,omitempty"`
	OutputsDeclared int     `json:"outputs_declared"`
	Outputs         []Entry `json:"outputs"`
}

// Snapshot is the recorded picture of a job's upstream inputs.
type Snapshot struct {
	Schema          string       `json:"schema"`
	GeneratedAt     string       `json:"generated_at"`
	WorkItemID      string       `json:"work_item_id"`
	DependencyCount int          `json:"dependency_count"`
	InputCount      int          `json:"input_count"`
	Dependencies    []Dependency `json:"dependencies"`
}

// Engine captures and compares input snapshots.
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

// Capture fingerprints every declared output of every dependency of a job and
// writes the snapshot under the job's artifacts directory. The job header is
// updated to point at the snapshot file.
func (e Engine) Capture(jobID string) (*Snapshot, error) {
	job, err := e.Repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Schema:       Schema,
		GeneratedAt:  store.NowISO(e.now()),
		WorkItemID:   jobID,
		Dependencies: []Dependency{},
	}
	deps := job.DependsOn()
	sort.Strings(deps)
	seen := map[string]bool{}
	for _, depID := range deps {
		if seen[depID] {
			continue
		}
		seen[depID] = true
		dep := Dependency{WorkItemID: depID, Outputs: []Entry{}}
		depDoc, err := e.Repo.Job(depID)
		if err != nil {
			snap.Dependencies = append(snap.Dependencies, dep)
			snap.DependencyCount++
			continue
		}
		dep.JobFound = true
		if rel, err := filepath.Rel(e.Repo.Root(), depDoc.Path); err == nil {
			dep.JobPlanPath = rel
		}
		outputs := depDoc.Outputs()
		dep.OutputsDeclared = len(outputs)
		for _, out := range outputs {
			dep.Outputs = append(dep.Outputs, fingerprint(depID, out, depDoc.Dir()))
		}
		snap.Dependencies = append(snap.Dependencies, dep)
		snap.DependencyCount++
		snap.InputCount += len(dep.Outputs)
	}

	snapPath := filepath.Join(store.ArtifactsDir(job.Dir()), FileName)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := store.WriteFileAtomic(snapPath, append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write snapshot: %w", err)
	}
	rel, err := filepath.Rel(job.Dir(), snapPath)
	if err != nil {
		rel = snapPath
	}
	job.Front.Set("truth_input_snapshot", filepath.ToSlash(rel))
	job.Touch(store.NowISO(e.now()))
	if err := e.Repo.Put(job); err != nil {
		return nil, err
	}
	return snap, nil
}

// fingerprint hashes one declared output path, resolved against the owning
// dependency's job directory.
func fingerprint(depID, declared, depDir string) Entry {
	abs := filepath.Join(depDir, declared)
	entry := Entry{
		DependencyWorkItemID: depID,
		DeclaredOutput:       declared,
		OutputPath:           filepath.ToSlash(declared),
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return entry
	}
	entry.Exists = true
	entry.SizeBytes = info.Size()
	entry.Mtime = float64(info.ModTime().UnixNano()) / 1e9
	entry.MtimeISO = store.NowISO(info.ModTime())
	if sum, err := HashFile(abs); err == nil {
		entry.SHA256 = sum
	}
	return entry
}

// HashFile streams a file through sha256.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 1<<20)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Entries flattens a snapshot into its fingerprint entries.
func (s *Snapshot) Entries() []Entry {
	var out []Entry
	for _, dep := range s.Dependencies {
		out = append(out, dep.Outputs...)
	}
	return out
}

// CurrentEntries recomputes fingerprints for a job's dependencies without
// persisting anything.
func (e Engine) CurrentEntries(jobID string) ([]Entry, error) {
	job, err := e.Repo.Job(jobID)
	if err != nil {
		return nil, err
	}
	deps := job.DependsOn()
	sort.Strings(deps)
	var out []Entry
	seen := map[string]bool{}
	for _, depID := range deps {
		if seen[depID] {
			continue
		}
		seen[depID] = true
		depDoc, err := e.Repo.Job(depID)
		if err != nil {
			continue
		}
		for _, declared := range depDoc.Outputs() {
			out = append(out, fingerprint(depID, declared, depDoc.Dir()))
		}
	}
	return out, nil
}

// Compare verifies current fingerprints against a stored snapshot value. The
// stored value may be a path to a snapshot file (relative to baseDir), a full
// snapshot document, or a bare entry list. It returns ok=false with a reason
// on the first detected divergence class.
func Compare(current []Entry, stored any, baseDir string) (bool, string) {
	storedEntries, err := normalizeStored(stored, baseDir)
	if err != nil {
		return false, err.Error()
	}
	cur := keyed(current)
	old := keyed(storedEntries)
	if len(cur) == 0 && len(old) == 0 {
		return true, ""
	}
	if len(old) == 0 {
		return false, "truth_input_snapshot has no comparable entries"
	}
	var added, removed []string
	for k := range cur {
		if _, ok := old[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	if len(added) > 0 || len(removed) > 0 {
		var parts []string
		if len(added) > 0 {
			parts = append(parts, "new inputs: "+strings.Join(firstN(added, 3), ", "))
		}
		if len(removed) > 0 {
			parts = append(parts, "removed inputs: "+strings.Join(firstN(removed, 3), ", "))
		}
		return false, strings.Join(parts, "; ")
	}
	var keys []string
	for k := range cur {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, o := cur[k], old[k]
		if c.Exists != o.Exists {
			return false, fmt.Sprintf("%s exists changed (%t -> %t)", k, o.Exists, c.Exists)
		}
		if c.SHA256 != o.SHA256 {
			return false, fmt.Sprintf("%s hash changed", k)
		}
		if round6(c.Mtime) != round6(o.Mtime) {
			return false, fmt.Sprintf("%s mtime changed", k)
		}
	}
	return true, ""
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

func firstN(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}

func keyed(entries []Entry) map[string]Entry {
	out := map[string]Entry{}
	for _, e := range entries {
		out[e.DependencyWorkItemID+"::"+e.DeclaredOutput] = e
	}
	return out
}

// normalizeStored coerces the stored header value into entries.
func normalizeStored(stored any, baseDir string) ([]Entry, error) {
	switch v := stored.(type) {
	case nil:
		return nil, nil
	case string:
		path := v
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		snap, err := Load(path)
		if err != nil {
			return nil, fmt.Errorf("unreadable snapshot reference %s", v)
		}
		return snap.Entries(), nil
	case *Snapshot:
		return v.Entries(), nil
	case []Entry:
		return v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err == nil && len(snap.Dependencies) > 0 {
			return snap.Entries(), nil
		}
		var wrapper struct {
			Inputs  []Entry `json:"inputs"`
			Entries []Entry `json:"entries"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil {
			if len(wrapper.Inputs) > 0 {
				return wrapper.Inputs, nil
			}
			if len(wrapper.Entries) > 0 {
				return wrapper.Entries, nil
			}
		}
		return nil, nil
	case []any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var entries []Entry
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot value %T", stored)
	}
}
