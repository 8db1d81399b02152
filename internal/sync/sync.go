package sync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"planloom/internal/domain"
	"planloom/internal/store"
)

// Table markers delimit the generated rows inside a plan body. Text outside
// the markers is user prose and is never touched.
const (
	workstreamTableStart = "<!-- planloom:table:workstreams -->"
	workstreamTableEnd   = "<!-- /planloom:table:workstreams -->"
	jobTableStart        = "<!-- planloom:table:jobs -->"
	jobTableEnd          = "<!-- /planloom:table:jobs -->"
)

// Change records one rollup-applied status transition.
type Change struct {
	WorkItemID string `json:"work_item_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Reason     string `json:"reason"`
}

// Report summarizes one sync pass.
type Report struct {
	GeneratedAt string   `json:"generated_at"`
	Changes     []Change `json:"changes"`
	// TablesUpdated counts plan bodies whose generated tables were rewritten.
	TablesUpdated int `json:"tables_updated"`
}

// Syncer recomputes parent statuses from their children and regenerates the
// marker-delimited summary tables.
type Syncer struct {
	Repo store.Repo
	Now  func() time.Time
}

func (s Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run applies the rollup to every workstream, then the project, rewrites the
// generated tables and the workstream index.
func (s Syncer) Run() (*Report, error) {
	ts := store.NowISO(s.now())
	report := &Report{GeneratedAt: ts, Changes: []Change{}}

	streams, err := s.Repo.Workstreams()
	if err != nil {
		return nil, err
	}
	for _, ws := range streams {
		jobs, err := s.Repo.JobsOf(ws.ID())
		if err != nil {
			return nil, err
		}
		if err := s.rollup(ws, statuses(jobs), "jobs", ts, report); err != nil {
			return nil, err
		}
		if err := s.renderJobTable(ws, jobs, report); err != nil {
			return nil, err
		}
	}

	// Re-read workstreams so the project rollup sees applied changes.
	streams, err = s.Repo.Workstreams()
	if err != nil {
		return nil, err
	}
	project, err := s.Repo.Project()
	if err != nil {
		return nil, err
	}
	if err := s.rollup(project, statuses(streams), "workstreams", ts, report); err != nil {
		return nil, err
	}
	if err := s.renderWorkstreamTable(project, streams, report); err != nil {
		return nil, err
	}
	if err := s.writeIndex(streams, ts); err != nil {
		return nil, err
	}
	return report, nil
}

// rollup applies the derived status to one parent, stamping or clearing
// timestamps per the transition.
func (s Syncer) rollup(doc *store.Doc, children []string, noun, ts string, report *Report) error {
	from := doc.Status()
	if from == "" {
		from = domain.StatusPlanned
	}
	to := domain.Rollup(children)
	if to == from {
		return nil
	}
	reason := rollupReason(children, noun)
	doc.SetStatus(to)
	switch to {
	case domain.StatusInProgress, domain.StatusBlocked:
		doc.Front.SetDefault("started_at", ts)
		if from == domain.StatusDone {
			doc.Front.Set("completed_at", "")
		}
	case domain.StatusDone:
		doc.Front.Set("completed_at", ts)
	case domain.StatusPlanned:
		if from == domain.StatusDone {
			doc.Front.Set("completed_at", "")
		}
	}
	doc.AppendProgress(ts, fmt.Sprintf("status_rollup: %s -> %s (because %s)", from, to, reason))
	doc.Touch(ts)
	if err := s.Repo.Put(doc); err != nil {
		return err
	}
	report.Changes = append(report.Changes, Change{
		WorkItemID: doc.ID(),
		From:       from,
		To:         to,
		Reason:     reason,
	})
	return nil
}

func rollupReason(children []string, noun string) string {
	inProgress, blocked, done := 0, 0, 0
	for _, s := range children {
		switch s {
		case domain.StatusInProgress:
			inProgress++
		case domain.StatusBlocked:
			blocked++
		case domain.StatusDone, domain.StatusCancelled:
			done++
		}
	}
	switch {
	case inProgress > 0:
		return fmt.Sprintf("%d %s in_progress", inProgress, noun)
	case blocked > 0:
		return fmt.Sprintf("%d %s blocked", blocked, noun)
	case len(children) > 0 && done == len(children):
		return fmt.Sprintf("all %d %s terminal", len(children), noun)
	default:
		return fmt.Sprintf("%d of %d %s open", len(children)-done, len(children), noun)
	}
}

func statuses(docs []*store.Doc) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		s := d.Status()
		if s == "" {
			s = domain.StatusPlanned
		}
		out = append(out, s)
	}
	return out
}

func (s Syncer) renderWorkstreamTable(project *store.Doc, streams []*store.Doc, report *Report) error {
	byID := map[string]*store.Doc{}
	var ids []string
	for _, ws := range streams {
		byID[ws.ID()] = ws
		ids = append(ids, ws.ID())
	}
	rows := [][]string{{"Workstream", "Status", "Jobs Done", "Updated"}}
	for _, id := range orderedIDs(project.Body, workstreamTableStart, workstreamTableEnd, ids) {
		ws := byID[id]
		jobs, err := s.Repo.JobsOf(id)
		if err != nil {
			return err
		}
		doneCount := 0
		for _, j := range jobs {
			if j.Status() == domain.StatusDone {
				doneCount++
			}
		}
		rows = append(rows, []string{
			id, ws.Status(), fmt.Sprintf("%d/%d", doneCount, len(jobs)), ws.Front.Str("updated_at"),
		})
	}
	return s.replaceTable(project, workstreamTableStart, workstreamTableEnd, rows, report)
}

func (s Syncer) renderJobTable(ws *store.Doc, jobs []*store.Doc, report *Report) error {
	byID := map[string]*store.Doc{}
	var ids []string
	for _, j := range jobs {
		byID[j.ID()] = j
		ids = append(ids, j.ID())
	}
	rows := [][]string{{"Job", "Status", "Estimate (h)", "Depends On"}}
	for _, id := range orderedIDs(ws.Body, jobTableStart, jobTableEnd, ids) {
		j := byID[id]
		rows = append(rows, []string{
			id, j.Status(), strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", j.EstimateHours()), "0"), "."),
			strings.Join(j.DependsOn(), ", "),
		})
	}
	return s.replaceTable(ws, jobTableStart, jobTableEnd, rows, report)
}

// orderedIDs keeps the row order a user arranged inside an existing table
// block and appends ids not yet listed, sorted.
func orderedIDs(body, startMarker, endMarker string, ids []string) []string {
	known := map[string]bool{}
	for _, id := range ids {
		known[id] = true
	}
	var ordered []string
	seen := map[string]bool{}
	if block, ok := tableBlock(body, startMarker, endMarker); ok {
		for _, line := range strings.Split(block, "\n") {
			cells := strings.Split(strings.Trim(strings.TrimSpace(line), "|"), "|")
			if len(cells) == 0 {
				continue
			}
			id := strings.TrimSpace(cells[0])
			if known[id] && !seen[id] {
				ordered = append(ordered, id)
				seen[id] = true
			}
		}
	}
	var rest []string
	for _, id := range ids {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

func tableBlock(body, startMarker, endMarker string) (string, bool) {
	start := strings.Index(body, startMarker)
	if start < 0 {
		return "", false
	}
	rest := body[start+len(startMarker):]
	end := strings.Index(rest, endMarker)
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// replaceTable rewrites the generated block in place, or appends a new block
// at the end of the body when none exists.
func (s Syncer) replaceTable(doc *store.Doc, startMarker, endMarker string, rows [][]string, report *Report) error {
	block := startMarker + "\n" + renderTable(rows) + endMarker
	var body string
	if start := strings.Index(doc.Body, startMarker); start >= 0 {
		rest := doc.Body[start:]
		end := strings.Index(rest, endMarker)
		if end < 0 {
			end = len(rest) - len(endMarker)
		}
		body = doc.Body[:start] + block + rest[end+len(endMarker):]
	} else {
		trimmed := strings.TrimRight(doc.Body, "\n")
		if trimmed == "" {
			body = block + "\n"
		} else {
			body = trimmed + "\n\n" + block + "\n"
		}
	}
	if body == doc.Body {
		return nil
	}
	doc.Body = body
	report.TablesUpdated++
	return s.Repo.Put(doc)
}

func renderTable(rows [][]string) string {
	var b strings.Builder
	for i, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			sep := make([]string, len(row))
			for j := range sep {
				sep[j] = "---"
			}
			b.WriteString("|" + strings.Join(sep, "|") + "|\n")
		}
	}
	return b.String()
}

// writeIndex regenerates workstreams/index.md.
func (s Syncer) writeIndex(streams []*store.Doc, ts string) error {
	var b strings.Builder
	b.WriteString("# Workstreams\n\n")
	b.WriteString("Updated: " + ts + "\n\n")
	b.WriteString("| Workstream | Status | Jobs Done |\n")
	b.WriteString("|---|---|---|\n")
	sorted := append([]*store.Doc(nil), streams...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	for _, ws := range sorted {
		jobs, err := s.Repo.JobsOf(ws.ID())
		if err != nil {
			return err
		}
		doneCount := 0
		for _, j := range jobs {
			if j.Status() == domain.StatusDone {
				doneCount++
			}
		}
		b.WriteString(fmt.Sprintf("| %s | %s | %d/%d |\n", ws.ID(), ws.Status(), doneCount, len(jobs)))
	}
	return store.WriteFileAtomic(store.WorkstreamIndexPath(s.Repo.Root()), []byte(b.String()))
}
