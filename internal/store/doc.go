package store

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	ProgressHeading  = "## Progress Log"
	DecisionsHeading = "## Decisions"
)

// Doc is one plan record: a frontmatter header over a free-text body.
type Doc struct {
	Path  string
	Front *Front
	Body  string
}

func NewDoc(path string) *Doc {
	return &Doc{Path: path, Front: NewFront()}
}

func (d *Doc) Dir() string { return filepath.Dir(d.Path) }

func (d *Doc) ID() string     { return d.Front.Str("id") }
func (d *Doc) Kind() string   { return d.Front.Str("kind") }
func (d *Doc) Status() string { return d.Front.Str("status") }

func (d *Doc) SetStatus(s string) { d.Front.Set("status", s) }

func (d *Doc) DependsOn() []string { return d.Front.StrList("depends_on") }
func (d *Doc) Outputs() []string   { return d.Front.StrList("outputs") }
func (d *Doc) Evidence() []string  { return d.Front.StrList("verification_evidence") }

// EstimateHours returns the declared estimate, defaulting to 1.0 when the
// field is absent, unparseable or non-positive.
func (d *Doc) EstimateHours() float64 {
	v, ok := d.Front.Float("estimate_hours")
	if !ok || v <= 0 {
		return 1.0
	}
	return v
}

func (d *Doc) Touch(ts string) { d.Front.Set("updated_at", ts) }

// AppendProgress adds a timestamped bullet to the Progress Log body section,
// creating the section when missing.
func (d *Doc) AppendProgress(ts, line string) {
	d.Body = appendSectionBullet(d.Body, ProgressHeading, "- "+ts+" "+line)
}

// AppendDecision adds a timestamped bullet to the Decisions body section.
func (d *Doc) AppendDecision(ts, line string) {
	d.Body = appendSectionBullet(d.Body, DecisionsHeading, "- "+ts+" "+line)
}

// ProgressLines returns the bullet texts of the Progress Log section.
func (d *Doc) ProgressLines() []string {
	return sectionBullets(d.Body, ProgressHeading)
}

// NowISO formats a timestamp the way every header field records it.
func NowISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Section returns the text under a top-level markdown heading, up to the next
// top-level heading.
func Section(body, heading string) string {
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	var out []string
	for _, line := range lines[start:] {
		if strings.HasPrefix(line, "# ") {
			break
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func appendSectionBullet(body, heading, bullet string) string {
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		trimmed := strings.TrimRight(body, "\n")
		if trimmed == "" {
			return heading + "\n\n" + bullet + "\n"
		}
		return trimmed + "\n\n" + heading + "\n\n" + bullet + "\n"
	}
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		t := strings.TrimSpace(lines[i])
		if strings.HasPrefix(t, "# ") || strings.HasPrefix(t, "## ") {
			end = i
			break
		}
	}
	// Insert before trailing blank lines of the section.
	insert := end
	for insert > start+1 && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insert]...)
	out = append(out, bullet)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n")
}

func sectionBullets(body, heading string) []string {
	lines := strings.Split(body, "\n")
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	var out []string
	for _, line := range lines[start+1:] {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "# ") || strings.HasPrefix(t, "## ") {
			break
		}
		if strings.HasPrefix(t, "- ") {
			out = append(out, strings.TrimPrefix(t, "- "))
		}
	}
	return out
}
