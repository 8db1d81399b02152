package truth

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"planloom/internal/snapshot"
)

// checkExistsNonempty verifies every declared output and evidence file
// exists and is nonempty. Declared paths are relative to the job directory.
func checkExistsNonempty(env *Env) CheckResult {
	var missing []string
	for _, rel := range append(env.Job.Outputs(), env.Job.Evidence()...) {
		if !fileOK(filepath.Join(env.JobDir, rel)) {
			missing = append(missing, rel)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:   "exists_nonempty",
			Detail: "missing/empty files: " + strings.Join(firstN(missing, 8), ", "),
		}
	}
	return CheckResult{Name: "exists_nonempty", Pass: true, Detail: "all declared outputs and evidence exist"}
}

// checkFreshness compares the newest output against the verification
// evidence reference time.
func checkFreshness(env *Env) CheckResult {
	var outLatest int64 = -1
	for _, rel := range env.Job.Outputs() {
		if info, err := os.Stat(filepath.Join(env.JobDir, rel)); err == nil {
			if mt := info.ModTime().Unix(); mt > outLatest {
				outLatest = mt
			}
		}
	}
	var evRef int64 = -1
	for _, rel := range env.Job.Evidence() {
		info, err := os.Stat(filepath.Join(env.JobDir, rel))
		if err != nil {
			continue
		}
		mt := info.ModTime().Unix()
		if strings.HasSuffix(strings.ToLower(rel), "verification.md") {
			evRef = mt
			break
		}
		if mt > evRef {
			evRef = mt
		}
	}
	if outLatest < 0 || evRef < 0 {
		return CheckResult{Name: "freshness", Pass: true, Detail: "skipped freshness check (outputs/evidence unavailable)"}
	}
	if evRef < outLatest {
		return CheckResult{Name: "freshness", Detail: "verification evidence is older than outputs"}
	}
	return CheckResult{Name: "freshness", Pass: true, Detail: "verification evidence is fresh"}
}

// checkFreshnessInputs re-verifies the recorded input snapshot against the
// dependencies' outputs as they exist now.
func checkFreshnessInputs(env *Env) CheckResult {
	if len(env.Job.DependsOn()) == 0 {
		return CheckResult{Name: "freshness_inputs", Pass: true, Detail: "no dependencies declared"}
	}
	rel := env.Job.Front.Str("truth_input_snapshot")
	if rel == "" {
		rel = "artifacts/" + snapshot.FileName
	}
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(env.JobDir, rel)
	}
	snap, err := snapshot.Load(path)
	if err != nil {
		return CheckResult{Name: "freshness_inputs", Detail: "missing input snapshot: " + rel}
	}
	var reasons []string
	depDirs := map[string]string{}
	for _, entry := range snap.Entries() {
		key := entry.DependencyWorkItemID + "::" + entry.DeclaredOutput
		depDir, ok := depDirs[entry.DependencyWorkItemID]
		if !ok {
			if depDoc, err := env.Repo.Job(entry.DependencyWorkItemID); err == nil {
				depDir = depDoc.Dir()
			}
			depDirs[entry.DependencyWorkItemID] = depDir
		}
		if depDir == "" {
			if entry.Exists {
				reasons = append(reasons, "snapshot input missing now: "+key)
			}
			continue
		}
		abs := filepath.Join(depDir, entry.DeclaredOutput)
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			if entry.Exists {
				reasons = append(reasons, "snapshot input missing now: "+key)
			}
			continue
		}
		if !entry.Exists {
			reasons = append(reasons, "snapshot stale (file appeared): "+key)
			continue
		}
		switch {
		case info.Size() != entry.SizeBytes:
			reasons = append(reasons, "snapshot stale (size changed): "+key)
		case info.ModTime().Unix() != int64(entry.Mtime):
			reasons = append(reasons, "snapshot stale (mtime changed): "+key)
		default:
			if sum, err := snapshot.HashFile(abs); err == nil && sum != entry.SHA256 {
				reasons = append(reasons, "snapshot stale (hash changed): "+key)
			}
		}
	}
	if len(reasons) > 0 {
		return CheckResult{Name: "freshness_inputs", Detail: strings.Join(firstN(reasons, 3), "; ")}
	}
	return CheckResult{Name: "freshness_inputs", Pass: true, Detail: "input snapshot matches dependency outputs"}
}

// checkRequiredCommandLogged is satisfied by tagged execution-log entries,
// never by parsing raw runner output.
func checkRequiredCommandLogged(env *Env) CheckResult {
	patterns := env.Job.Front.StrList("truth_required_commands")
	if len(patterns) == 0 {
		return CheckResult{Name: "required_command_logged", Pass: true, Detail: "no required command patterns configured"}
	}
	entries, err := env.Log.EntriesFor(env.Ctx, env.Job.ID())
	if err != nil {
		return CheckResult{Name: "required_command_logged", Detail: "execution log unavailable: " + err.Error()}
	}
	var haystack strings.Builder
	for _, entry := range entries {
		haystack.WriteString(strings.ToLower(entry.Label))
		haystack.WriteString("\n")
		haystack.WriteString(strings.ToLower(entry.Command))
		haystack.WriteString("\n")
	}
	text := haystack.String()
	var missing []string
	for _, p := range patterns {
		if !strings.Contains(text, strings.ToLower(p)) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:   "required_command_logged",
			Detail: "missing command patterns in logs: " + strings.Join(firstN(missing, 6), ", "),
		}
	}
	return CheckResult{Name: "required_command_logged", Pass: true, Detail: "all required command patterns found in logs"}
}

var contradictionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)cannot\s+be\s+marked\s+"?done"?`),
	regexp.MustCompile(`(?im)\bblocking\s+issue\b`),
	regexp.MustCompile(`(?im)^\s*-\s*\[!\]`),
	regexp.MustCompile(`(?im)\bstill\s+blocked\b`),
	regexp.MustCompile(`(?im)\bnext\s+action\b`),
}

// checkVerificationConsistency rejects completion when the verification
// notes themselves say the work is not finished.
func checkVerificationConsistency(env *Env) CheckResult {
	name := "verification_consistency"
	var verification string
	for _, rel := range env.Job.Evidence() {
		if strings.HasSuffix(strings.ToLower(rel), "verification.md") {
			verification = rel
			break
		}
	}
	if verification == "" {
		return CheckResult{Name: name, Detail: "no verification.md declared in verification_evidence"}
	}
	data, err := os.ReadFile(filepath.Join(env.JobDir, verification))
	if err != nil {
		return CheckResult{Name: name, Detail: "verification file missing: " + verification}
	}
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return CheckResult{Name: name, Detail: "verification file is empty"}
	}
	for _, re := range contradictionPatterns {
		if m := re.FindString(text); m != "" {
			return CheckResult{Name: name, Detail: "verification notes contain unresolved language: " + strings.TrimSpace(m)}
		}
	}
	return CheckResult{Name: name, Pass: true, Detail: "verification notes are consistent with completion"}
}

// checkPDFEmbedsImages counts large embedded images via pdfimages.
func checkPDFEmbedsImages(env *Env) CheckResult {
	name := "pdf_embeds_images"
	var pdfs []string
	imageOutputs := 0
	for _, rel := range env.Job.Outputs() {
		switch strings.ToLower(filepath.Ext(rel)) {
		case ".pdf":
			abs := filepath.Join(env.JobDir, rel)
			if fileOK(abs) {
				pdfs = append(pdfs, abs)
			}
		case ".png", ".jpg", ".jpeg", ".webp":
			imageOutputs++
		}
	}
	if len(pdfs) == 0 {
		return CheckResult{Name: name, Pass: true, Detail: "no pdf outputs found; check skipped"}
	}
	expected := 1
	if imageOutputs > 1 {
		expected = imageOutputs
	}
	large := 0
	for _, pdf := range pdfs {
		out, err := runPDFImages(env, pdf)
		if err != nil {
			// A tool failure must not wave a media gate through.
			return CheckResult{Name: name, Detail: "pdfimages failed: " + err.Error()}
		}
		for _, line := range strings.Split(string(out), "\n") {
			cols := strings.Fields(line)
			if len(cols) < 5 {
				continue
			}
			if _, err := strconv.Atoi(cols[0]); err != nil {
				continue
			}
			w, errW := strconv.Atoi(cols[3])
			h, errH := strconv.Atoi(cols[4])
			if errW != nil || errH != nil {
				continue
			}
			if w >= 400 || h >= 400 {
				large++
			}
		}
	}
	if large < expected {
		return CheckResult{Name: name, Detail: fmt.Sprintf("pdf embeds %d large images, expected at least %d", large, expected)}
	}
	return CheckResult{Name: name, Pass: true, Detail: fmt.Sprintf("pdf embeds %d large images", large)}
}

var runPDFImages = func(env *Env, path string) ([]byte, error) {
	return exec.CommandContext(env.Ctx, "pdfimages", "-list", path).Output()
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// checkImageDimensions enforces a minimum size on raster outputs.
func checkImageDimensions(env *Env) CheckResult {
	name := "image_dimensions"
	var failures []string
	checked := 0
	for _, rel := range env.Job.Outputs() {
		ext := strings.ToLower(filepath.Ext(rel))
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" && ext != ".webp" {
			continue
		}
		abs := filepath.Join(env.JobDir, rel)
		if !fileOK(abs) {
			continue
		}
		checked++
		w, h, ok := imageDimensions(env, abs, ext)
		if !ok {
			failures = append(failures, rel+": unreadable dimensions")
			continue
		}
		if w < 256 || h < 256 {
			failures = append(failures, fmt.Sprintf("%s: too small (%dx%d)", rel, w, h))
		}
	}
	if checked == 0 {
		return CheckResult{Name: name, Pass: true, Detail: "no image outputs found; check skipped"}
	}
	if len(failures) > 0 {
		return CheckResult{Name: name, Detail: strings.Join(firstN(failures, 6), "; ")}
	}
	return CheckResult{Name: name, Pass: true, Detail: "all image outputs meet the minimum dimensions"}
}

func imageDimensions(env *Env, path, ext string) (int, int, bool) {
	if ext == ".png" {
		data, err := os.ReadFile(path)
		if err != nil || len(data) < 24 || !bytes.Equal(data[:8], pngSignature) {
			return 0, 0, false
		}
		w := int(binary.BigEndian.Uint32(data[16:20]))
		h := int(binary.BigEndian.Uint32(data[20:24]))
		return w, h, true
	}
	// Non-PNG formats fall back to sips where available.
	out, err := exec.CommandContext(env.Ctx, "sips", "-g", "pixelWidth", "-g", "pixelHeight", path).Output()
	if err != nil {
		return 0, 0, false
	}
	w, h := -1, -1
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "pixelWidth:":
			w = v
		case "pixelHeight:":
			h = v
		}
	}
	if w < 0 || h < 0 {
		return 0, 0, false
	}
	return w, h, true
}

func fileOK(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
