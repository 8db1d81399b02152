package store

import "path/filepath"

const (
	PlanFile   = "plan.md"
	PromptFile = "prompt.md"

	workstreamsDir = "workstreams"
	jobsDir        = "jobs"
	dotDir         = ".planloom"
)

func ProjectPlanPath(root string) string {
	return filepath.Join(root, PlanFile)
}

func WorkstreamsDir(root string) string {
	return filepath.Join(root, workstreamsDir)
}

func WorkstreamIndexPath(root string) string {
	return filepath.Join(root, workstreamsDir, "index.md")
}

func OutputsDir(root string) string {
	return filepath.Join(root, "outputs")
}

func LogsDir(root string) string {
	return filepath.Join(root, "logs")
}

func ArtifactsDir(jobDir string) string {
	return filepath.Join(jobDir, "artifacts")
}

func LoopsDir(root string) string {
	return filepath.Join(root, dotDir, "loops")
}

func DotDir(root string) string {
	return filepath.Join(root, dotDir)
}
