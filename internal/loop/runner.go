package loop

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// RunRequest describes one runner invocation. The prompt is delivered on
// stdin; stdout/stderr are tee'd to the given log paths; the runner may write
// its final message to LastMessagePath (exported as PLANLOOM_LAST_MESSAGE).
type RunRequest struct {
	Prompt          string
	Dir             string
	StdoutPath      string
	StderrPath      string
	LastMessagePath string
}

// RunResult is the captured outcome of one invocation. A nonzero exit code is
// a result, not an error; errors mean the runner could not be invoked at all.
type RunResult struct {
	ExitCode    int
	Stdout      string
	LastMessage string
	DurationSec int
	Command     string
}

// Runner invokes the external task runner once per loop attempt.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// CommandRunner shells out to the configured runner command, e.g.
// ["codex", "exec"].
type CommandRunner struct {
	Command []string
}

func (r CommandRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if len(r.Command) == 0 {
		return RunResult{}, errors.New("runner command not configured")
	}
	stdoutFile, err := os.Create(req.StdoutPath)
	if err != nil {
		return RunResult{}, err
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(req.StderrPath)
	if err != nil {
		return RunResult{}, err
	}
	defer stderrFile.Close()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Stdout = io.MultiWriter(stdoutFile, &stdout)
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), "PLANLOOM_LAST_MESSAGE="+req.LastMessagePath)

	start := time.Now()
	err = cmd.Run()
	res := RunResult{
		Stdout:      stdout.String(),
		DurationSec: int(time.Since(start) / time.Second),
		Command:     strings.Join(r.Command, " "),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, err
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.LastMessage = readLastMessage(req.LastMessagePath, res.Stdout)
	return res, nil
}

// readLastMessage prefers the file the runner wrote; falls back to the tail
// of stdout so the execution log always carries something useful.
func readLastMessage(path, stdout string) string {
	if data, err := os.ReadFile(path); err == nil && len(bytes.TrimSpace(data)) > 0 {
		return strings.TrimSpace(string(data))
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
