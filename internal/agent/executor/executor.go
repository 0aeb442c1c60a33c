package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Spec describes one job execution.
type Spec struct {
	JobID        string
	Command      string
	WorkDir      string
	PayloadPath  string
	OutputPrefix string
}

// Result captures what the command did. ExitCode is -1 when the process
// never ran or was killed by a signal.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Duration   time.Duration
	Terminated bool
	Err        error
}

// Success reports whether the command completed with exit code zero.
// Terminated is tracked separately; a command can finish cleanly right
// at its deadline and still be reported as both.
func (r Result) Success() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Executor runs job commands through the shell in the job's work
// directory. Job metadata is passed down as environment variables.
type Executor struct {
	logger *slog.Logger
}

// New creates an executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// Run executes the spec's command and blocks until it exits or ctx is
// cancelled. Cancellation kills the process and marks the result
// terminated.
func (e *Executor) Run(ctx context.Context, spec Spec) Result {
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(),
		"JOB_ID="+spec.JobID,
		"PAYLOAD_PATH="+spec.PayloadPath,
		"WORK_DIR="+spec.WorkDir,
		"OUTPUT_PREFIX="+spec.OutputPrefix,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("executing job command",
		slog.String("job_id", spec.JobID),
		slog.String("work_dir", spec.WorkDir),
	)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := Result{
		Stdout:     strings.TrimRight(stdout.String(), "\n"),
		Stderr:     strings.TrimRight(stderr.String(), "\n"),
		ExitCode:   -1,
		Duration:   duration,
		Terminated: ctx.Err() != nil,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.Err = fmt.Errorf("command exited with code %d", res.ExitCode)
	default:
		res.Err = fmt.Errorf("run command: %w", err)
	}

	e.logger.Info("job command finished",
		slog.String("job_id", spec.JobID),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Bool("terminated", res.Terminated),
	)

	return res
}
