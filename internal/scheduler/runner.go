package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Result is the captured outcome of an external command
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs scheduler commands. Run returns an error only when the
// command could not be run at all; a nonzero exit is reported in Result.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// Run executes name with args and captures stdout and stderr separately
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
	return res, nil
}
