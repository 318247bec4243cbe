// Package process starts, stops and observes the OS process serving a node.
//
// Everything that differs between operating systems sits behind the
// Platform interface; NewPlatform picks the implementation for the host.
// External tools are run through a Runner so their absence or failure is a
// soft signal, never a fatal error.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Result holds the outcome of running an external tool.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner runs external tools.
type Runner interface {
	// Run executes name with args. A non-zero exit is reported in the
	// result, not as an error; an error means the tool could not run.
	Run(ctx context.Context, name string, args ...string) (*Result, error)
}

// ErrToolUnavailable is returned when a tool is not installed.
var ErrToolUnavailable = errors.New("tool not available")

// ExecRunner runs tools with os/exec.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a new exec-backed runner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run executes a tool and captures its output.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, fmt.Errorf("%s: %w", name, ErrToolUnavailable)
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %s: %w", name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	r.logger.Debug("tool completed",
		"tool", name,
		"exit_code", result.ExitCode,
		"duration", result.Duration,
	)
	return result, nil
}
