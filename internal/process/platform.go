package process

import (
	"context"
	"log/slog"
	"os/exec"

	"github.com/narvanalabs/searchnode/internal/env"
)

// Platform is the OS-specific half of the process controller.
type Platform interface {
	// FindListener returns the process listening on port, if any.
	FindListener(ctx context.Context, port int) Lookup
	// Alive reports whether pid names a running process.
	Alive(pid int) bool
	// Terminate asks pid to exit at the current privilege level.
	Terminate(ctx context.Context, pid int) error
	// TerminateElevated forcibly terminates pid with elevated privileges.
	TerminateElevated(ctx context.Context, pid int) error
	// KillMatching kills processes owned by account whose command line
	// matches the extended regular expression pattern. An empty account
	// matches every owner.
	KillMatching(ctx context.Context, account, pattern string) error
	// Detach configures cmd to outlive the controller.
	Detach(cmd *exec.Cmd)
	// LaunchCommand returns how to run an executable or script path.
	LaunchCommand(path string, args ...string) (string, []string)
}

// NewPlatform returns the platform implementation for the host.
func NewPlatform(e env.Environment, runner Runner, logger *slog.Logger) Platform {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = NewExecRunner(logger)
	}
	return newPlatform(e, runner, logger.With("component", "platform"))
}
