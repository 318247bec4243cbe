//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/narvanalabs/searchnode/internal/env"
)

type unixPlatform struct {
	env    env.Environment
	runner Runner
	logger *slog.Logger
}

func newPlatform(e env.Environment, runner Runner, logger *slog.Logger) Platform {
	return &unixPlatform{env: e, runner: runner, logger: logger}
}

func (p *unixPlatform) FindListener(ctx context.Context, port int) Lookup {
	return Discover(ctx, p.runner, UnixStrategies(), port, p.logger)
}

// Alive sends signal 0. EPERM means the process exists under another owner.
func (p *unixPlatform) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (p *unixPlatform) Terminate(_ context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	return nil
}

// TerminateElevated sends SIGKILL directly when running as root and
// through non-interactive sudo otherwise.
func (p *unixPlatform) TerminateElevated(ctx context.Context, pid int) error {
	if unix.Geteuid() == 0 {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("sending SIGKILL to %d: %w", pid, err)
		}
		return nil
	}
	res, err := p.runner.Run(ctx, "sudo", "-n", "kill", "-KILL", strconv.Itoa(pid))
	if err != nil {
		return fmt.Errorf("elevated kill of %d: %w", pid, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("elevated kill of %d exited %d: %s", pid, res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *unixPlatform) KillMatching(ctx context.Context, account, pattern string) error {
	args := []string{"-KILL", "-f"}
	if account != "" {
		args = append(args, "-u", account)
	}
	// The pattern starts with "-E"; "--" keeps pkill from reading it as flags.
	args = append(args, "--", pattern)
	res, err := p.runner.Run(ctx, "pkill", args...)
	if err != nil {
		return fmt.Errorf("pkill %q: %w", pattern, err)
	}
	// pkill exits 1 when nothing matched.
	if res.ExitCode > 1 {
		return fmt.Errorf("pkill %q exited %d: %s", pattern, res.ExitCode, res.Stderr)
	}
	return nil
}

func (p *unixPlatform) Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

func (p *unixPlatform) LaunchCommand(path string, args ...string) (string, []string) {
	if strings.HasSuffix(path, ".sh") {
		return "/bin/sh", append([]string{path}, args...)
	}
	return path, args
}
