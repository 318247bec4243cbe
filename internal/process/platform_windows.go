//go:build windows

package process

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/narvanalabs/searchnode/internal/env"
)

type windowsPlatform struct {
	env    env.Environment
	runner Runner
	logger *slog.Logger
}

func newPlatform(e env.Environment, runner Runner, logger *slog.Logger) Platform {
	return &windowsPlatform{env: e, runner: runner, logger: logger}
}

func (p *windowsPlatform) FindListener(ctx context.Context, port int) Lookup {
	return Discover(ctx, p.runner, WindowsStrategies(), port, p.logger)
}

func (p *windowsPlatform) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// Access denied still proves the process exists.
		return err == windows.ERROR_ACCESS_DENIED
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	const stillActive = 259
	return code == stillActive
}

func (p *windowsPlatform) Terminate(ctx context.Context, pid int) error {
	return p.taskkill(ctx, pid, false)
}

func (p *windowsPlatform) TerminateElevated(ctx context.Context, pid int) error {
	return p.taskkill(ctx, pid, true)
}

func (p *windowsPlatform) taskkill(ctx context.Context, pid int, force bool) error {
	args := []string{"/PID", strconv.Itoa(pid), "/T"}
	if force {
		args = append(args, "/F")
	}
	res, err := p.runner.Run(ctx, "taskkill", args...)
	if err != nil {
		return fmt.Errorf("taskkill %d: %w", pid, err)
	}
	// 128 means the process was already gone.
	if res.ExitCode != 0 && res.ExitCode != 128 {
		return fmt.Errorf("taskkill %d exited %d: %s", pid, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (p *windowsPlatform) KillMatching(ctx context.Context, _ string, pattern string) error {
	script := fmt.Sprintf(
		"Get-CimInstance Win32_Process | Where-Object { $_.CommandLine -match '%s' } | ForEach-Object { Stop-Process -Id $_.ProcessId -Force }",
		strings.ReplaceAll(pattern, "'", "''"),
	)
	res, err := p.runner.Run(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		return fmt.Errorf("killing processes matching %q: %w", pattern, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("killing processes matching %q exited %d: %s", pattern, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (p *windowsPlatform) Detach(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS
}

func (p *windowsPlatform) LaunchCommand(path string, args ...string) (string, []string) {
	return "cmd.exe", append([]string{"/C", path}, args...)
}
