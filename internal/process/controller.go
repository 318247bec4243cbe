package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/fsutil"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
)

// Options bounds the controller's polling loops.
type Options struct {
	StartTimeout time.Duration
	PollInterval time.Duration
	// StopGrace is how long each escalation step waits before the next.
	StopGrace time.Duration
	// StopWait is how long the last escalation step waits.
	StopWait     time.Duration
	ProbeTimeout time.Duration
	// TailLines bounds the log excerpts attached to timeout errors.
	TailLines int
}

// DefaultOptions returns the production polling bounds.
func DefaultOptions() Options {
	return Options{
		StartTimeout: 90 * time.Second,
		PollInterval: time.Second,
		StopGrace:    10 * time.Second,
		StopWait:     30 * time.Second,
		ProbeTimeout: 2 * time.Second,
		TailLines:    40,
	}
}

// NodeNameArg is the override every launch path passes to the engine.
func NodeNameArg(name string) string {
	return "-Enode.name=" + name
}

// KillToken is an extended regular expression matching NodeNameArg(name)
// on a process command line and nothing else: the name is escaped and must
// be followed by a quote, a space or the end of the line, so stopping n1
// never matches n10.
func KillToken(name string) string {
	return regexp.QuoteMeta(NodeNameArg(name)) + `('|"| |$)`
}

// Controller starts, stops and observes node processes.
type Controller struct {
	env      env.Environment
	platform Platform
	prober   *Prober
	opts     Options
	logger   *slog.Logger
}

// NewController creates a process controller.
func NewController(e env.Environment, platform Platform, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultOptions().TailLines
	}
	return &Controller{
		env:      e,
		platform: platform,
		prober:   NewProber(opts.ProbeTimeout),
		opts:     opts,
		logger:   logger.With("component", "process"),
	}
}

// TranscriptPath returns where a node's launcher output is captured.
func TranscriptPath(n *models.Node) string {
	return filepath.Join(n.LogsPath, env.LaunchTranscript)
}

// Start launches the node and waits until it accepts connections on its
// HTTP port. It returns the pid recorded in the sidecar.
func (c *Controller) Start(ctx context.Context, n *models.Node, report events.Reporter) (int, error) {
	log := c.logger.With("node", n.Name, "port", n.HTTPPort)
	report.Report(events.PhasePrepare, 5, "checking current state")

	if status := c.Status(ctx, n); status.IsActive() {
		return 0, models.NewConflict(n.Name, "node %q is already %s", n.Name, status)
	}

	if lookup := c.platform.FindListener(ctx, n.HTTPPort); lookup.Found {
		log.Warn("freeing port held by another process", "pid", lookup.PID, "tool", lookup.Tool)
		if err := c.platform.Terminate(ctx, lookup.PID); err != nil {
			log.Warn("failed to free port", "pid", lookup.PID, "error", err)
		}
	}

	if err := nodeconfig.EnsureDir(n.LogsPath); err != nil {
		return 0, err
	}
	transcript, err := os.OpenFile(TranscriptPath(n), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return 0, models.NewPermissionDenied(TranscriptPath(n), err)
		}
		return 0, fmt.Errorf("opening launch transcript: %w", err)
	}

	cmd := c.command(n)
	cmd.Stdout = transcript
	cmd.Stderr = transcript
	c.platform.Detach(cmd)

	report.Report(events.PhaseLaunch, 10, "launching "+filepath.Base(cmd.Path))
	err = cmd.Start()
	transcript.Close()
	if err != nil {
		return 0, fmt.Errorf("launching node %q: %w", n.Name, err)
	}
	launched := cmd.Process.Pid
	log.Info("node launched", "pid", launched, "command", cmd.Path)
	// Reap the child so it does not linger as a zombie once it exits.
	go func() { _ = cmd.Wait() }()

	if err := c.awaitListening(ctx, n, report); err != nil {
		if termErr := c.platform.Terminate(context.Background(), launched); termErr != nil {
			log.Warn("failed to terminate launched process", "pid", launched, "error", termErr)
		}
		if models.IsKind(err, models.KindTimeout) {
			var merr *models.Error
			errors.As(err, &merr)
			merr.WithDetail("launch_log", tailFile(TranscriptPath(n), c.opts.TailLines)).
				WithDetail("server_log", tailFile(nodeconfig.ServerLogPath(n), c.opts.TailLines))
		}
		return 0, err
	}

	pid := launched
	if lookup := c.platform.FindListener(ctx, n.HTTPPort); lookup.Found {
		pid = lookup.PID
	} else {
		log.Warn("listener discovery failed, recording launched pid", "pid", launched)
	}
	if err := WritePID(n.ConfigPath, pid); err != nil {
		return pid, err
	}
	log.Info("node started", "pid", pid)
	return pid, nil
}

// command builds the launch command: the start script when present,
// otherwise the engine binary with explicit overrides.
func (c *Controller) command(n *models.Node) *exec.Cmd {
	if n.StartScriptPath != "" && fsutil.Exists(n.StartScriptPath) {
		name, args := c.platform.LaunchCommand(n.StartScriptPath)
		cmd := exec.Command(name, args...)
		cmd.Dir = n.Root()
		return cmd
	}

	name, args := c.platform.LaunchCommand(c.env.EnginePath(),
		NodeNameArg(n.Name),
		"-Ecluster.name="+n.Cluster,
		"-Epath.data="+n.DataPath,
		"-Epath.logs="+n.LogsPath,
		"-Ehttp.port="+strconv.Itoa(n.HTTPPort),
		"-Etransport.port="+strconv.Itoa(n.TransportPort),
	)
	cmd := exec.Command(name, args...)
	cmd.Dir = n.Root()
	cmd.Env = append(os.Environ(),
		"ES_HOME="+c.env.InstallRoot,
		"ES_PATH_CONF="+n.ConfigPath,
		fmt.Sprintf("ES_JAVA_OPTS=-Xms%s -Xmx%s", n.HeapSize, n.HeapSize),
	)
	if c.env.RuntimeHome != "" {
		cmd.Env = append(cmd.Env, "ES_JAVA_HOME="+c.env.RuntimeHome)
	}
	return cmd
}

func (c *Controller) awaitListening(ctx context.Context, n *models.Node, report events.Reporter) error {
	started := time.Now()
	deadline := time.NewTimer(c.opts.StartTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if c.prober.TCP(ctx, n) {
			return nil
		}
		elapsed := time.Since(started)
		percent := 15 + int(75*elapsed/c.opts.StartTimeout)
		report.Report(events.PhaseWait, min(percent, 90), "waiting for port "+strconv.Itoa(n.HTTPPort))

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for node %q: %w", n.Name, ctx.Err())
		case <-deadline.C:
			return models.NewTimeout(n.Name, "node %q did not listen on port %d within %s",
				n.Name, n.HTTPPort, c.opts.StartTimeout)
		case <-ticker.C:
		}
	}
}

// Stop terminates the node's recorded process, escalating until it is gone.
// A missing or stale record counts as already stopped.
func (c *Controller) Stop(ctx context.Context, n *models.Node, report events.Reporter) error {
	log := c.logger.With("node", n.Name)
	report.Report(events.PhasePrepare, 5, "reading pid record")

	pid, ok, err := ReadPID(n.ConfigPath)
	if err != nil {
		log.Warn("unreadable pid record, falling back to port discovery", "error", err)
		lookup := c.platform.FindListener(ctx, n.HTTPPort)
		pid, ok = lookup.PID, lookup.Found
		if !ok {
			return RemovePID(n.ConfigPath)
		}
	}
	if !ok {
		log.Debug("no pid record, node already stopped")
		return nil
	}
	if !c.platform.Alive(pid) {
		log.Info("removing stale pid record", "pid", pid)
		return RemovePID(n.ConfigPath)
	}

	account := c.env.ServiceUser
	steps := []struct {
		name string
		wait time.Duration
		run  func() error
	}{
		{"terminate", c.opts.StopGrace, func() error { return c.platform.Terminate(ctx, pid) }},
		{"terminate elevated", c.opts.StopGrace, func() error { return c.platform.TerminateElevated(ctx, pid) }},
		{"kill matching", c.opts.StopWait, func() error { return c.platform.KillMatching(ctx, account, KillToken(n.Name)) }},
	}

	for i, step := range steps {
		report.Report(events.PhaseTerminate, 20+i*25, step.name+" pid "+strconv.Itoa(pid))
		if err := step.run(); err != nil {
			log.Warn("stop step failed", "step", step.name, "pid", pid, "error", err)
		}
		gone, err := c.awaitExit(ctx, pid, step.wait)
		if err != nil {
			return err
		}
		if gone {
			log.Info("node stopped", "pid", pid, "step", step.name)
			return RemovePID(n.ConfigPath)
		}
	}

	return models.NewTimeout(n.Name, "node %q (pid %d) still running after %s", n.Name, pid, c.opts.StopWait).
		WithDetail("pid", pid)
}

func (c *Controller) awaitExit(ctx context.Context, pid int, wait time.Duration) (bool, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !c.platform.Alive(pid) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, fmt.Errorf("waiting for pid %d to exit: %w", pid, ctx.Err())
		case <-deadline.C:
			return !c.platform.Alive(pid), nil
		case <-ticker.C:
		}
	}
}

// Probe reports the node's status. A strong probe issues an HTTP request;
// otherwise a TCP connect is enough. The pid record separates a node
// that is still booting from one that is stopped.
func (c *Controller) Probe(ctx context.Context, n *models.Node, strong bool) models.NodeStatus {
	var listening bool
	if strong {
		listening = c.prober.HTTP(ctx, n)
	} else {
		listening = c.prober.TCP(ctx, n)
	}
	if listening {
		return models.NodeStatusRunning
	}

	pid, ok, err := ReadPID(n.ConfigPath)
	if err != nil {
		return models.NodeStatusUnknown
	}
	if ok && c.platform.Alive(pid) {
		return models.NodeStatusStarting
	}
	return models.NodeStatusStopped
}

// Status is the cheap probe.
func (c *Controller) Status(ctx context.Context, n *models.Node) models.NodeStatus {
	return c.Probe(ctx, n, false)
}

// tailFile returns up to lines trailing lines of path, or "" if unreadable.
func tailFile(path string, lines int) string {
	const maxTail = 64 << 10

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := max(info.Size()-maxTail, 0)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	data = bytes.TrimRight(data, "\n")
	parts := strings.Split(string(data), "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
