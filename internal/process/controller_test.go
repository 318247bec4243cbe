//go:build !windows

package process

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
)

// fakePlatform records escalation steps and simulates process liveness.
type fakePlatform struct {
	mu       sync.Mutex
	alive    map[int]bool
	listener Lookup
	steps    []string
	// exitOn names the step after which every process is gone.
	exitOn string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{alive: make(map[int]bool)}
}

func (p *fakePlatform) record(step string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = append(p.steps, step)
	if step == p.exitOn {
		p.alive = make(map[int]bool)
	}
}

func (p *fakePlatform) FindListener(context.Context, int) Lookup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener
}

func (p *fakePlatform) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[pid]
}

func (p *fakePlatform) Terminate(context.Context, int) error {
	p.record("terminate")
	return nil
}

func (p *fakePlatform) TerminateElevated(context.Context, int) error {
	p.record("elevated")
	return nil
}

func (p *fakePlatform) KillMatching(_ context.Context, _ string, token string) error {
	p.record("kill:" + token)
	return nil
}

func (p *fakePlatform) Detach(*exec.Cmd) {}

func (p *fakePlatform) LaunchCommand(path string, args ...string) (string, []string) {
	return "/bin/sh", append([]string{path}, args...)
}

func (p *fakePlatform) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.steps...)
}

func itoa(i int) string { return strconv.Itoa(i) }

// delayedListener starts accepting on addr after delay, standing in for a
// node that takes a moment to boot.
func delayedListener(t *testing.T, addr string, delay time.Duration) func() {
	t.Helper()
	done := make(chan struct{})
	var (
		mu sync.Mutex
		l  net.Listener
	)
	go func() {
		select {
		case <-done:
			return
		case <-time.After(delay):
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		mu.Lock()
		l = ln
		mu.Unlock()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return func() {
		close(done)
		mu.Lock()
		defer mu.Unlock()
		if l != nil {
			l.Close()
		}
	}
}

func testOptions() Options {
	return Options{
		StartTimeout: 600 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		StopGrace:    60 * time.Millisecond,
		StopWait:     100 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
		TailLines:    5,
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

// testNode provisions a node whose start script runs body.
func testNode(t *testing.T, body string) (*models.Node, env.Environment) {
	t.Helper()
	root := t.TempDir()
	e := env.Resolve("linux", root, "", "svc")
	l := e.LayoutFor(e.NodeRoot("n1"))
	n := &models.Node{
		Name:            "n1",
		Cluster:         "c1",
		Host:            "127.0.0.1",
		HTTPPort:        freePort(t),
		TransportPort:   freePort(t),
		HeapSize:        "1g",
		ConfigPath:      l.ConfigDir,
		StartScriptPath: l.StartScript,
		DataPath:        l.DataDir,
		LogsPath:        l.LogsDir,
	}
	require.NoError(t, os.MkdirAll(n.ConfigPath, 0o755))
	require.NoError(t, os.WriteFile(n.StartScriptPath, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return n, e
}

func TestStartTimeoutCarriesLogTails(t *testing.T) {
	n, e := testNode(t, "echo booting node\necho fatal: bad heap >&2\nexec sleep 5")
	require.NoError(t, os.MkdirAll(n.LogsPath, 0o755))
	require.NoError(t, os.WriteFile(nodeconfig.ServerLogPath(n), []byte("line1\nline2\nbootstrap check failed\n"), 0o644))

	platform := newFakePlatform()
	c := NewController(e, platform, testOptions(), nil)

	var phases []events.Phase
	report := events.Reporter(func(p events.Phase, _ int, _ string) { phases = append(phases, p) })

	_, err := c.Start(context.Background(), n, report)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindTimeout))

	var merr *models.Error
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Details["launch_log"], "fatal: bad heap")
	assert.Contains(t, merr.Details["launch_log"], "booting node")
	assert.Contains(t, merr.Details["server_log"], "bootstrap check failed")

	assert.Contains(t, phases, events.PhaseLaunch)
	assert.Contains(t, phases, events.PhaseWait)
	assert.Contains(t, platform.recorded(), "terminate")

	_, ok, err := ReadPID(n.ConfigPath)
	require.NoError(t, err)
	assert.False(t, ok, "no pid record after a failed start")
}

func TestStartRecordsDiscoveredPID(t *testing.T) {
	n, e := testNode(t, "exec sleep 2")
	platform := newFakePlatform()
	platform.listener = Lookup{Found: true, PID: 4242, Tool: "fake"}
	c := NewController(e, platform, testOptions(), nil)

	stop := delayedListener(t, net.JoinHostPort(n.Host, itoa(n.HTTPPort)), 100*time.Millisecond)
	defer stop()

	pid, err := c.Start(context.Background(), n, nil)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	recorded, ok, err := ReadPID(n.ConfigPath)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4242, recorded)

	_, err = os.Stat(filepath.Join(n.LogsPath, env.LaunchTranscript))
	assert.NoError(t, err)
}

func TestStartRejectsRunningNode(t *testing.T) {
	n, e := testNode(t, "exit 0")
	l, err := net.Listen("tcp", net.JoinHostPort(n.Host, itoa(n.HTTPPort)))
	require.NoError(t, err)
	defer l.Close()

	c := NewController(e, newFakePlatform(), testOptions(), nil)
	_, err = c.Start(context.Background(), n, nil)
	assert.True(t, models.IsKind(err, models.KindConflict))
}

func TestStartHonoursCancellation(t *testing.T) {
	n, e := testNode(t, "exec sleep 2")
	opts := testOptions()
	opts.StartTimeout = 10 * time.Second
	c := NewController(e, newFakePlatform(), opts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := c.Start(ctx, n, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestStopWithoutPIDRecordSucceeds(t *testing.T) {
	n, e := testNode(t, "exit 0")
	platform := newFakePlatform()
	c := NewController(e, platform, testOptions(), nil)

	require.NoError(t, c.Stop(context.Background(), n, nil))
	assert.Empty(t, platform.recorded())
}

func TestStopRemovesStaleRecord(t *testing.T) {
	n, e := testNode(t, "exit 0")
	require.NoError(t, WritePID(n.ConfigPath, 999999))
	platform := newFakePlatform()
	c := NewController(e, platform, testOptions(), nil)

	require.NoError(t, c.Stop(context.Background(), n, nil))
	assert.Empty(t, platform.recorded())
	_, ok, _ := ReadPID(n.ConfigPath)
	assert.False(t, ok)
}

func TestStopEscalates(t *testing.T) {
	n, e := testNode(t, "exit 0")
	require.NoError(t, WritePID(n.ConfigPath, 4242))

	platform := newFakePlatform()
	platform.alive[4242] = true
	platform.exitOn = "elevated"
	c := NewController(e, platform, testOptions(), nil)

	require.NoError(t, c.Stop(context.Background(), n, nil))
	assert.Equal(t, []string{"terminate", "elevated"}, platform.recorded())
	_, ok, _ := ReadPID(n.ConfigPath)
	assert.False(t, ok)
}

func TestStopTimesOutWhenProcessSurvives(t *testing.T) {
	n, e := testNode(t, "exit 0")
	require.NoError(t, WritePID(n.ConfigPath, 4242))

	platform := newFakePlatform()
	platform.alive[4242] = true
	c := NewController(e, platform, testOptions(), nil)

	err := c.Stop(context.Background(), n, nil)
	assert.True(t, models.IsKind(err, models.KindTimeout))
	assert.Equal(t, []string{"terminate", "elevated", "kill:" + KillToken("n1")}, platform.recorded())

	_, ok, _ := ReadPID(n.ConfigPath)
	assert.True(t, ok, "pid record kept while the process survives")
}

func TestProbeStatus(t *testing.T) {
	n, e := testNode(t, "exit 0")
	platform := newFakePlatform()
	c := NewController(e, platform, testOptions(), nil)
	ctx := context.Background()

	assert.Equal(t, models.NodeStatusStopped, c.Status(ctx, n))

	require.NoError(t, WritePID(n.ConfigPath, 4242))
	platform.alive[4242] = true
	assert.Equal(t, models.NodeStatusStarting, c.Status(ctx, n))

	l, err := net.Listen("tcp", net.JoinHostPort(n.Host, itoa(n.HTTPPort)))
	require.NoError(t, err)
	defer l.Close()
	assert.Equal(t, models.NodeStatusRunning, c.Status(ctx, n))
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644))

	assert.Equal(t, "c\nd", tailFile(path, 2))
	assert.Equal(t, "a\nb\nc\nd", tailFile(path, 10))
	assert.Equal(t, "", tailFile(filepath.Join(t.TempDir(), "missing"), 3))
}
