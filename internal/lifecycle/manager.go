// Package lifecycle orchestrates node operations: it serializes work per
// node, validates descriptors, drives the process controller and the
// topology mutator, and notifies the statistics cache afterwards.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/fsutil"
	"github.com/narvanalabs/searchnode/internal/metadata"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
	"github.com/narvanalabs/searchnode/internal/topology"
	"github.com/narvanalabs/searchnode/internal/validation"
)

// Operation names a lifecycle operation.
type Operation string

const (
	OpCreate    Operation = "create"
	OpUpdate    Operation = "update"
	OpStart     Operation = "start"
	OpStop      Operation = "stop"
	OpMove      Operation = "move"
	OpCopy      Operation = "copy"
	OpRemove    Operation = "remove"
	OpReconcile Operation = "reconcile"
)

// Processes is the process controller as seen by the manager.
type Processes interface {
	Start(ctx context.Context, n *models.Node, report events.Reporter) (int, error)
	Stop(ctx context.Context, n *models.Node, report events.Reporter) error
	Status(ctx context.Context, n *models.Node) models.NodeStatus
	Probe(ctx context.Context, n *models.Node, strong bool) models.NodeStatus
}

// Manager is the entry point for every node operation.
type Manager struct {
	meta      *metadata.Store
	writer    *nodeconfig.Writer
	procs     Processes
	mutator   *topology.Mutator
	validator *validation.Validator
	broker    *events.Broker
	notifier  StatsNotifier
	logger    *slog.Logger

	mu   sync.Mutex
	busy map[string]Operation

	tasks *taskRegistry
}

// NewManager wires a manager. A nil notifier only logs.
func NewManager(
	meta *metadata.Store,
	writer *nodeconfig.Writer,
	procs Processes,
	validator *validation.Validator,
	broker *events.Broker,
	notifier StatsNotifier,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "lifecycle")
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if broker == nil {
		broker = events.NewBroker(logger)
	}
	return &Manager{
		meta:      meta,
		writer:    writer,
		procs:     procs,
		mutator:   topology.NewMutator(meta, writer, procs, logger),
		validator: validator,
		broker:    broker,
		notifier:  notifier,
		logger:    logger,
		busy:      make(map[string]Operation),
		tasks:     newTaskRegistry(),
	}
}

// Broker returns the progress event broker.
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// acquire marks names busy with op, or fails with Conflict when any of
// them already has an operation in flight.
func (m *Manager) acquire(op Operation, names ...string) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if inflight, ok := m.busy[name]; ok {
			return nil, models.NewConflict(name, "node %q has a %s operation in flight", name, inflight).
				WithDetail("operation", string(inflight))
		}
	}
	for _, name := range names {
		m.busy[name] = op
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, name := range names {
			delete(m.busy, name)
		}
	}, nil
}

// InFlight returns the operation running against name, if any.
func (m *Manager) InFlight(name string) (Operation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.busy[name]
	return op, ok
}

func (m *Manager) notify(ctx context.Context, op Operation, node string) {
	m.notifier.Invalidate(context.WithoutCancel(ctx), op, node)
}

// Create provisions a new node: validates it, writes its artifacts and
// stores its descriptor.
func (m *Manager) Create(ctx context.Context, raw *models.Node) (*models.Node, error) {
	n := metadata.Normalize(raw, m.meta.Env())

	release, err := m.acquire(OpCreate, n.Name)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := m.validator.Validate(ctx, n, "")
	if err != nil {
		return nil, err
	}
	if err := res.AsError(n.Name); err != nil {
		return nil, err
	}
	if fsutil.Exists(nodeconfig.ServerConfigPath(n.ConfigPath)) {
		return nil, models.NewConflict(n.Name, "a server configuration already exists at %s", n.ConfigPath).
			WithDetail("path", n.ConfigPath)
	}

	if _, err := m.writer.WriteAll(n); err != nil {
		return nil, err
	}
	if err := m.meta.Put(ctx, n); err != nil {
		return nil, err
	}

	m.logger.Info("node created", "node", n.Name, "http_port", n.HTTPPort, "transport_port", n.TransportPort)
	m.notify(ctx, OpCreate, n.Name)
	n.Status = models.NodeStatusStopped
	return n, nil
}

// Update changes a stopped node's descriptor and patches its configuration
// in place. A rename patches the node identity and lets reconciliation
// move the directory and re-key the descriptor.
func (m *Manager) Update(ctx context.Context, name string, u *models.NodeUpdate) (*models.Node, error) {
	names := []string{name}
	if u != nil && u.Name != nil && *u.Name != name {
		names = append(names, *u.Name)
	}
	release, err := m.acquire(OpUpdate, names...)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if status := m.procs.Status(ctx, current); status.IsActive() {
		return nil, models.NewConflict(name, "node %q is %s, stop it before updating", name, status)
	}

	updated := u.Apply(current)
	res, err := m.validator.Validate(ctx, updated, name)
	if err != nil {
		return nil, err
	}
	if err := res.AsError(updated.Name); err != nil {
		return nil, err
	}
	if updated.Equal(current) {
		return current, nil
	}

	log := m.logger.With("node", name)
	renamed := updated.Name != name
	if renamed {
		issues, err := m.meta.RenameIssues(ctx, name, updated.Name)
		if err != nil {
			return nil, fmt.Errorf("checking rename of %q: %w", name, err)
		}
		if len(issues) > 0 {
			return nil, models.NewConflict(name, "cannot rename %q to %q: %s", name, updated.Name, issues[0].Message).
				WithDetail("issues", issues)
		}
	}

	// Everything but the identity is applied under the current name; a
	// rename then runs through reconciliation.
	staged := updated.Clone()
	staged.Name = name
	entries := nodeconfig.IdentityEntries(staged)
	if renamed {
		for i := range entries {
			if entries[i].Key == nodeconfig.KeyNodeName {
				entries[i].Value = updated.Name
			}
		}
	}
	if _, err := m.writer.PatchServerConfig(staged.ConfigPath, entries); err != nil {
		return nil, err
	}
	// Hand edits to the logging config and start script are kept unless a
	// value they embed changed.
	if staged.HeapSize != current.HeapSize {
		if _, err := m.writer.SyncHeapOptions(staged); err != nil {
			return nil, err
		}
		if _, err := m.writer.SyncStartScript(staged); err != nil {
			return nil, err
		}
	}
	if staged.Cluster != current.Cluster {
		if _, err := m.writer.SyncLoggingConfig(staged); err != nil {
			return nil, err
		}
	}
	if err := m.meta.Put(ctx, staged); err != nil {
		return nil, err
	}

	if !renamed {
		log.Info("node updated")
		return staged, nil
	}

	report, err := m.meta.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("applying rename of %q: %w", name, err)
	}
	for _, issue := range report.Issues {
		if issue.Node == updated.Name || issue.Node == name {
			m.revertIdentity(ctx, staged, log)
			return nil, models.NewConflict(name, "rename to %q not applied: %s", updated.Name, issue.Message).
				WithDetail("issues", report.Issues)
		}
	}
	out, err := m.meta.Get(ctx, updated.Name)
	if err != nil {
		return nil, err
	}
	log.Info("node renamed", "new_name", updated.Name)
	return out, nil
}

// revertIdentity restores node.name after reconciliation refused a rename,
// so the configuration agrees with the descriptor still stored under the
// old name.
func (m *Manager) revertIdentity(ctx context.Context, n *models.Node, log *slog.Logger) {
	current, err := m.meta.Get(ctx, n.Name)
	if err != nil {
		log.Warn("rename refused, descriptor missing", "error", err)
		return
	}
	revert := []nodeconfig.Entry{{Key: nodeconfig.KeyNodeName, Value: current.Name}}
	if _, err := m.writer.PatchServerConfig(current.ConfigPath, revert); err != nil {
		log.Error("failed to restore node identity after refused rename", "error", err)
	}
}

// Start launches a node and waits until it listens.
func (m *Manager) Start(ctx context.Context, name string, report events.Reporter) (*models.Node, error) {
	release, err := m.acquire(OpStart, name)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	pid, err := m.procs.Start(ctx, n, report)
	if err != nil {
		return nil, err
	}
	m.logger.Info("node running", "node", name, "pid", pid)
	m.notify(ctx, OpStart, name)
	n.Status = models.NodeStatusRunning
	return n, nil
}

// Stop terminates a node's process. Stopping a stopped node succeeds.
func (m *Manager) Stop(ctx context.Context, name string, report events.Reporter) (*models.Node, error) {
	release, err := m.acquire(OpStop, name)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if err := m.procs.Stop(ctx, n, report); err != nil {
		return nil, err
	}
	m.notify(ctx, OpStop, name)
	n.Status = models.NodeStatusStopped
	return n, nil
}

// Move relocates a node's directory tree.
func (m *Manager) Move(ctx context.Context, name, newRoot string, preserveData bool, report events.Reporter) (*models.Node, error) {
	release, err := m.acquire(OpMove, name)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := m.mutator.Move(ctx, name, newRoot, preserveData, report)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, OpMove, name)
	return n, nil
}

// Copy duplicates a node under a new name with fresh ports.
func (m *Manager) Copy(ctx context.Context, source, newName, newRoot string, copyData bool, report events.Reporter) (*models.Node, error) {
	if err := validation.ValidateNodeName(newName); err != nil {
		return nil, models.NewInvalid("%v", err)
	}
	release, err := m.acquire(OpCopy, source, newName)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := m.mutator.Copy(ctx, source, newName, newRoot, copyData, report)
	if err != nil {
		return nil, err
	}
	m.notify(ctx, OpCopy, newName)
	return n, nil
}

// Remove stops and deletes a node. When some directories could not be
// deleted the result is returned together with a PartialFailure error.
func (m *Manager) Remove(ctx context.Context, name string, report events.Reporter) (*models.RemoveResult, error) {
	release, err := m.acquire(OpRemove, name)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := m.mutator.Remove(ctx, name, report)
	if err != nil {
		return res, err
	}
	m.notify(ctx, OpRemove, name)
	if res.Partial() {
		return res, models.NewPartialFailure(name, res.Warnings)
	}
	return res, nil
}

// List returns every node, reconciled and annotated with live status.
func (m *Manager) List(ctx context.Context) ([]*models.Node, error) {
	return m.meta.List(ctx, m.procs)
}

// Get returns one node with a strong status probe.
func (m *Manager) Get(ctx context.Context, name string) (*models.Node, error) {
	n, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if op, ok := m.InFlight(name); ok && (op == OpStart || op == OpStop) {
		if op == OpStart {
			n.Status = models.NodeStatusStarting
		} else {
			n.Status = models.NodeStatusStopping
		}
		return n, nil
	}
	n.Status = m.procs.Probe(ctx, n, true)
	return n, nil
}

// Validate checks a candidate descriptor. originalName is empty on create.
func (m *Manager) Validate(ctx context.Context, candidate *models.Node, originalName string) (*models.ValidationResult, error) {
	return m.validator.Validate(ctx, candidate, originalName)
}

// Reconcile runs a reconciliation pass.
func (m *Manager) Reconcile(ctx context.Context) (*models.ReconcileReport, error) {
	return m.meta.Reconcile(ctx)
}

// ListClusters returns every cluster label.
func (m *Manager) ListClusters(ctx context.Context) ([]string, error) {
	return m.meta.ListClusters(ctx)
}

// CreateCluster adds a cluster label.
func (m *Manager) CreateCluster(ctx context.Context, label string) error {
	return m.meta.CreateCluster(ctx, label)
}

// DeleteCluster removes an unused cluster label.
func (m *Manager) DeleteCluster(ctx context.Context, label string) error {
	return m.meta.DeleteCluster(ctx, label)
}

// SetWriteTarget points the preferred write target at a node.
func (m *Manager) SetWriteTarget(ctx context.Context, name string) error {
	return m.meta.SetWriteTarget(ctx, name)
}
