// Package topology moves, copies and removes the on-disk footprint of a
// node while keeping its descriptor and generated artifacts consistent.
package topology

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/events"
	"github.com/narvanalabs/searchnode/internal/fsutil"
	"github.com/narvanalabs/searchnode/internal/metadata"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
)

// ProcessController is the part of the process controller the mutator
// needs to make sure a node is not running before touching its files.
type ProcessController interface {
	Status(ctx context.Context, n *models.Node) models.NodeStatus
	Stop(ctx context.Context, n *models.Node, report events.Reporter) error
}

// Mutator performs move, copy and remove operations.
type Mutator struct {
	meta   *metadata.Store
	writer *nodeconfig.Writer
	procs  ProcessController
	env    env.Environment
	logger *slog.Logger

	// removeTree is swapped in tests to simulate cleanup failures.
	removeTree func(path string) error
}

// NewMutator creates a topology mutator.
func NewMutator(meta *metadata.Store, writer *nodeconfig.Writer, procs ProcessController, logger *slog.Logger) *Mutator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutator{
		meta:       meta,
		writer:     writer,
		procs:      procs,
		env:        meta.Env(),
		logger:     logger.With("component", "topology"),
		removeTree: fsutil.RemoveTree,
	}
}

func absRoot(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", models.NewInvalid("destination root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", models.NewInvalid("destination root %q: %v", root, err)
	}
	return abs, nil
}

// ensureFreeDestination rejects a destination that already holds files. An
// empty destination directory is removed so the tree can be renamed onto it.
func ensureFreeDestination(name, dest string) error {
	empty, err := fsutil.IsEmptyDir(dest)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", dest, err)
	}
	if !empty {
		return models.NewConflict(name, "destination %s already exists and is not empty", dest).
			WithDetail("path", dest)
	}
	if fsutil.IsDir(dest) {
		if err := os.Remove(dest); err != nil {
			return fmt.Errorf("clearing empty destination %s: %w", dest, err)
		}
	}
	return nil
}

func (m *Mutator) ensureStopped(ctx context.Context, n *models.Node) error {
	if status := m.procs.Status(ctx, n); status.IsActive() {
		return models.NewConflict(n.Name, "node %q is %s", n.Name, status)
	}
	return nil
}

// relocate returns a copy of n rooted at newRoot. Paths nested under
// oldRoot keep their relative offset; external paths are left alone.
func relocate(n *models.Node, oldRoot, newRoot string) *models.Node {
	out := n.Clone()
	out.ConfigPath, _ = env.Reanchor(n.ConfigPath, oldRoot, newRoot)
	out.StartScriptPath, _ = env.Reanchor(n.StartScriptPath, oldRoot, newRoot)
	out.DataPath, _ = env.Reanchor(n.DataPath, oldRoot, newRoot)
	out.LogsPath, _ = env.Reanchor(n.LogsPath, oldRoot, newRoot)
	return out
}

// syncArtifacts patches the identity keys of the server configuration and
// regenerates the derived artifacts of n.
func (m *Mutator) syncArtifacts(n *models.Node) error {
	if _, err := m.writer.PatchServerConfig(n.ConfigPath, nodeconfig.IdentityEntries(n)); err != nil {
		return err
	}
	for _, sync := range []func(*models.Node) (bool, error){
		m.writer.SyncHeapOptions,
		m.writer.SyncLoggingConfig,
		m.writer.SyncStartScript,
	} {
		if _, err := sync(n); err != nil {
			return err
		}
	}
	return nil
}

func permissionAware(path string, err error) error {
	if err == nil {
		return nil
	}
	var merr *models.Error
	if errors.As(err, &merr) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) {
		return models.NewPermissionDenied(path, err)
	}
	return err
}

// Move relocates the node's directory tree to newRoot. Moving onto the
// current root is a no-op. When preserveData is false a data directory
// nested under the root is emptied at the destination.
func (m *Mutator) Move(ctx context.Context, name, newRoot string, preserveData bool, report events.Reporter) (*models.Node, error) {
	n, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	dest, err := absRoot(newRoot)
	if err != nil {
		return nil, err
	}
	oldRoot := filepath.Clean(n.Root())
	if oldRoot == dest {
		return n, nil
	}
	if env.IsWithin(oldRoot, dest) {
		return nil, models.NewInvalid("cannot move node %q into its own directory %s", name, dest)
	}
	if err := m.ensureStopped(ctx, n); err != nil {
		return nil, err
	}

	moved := relocate(n, oldRoot, dest)
	log := m.logger.With("node", name, "from", oldRoot, "to", dest)

	err = m.meta.Exclusive(func() error {
		if err := ensureFreeDestination(name, dest); err != nil {
			return err
		}
		report.Report(events.PhaseFiles, 20, "moving "+oldRoot+" to "+dest)
		if err := fsutil.MoveTree(oldRoot, dest); err != nil {
			return permissionAware(dest, err)
		}

		if !preserveData && env.IsWithin(dest, moved.DataPath) {
			report.Report(events.PhaseFiles, 50, "clearing data directory")
			if err := fsutil.EmptyDir(moved.DataPath); err != nil {
				log.Warn("failed to clear data directory", "path", moved.DataPath, "error", err)
			}
		}

		report.Report(events.PhaseFiles, 60, "updating configuration")
		if err := m.syncArtifacts(moved); err != nil {
			return permissionAware(moved.ConfigPath, err)
		}

		report.Report(events.PhaseMetadata, 85, "saving descriptor")
		return m.meta.Put(ctx, moved)
	})
	if err != nil {
		return nil, err
	}

	log.Info("node moved", "preserve_data", preserveData)
	return moved, nil
}

// Copy duplicates the source node's configuration, and optionally its data
// and logs, as a new node named newName rooted at newRoot. An empty newRoot
// follows the install-root naming convention. The copy always receives
// fresh ports.
func (m *Mutator) Copy(ctx context.Context, source, newName, newRoot string, copyData bool, report events.Reporter) (*models.Node, error) {
	src, err := m.meta.Get(ctx, source)
	if err != nil {
		return nil, err
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, models.NewInvalid("new node name is required")
	}
	if newRoot == "" {
		newRoot = m.env.NodeRoot(newName)
	}
	dest, err := absRoot(newRoot)
	if err != nil {
		return nil, err
	}

	t, err := m.meta.Load(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := t.Nodes[newName]; exists {
		return nil, models.NewConflict(newName, "node %q already exists", newName)
	}
	httpPort, transportPort, err := AllocatePorts(t, src)
	if err != nil {
		return nil, err
	}

	oldRoot := filepath.Clean(src.Root())
	cp := relocate(src, oldRoot, dest)
	cp.Name = newName
	cp.HTTPPort = httpPort
	cp.TransportPort = transportPort
	cp.URL = models.DeriveURL(cp.Host, cp.HTTPPort)
	layout := m.env.LayoutFor(dest)
	if !env.IsWithin(oldRoot, src.DataPath) {
		cp.DataPath = layout.DataDir
	}
	if !env.IsWithin(oldRoot, src.LogsPath) {
		cp.LogsPath = layout.LogsDir
	}

	log := m.logger.With("node", newName, "source", source, "root", dest)

	err = m.meta.Exclusive(func() error {
		if err := ensureFreeDestination(newName, dest); err != nil {
			return err
		}

		report.Report(events.PhaseFiles, 20, "copying configuration")
		if err := m.copyFiles(src, cp, copyData); err != nil {
			if cleanupErr := fsutil.RemoveTree(dest); cleanupErr != nil {
				log.Warn("failed to clean up partial copy", "error", cleanupErr)
			}
			return permissionAware(dest, err)
		}

		report.Report(events.PhaseFiles, 70, "updating configuration")
		if err := m.syncArtifacts(cp); err != nil {
			return permissionAware(cp.ConfigPath, err)
		}

		report.Report(events.PhaseMetadata, 85, "saving descriptor")
		return m.meta.Put(ctx, cp)
	})
	if err != nil {
		return nil, err
	}

	log.Info("node copied",
		"http_port", cp.HTTPPort,
		"transport_port", cp.TransportPort,
		"copy_data", copyData,
	)
	return cp, nil
}

func skipRuntimeFiles(rel string, d fs.DirEntry) bool {
	if d.IsDir() {
		return false
	}
	switch filepath.Base(rel) {
	case env.PIDFile, env.LaunchTranscript:
		return true
	}
	return strings.HasSuffix(rel, ".tmp")
}

func (m *Mutator) copyFiles(src, cp *models.Node, copyData bool) error {
	if err := fsutil.CopyTree(src.ConfigPath, cp.ConfigPath, skipRuntimeFiles); err != nil {
		return err
	}
	pairs := [][2]string{{src.DataPath, cp.DataPath}, {src.LogsPath, cp.LogsPath}}
	for _, pair := range pairs {
		from, to := pair[0], pair[1]
		if copyData && fsutil.IsDir(from) {
			if err := fsutil.CopyTree(from, to, skipRuntimeFiles); err != nil {
				return err
			}
			continue
		}
		if err := nodeconfig.EnsureDir(to); err != nil {
			return err
		}
	}
	return nil
}

// Remove stops the node if needed, deletes its directories and finally its
// descriptor. Directory deletion is best-effort: each failure becomes a
// warning on the result and never blocks the remaining steps. A directory
// that is already missing counts as removed.
func (m *Mutator) Remove(ctx context.Context, name string, report events.Reporter) (*models.RemoveResult, error) {
	n, err := m.meta.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("node", name)

	if m.procs.Status(ctx, n).IsActive() {
		report.Report(events.PhaseTerminate, 10, "stopping node")
		if err := m.procs.Stop(ctx, n, report); err != nil {
			return nil, fmt.Errorf("stopping node %q before removal: %w", name, err)
		}
		if status := m.procs.Status(ctx, n); status.IsActive() {
			return nil, models.NewConflict(name, "node %q is still %s after stop", name, status)
		}
	}

	result := &models.RemoveResult{Node: name, Removed: []string{}}
	root := n.Root()

	err = m.meta.Exclusive(func() error {
		report.Report(events.PhaseFiles, 40, "deleting directories")
		for _, dir := range []string{n.DataPath, n.LogsPath, n.ConfigPath} {
			if dir == "" {
				continue
			}
			if err := m.removeTree(dir); err != nil {
				log.Warn("cleanup step failed", "path", dir, "error", err)
				result.Warnings = append(result.Warnings, fmt.Sprintf("removing %s: %v", dir, err))
				continue
			}
			result.Removed = append(result.Removed, dir)
		}
		m.removeRoot(root, result)

		report.Report(events.PhaseMetadata, 85, "deleting descriptor")
		return m.meta.Delete(ctx, name)
	})
	if err != nil {
		return result, err
	}

	log.Info("node removed", "removed", len(result.Removed), "warnings", len(result.Warnings))
	return result, nil
}

// removeRoot deletes the node root. Roots under the managed nodes
// directory are deleted recursively; anything else only when empty, since
// an operator-chosen root may hold unrelated files.
func (m *Mutator) removeRoot(root string, result *models.RemoveResult) {
	if root == "" || !fsutil.Exists(root) {
		return
	}
	if env.IsWithin(m.env.NodesDir(), root) && filepath.Clean(root) != filepath.Clean(m.env.NodesDir()) {
		if err := m.removeTree(root); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("removing %s: %v", root, err))
			return
		}
		result.Removed = append(result.Removed, root)
		return
	}
	if empty, err := fsutil.IsEmptyDir(root); err == nil && empty {
		if err := os.Remove(root); err == nil {
			result.Removed = append(result.Removed, root)
			return
		}
	}
	result.Warnings = append(result.Warnings, fmt.Sprintf("left %s in place, it still holds files", root))
}
