// Package metadata maintains the node topology document: the canonical
// descriptor of every node, the active list, the write target and the
// cluster labels.
//
// The topology is a single versioned aggregate. Every mutation goes through
// Update, which applies a transform to a copy under a mutex and persists it
// with an optimistic version check. Reconcile aligns the document with what
// exists on disk.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
	"github.com/narvanalabs/searchnode/internal/store"
)

// maxUpdateAttempts bounds retries after a concurrent modification.
const maxUpdateAttempts = 3

// Store is the node metadata store.
type Store struct {
	docs   store.DocumentStore
	env    env.Environment
	writer *nodeconfig.Writer
	logger *slog.Logger

	mu          sync.Mutex
	reconcileMu sync.Mutex
}

// NewStore creates a metadata store over a document store.
func NewStore(docs store.DocumentStore, e env.Environment, writer *nodeconfig.Writer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if writer == nil {
		writer = nodeconfig.NewWriter(e, logger)
	}
	return &Store{
		docs:   docs,
		env:    e,
		writer: writer,
		logger: logger.With("component", "metadata"),
	}
}

// Env returns the environment the store normalizes descriptors for.
func (s *Store) Env() env.Environment {
	return s.env
}

// Load reads the persisted topology. A missing document yields an empty
// topology at version 0.
func (s *Store) Load(ctx context.Context) (*models.Topology, error) {
	t := models.NewTopology()
	if err := s.docs.Get(ctx, store.PathTopology, t); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.NewTopology(), nil
		}
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	t.Normalize()
	return t, nil
}

// Update applies fn to a copy of the current topology and persists the
// result. Nothing is written when fn leaves the topology unchanged. fn may
// run more than once if another writer modified the document concurrently,
// so it must only transform its argument.
func (s *Store) Update(ctx context.Context, fn func(*models.Topology) error) (*models.Topology, error) {
	t, _, err := s.update(ctx, fn)
	return t, err
}

func (s *Store) update(ctx context.Context, fn func(*models.Topology) error) (*models.Topology, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.Load(ctx)
		if err != nil {
			return nil, false, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			return nil, false, err
		}
		next.Normalize()
		for _, n := range next.Nodes {
			n.Status = ""
		}
		if next.Equal(current) {
			return current, false, nil
		}

		next.Version = current.Version + 1
		err = s.docs.SetVersioned(ctx, store.PathTopology, current.Version, next)
		if err == nil {
			s.logger.Debug("topology updated", "version", next.Version, "nodes", len(next.Nodes))
			return next, true, nil
		}
		if !errors.Is(err, store.ErrConcurrentModification) {
			return nil, false, fmt.Errorf("saving topology: %w", err)
		}
		lastErr = err
		s.logger.Warn("topology modified concurrently, retrying", "attempt", attempt+1)
	}
	return nil, false, fmt.Errorf("saving topology: %w", lastErr)
}

// Normalize fills a canonical descriptor from a partial one. Paths left
// empty follow the install-root naming convention.
func Normalize(raw *models.Node, e env.Environment) *models.Node {
	n := raw.Clone()
	if n == nil {
		n = &models.Node{}
	}
	n.Name = strings.TrimSpace(n.Name)
	if n.Cluster == "" {
		n.Cluster = models.DefaultCluster
	}
	if n.Host == "" {
		n.Host = "localhost"
	}
	if len(n.Roles) == 0 {
		n.Roles = models.AllRoles()
	} else {
		n.Roles = models.SortRoles(n.Roles)
	}
	if n.HeapSize == "" {
		n.HeapSize = models.DefaultHeapSize
	}

	root := n.Root()
	if root == "" {
		root = e.NodeRoot(n.Name)
	}
	layout := e.LayoutFor(root)
	if n.ConfigPath == "" {
		n.ConfigPath = layout.ConfigDir
	}
	if n.StartScriptPath == "" {
		n.StartScriptPath = filepath.Join(n.ConfigPath, e.StartScriptName())
	}
	if n.DataPath == "" {
		n.DataPath = layout.DataDir
	}
	if n.LogsPath == "" {
		n.LogsPath = layout.LogsDir
	}
	if n.URL == "" {
		n.URL = models.DeriveURL(n.Host, n.HTTPPort)
	}
	if !n.Status.IsValid() {
		n.Status = ""
	}
	return n
}

// Lookup returns the stored descriptor for name. For an unregistered name
// it synthesizes one from the naming convention, filling fields from the
// server configuration when the directory exists; registered is false in
// that case.
func (s *Store) Lookup(ctx context.Context, name string) (*models.Node, bool, error) {
	t, err := s.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if n, ok := t.Nodes[name]; ok {
		return n.Clone(), true, nil
	}

	n := &models.Node{Name: name, ConfigPath: s.env.LayoutFor(s.env.NodeRoot(name)).ConfigDir}
	if settings, _, err := s.writer.ReadServerConfig(n.ConfigPath); err == nil {
		fromConfig := settings.Node()
		fromConfig.Name = name
		fromConfig.ConfigPath = n.ConfigPath
		n = fromConfig
	}
	return Normalize(n, s.env), false, nil
}

// Get returns the stored descriptor for name, or NotFound.
func (s *Store) Get(ctx context.Context, name string) (*models.Node, error) {
	n, registered, err := s.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if !registered {
		return nil, models.NewNotFound(name)
	}
	return n, nil
}

// Put stores a descriptor, replacing any descriptor with the same name.
func (s *Store) Put(ctx context.Context, n *models.Node) error {
	stored := n.Clone()
	_, err := s.Update(ctx, func(t *models.Topology) error {
		t.Put(stored.Clone())
		return nil
	})
	return err
}

// Delete removes a descriptor. Deleting an unknown name is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.Update(ctx, func(t *models.Topology) error {
		t.Delete(name)
		return nil
	})
	return err
}

// ListClusters returns every cluster label.
func (s *Store) ListClusters(ctx context.Context) ([]string, error) {
	t, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return t.Clusters, nil
}

// CreateCluster adds a cluster label.
func (s *Store) CreateCluster(ctx context.Context, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.NewInvalid("cluster label is required")
	}
	_, err := s.Update(ctx, func(t *models.Topology) error {
		for _, c := range t.Clusters {
			if c == label {
				return models.NewConflict("", "cluster label %q already exists", label)
			}
		}
		t.Clusters = append(t.Clusters, label)
		return nil
	})
	return err
}

// DeleteCluster removes a cluster label. The default label cannot be
// deleted, nor can a label still carried by any node.
func (s *Store) DeleteCluster(ctx context.Context, label string) error {
	if label == models.DefaultCluster {
		return models.NewConflict("", "the %q cluster label cannot be deleted", models.DefaultCluster)
	}
	_, err := s.Update(ctx, func(t *models.Topology) error {
		idx := -1
		for i, c := range t.Clusters {
			if c == label {
				idx = i
			}
		}
		if idx < 0 {
			return &models.Error{Kind: models.KindNotFound, Message: fmt.Sprintf("cluster label %q not found", label)}
		}
		if members := t.MembersOf(label); len(members) > 0 {
			return models.NewConflict("", "cluster label %q is still carried by %d node(s)", label, len(members)).
				WithDetail("members", members)
		}
		t.Clusters = append(t.Clusters[:idx], t.Clusters[idx+1:]...)
		return nil
	})
	return err
}

// SetWriteTarget points the write target at a registered node. An empty
// name clears it.
func (s *Store) SetWriteTarget(ctx context.Context, name string) error {
	_, err := s.Update(ctx, func(t *models.Topology) error {
		if name != "" {
			if _, ok := t.Nodes[name]; !ok {
				return models.NewNotFound(name)
			}
		}
		t.WriteTarget = name
		return nil
	})
	return err
}

// ResolveInstallRoot returns the install root from the document store when
// override is empty, and records override in the document otherwise.
func ResolveInstallRoot(ctx context.Context, docs store.DocumentStore, override string) (string, error) {
	if override != "" {
		var current string
		err := docs.Get(ctx, store.PathInstallRoot, &current)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if current != override {
			if err := docs.Set(ctx, store.PathInstallRoot, override); err != nil {
				return "", fmt.Errorf("recording install root: %w", err)
			}
		}
		return override, nil
	}

	var root string
	if err := docs.Get(ctx, store.PathInstallRoot, &root); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("install root is not configured")
		}
		return "", err
	}
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("install root %s: %w", root, err)
	}
	return root, nil
}
