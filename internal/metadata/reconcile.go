package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/fsutil"
	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
)

// Observation is what Scan found in one node root directory.
type Observation struct {
	Dir string
	// Managed is true for directories directly under <root>/nodes. Only
	// those are renamed to match their identity.
	Managed  bool
	Settings nodeconfig.Settings
	Err      error

	HeapOptions   string
	LoggingConfig string
	StartScript   string
}

// Name returns the directory name, which is only a hint of the identity.
func (o *Observation) Name() string {
	return filepath.Base(o.Dir)
}

// ScanResult is the filesystem state reconciliation plans against.
type ScanResult struct {
	Observations []*Observation
	// RootExists records, per stored descriptor, whether its root directory exists.
	RootExists map[string]bool
}

// NodePlan is the planned repair of one observed directory.
type NodePlan struct {
	Dir    string
	NewDir string
	// BeforeKey is the topology key of the descriptor this directory was
	// matched to, or "" for a directory that was never registered.
	BeforeKey string
	After     *models.Node
	Patch     []nodeconfig.Entry

	SyncHeap    bool
	SyncLogging bool
	SyncScript  bool

	Repairs []models.Repair
}

// Renames reports whether the plan moves the directory.
func (p *NodePlan) Renames() bool {
	return p.Dir != p.NewDir
}

// Plan is the full set of repairs for one reconciliation pass.
type Plan struct {
	Nodes     []*NodePlan
	Deletions []string
	Issues    []models.Issue
}

// Empty reports whether the plan has nothing to do besides issues.
func (p *Plan) Empty() bool {
	return len(p.Nodes) == 0 && len(p.Deletions) == 0
}

// Scan reads every node root under the install root plus the roots of
// stored descriptors that live elsewhere. It only reads.
func (s *Store) Scan(ctx context.Context, t *models.Topology) (*ScanResult, error) {
	res := &ScanResult{RootExists: make(map[string]bool, len(t.Nodes))}
	nodesDir := s.env.NodesDir()
	seen := make(map[string]bool)

	entries, err := os.ReadDir(nodesDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("scanning %s: %w", nodesDir, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(nodesDir, entry.Name())
		seen[dir] = true
		res.Observations = append(res.Observations, s.observe(dir, true))
	}

	for _, name := range t.Names() {
		root := filepath.Clean(t.Nodes[name].Root())
		exists := t.Nodes[name].Root() != "" && fsutil.IsDir(root)
		res.RootExists[name] = exists
		if !exists || seen[root] || env.IsWithin(nodesDir, root) {
			continue
		}
		seen[root] = true
		res.Observations = append(res.Observations, s.observe(root, false))
	}

	sort.Slice(res.Observations, func(i, j int) bool {
		return res.Observations[i].Dir < res.Observations[j].Dir
	})
	return res, nil
}

func (s *Store) observe(dir string, managed bool) *Observation {
	obs := &Observation{Dir: dir, Managed: managed}
	layout := s.env.LayoutFor(dir)

	settings, _, err := s.writer.ReadServerConfig(layout.ConfigDir)
	if err != nil {
		obs.Err = err
		return obs
	}
	obs.Settings = settings
	obs.HeapOptions = readOptional(nodeconfig.HeapOptionsPath(layout.ConfigDir))
	obs.LoggingConfig = readOptional(nodeconfig.LoggingConfigPath(layout.ConfigDir))
	obs.StartScript = readOptional(layout.StartScript)
	return obs
}

func readOptional(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

// PlanReconcile computes the repairs that align t with scan. It performs
// no I/O.
func PlanReconcile(t *models.Topology, scan *ScanResult, e env.Environment) *Plan {
	plan := &Plan{}
	nodesDir := e.NodesDir()

	byRoot := make(map[string]string, len(t.Nodes))
	for name, n := range t.Nodes {
		if root := n.Root(); root != "" {
			byRoot[filepath.Clean(root)] = name
		}
	}
	onDisk := make(map[string]bool)
	for _, obs := range scan.Observations {
		if obs.Managed {
			onDisk[obs.Name()] = true
		}
	}

	// Directories already named after their identity claim it first.
	ordered := make([]*Observation, 0, len(scan.Observations))
	var rest []*Observation
	for _, obs := range scan.Observations {
		if obs.Err == nil && identityOf(obs) == obs.Name() {
			ordered = append(ordered, obs)
		} else {
			rest = append(rest, obs)
		}
	}
	ordered = append(ordered, rest...)

	claimed := make(map[string]string)
	matched := make(map[string]bool)
	produced := make(map[string]bool)

	for _, obs := range ordered {
		if key, ok := byRoot[filepath.Clean(obs.Dir)]; ok {
			matched[key] = true
		}
		if obs.Err != nil {
			plan.Issues = append(plan.Issues, models.Issue{
				Path:    obs.Dir,
				Message: fmt.Sprintf("unreadable server configuration: %v", obs.Err),
			})
			continue
		}

		identity := identityOf(obs)
		if !validIdentity(identity) {
			plan.Issues = append(plan.Issues, models.Issue{
				Path:    obs.Dir,
				Node:    identity,
				Message: fmt.Sprintf("node identity %q cannot name a directory", identity),
			})
			continue
		}
		if other, ok := claimed[identity]; ok {
			plan.Issues = append(plan.Issues, models.Issue{
				Path:    obs.Dir,
				Node:    identity,
				Message: fmt.Sprintf("identity %q is already claimed by %s", identity, other),
			})
			continue
		}

		newDir := obs.Dir
		if obs.Managed && obs.Name() != identity {
			if onDisk[identity] {
				plan.Issues = append(plan.Issues, models.Issue{
					Path:    obs.Dir,
					Node:    identity,
					Message: fmt.Sprintf("directory %s already exists, rename skipped", filepath.Join(nodesDir, identity)),
				})
				continue
			}
			newDir = filepath.Join(nodesDir, identity)
		}
		claimed[identity] = obs.Dir

		beforeKey, ok := byRoot[filepath.Clean(obs.Dir)]
		if !ok {
			if n, exists := t.Nodes[identity]; exists && !scan.RootExists[identity] {
				beforeKey = n.Name
			}
		}
		var before *models.Node
		if beforeKey != "" {
			before = t.Nodes[beforeKey]
			matched[beforeKey] = true
		}

		np := planNode(obs, identity, newDir, beforeKey, before, e)
		produced[identity] = true
		if np != nil {
			plan.Nodes = append(plan.Nodes, np)
		}
	}

	for _, name := range t.Names() {
		if matched[name] || produced[name] || scan.RootExists[name] {
			continue
		}
		plan.Deletions = append(plan.Deletions, name)
	}
	return plan
}

func identityOf(obs *Observation) string {
	if obs.Settings == nil {
		return ""
	}
	if id := obs.Settings.Identity(); id != "" {
		return id
	}
	return obs.Name()
}

func validIdentity(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\:`) && filepath.Base(name) == name
}

// planNode returns the repairs for one directory, or nil if it is already
// consistent.
func planNode(obs *Observation, identity, newDir, beforeKey string, before *models.Node, e env.Environment) *NodePlan {
	np := &NodePlan{Dir: obs.Dir, NewDir: newDir, BeforeKey: beforeKey}
	settings := obs.Settings
	fromConfig := settings.Node()

	var desc *models.Node
	if before != nil {
		desc = before.Clone()
	} else {
		desc = fromConfig.Clone()
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairRegistered, Node: identity,
			Message: fmt.Sprintf("registered %s from its server configuration", obs.Dir),
		})
	}

	oldRoot := ""
	if before != nil {
		oldRoot = before.Root()
	}
	anchor := func(path string) string {
		if p, ok := env.Reanchor(path, obs.Dir, newDir); ok {
			return p
		}
		if oldRoot != "" {
			if p, ok := env.Reanchor(path, oldRoot, newDir); ok {
				return p
			}
		}
		return path
	}

	desc.Name = identity
	desc.ConfigPath = e.LayoutFor(newDir).ConfigDir
	desc.StartScriptPath = anchor(desc.StartScriptPath)
	if fromConfig.DataPath != "" {
		desc.DataPath = fromConfig.DataPath
	}
	if fromConfig.LogsPath != "" {
		desc.LogsPath = fromConfig.LogsPath
	}
	dataBefore, logsBefore := desc.DataPath, desc.LogsPath
	desc.DataPath = anchor(desc.DataPath)
	desc.LogsPath = anchor(desc.LogsPath)

	derivedURL := desc.URL == "" || desc.URL == models.DeriveURL(desc.Host, desc.HTTPPort)
	if fromConfig.Cluster != "" {
		desc.Cluster = fromConfig.Cluster
	}
	if fromConfig.Host != "" {
		desc.Host = fromConfig.Host
	}
	if fromConfig.HTTPPort != 0 {
		desc.HTTPPort = fromConfig.HTTPPort
	}
	if fromConfig.TransportPort != 0 {
		desc.TransportPort = fromConfig.TransportPort
	}
	if len(fromConfig.Roles) > 0 {
		desc.Roles = fromConfig.Roles
	}
	if derivedURL {
		desc.URL = ""
	}
	desc = Normalize(desc, e)

	if np.Renames() {
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairRenamed, Node: identity,
			Message: fmt.Sprintf("renamed %s to %s to match node.name", obs.Dir, newDir),
		})
	}
	if before != nil && beforeKey != identity {
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairRekeyed, Node: identity,
			Message: fmt.Sprintf("descriptor %q re-keyed to %q", beforeKey, identity),
		})
	}
	if dataBefore != desc.DataPath || logsBefore != desc.LogsPath {
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairReanchored, Node: identity,
			Message: fmt.Sprintf("nested data and logs re-anchored under %s", newDir),
		})
	}

	for _, want := range []nodeconfig.Entry{
		{Key: nodeconfig.KeyNodeName, Value: desc.Name},
		{Key: nodeconfig.KeyAllocationID, Value: desc.Name},
		{Key: nodeconfig.KeyDataPath, Value: desc.DataPath},
		{Key: nodeconfig.KeyLogsPath, Value: desc.LogsPath},
	} {
		if settings.String(want.Key) != want.Value.(string) {
			np.Patch = append(np.Patch, want)
		}
	}
	if len(np.Patch) > 0 {
		keys := make([]string, len(np.Patch))
		for i, p := range np.Patch {
			keys[i] = p.Key
		}
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairConfigPatch, Node: identity,
			Message: "server configuration patched: " + strings.Join(keys, ", "),
		})
	}

	if heap, err := nodeconfig.RenderHeapOptions(desc.Name, desc.HeapSize); err == nil && heap != obs.HeapOptions {
		np.SyncHeap = true
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairHeapSynced, Node: identity,
			Message: fmt.Sprintf("heap options regenerated for %s", desc.HeapSize),
		})
	}
	// Logging config and start script are only rewritten when a value they
	// embed moved in this pass, or when they are missing. Operator edits
	// otherwise survive.
	relocated := np.Renames() || dataBefore != desc.DataPath || logsBefore != desc.LogsPath
	embedsChanged := func(fields func(*models.Node) []string) bool {
		if before == nil {
			return relocated
		}
		return relocated || !slices.Equal(fields(before), fields(desc))
	}
	loggingFields := func(n *models.Node) []string { return []string{n.Name, n.Cluster, n.LogsPath} }
	scriptFields := func(n *models.Node) []string {
		return []string{n.Name, n.ConfigPath, n.StartScriptPath, n.HeapSize}
	}

	if obs.LoggingConfig == "" || embedsChanged(loggingFields) {
		if logging, err := nodeconfig.RenderLoggingConfig(desc); err == nil && logging != obs.LoggingConfig {
			np.SyncLogging = true
			np.Repairs = append(np.Repairs, models.Repair{
				Kind: models.RepairArtifact, Node: identity, Message: "logging configuration regenerated",
			})
		}
	}
	if obs.StartScript == "" || embedsChanged(scriptFields) {
		if script, err := nodeconfig.RenderStartScript(desc, e); err == nil && script != obs.StartScript {
			np.SyncScript = true
			np.Repairs = append(np.Repairs, models.Repair{
				Kind: models.RepairArtifact, Node: identity, Message: "start script regenerated",
			})
		}
	}

	if before != nil && !before.Equal(desc) && len(np.Repairs) == 0 {
		np.Repairs = append(np.Repairs, models.Repair{
			Kind: models.RepairDescriptor, Node: identity, Message: "descriptor updated from server configuration",
		})
	}
	if len(np.Repairs) == 0 {
		return nil
	}
	np.After = desc
	return np
}

// Apply performs the plan: directory renames, config patches, artifact
// regeneration and finally one topology write. Failures are recorded as
// issues and skip the affected directory; they never abort the pass.
func (s *Store) Apply(ctx context.Context, plan *Plan) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{
		Repaired: []models.Repair{},
		Issues:   append([]models.Issue{}, plan.Issues...),
	}

	var applied []*NodePlan
	for _, np := range plan.Nodes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.applyNode(np, report); err != nil {
			report.Issues = append(report.Issues, models.Issue{Path: np.Dir, Node: np.After.Name, Message: err.Error()})
			continue
		}
		applied = append(applied, np)
		report.Repaired = append(report.Repaired, np.Repairs...)
	}

	var deleted []models.Repair
	_, written, err := s.update(ctx, func(t *models.Topology) error {
		deleted = deleted[:0]
		for _, np := range applied {
			if np.BeforeKey != "" && np.BeforeKey != np.After.Name {
				if _, stale := t.Nodes[np.After.Name]; stale {
					t.Delete(np.After.Name)
				}
				t.Rename(np.BeforeKey, np.After.Name)
			}
			t.Put(np.After.Clone())
		}
		for _, name := range plan.Deletions {
			if _, ok := t.Nodes[name]; !ok {
				continue
			}
			target := t.WriteTarget
			t.Delete(name)
			deleted = append(deleted, models.Repair{
				Kind: models.RepairDeleted, Node: name,
				Message: "descriptor deleted, its directory no longer exists",
			})
			if target == name {
				msg := "write target cleared"
				if t.WriteTarget != "" {
					msg = fmt.Sprintf("write target reassigned to %q", t.WriteTarget)
				}
				deleted = append(deleted, models.Repair{Kind: models.RepairWriteTarget, Node: name, Message: msg})
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Repaired = append(report.Repaired, deleted...)
	if written {
		report.Writes++
	}
	return report, nil
}

func (s *Store) applyNode(np *NodePlan, report *models.ReconcileReport) error {
	if np.Renames() {
		if fsutil.Exists(np.NewDir) {
			return fmt.Errorf("directory %s appeared during reconciliation, rename skipped", np.NewDir)
		}
		if err := fsutil.MoveTree(np.Dir, np.NewDir); err != nil {
			return err
		}
		report.Writes++
	}

	n := np.After
	if len(np.Patch) > 0 {
		changed, err := s.writer.PatchServerConfig(n.ConfigPath, np.Patch)
		if err != nil {
			return err
		}
		if changed {
			report.Writes++
		}
	}

	syncs := []struct {
		want bool
		fn   func(*models.Node) (bool, error)
	}{
		{np.SyncHeap, s.writer.SyncHeapOptions},
		{np.SyncLogging, s.writer.SyncLoggingConfig},
		{np.SyncScript, s.writer.SyncStartScript},
	}
	for _, sync := range syncs {
		if !sync.want {
			continue
		}
		changed, err := sync.fn(n)
		if err != nil {
			return err
		}
		if changed {
			report.Writes++
		}
	}
	return nil
}

// Exclusive runs fn while no reconciliation pass is in progress. Operations
// that move or copy node directories hold it so a pass never observes a
// half-moved tree.
func (s *Store) Exclusive(fn func() error) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()
	return fn()
}

// RenameIssues plans a pass as if the node stored under from already
// carried the identity to, and returns the issues that rename would add.
// It only reads, so callers can refuse a rename before touching disk.
func (s *Store) RenameIssues(ctx context.Context, from, to string) ([]models.Issue, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	t, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	n, ok := t.Nodes[from]
	if !ok {
		return nil, models.NewNotFound(from)
	}
	scan, err := s.Scan(ctx, t)
	if err != nil {
		return nil, err
	}

	baseline := make(map[models.Issue]bool)
	for _, issue := range PlanReconcile(t, scan, s.env).Issues {
		baseline[issue] = true
	}

	root := filepath.Clean(n.Root())
	for i, obs := range scan.Observations {
		if filepath.Clean(obs.Dir) != root || obs.Settings == nil {
			continue
		}
		renamed := *obs
		renamed.Settings = maps.Clone(obs.Settings)
		renamed.Settings[nodeconfig.KeyNodeName] = to
		scan.Observations[i] = &renamed
	}

	var added []models.Issue
	for _, issue := range PlanReconcile(t, scan, s.env).Issues {
		if !baseline[issue] && (issue.Node == to || issue.Node == from) {
			added = append(added, issue)
		}
	}
	return added, nil
}

// Reconcile runs a full scan, plan and apply pass.
func (s *Store) Reconcile(ctx context.Context) (*models.ReconcileReport, error) {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	t, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	scan, err := s.Scan(ctx, t)
	if err != nil {
		return nil, err
	}
	plan := PlanReconcile(t, scan, s.env)
	report, err := s.Apply(ctx, plan)
	if err != nil {
		return report, err
	}

	for _, issue := range report.Issues {
		s.logger.Warn("reconcile issue", "path", issue.Path, "node", issue.Node, "issue", issue.Message)
	}
	if len(report.Repaired) > 0 || report.Writes > 0 {
		s.logger.Info("reconcile completed",
			"repaired", len(report.Repaired),
			"issues", len(report.Issues),
			"writes", report.Writes,
		)
	}
	return report, nil
}
