package models

import (
	"maps"
	"slices"
	"sort"
)

// Topology is the persisted metadata document: every node descriptor plus
// the active list, the preferred write target and the cluster labels.
// It is read and written as a whole; Version increases on every write.
type Topology struct {
	Version     int64            `json:"version"`
	Nodes       map[string]*Node `json:"nodes"`
	Active      []string         `json:"active"`
	WriteTarget string           `json:"write_target,omitempty"`
	Clusters    []string         `json:"clusters"`
}

// NewTopology returns an empty topology carrying the default cluster label.
func NewTopology() *Topology {
	return &Topology{
		Nodes:    make(map[string]*Node),
		Active:   []string{},
		Clusters: []string{DefaultCluster},
	}
}

// Clone returns a deep copy of the topology.
func (t *Topology) Clone() *Topology {
	c := &Topology{
		Version:     t.Version,
		Nodes:       make(map[string]*Node, len(t.Nodes)),
		Active:      slices.Clone(t.Active),
		WriteTarget: t.WriteTarget,
		Clusters:    slices.Clone(t.Clusters),
	}
	for k, v := range t.Nodes {
		c.Nodes[k] = v.Clone()
	}
	return c
}

// Equal reports whether two topologies carry the same content, ignoring Version.
func (t *Topology) Equal(o *Topology) bool {
	if len(t.Nodes) != len(o.Nodes) ||
		t.WriteTarget != o.WriteTarget ||
		!slices.Equal(t.Active, o.Active) ||
		!slices.Equal(t.Clusters, o.Clusters) {
		return false
	}
	for k, v := range t.Nodes {
		if !v.Equal(o.Nodes[k]) {
			return false
		}
	}
	return true
}

// Normalize repairs structural defaults: non-nil collections, the default
// cluster label, and an active list that only names stored nodes.
func (t *Topology) Normalize() {
	if t.Nodes == nil {
		t.Nodes = make(map[string]*Node)
	}
	if t.Active == nil {
		t.Active = []string{}
	}
	if !slices.Contains(t.Clusters, DefaultCluster) {
		t.Clusters = append([]string{DefaultCluster}, t.Clusters...)
	}
	t.Active = slices.DeleteFunc(t.Active, func(name string) bool {
		_, ok := t.Nodes[name]
		return !ok
	})
}

// Names returns the stored node names in sorted order.
func (t *Topology) Names() []string {
	return slices.Sorted(maps.Keys(t.Nodes))
}

// SortedNodes returns the stored descriptors sorted by name.
func (t *Topology) SortedNodes() []*Node {
	out := make([]*Node, 0, len(t.Nodes))
	for _, name := range t.Names() {
		out = append(out, t.Nodes[name])
	}
	return out
}

// Put stores a node and marks it active.
func (t *Topology) Put(n *Node) {
	t.Nodes[n.Name] = n
	if !slices.Contains(t.Active, n.Name) {
		t.Active = append(t.Active, n.Name)
	}
	if n.Cluster != "" && !slices.Contains(t.Clusters, n.Cluster) {
		t.Clusters = append(t.Clusters, n.Cluster)
	}
}

// Delete removes a node from the store and the active list, and moves the
// write target to a surviving node (or clears it) if it pointed at the
// deleted one.
func (t *Topology) Delete(name string) {
	delete(t.Nodes, name)
	t.Active = slices.DeleteFunc(t.Active, func(n string) bool { return n == name })
	if t.WriteTarget == name {
		t.WriteTarget = t.fallbackWriteTarget()
	}
}

// Rename re-keys a node, carrying its active membership and write target.
func (t *Topology) Rename(from, to string) {
	n, ok := t.Nodes[from]
	if !ok || from == to {
		return
	}
	delete(t.Nodes, from)
	n.Name = to
	t.Nodes[to] = n
	for i, a := range t.Active {
		if a == from {
			t.Active[i] = to
		}
	}
	if t.WriteTarget == from {
		t.WriteTarget = to
	}
}

func (t *Topology) fallbackWriteTarget() string {
	for _, a := range t.Active {
		if _, ok := t.Nodes[a]; ok {
			return a
		}
	}
	names := t.Names()
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

// UsedPorts returns every HTTP and transport port allocated in the
// topology, excluding the node named except.
func (t *Topology) UsedPorts(except string) map[int]string {
	used := make(map[int]string)
	for name, n := range t.Nodes {
		if name == except {
			continue
		}
		if n.HTTPPort > 0 {
			used[n.HTTPPort] = name
		}
		if n.TransportPort > 0 {
			used[n.TransportPort] = name
		}
	}
	return used
}

// MaxPorts returns the highest HTTP and transport port currently allocated.
func (t *Topology) MaxPorts() (maxHTTP, maxTransport int) {
	for _, n := range t.Nodes {
		maxHTTP = max(maxHTTP, n.HTTPPort)
		maxTransport = max(maxTransport, n.TransportPort)
	}
	return maxHTTP, maxTransport
}

// MembersOf returns the sorted names of nodes carrying the given cluster label.
func (t *Topology) MembersOf(cluster string) []string {
	var out []string
	for name, n := range t.Nodes {
		if n.Cluster == cluster {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
