package models

import (
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleNode(name string, httpPort, transportPort int) *Node {
	return &Node{
		Name:          name,
		Cluster:       DefaultCluster,
		Host:          "localhost",
		HTTPPort:      httpPort,
		TransportPort: transportPort,
		Roles:         AllRoles(),
		HeapSize:      DefaultHeapSize,
		URL:           DeriveURL("localhost", httpPort),
	}
}

// The write target always names a stored node, or is empty when none remain.
func TestTopologyDeleteKeepsWriteTargetValid(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("write target survives deletions", prop.ForAll(
		func(count int, deletions []int) bool {
			topo := NewTopology()
			for i := range count {
				topo.Put(sampleNode(fmt.Sprintf("node-%d", i), 9200+i, 9300+i))
			}
			topo.WriteTarget = "node-0"

			for _, d := range deletions {
				topo.Delete(fmt.Sprintf("node-%d", d%count))
				if topo.WriteTarget == "" {
					if len(topo.Nodes) != 0 {
						return false
					}
					continue
				}
				if _, ok := topo.Nodes[topo.WriteTarget]; !ok {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.IntRange(0, 16)),
	))

	properties.TestingRun(t)
}

// Clone is deep: mutating the copy never reaches the original.
func TestTopologyCloneIsDeep(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("clone is independent", prop.ForAll(
		func(httpPort int, label string) bool {
			topo := NewTopology()
			topo.Put(sampleNode("alpha", httpPort, httpPort+100))
			c := topo.Clone()
			if !c.Equal(topo) {
				return false
			}
			c.Nodes["alpha"].HTTPPort++
			c.Nodes["alpha"].Roles[0] = NodeRoleIngest
			c.Clusters = append(c.Clusters, label)
			return topo.Nodes["alpha"].HTTPPort == httpPort &&
				topo.Nodes["alpha"].Roles[0] == NodeRoleMaster &&
				!c.Equal(topo)
		},
		gen.IntRange(1024, 60000),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestTopologyNormalize(t *testing.T) {
	topo := &Topology{Active: []string{"ghost"}, Clusters: []string{"hot"}}
	topo.Normalize()
	assert.NotNil(t, topo.Nodes)
	assert.Empty(t, topo.Active)
	assert.Equal(t, []string{DefaultCluster, "hot"}, topo.Clusters)
}

func TestTopologyRenameCarriesMembership(t *testing.T) {
	topo := NewTopology()
	topo.Put(sampleNode("alpha", 9200, 9300))
	topo.WriteTarget = "alpha"

	topo.Rename("alpha", "beta")
	require.Contains(t, topo.Nodes, "beta")
	assert.NotContains(t, topo.Nodes, "alpha")
	assert.Equal(t, "beta", topo.Nodes["beta"].Name)
	assert.Equal(t, []string{"beta"}, topo.Active)
	assert.Equal(t, "beta", topo.WriteTarget)
}

func TestTopologyPortsAndMembers(t *testing.T) {
	topo := NewTopology()
	topo.Put(sampleNode("alpha", 9200, 9300))
	b := sampleNode("beta", 9201, 9301)
	b.Cluster = "hot"
	topo.Put(b)

	used := topo.UsedPorts("alpha")
	assert.Equal(t, map[int]string{9201: "beta", 9301: "beta"}, used)

	maxHTTP, maxTransport := topo.MaxPorts()
	assert.Equal(t, 9201, maxHTTP)
	assert.Equal(t, 9301, maxTransport)

	assert.Equal(t, []string{"beta"}, topo.MembersOf("hot"))
	assert.Contains(t, topo.Clusters, "hot")
}

func TestSortRoles(t *testing.T) {
	roles := SortRoles([]NodeRole{"ingest", "custom", "master", "ingest"})
	assert.Equal(t, []NodeRole{NodeRoleMaster, NodeRoleIngest, "custom"}, roles)
}

func TestNodeUpdateApply(t *testing.T) {
	n := sampleNode("alpha", 9200, 9300)
	port := 9250
	heap := "2g"

	out := (&NodeUpdate{HTTPPort: &port, HeapSize: &heap, Roles: []NodeRole{"data", "master"}}).Apply(n)
	assert.Equal(t, 9250, out.HTTPPort)
	assert.Equal(t, "2g", out.HeapSize)
	assert.Equal(t, []NodeRole{NodeRoleMaster, NodeRoleData}, out.Roles)
	assert.Equal(t, "http://localhost:9250", out.URL)

	assert.Equal(t, 9200, n.HTTPPort, "original untouched")
	assert.True(t, (*NodeUpdate)(nil).Apply(n).Equal(n))
}

func TestNodeHelpers(t *testing.T) {
	n := sampleNode("alpha", 9200, 9300)
	n.ConfigPath = "/srv/nodes/alpha/config"
	assert.Equal(t, "/srv/nodes/alpha", n.Root())
	assert.Equal(t, "localhost:9200", n.HTTPAddress())
	assert.Equal(t, []int{9200, 9300}, n.Ports())
	assert.Empty(t, DeriveURL("", 9200))
	assert.True(t, NodeStatusStarting.IsActive())
	assert.False(t, NodeStatusStopped.IsActive())
	assert.False(t, NodeStatus("bogus").IsValid())
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("writing config: %w", NewPermissionDenied("/srv/nodes/alpha", base))

	assert.True(t, IsKind(err, KindPermissionDenied))
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, &Error{Kind: KindPermissionDenied})
	assert.Contains(t, err.Error(), "(path /srv/nodes/alpha)")
	assert.Equal(t, ErrorKind(""), KindOf(base))

	partial := NewPartialFailure("alpha", []string{"removing logs: busy"})
	assert.Equal(t, KindPartialFailure, partial.Kind)
	assert.Len(t, partial.Warnings, 1)

	timeout := NewTimeout("alpha", "node %q did not answer", "alpha").WithDetail("launch_tail", "boom")
	assert.Equal(t, "boom", timeout.Details["launch_tail"])
}

func TestValidationResultAsError(t *testing.T) {
	valid := &ValidationResult{Valid: true}
	assert.NoError(t, valid.AsError("alpha"))

	invalid := &ValidationResult{Conflicts: []Conflict{{Kind: ConflictRequired, Field: "name", Message: "name is required"}}}
	assert.True(t, IsKind(invalid.AsError("alpha"), KindInvalid))

	collision := &ValidationResult{
		Conflicts: []Conflict{
			{Kind: ConflictInvalid, Field: "heap_size", Message: "bad heap"},
			{Kind: ConflictHTTPPort, Field: "http_port", Message: "port 9200 used by beta", With: "beta"},
		},
		Suggestions: Suggestions{HTTPPort: 9201},
	}
	err := collision.AsError("alpha")
	require.True(t, IsKind(err, KindConflict))
	var typed *Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, Suggestions{HTTPPort: 9201}, typed.Details["suggestions"])
	assert.True(t, collision.Has(ConflictHTTPPort))
	assert.False(t, collision.Has(ConflictName))
}

func TestRemoveResultPartial(t *testing.T) {
	r := &RemoveResult{Node: "alpha"}
	assert.False(t, r.Partial())
	r.Warnings = append(r.Warnings, "x")
	assert.True(t, r.Partial())
	assert.True(t, slices.Contains(r.Warnings, "x"))
}
