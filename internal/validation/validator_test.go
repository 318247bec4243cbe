package validation

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/searchnode/internal/models"
)

type staticSource struct {
	t   *models.Topology
	err error
}

func (s staticSource) Load(context.Context) (*models.Topology, error) {
	return s.t, s.err
}

// busyPorts marks a fixed set of ports as bound by other processes.
type busyPorts map[int]bool

func (b busyPorts) Available(_ string, port int) bool {
	return !b[port]
}

func topologyWith(nodes ...*models.Node) *models.Topology {
	t := models.NewTopology()
	for _, n := range nodes {
		t.Put(n)
	}
	return t
}

func kinds(r *models.ValidationResult) []models.ConflictKind {
	var out []models.ConflictKind
	for _, c := range r.Conflicts {
		out = append(out, c.Kind)
	}
	return out
}

func TestValidateSuggestsNextHTTPPort(t *testing.T) {
	topo := topologyWith(&models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300})
	v := NewValidator(staticSource{t: topo}, busyPorts{}, nil)

	res, err := v.Validate(context.Background(), &models.Node{Name: "n2", HTTPPort: 9200, TransportPort: 9301}, "")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, []models.ConflictKind{models.ConflictHTTPPort}, kinds(res))
	assert.Equal(t, "n1", res.Conflicts[0].With)
	assert.Equal(t, 9201, res.Suggestions.HTTPPort)
	assert.Zero(t, res.Suggestions.TransportPort)
}

func TestValidateCrossRoleCollisions(t *testing.T) {
	topo := topologyWith(&models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300})

	res := Check(topo, &models.Node{Name: "n2", HTTPPort: 9300, TransportPort: 9200}, "", busyPorts{})

	assert.ElementsMatch(t, []models.ConflictKind{models.ConflictHTTPPort, models.ConflictTransportPort}, kinds(res))
	assert.Equal(t, 9301, res.Suggestions.HTTPPort)
	assert.Equal(t, 9201, res.Suggestions.TransportPort)
}

func TestValidateUpdateIgnoresOwnDescriptor(t *testing.T) {
	topo := topologyWith(
		&models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300},
		&models.Node{Name: "n2", HTTPPort: 9201, TransportPort: 9301},
	)
	// The node's own ports are bound (it could be running); they are not re-probed.
	checker := busyPorts{9200: true, 9300: true}

	res := Check(topo, &models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300}, "n1", checker)
	assert.True(t, res.Valid, "%v", res.Conflicts)

	res = Check(topo, &models.Node{Name: "n2", HTTPPort: 9200, TransportPort: 9300}, "n1", checker)
	assert.Equal(t, []models.ConflictKind{models.ConflictName}, kinds(res))
	assert.Equal(t, []string{"n2-2", "n2-3", "n2-4"}, res.Suggestions.Names)
}

func TestValidateOSAvailability(t *testing.T) {
	topo := topologyWith()

	res := Check(topo, &models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300}, "", busyPorts{9200: true, 9201: true, 9300: true})

	assert.ElementsMatch(t, []models.ConflictKind{
		models.ConflictHTTPPortUnavailable,
		models.ConflictTransportPortUnavailable,
	}, kinds(res))
	assert.Equal(t, 9202, res.Suggestions.HTTPPort)
	assert.Equal(t, 9301, res.Suggestions.TransportPort)
}

func TestValidateFieldChecks(t *testing.T) {
	topo := topologyWith()

	res := Check(topo, &models.Node{}, "", busyPorts{})
	assert.Equal(t, []models.ConflictKind{
		models.ConflictRequired, models.ConflictRequired, models.ConflictRequired,
	}, kinds(res))

	res = Check(topo, &models.Node{
		Name: "Bad_Name", HTTPPort: 70000, TransportPort: 9300,
		Roles: []models.NodeRole{"master", "coordinator"}, HeapSize: "lots",
	}, "", busyPorts{})
	assert.ElementsMatch(t, []models.ConflictKind{
		models.ConflictInvalid, models.ConflictInvalid, models.ConflictInvalid, models.ConflictInvalid,
	}, kinds(res))

	res = Check(topo, &models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9200}, "", busyPorts{})
	assert.Equal(t, []models.ConflictKind{models.ConflictTransportPort}, kinds(res))
	assert.NotEqual(t, 9200, res.Suggestions.TransportPort)
}

func TestValidationResultAsError(t *testing.T) {
	topo := topologyWith(&models.Node{Name: "n1", HTTPPort: 9200, TransportPort: 9300})

	res := Check(topo, &models.Node{Name: "n1", HTTPPort: 9400, TransportPort: 9500}, "", busyPorts{})
	err := res.AsError("n1")
	assert.True(t, models.IsKind(err, models.KindConflict))

	res = Check(topo, &models.Node{Name: "", HTTPPort: 9400, TransportPort: 9500}, "", busyPorts{})
	assert.True(t, models.IsKind(res.AsError(""), models.KindInvalid))
}

func TestValidateSourceError(t *testing.T) {
	v := NewValidator(staticSource{err: errors.New("store offline")}, busyPorts{}, nil)
	_, err := v.Validate(context.Background(), &models.Node{Name: "n1"}, "")
	assert.ErrorContains(t, err, "store offline")
}

func TestNetPortChecker(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port

	assert.False(t, NetPortChecker{}.Available("127.0.0.1", port))
	require.NoError(t, l.Close())
	assert.True(t, NetPortChecker{}.Available("localhost", port))
}

func TestValidateNodeName(t *testing.T) {
	for _, name := range []string{"n1", "search-node-01", "a"} {
		assert.NoError(t, ValidateNodeName(name), name)
	}
	for _, name := range []string{"", "-n1", "n1-", "1node", "Node", "n_1", "a/b"} {
		assert.Error(t, ValidateNodeName(name), name)
	}
}
