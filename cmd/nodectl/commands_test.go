package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/searchnode/internal/models"
	"github.com/narvanalabs/searchnode/internal/nodeconfig"
)

type harness struct {
	t       *testing.T
	root    string
	docPath string
	out     bytes.Buffer
	errOut  bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Setenv("DATABASE_URL", "")
	return &harness{
		t:       t,
		root:    t.TempDir(),
		docPath: filepath.Join(t.TempDir(), "searchnode.jsonc"),
	}
}

// run executes one nodectl invocation against a fresh session, the way a
// shell would.
func (h *harness) run(args ...string) error {
	h.out.Reset()
	h.errOut.Reset()
	s := &session{ctx: context.Background(), out: &h.out, errOut: &h.errOut}
	defer s.close()

	if len(args) > 0 {
		args = append(args, "--install-root", h.root, "--document-path", h.docPath)
	}
	return newRootCommand(s).execute(&h.errOut, "", args)
}

func freePort(t *testing.T) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func (h *harness) create(name string) *models.Node {
	err := h.run("create", name,
		"--host", "127.0.0.1",
		"--http-port", strconv.Itoa(freePort(h.t)),
		"--transport-port", strconv.Itoa(freePort(h.t)),
		"--roles", "master,data",
	)
	require.NoError(h.t, err, h.errOut.String())
	var n models.Node
	require.NoError(h.t, json.Unmarshal(h.out.Bytes(), &n))
	return &n
}

func TestCreateGetList(t *testing.T) {
	h := newHarness(t)
	created := h.create("alpha")
	assert.Equal(t, "alpha", created.Name)
	assert.Equal(t, []models.NodeRole{models.NodeRoleMaster, models.NodeRoleData}, created.Roles)
	assert.FileExists(t, nodeconfig.ServerConfigPath(created.ConfigPath))

	require.NoError(t, h.run("get", "alpha"))
	var got models.Node
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &got))
	assert.Equal(t, created.HTTPPort, got.HTTPPort)
	assert.Equal(t, models.NodeStatusStopped, got.Status)

	require.NoError(t, h.run("list"))
	assert.Contains(t, h.out.String(), "NAME")
	assert.Contains(t, h.out.String(), "alpha")

	require.NoError(t, h.run("list", "--json"))
	var nodes []*models.Node
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &nodes))
	assert.Len(t, nodes, 1)
}

func TestUpdateOnlyChangesGivenFields(t *testing.T) {
	h := newHarness(t)
	created := h.create("alpha")

	require.NoError(t, h.run("update", "alpha", "--heap-size", "2g"))
	var updated models.Node
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &updated))
	assert.Equal(t, "2g", updated.HeapSize)
	assert.Equal(t, created.HTTPPort, updated.HTTPPort)
	assert.Equal(t, created.Roles, updated.Roles)
}

func TestValidateReportsCollision(t *testing.T) {
	h := newHarness(t)
	created := h.create("alpha")

	err := h.run("validate", "beta",
		"--http-port", strconv.Itoa(created.HTTPPort),
		"--transport-port", strconv.Itoa(freePort(t)),
	)
	require.Error(t, err)

	var result models.ValidationResult
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &result))
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Conflicts)
}

func TestClustersAndWriteTarget(t *testing.T) {
	h := newHarness(t)
	h.create("alpha")

	require.NoError(t, h.run("clusters", "create", "hot"))
	require.NoError(t, h.run("clusters", "list"))
	assert.Contains(t, h.out.String(), models.DefaultCluster)
	assert.Contains(t, h.out.String(), "hot")

	require.NoError(t, h.run("clusters", "delete", "hot"))
	err := h.run("clusters", "delete", models.DefaultCluster)
	assert.True(t, models.IsKind(err, models.KindConflict))

	require.NoError(t, h.run("write-target", "alpha"))
	err = h.run("write-target", "ghost")
	assert.True(t, models.IsKind(err, models.KindNotFound))
	require.NoError(t, h.run("write-target"))
}

func TestRemoveUnregisters(t *testing.T) {
	h := newHarness(t)
	created := h.create("alpha")

	require.NoError(t, h.run("remove", "alpha"))
	var result models.RemoveResult
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &result))
	assert.Equal(t, "alpha", result.Node)
	assert.NoDirExists(t, created.Root())

	err := h.run("get", "alpha")
	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestUsageErrors(t *testing.T) {
	h := newHarness(t)

	err := h.run()
	assert.EqualError(t, err, "subcommand required")

	err = h.run("frobnicate")
	assert.ErrorContains(t, err, `unknown command "frobnicate"`)

	err = h.run("get")
	assert.ErrorContains(t, err, "expected a node name")

	err = h.run("create", "alpha", "--bogus")
	assert.ErrorContains(t, err, "unknown flag")

	assert.ErrorIs(t, h.run("--help"), errHelp)
	assert.Contains(t, h.errOut.String(), "write-target")
}
