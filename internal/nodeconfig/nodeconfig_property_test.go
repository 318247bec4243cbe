package nodeconfig

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/searchnode/internal/models"
)

// genNodeName generates a DNS-label style node name.
func genNodeName() gopter.Gen {
	return gen.Identifier().Map(func(s string) string {
		if len(s) > 20 {
			s = s[:20]
		}
		return "n" + s
	})
}

// genRoles generates a non-empty subset of the known roles.
func genRoles() gopter.Gen {
	return gen.IntRange(1, 7).Map(func(mask int) []models.NodeRole {
		var roles []models.NodeRole
		for i, r := range models.AllRoles() {
			if mask&(1<<i) != 0 {
				roles = append(roles, r)
			}
		}
		return roles
	})
}

// genNode generates a descriptor with conventional or external paths.
func genNode() gopter.Gen {
	return gopter.CombineGens(
		genNodeName(),
		gen.OneConstOf("default", "hot", "warm", "logs-2"),
		gen.OneConstOf("localhost", "127.0.0.1", "0.0.0.0", "search.internal"),
		gen.IntRange(1024, 40000),
		gen.IntRange(40001, 65535),
		genRoles(),
		gen.Bool(),
	).Map(func(vals []interface{}) *models.Node {
		name := vals[0].(string)
		root := filepath.Join("/srv/engine/nodes", name)
		n := &models.Node{
			Name:          name,
			Cluster:       vals[1].(string),
			Host:          vals[2].(string),
			HTTPPort:      vals[3].(int),
			TransportPort: vals[4].(int),
			Roles:         vals[5].([]models.NodeRole),
			HeapSize:      "2g",
			ConfigPath:    filepath.Join(root, "config"),
			DataPath:      filepath.Join(root, "data"),
			LogsPath:      filepath.Join(root, "logs"),
		}
		if vals[6].(bool) {
			n.DataPath = "/mnt/disk with space/" + name
		}
		return n
	})
}

// For any descriptor, parsing the rendered server configuration recovers
// cluster, node identity, ports, paths and roles exactly.
func TestServerConfigRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(render(d)) recovers identity, ports and paths", prop.ForAll(
		func(n *models.Node) bool {
			settings, err := ParseServerConfig(RenderServerConfig(n))
			if err != nil {
				t.Logf("parse error: %v", err)
				return false
			}
			got := settings.Node()
			ok := got.Name == n.Name &&
				got.Cluster == n.Cluster &&
				got.Host == n.Host &&
				got.HTTPPort == n.HTTPPort &&
				got.TransportPort == n.TransportPort &&
				got.DataPath == n.DataPath &&
				got.LogsPath == n.LogsPath &&
				fmt.Sprint(got.Roles) == fmt.Sprint(n.Roles) &&
				settings.String(KeyAllocationID) == n.Name
			if !ok {
				t.Logf("mismatch: want %+v got %+v", n, got)
			}
			return ok
		},
		genNode(),
	))

	properties.TestingRun(t)
}

// Patching with the identity entries of a descriptor is idempotent: the
// second patch reports no change.
func TestPatchServerConfigIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("second patch is a no-op", prop.ForAll(
		func(a, b *models.Node) bool {
			first, _ := PatchServerConfig(RenderServerConfig(a), IdentityEntries(b))
			second, changed := PatchServerConfig(first, IdentityEntries(b))
			return !changed && second == first
		},
		genNode(),
		genNode(),
	))

	properties.TestingRun(t)
}
