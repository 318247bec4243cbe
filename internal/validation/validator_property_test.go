package validation

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/searchnode/internal/models"
)

// genNodeName generates a valid node name from a small alphabet so that
// collisions are frequent.
func genNodeName() gopter.Gen {
	return gen.IntRange(0, 5).Map(func(i int) string { return fmt.Sprintf("n%d", i) })
}

func genCandidate() gopter.Gen {
	return gopter.CombineGens(
		genNodeName(),
		gen.IntRange(9200, 9215),
		gen.IntRange(9200, 9215),
	).Map(func(v []interface{}) *models.Node {
		return &models.Node{Name: v[0].(string), HTTPPort: v[1].(int), TransportPort: v[2].(int)}
	})
}

// Admitting only candidates the validator accepts keeps every name and
// every port, across both roles, unique in the topology.
func TestValidatorUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("accepted candidates never share names or ports", prop.ForAll(
		func(candidates []*models.Node) bool {
			topo := models.NewTopology()
			for _, c := range candidates {
				if Check(topo, c, "", busyPorts{}).Valid {
					topo.Put(c)
				}
			}

			seen := make(map[int]string)
			for name, n := range topo.Nodes {
				if name != n.Name {
					return false
				}
				for _, p := range n.Ports() {
					if _, dup := seen[p]; dup {
						return false
					}
					seen[p] = name
				}
			}
			return true
		},
		gen.SliceOfN(12, genCandidate()),
	))

	properties.Property("suggested ports resolve the port conflicts", prop.ForAll(
		func(candidates []*models.Node, probe *models.Node) bool {
			topo := models.NewTopology()
			for _, c := range candidates {
				if Check(topo, c, "", busyPorts{}).Valid {
					topo.Put(c)
				}
			}
			res := Check(topo, probe, "", busyPorts{})
			if res.Valid || res.Has(models.ConflictName) || res.Has(models.ConflictInvalid) {
				return true
			}
			fixed := probe.Clone()
			if res.Suggestions.HTTPPort != 0 {
				fixed.HTTPPort = res.Suggestions.HTTPPort
			}
			if res.Suggestions.TransportPort != 0 {
				fixed.TransportPort = res.Suggestions.TransportPort
			}
			return Check(topo, fixed, "", busyPorts{}).Valid
		},
		gen.SliceOfN(6, genCandidate()),
		genCandidate().Map(func(n *models.Node) *models.Node {
			n.Name = "probe"
			return n
		}),
	))

	properties.TestingRun(t)
}
