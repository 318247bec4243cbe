package topology

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/searchnode/internal/models"
)

// genSubdir generates a one or two level relative directory.
func genSubdir() gopter.Gen {
	seg := gen.RegexMatch(`^[a-z]{1,8}$`)
	return gopter.CombineGens(seg, seg, gen.Bool()).Map(func(v []interface{}) string {
		if v[2].(bool) {
			return filepath.Join(v[0].(string), v[1].(string))
		}
		return v[0].(string)
	})
}

// Moving a node whose data and logs are nested under its root yields data
// and logs at the same relative offsets under the new root.
func TestMovePreservesRelativeLayoutProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("nested paths keep their offsets", prop.ForAll(
		func(dataRel, logsRel, dest string) bool {
			if dataRel == logsRel || dataRel == "config" || logsRel == "config" {
				return true
			}
			f := newFixture(t)
			root := f.env.NodeRoot("n1")
			n := f.provision(t, &models.Node{
				Name: "n1", HTTPPort: 9200, TransportPort: 9300,
				DataPath: filepath.Join(root, dataRel),
				LogsPath: filepath.Join(root, logsRel),
			})
			marker := filepath.Join(n.DataPath, "marker")
			if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
				return false
			}

			newRoot := filepath.Join(t.TempDir(), dest)
			moved, err := f.mutator.Move(context.Background(), "n1", newRoot, true, nil)
			if err != nil {
				t.Logf("move: %v", err)
				return false
			}

			relData, _ := filepath.Rel(newRoot, moved.DataPath)
			relLogs, _ := filepath.Rel(newRoot, moved.LogsPath)
			_, statErr := os.Stat(filepath.Join(moved.DataPath, "marker"))
			return relData == dataRel && relLogs == logsRel && statErr == nil
		},
		genSubdir(),
		genSubdir(),
		gen.RegexMatch(`^[a-z]{1,10}$`).Map(func(s string) string { return fmt.Sprintf("dest-%s", s) }),
	))

	properties.TestingRun(t)
}

// Allocated copy ports are never in use by any node in either role, and
// never equal each other.
func TestAllocatePortsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("fresh ports are unused", prop.ForAll(
		func(ports []int) bool {
			topo := models.NewTopology()
			for i := 0; i+1 < len(ports); i += 2 {
				if ports[i] == ports[i+1] {
					continue
				}
				topo.Put(&models.Node{Name: fmt.Sprintf("n%d", i), HTTPPort: ports[i], TransportPort: ports[i+1]})
			}
			if len(topo.Nodes) == 0 {
				return true
			}
			src := topo.SortedNodes()[0]
			httpPort, transportPort, err := AllocatePorts(topo, src)
			if err != nil {
				return false
			}
			used := topo.UsedPorts("")
			_, httpUsed := used[httpPort]
			_, transportUsed := used[transportPort]
			return !httpUsed && !transportUsed &&
				httpPort != transportPort &&
				httpPort > src.HTTPPort && transportPort > src.TransportPort
		},
		gen.SliceOfN(8, gen.IntRange(9000, 9400)),
	))

	properties.TestingRun(t)
}
