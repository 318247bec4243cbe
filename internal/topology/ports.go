package topology

import "github.com/narvanalabs/searchnode/internal/models"

// maxPort is the highest usable TCP port.
const maxPort = 65535

// AllocatePorts picks fresh HTTP and transport ports for a copy of src.
// Each port starts above both the source's port and the highest port of
// the same kind already allocated, and increments until it is used by no
// node in either role. The two results never coincide.
func AllocatePorts(t *models.Topology, src *models.Node) (httpPort, transportPort int, err error) {
	used := t.UsedPorts("")
	maxHTTP, maxTransport := t.MaxPorts()

	httpPort, err = nextFree(max(src.HTTPPort, maxHTTP)+1, used)
	if err != nil {
		return 0, 0, err
	}
	used[httpPort] = ""

	transportPort, err = nextFree(max(src.TransportPort, maxTransport)+1, used)
	if err != nil {
		return 0, 0, err
	}
	return httpPort, transportPort, nil
}

func nextFree(from int, used map[int]string) (int, error) {
	for p := max(from, 1); p <= maxPort; p++ {
		if _, taken := used[p]; !taken {
			return p, nil
		}
	}
	return 0, models.NewConflict("", "no free port above %d", from-1)
}
