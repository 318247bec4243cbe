package metadata

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/narvanalabs/searchnode/internal/models"
)

// probeConcurrency bounds concurrent status probes during List.
const probeConcurrency = 8

// StatusProber reports the live status of a node.
type StatusProber interface {
	Status(ctx context.Context, n *models.Node) models.NodeStatus
}

// List reconciles the topology and returns every descriptor annotated with
// its live status. A nil prober leaves statuses as unknown. Reconcile
// issues are logged, not returned.
func (s *Store) List(ctx context.Context, prober StatusProber) ([]*models.Node, error) {
	if _, err := s.Reconcile(ctx); err != nil {
		return nil, err
	}
	t, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*models.Node, 0, len(t.Nodes))
	for _, n := range t.SortedNodes() {
		c := n.Clone()
		c.Status = models.NodeStatusUnknown
		nodes = append(nodes, c)
	}
	if prober == nil {
		return nodes, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, n := range nodes {
		g.Go(func() error {
			n.Status = prober.Status(gctx, n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return nodes, ctx.Err()
}
