package event

import (
	"context"
	"fmt"
	"math"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/swarmlight/internal/graph"
	"github.com/onnwee/swarmlight/internal/simulation"
	"github.com/onnwee/swarmlight/internal/tracing"
)

// positionTolerance is the absolute movement, in meters, below which a
// simulated position with unchanged ranks is not re-sent.
const positionTolerance = 1e-3

// recompute is the scheduler's run function: one snapshot, one solve, and a
// SET_POINT for every device whose simulated position moved.
func (s *Session) recompute(ctx context.Context) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "event.recompute")
	defer func() { endSpan(err) }()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		s.metrics.incStoreErrors("snapshot")
		return fmt.Errorf("recompute: %w", err)
	}
	nodes := s.finiteNodes(snap.Nodes)
	if len(nodes) == 0 {
		return nil
	}

	particles := simulation.NewParticles(nodes, s.record.Anchor)
	res, err := simulation.Solve(particles, snap.Edges, s.solver)
	if err != nil {
		return fmt.Errorf("recompute: %w", err)
	}
	s.metrics.observeSolverIterations(res.Iterations)

	uncorrected := simulation.RankLocations(nodes, s.record.Anchor, s.precision)
	simulated := simulation.RankParticles(particles, s.precision)

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	admin := s.adminSender()
	dispatched := 0
	for _, id := range ids {
		pos := graph.NodePosition{Uncorrected: uncorrected[id], Simulated: simulated[id]}
		if !positionChanged(nodes[id].Position, pos) {
			continue
		}

		applied, err := s.store.SetNodePosition(ctx, id, pos)
		if err != nil {
			s.storeFailed("set_node_position", id, err)
			continue
		}
		if !applied {
			continue
		}

		dispatched++
		s.sendTo(ctx, id, SetPoint{Position: pos})
		s.sendAdmin(ctx, admin, SetPointReport{DeviceID: id, Position: pos})
	}
	s.metrics.addPositionsDispatched(dispatched)

	tracing.SetAttributes(ctx,
		attribute.Int("graph.nodes", len(nodes)),
		attribute.Int("graph.edges", len(snap.Edges)),
		attribute.Int("solver.iterations", res.Iterations),
		attribute.Bool("solver.converged", res.Converged),
		attribute.Int("positions.dispatched", dispatched),
	)
	s.logger.Debug("graph recomputed",
		"nodes", len(nodes),
		"edges", len(snap.Edges),
		"iterations", res.Iterations,
		"converged", res.Converged,
		"dispatched", dispatched)
	return nil
}

// finiteNodes drops nodes whose stored location is not a finite fix. Such a
// node would poison every particle it shares a spring with.
func (s *Session) finiteNodes(all map[string]graph.Metadata) map[string]graph.Metadata {
	nodes := make(map[string]graph.Metadata, len(all))
	for id, meta := range all {
		if !meta.Location.Finite() {
			s.logger.Warn("skipping node with non-finite location", "device_id", id)
			continue
		}
		nodes[id] = meta
	}
	return nodes
}

// positionChanged reports whether next differs materially from the stored position.
func positionChanged(prev *graph.NodePosition, next graph.NodePosition) bool {
	if prev == nil {
		return true
	}
	if prev.Simulated.Relative != next.Simulated.Relative {
		return true
	}
	a, b := prev.Simulated.Absolute, next.Simulated.Absolute
	return math.Abs(a.X-b.X) > positionTolerance ||
		math.Abs(a.Y-b.Y) > positionTolerance ||
		math.Abs(a.Z-b.Z) > positionTolerance
}
