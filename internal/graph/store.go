package graph

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/onnwee/swarmlight/internal/geo"
)

// DefaultTTL is how long an idle graph survives. Every write renews it.
const DefaultTTL = 12 * time.Hour

// Store persists one event's graph. Node membership is owned by AddNode and
// RemoveNode; edges and metadata of nodes outside the node set are never
// returned by list operations.
type Store interface {
	// AddNode adds id to the node set. Adding an existing node is a no-op.
	AddNode(ctx context.Context, id string) error
	// RemoveNode removes id, its metadata and every edge into or out of it.
	RemoveNode(ctx context.Context, id string) error
	// SetNodeLocation records the node's last location, keeping any stored position.
	SetNodeLocation(ctx context.Context, id string, loc geo.Location) error
	// NodeMetadata returns ErrNodeNotFound when no metadata is stored for id.
	NodeMetadata(ctx context.Context, id string) (Metadata, error)
	// SetNodePosition stores pos for a node with a known location and reports
	// whether it did. A node without location is left untouched.
	SetNodePosition(ctx context.Context, id string, pos NodePosition) (bool, error)
	// SetEdge records the distance from reported about to.
	SetEdge(ctx context.Context, from, to string, value float64) error
	// RemoveEdge deletes the edge from→to if present.
	RemoveEdge(ctx context.Context, from, to string) error
	// ListNodes returns the node set, sorted.
	ListNodes(ctx context.Context) ([]string, error)
	// ListEdges returns edges between current nodes, sorted by from then to.
	ListEdges(ctx context.Context) ([]Edge, error)
	// ListNodesMetadata returns metadata for current nodes that have any.
	ListNodesMetadata(ctx context.Context) (map[string]Metadata, error)
	// Snapshot reads nodes with metadata and their edges together.
	Snapshot(ctx context.Context) (Snapshot, error)
	// DeleteGraph removes everything stored for the graph.
	DeleteGraph(ctx context.Context) error
}

func validWeight(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func sortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
}

// copyMetadata detaches the position pointer so callers never share state with the store.
func copyMetadata(m Metadata) Metadata {
	if m.Position != nil {
		pos := *m.Position
		m.Position = &pos
	}
	return m
}
