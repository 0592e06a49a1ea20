// Package graph persists an event's participant graph: the node set, directed
// distance edges and per-node metadata (last location and last computed position).
package graph

import (
	"errors"

	"github.com/onnwee/swarmlight/internal/geo"
)

// Common errors for graph store operations.
var (
	ErrNodeNotFound      = errors.New("graph node not found")
	ErrInvalidEdgeWeight = errors.New("edge weight must be finite and not negative")
)

// Edge is a directed distance estimate reported by From about To, in meters.
type Edge struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Value float64 `json:"value"`
}

// Vector is a point in the event's local frame (x east, y north, z altitude), in meters.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rank is the dense per-axis rank of a quantized position within one run.
type Rank struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// PositionPair couples the real-unit position with its rank coordinates.
type PositionPair struct {
	Absolute Vector `json:"absolute"`
	Relative Rank   `json:"relative"`
}

// NodePosition is the outcome of one recomputation for a node.
// Uncorrected derives from GPS alone; Simulated is the solver output.
type NodePosition struct {
	Uncorrected PositionPair `json:"uncorrected"`
	Simulated   PositionPair `json:"simulated"`
}

// Metadata is stored per node. Position is nil until the solver has run for it.
type Metadata struct {
	Location geo.Location  `json:"location" validate:"required"`
	Position *NodePosition `json:"position,omitempty"`
}

// Snapshot is a consistent-enough read of the whole graph, taken once per recomputation.
type Snapshot struct {
	Nodes map[string]Metadata `json:"nodes"`
	Edges []Edge              `json:"edges"`
}
