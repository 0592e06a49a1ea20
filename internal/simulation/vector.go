package simulation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/onnwee/swarmlight/internal/graph"
)

// clamp limits v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func isFinite(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

func toVector(v r3.Vec) graph.Vector {
	return graph.Vector{X: v.X, Y: v.Y, Z: v.Z}
}
