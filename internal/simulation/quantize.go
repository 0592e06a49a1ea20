package simulation

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
)

// DefaultPrecision is the bucket size, in meters, used when ranking positions.
const DefaultPrecision = 0.25

// Quantize maps v to its bucket index.
func Quantize(v, precision float64) int {
	return int(math.Floor(v / precision))
}

// RankMap assigns each distinct value its index in ascending order.
func RankMap(values []int) map[int]int {
	distinct := slices.Clone(values)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	ranks := make(map[int]int, len(distinct))
	for i, v := range distinct {
		ranks[v] = i
	}
	return ranks
}

// Rank quantizes every position per axis and replaces each coordinate with the
// dense rank of its bucket among all positions given. Co-located positions
// share a rank.
func Rank(positions map[string]r3.Vec, precision float64) map[string]graph.PositionPair {
	if precision <= 0 {
		precision = DefaultPrecision
	}

	xs := make([]int, 0, len(positions))
	ys := make([]int, 0, len(positions))
	zs := make([]int, 0, len(positions))
	for _, p := range positions {
		xs = append(xs, Quantize(p.X, precision))
		ys = append(ys, Quantize(p.Y, precision))
		zs = append(zs, Quantize(p.Z, precision))
	}

	xRank, yRank, zRank := RankMap(xs), RankMap(ys), RankMap(zs)

	out := make(map[string]graph.PositionPair, len(positions))
	for id, p := range positions {
		out[id] = graph.PositionPair{
			Absolute: toVector(p),
			Relative: graph.Rank{
				X: xRank[Quantize(p.X, precision)],
				Y: yRank[Quantize(p.Y, precision)],
				Z: zRank[Quantize(p.Z, precision)],
			},
		}
	}
	return out
}

// RankParticles ranks the solver output.
func RankParticles(particles map[string]*Particle, precision float64) map[string]graph.PositionPair {
	positions := make(map[string]r3.Vec, len(particles))
	for id, p := range particles {
		positions[id] = p.Position()
	}
	return Rank(positions, precision)
}

// RankLocations ranks the raw GPS offsets from the anchor, without any simulation.
func RankLocations(nodes map[string]graph.Metadata, anchor geo.Point, precision float64) map[string]graph.PositionPair {
	positions := make(map[string]r3.Vec, len(nodes))
	for id, meta := range nodes {
		east, north := geo.Displacement(meta.Location.Point(), anchor)
		positions[id] = r3.Vec{X: east, Y: north, Z: meta.Location.Altitude}
	}
	return Rank(positions, precision)
}
