package simulation

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/onnwee/swarmlight/internal/graph"
)

// ErrDiverged is returned when a particle position stops being finite.
var ErrDiverged = errors.New("simulation diverged")

// Solver defaults.
const (
	DefaultIterations           = 1000
	DefaultSpringConstant       = 5e-4
	DefaultEpsilon              = 1e-4
	DefaultConvergenceThreshold = 1e-6
)

// Config tunes the relaxation.
type Config struct {
	// Iterations caps the number of relaxation passes.
	Iterations int
	// SpringConstant scales displacement into force. Small values keep the
	// system from overshooting at realistic distances.
	SpringConstant float64
	// Epsilon is added to the squared distance before the square root.
	Epsilon float64
	// ConvergenceThreshold stops the loop once the summed force of a pass drops below it.
	ConvergenceThreshold float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Iterations:           DefaultIterations,
		SpringConstant:       DefaultSpringConstant,
		Epsilon:              DefaultEpsilon,
		ConvergenceThreshold: DefaultConvergenceThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Iterations <= 0 {
		c.Iterations = d.Iterations
	}
	if c.SpringConstant <= 0 {
		c.SpringConstant = d.SpringConstant
	}
	if c.Epsilon <= 0 {
		c.Epsilon = d.Epsilon
	}
	if c.ConvergenceThreshold <= 0 {
		c.ConvergenceThreshold = d.ConvergenceThreshold
	}
	return c
}

// Result summarizes a solver run.
type Result struct {
	Iterations int
	Converged  bool
	// TotalForce is the summed force magnitude of the last pass.
	TotalForce float64
}

// Solve relaxes particles along edges in place. Each edge acts as a spring
// whose rest length is the reported distance; a node without edges keeps its
// GPS-derived position. Edges referencing a missing particle, or carrying a
// negative or non-finite weight, are ignored.
func Solve(particles map[string]*Particle, edges []graph.Edge, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()

	springs := make([]spring, 0, len(edges))
	for _, e := range edges {
		from, ok := particles[e.From]
		if !ok {
			continue
		}
		to, ok := particles[e.To]
		if !ok || from == to {
			continue
		}
		if e.Value < 0 || math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			continue
		}
		springs = append(springs, spring{from: from, to: to, restLength: e.Value})
	}

	var res Result
	for res.Iterations < cfg.Iterations {
		res.Iterations++

		for _, s := range springs {
			s.relax(cfg.SpringConstant, cfg.Epsilon)
		}

		total := 0.0
		for _, p := range particles {
			total += p.ComputeAccumulatedForce()
			if !isFinite(p.position) {
				return res, ErrDiverged
			}
		}
		res.TotalForce = total

		if total < cfg.ConvergenceThreshold {
			res.Converged = true
			break
		}
	}

	return res, nil
}

type spring struct {
	from       *Particle
	to         *Particle
	restLength float64
}

// relax pulls the endpoints together when they are farther apart than the
// rest length and pushes them apart when closer. Forces are equal and opposite.
func (s spring) relax(k, epsilon float64) {
	direction := r3.Sub(s.to.position, s.from.position)
	dist := math.Sqrt(r3.Norm2(direction) + epsilon)

	magnitude := k * (dist - s.restLength)
	force := r3.Scale(magnitude/dist, direction)

	s.from.ApplyForce(force)
	s.to.ApplyForce(r3.Scale(-1, force))
}
