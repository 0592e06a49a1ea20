// Package simulation turns noisy GPS fixes and peer distance estimates into
// stable positions: confined particles, a spring relaxation solver and the
// per-axis quantizer that ranks the result.
package simulation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/onnwee/swarmlight/internal/geo"
	"github.com/onnwee/swarmlight/internal/graph"
)

// Particle is a point that moves freely inside a vertical cylinder and can
// never leave it. The cylinder is centered on the GPS-derived offset, its
// radius is the horizontal accuracy and its height spans altitude ± vertical
// accuracy.
type Particle struct {
	position r3.Vec

	centerX float64
	centerY float64
	radius  float64

	minZ float64
	maxZ float64

	force r3.Vec
}

// NewParticle anchors a particle at the location's offset from the event origin.
func NewParticle(loc geo.Location, anchor geo.Point) *Particle {
	east, north := geo.Displacement(loc.Point(), anchor)

	return &Particle{
		position: r3.Vec{X: east, Y: north, Z: loc.Altitude},
		centerX:  east,
		centerY:  north,
		radius:   math.Max(0, loc.HorizontalAccuracy),
		minZ:     loc.Altitude - math.Abs(loc.VerticalAccuracy),
		maxZ:     loc.Altitude + math.Abs(loc.VerticalAccuracy),
	}
}

// NewParticles builds one particle per node. Particles belong to a single
// solver run and are not reused.
func NewParticles(nodes map[string]graph.Metadata, anchor geo.Point) map[string]*Particle {
	particles := make(map[string]*Particle, len(nodes))
	for id, meta := range nodes {
		particles[id] = NewParticle(meta.Location, anchor)
	}
	return particles
}

// Position returns the current position.
func (p *Particle) Position() r3.Vec {
	return p.position
}

// Center returns the cylinder axis at the initial altitude.
func (p *Particle) Center() r3.Vec {
	return r3.Vec{X: p.centerX, Y: p.centerY, Z: (p.minZ + p.maxZ) / 2}
}

// MoveTo moves the particle to target, projecting it back onto the cylinder
// when target lies outside. The horizontal offset from the axis keeps its
// direction and is shortened to the radius.
func (p *Particle) MoveTo(target r3.Vec) {
	z := clamp(target.Z, p.minZ, p.maxZ)

	dx := target.X - p.centerX
	dy := target.Y - p.centerY
	x, y := target.X, target.Y

	if dist := math.Hypot(dx, dy); dist > p.radius {
		scale := p.radius / dist
		x = p.centerX + dx*scale
		y = p.centerY + dy*scale
	}

	p.position = r3.Vec{X: x, Y: y, Z: z}
}

// MoveBy moves the particle by delta, subject to the same confinement as MoveTo.
func (p *Particle) MoveBy(delta r3.Vec) {
	p.MoveTo(r3.Add(p.position, delta))
}

// ApplyForce adds f to the pending force. Nothing moves until
// ComputeAccumulatedForce.
func (p *Particle) ApplyForce(f r3.Vec) {
	p.force = r3.Add(p.force, f)
}

// ComputeAccumulatedForce moves the particle by the pending force, clears it
// and returns its magnitude.
func (p *Particle) ComputeAccumulatedForce() float64 {
	magnitude := r3.Norm(p.force)

	p.MoveBy(p.force)
	p.force = r3.Vec{}

	return magnitude
}
