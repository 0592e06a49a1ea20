package simulation

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/onnwee/swarmlight/internal/graph"
)

func place(p *Particle, at r3.Vec) *Particle {
	p.centerX, p.centerY = at.X, at.Y
	p.position = at
	return p
}

func TestSolve_NoEdgesKeepsPositions(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(10, 0, 0), r3.Vec{X: 1, Y: 2}),
		"b": place(newTestParticle(10, 0, 0), r3.Vec{X: -4, Y: 7}),
	}

	res, err := Solve(particles, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !res.Converged {
		t.Error("expected immediate convergence without edges")
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
	if particles["a"].Position() != (r3.Vec{X: 1, Y: 2}) {
		t.Errorf("a moved to %v", particles["a"].Position())
	}
	if particles["b"].Position() != (r3.Vec{X: -4, Y: 7}) {
		t.Errorf("b moved to %v", particles["b"].Position())
	}
}

func TestSolve_SpringReachesRestLength(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(50, 0, 0), r3.Vec{X: 0}),
		"b": place(newTestParticle(50, 0, 0), r3.Vec{X: 20}),
	}
	edges := []graph.Edge{
		{From: "a", To: "b", Value: 10},
		{From: "b", To: "a", Value: 10},
	}

	cfg := DefaultConfig()
	cfg.SpringConstant = 0.05

	res, err := Solve(particles, edges, cfg)
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !res.Converged {
		t.Errorf("did not converge after %d iterations (total force %g)", res.Iterations, res.TotalForce)
	}

	d := r3.Norm(r3.Sub(particles["a"].Position(), particles["b"].Position()))
	if math.Abs(d-10) > 0.01 {
		t.Errorf("distance = %f, want ~10", d)
	}

	// Equal and opposite forces keep the midpoint fixed.
	mid := r3.Scale(0.5, r3.Add(particles["a"].Position(), particles["b"].Position()))
	if math.Abs(mid.X-10) > 1e-6 {
		t.Errorf("midpoint = %f, want 10", mid.X)
	}
}

func TestSolve_DefaultConstantMovesTowardRestLength(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(50, 0, 0), r3.Vec{X: 0}),
		"b": place(newTestParticle(50, 0, 0), r3.Vec{X: 20}),
	}
	edges := []graph.Edge{{From: "a", To: "b", Value: 10}}

	if _, err := Solve(particles, edges, DefaultConfig()); err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	d := r3.Norm(r3.Sub(particles["a"].Position(), particles["b"].Position()))
	if d >= 20 || d <= 10 {
		t.Errorf("distance = %f, want strictly between 10 and 20", d)
	}
}

func TestSolve_ParticlesStayConfined(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(1, 0, 0.5), r3.Vec{X: 0}),
		"b": place(newTestParticle(0, 0, 0), r3.Vec{X: 20}),
	}
	edges := []graph.Edge{
		{From: "a", To: "b", Value: 5},
		{From: "b", To: "a", Value: 5},
	}

	cfg := DefaultConfig()
	cfg.SpringConstant = 0.1

	if _, err := Solve(particles, edges, cfg); err != nil {
		t.Fatalf("Solve() error = %v", err)
	}

	for id, p := range particles {
		if !inside(p) {
			t.Errorf("%s left its cylinder: %v", id, p.Position())
		}
	}
	if got := particles["a"].Position().X; math.Abs(got-1) > 1e-9 {
		t.Errorf("a.X = %f, want 1 (edge of cylinder)", got)
	}
	if got := particles["b"].Position(); got != (r3.Vec{X: 20}) {
		t.Errorf("pinned b moved to %v", got)
	}
}

func TestSolve_IgnoresUnusableEdges(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(50, 0, 0), r3.Vec{X: 0}),
	}
	edges := []graph.Edge{
		{From: "a", To: "ghost", Value: 10},
		{From: "ghost", To: "a", Value: 10},
		{From: "a", To: "a", Value: 3},
	}

	res, err := Solve(particles, edges, DefaultConfig())
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if !res.Converged || particles["a"].Position() != (r3.Vec{}) {
		t.Errorf("unexpected movement: %v (converged=%v)", particles["a"].Position(), res.Converged)
	}
}

func TestSolve_Diverged(t *testing.T) {
	particles := map[string]*Particle{
		"a": place(newTestParticle(math.Inf(1), 0, 0), r3.Vec{X: 0}),
		"b": place(newTestParticle(math.Inf(1), 0, 0), r3.Vec{X: 1}),
	}
	edges := []graph.Edge{{From: "a", To: "b", Value: math.MaxFloat64}}

	cfg := DefaultConfig()
	cfg.SpringConstant = 1

	_, err := Solve(particles, edges, cfg)
	if !errors.Is(err, ErrDiverged) {
		t.Errorf("Solve() error = %v, want ErrDiverged", err)
	}
}
