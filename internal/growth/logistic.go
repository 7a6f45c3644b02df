// Package growth defines the single-species logistic growth model and its
// integration against the ode package.
package growth

import (
	"math"

	"github.com/popdyn/lvfit/internal/ode"
)

// Logistic is the logistic (single-species Lotka-Volterra) growth model
//
//	dX/dt = X * (Mu - A*X)
//
// where Mu is the inherent per-capita growth rate and A = Mu / carrying
// capacity.
type Logistic struct {
	// Mu is the per-capita growth rate; its sign is unconstrained.
	Mu float64
	// A couples growth to population density. A ~ 0 reduces the model to
	// pure exponential growth.
	A float64
}

// Rate evaluates the right-hand side of the model at state x. The model is
// autonomous, so the time argument is unused but kept for the ode.Func shape.
func (m Logistic) Rate(_ float64, x float64) float64 {
	return x * (m.Mu - m.A*x)
}

// CarryingCapacity returns Mu/A, the population at which net growth is zero.
// It is NaN when A is zero.
func (m Logistic) CarryingCapacity() float64 {
	if m.A == 0 {
		return math.NaN()
	}
	return m.Mu / m.A
}

// SolveAt integrates the model from the initial population x0 at times[0]
// and returns exactly one population value per requested time, in the same
// order. Solver failure (blow-up for extreme parameters, step underflow) is
// returned as an error rather than a partial trajectory.
func SolveAt(m Logistic, x0 float64, times []float64, solver *ode.RK45) ([]float64, error) {
	return solver.SolveAt(m.Rate, x0, times)
}
