package fitting

import (
	"github.com/popdyn/lvfit/internal/dataset"
	"github.com/popdyn/lvfit/internal/growth"
	"github.com/popdyn/lvfit/internal/ode"
)

// ResidualFunc evaluates the per-observation signed residuals
// (predicted - observed) for a candidate parameter pair, writing them into
// dst. dst has one slot per observation, in observation order. An error
// marks the trial point as inadmissible (integrator blow-up); it does not
// terminate the fit.
type ResidualFunc func(p Parameters, dst []float64) error

// NewResidualFunc returns a residual function closed over a private copy of
// the series and its initial condition. The closure is deterministic and
// side-effect-free, so the optimizer may call it any number of times; one
// fresh closure is built per fit, never shared across groups.
func NewResidualFunc(s dataset.Series, solver *ode.RK45) ResidualFunc {
	x0 := s.Values[0]
	times := append([]float64(nil), s.Times...)
	observed := append([]float64(nil), s.Values...)

	return func(p Parameters, dst []float64) error {
		model := growth.Logistic{Mu: p.Mu, A: p.A}
		predicted, err := growth.SolveAt(model, x0, times, solver)
		if err != nil {
			return Wrap(err, "integrate trial parameters").WithOperation("ResidualFunc")
		}
		for i := range predicted {
			dst[i] = predicted[i] - observed[i]
		}
		return nil
	}
}
