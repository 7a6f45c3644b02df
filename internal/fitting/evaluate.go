package fitting

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/popdyn/lvfit/internal/dataset"
	"github.com/popdyn/lvfit/internal/growth"
	"github.com/popdyn/lvfit/internal/ode"
)

// Evaluation is the likelihood assessment of a converged fit.
type Evaluation struct {
	// Fitted is the trajectory integrated at the observation times.
	Fitted []float64
	// LogLikelihood is the Gaussian log-likelihood of the observations
	// under (fitted mean, sigma).
	LogLikelihood float64
	// AIC is -2*loglik + 2*(p+1); the +1 counts sigma as estimated.
	AIC float64
}

// Evaluate re-integrates the model at the converged parameters and scores
// the observed series under a Gaussian noise model with scale sigma.
//
// sigma must be the residual scale produced by the fitter, not re-estimated
// from the final residuals: reusing it keeps likelihoods comparable between
// candidate fits of the same series, which AIC comparison relies on.
func Evaluate(params Parameters, sigma float64, s dataset.Series, solver *ode.RK45) (*Evaluation, error) {
	const op = "Evaluate"

	if math.IsNaN(sigma) || sigma <= 0 {
		return nil, Wrapf(ErrDegenerateFit, "sigma=%v", sigma).WithOperation(op)
	}

	model := growth.Logistic{Mu: params.Mu, A: params.A}
	fitted, err := growth.SolveAt(model, s.Values[0], s.Times, solver)
	if err != nil {
		return nil, Wrap(ErrIntegration, err.Error()).WithOperation(op)
	}

	var loglik float64
	for i, observed := range s.Values {
		loglik += distuv.Normal{Mu: fitted[i], Sigma: sigma}.LogProb(observed)
	}

	return &Evaluation{
		Fitted:        fitted,
		LogLikelihood: loglik,
		AIC:           -2*loglik + 2*float64(nParams+1),
	}, nil
}
