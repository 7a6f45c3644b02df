// Package fitting estimates logistic growth parameters from observed
// population series by bounded nonlinear least squares, and scores the fit
// by Gaussian log-likelihood.
package fitting

import (
	"encoding/json"
	"math"
	"time"

	"github.com/popdyn/lvfit/internal/ode"
)

// Number of fitted model parameters (mu, A). Sigma is estimated separately
// and counted in the AIC penalty.
const nParams = 2

// LowerBoundA is the box-constraint floor on the density coefficient A.
// Effectively zero; the small negative slack absorbs round-off at the bound.
const LowerBoundA = -1e-9

// Parameters is one candidate (mu, A) pair for the logistic model.
type Parameters struct {
	// Mu is the inherent per-capita growth rate; unconstrained.
	Mu float64 `json:"mu"`
	// A is mu divided by the carrying capacity; constrained >= LowerBoundA.
	A float64 `json:"a"`
}

// parametersJSON is the wire shape of Parameters; nil stands for a
// non-finite value, which encoding/json refuses to emit as a number.
type parametersJSON struct {
	Mu *float64 `json:"mu"`
	A  *float64 `json:"a"`
}

// MarshalJSON encodes non-finite values as null. Standard errors are NaN
// when the Jacobian is singular at the solution, and such results must still
// reach the client intact.
func (p Parameters) MarshalJSON() ([]byte, error) {
	return json.Marshal(parametersJSON{
		Mu: finiteOrNil(p.Mu),
		A:  finiteOrNil(p.A),
	})
}

// UnmarshalJSON decodes null (or an absent field) back to NaN.
func (p *Parameters) UnmarshalJSON(data []byte) error {
	var aux parametersJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Mu = math.NaN()
	p.A = math.NaN()
	if aux.Mu != nil {
		p.Mu = *aux.Mu
	}
	if aux.A != nil {
		p.A = *aux.A
	}
	return nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Estimate pairs a point estimate with its standard error.
type Estimate struct {
	Value  float64 `json:"value"`
	StdErr float64 `json:"std_err"`
}

// Config controls one fit.
type Config struct {
	// MaxIterations caps the optimizer. Reaching the cap is not an error;
	// the best-found parameters are returned with Converged=false.
	MaxIterations int

	// StepTol and GradTol are the optimizer convergence tolerances.
	StepTol float64
	GradTol float64

	// ODE configures the trajectory integrator.
	ODE ode.Config

	// Timeout, if > 0, bounds one fit. Applied per group in batch runs.
	Timeout time.Duration
}

// DefaultConfig returns the fitting defaults used by the CLI and server.
func DefaultConfig() Config {
	return Config{
		MaxIterations: 200,
		StepTol:       1e-10,
		GradTol:       1e-10,
		ODE:           ode.DefaultConfig(),
	}
}

// FitResult is the outcome of one successful pipeline run. It is immutable
// once returned.
type FitResult struct {
	// Params are the converged estimates.
	Params Parameters `json:"params"`
	// StdErrs are the covariance-derived standard errors, NaN when the
	// Jacobian was singular at the solution.
	StdErrs Parameters `json:"std_errs"`
	// InitialGuess records the analytically derived starting values.
	InitialGuess Parameters `json:"initial_guess"`

	// Sigma is the residual scale sqrt(SSR/(n-p)) from the fitter.
	Sigma float64 `json:"sigma"`
	// LogLikelihood is the Gaussian log-likelihood of the observations
	// under the fitted trajectory and Sigma.
	LogLikelihood float64 `json:"log_likelihood"`
	// AIC is -2*loglik + 2*(p+1), with sigma counted as a parameter.
	AIC float64 `json:"aic"`

	// Converged is false when the iteration cap was reached first.
	Converged  bool `json:"converged"`
	Iterations int  `json:"iterations"`

	// Fitted trajectory aligned to the observation times.
	Times    []float64 `json:"times"`
	Observed []float64 `json:"observed"`
	Fitted   []float64 `json:"fitted"`
}

// Estimates reports the parameter estimates keyed by name, the shape the
// estimate table is written from.
func (r *FitResult) Estimates() map[string]Estimate {
	return map[string]Estimate{
		"mu": {Value: r.Params.Mu, StdErr: r.StdErrs.Mu},
		"A":  {Value: r.Params.A, StdErr: r.StdErrs.A},
	}
}
