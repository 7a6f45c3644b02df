// Package levmar implements bounded nonlinear least squares by the
// Levenberg-Marquardt method with a finite-difference Jacobian and
// Jacobian-based covariance estimates.
package levmar

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc writes the residual vector at x into dst. Returning an error
// marks x as an inadmissible trial point; the optimizer backs off instead of
// failing the whole minimization.
type ResidualFunc func(x, dst []float64) error

// Problem describes one least-squares minimization.
type Problem struct {
	// Dim is the number of parameters, Size the number of residuals.
	Dim  int
	Size int

	// Residuals evaluates the residual vector.
	Residuals ResidualFunc

	// InitParams is the starting point, length Dim.
	InitParams []float64

	// Lower holds per-parameter lower bounds, length Dim. Use math.Inf(-1)
	// for unconstrained entries. Nil means fully unconstrained. Trial
	// iterates are projected onto the bounds.
	Lower []float64
}

// Settings control iteration and convergence.
type Settings struct {
	// MaxIterations caps outer iterations. Reaching the cap returns the
	// best-found point with Converged=false rather than an error.
	MaxIterations int

	// StepTol declares convergence when the accepted relative step is
	// below it; GradTol when the gradient max-norm is below it.
	StepTol float64
	GradTol float64

	// InitialDamping seeds the Marquardt damping factor; MaxDamping is the
	// escalation limit after which the iteration is considered stalled.
	InitialDamping float64
	MaxDamping     float64

	// FiniteDiffStep scales the Jacobian perturbation per parameter.
	FiniteDiffStep float64
}

// DefaultSettings returns the settings used by the fitting pipeline.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations:  200,
		StepTol:        1e-10,
		GradTol:        1e-10,
		InitialDamping: 1e-3,
		MaxDamping:     1e12,
		FiniteDiffStep: 1e-8,
	}
}

// Result is the outcome of a minimization.
type Result struct {
	// X is the best parameter vector found.
	X []float64
	// SSR is the sum of squared residuals at X.
	SSR float64
	// Sigma is sqrt(SSR/(Size-Dim)), NaN when Size <= Dim.
	Sigma float64
	// StdErrs holds per-parameter standard errors from the diagonal of
	// Sigma^2 * (J^T J)^-1. All NaN when J^T J is singular at X.
	StdErrs []float64

	// Converged is false when MaxIterations was reached or the damping
	// escalation stalled before the tolerances were met.
	Converged   bool
	Iterations  int
	Evaluations int
}

// Optimizer runs Levenberg-Marquardt minimizations. State is per-call; one
// Optimizer may be reused but never shares iterates between calls.
type Optimizer struct {
	settings Settings
	logger   *zap.Logger
}

// New creates an Optimizer with a development logger. Zero-valued settings
// fall back to DefaultSettings.
func New(settings Settings) *Optimizer {
	logger, _ := zap.NewDevelopment()
	return NewWithLogger(settings, logger)
}

// NewWithLogger creates an Optimizer that logs through the given logger.
func NewWithLogger(settings Settings, logger *zap.Logger) *Optimizer {
	def := DefaultSettings()
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = def.MaxIterations
	}
	if settings.StepTol <= 0 {
		settings.StepTol = def.StepTol
	}
	if settings.GradTol <= 0 {
		settings.GradTol = def.GradTol
	}
	if settings.InitialDamping <= 0 {
		settings.InitialDamping = def.InitialDamping
	}
	if settings.MaxDamping <= 0 {
		settings.MaxDamping = def.MaxDamping
	}
	if settings.FiniteDiffStep <= 0 {
		settings.FiniteDiffStep = def.FiniteDiffStep
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Optimizer{
		settings: settings,
		logger:   logger.Named("levmar"),
	}
}

// Minimize runs damped Gauss-Newton iteration from p.InitParams. It returns
// an error only when the problem is malformed, the initial point cannot be
// evaluated, or the context is cancelled; rejected trial points and the
// iteration cap are handled internally per the Result flags.
func (o *Optimizer) Minimize(ctx context.Context, p Problem) (*Result, error) {
	const op = "levmar.Minimize"

	if err := validate(p); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	x := project(append([]float64(nil), p.InitParams...), p.Lower)

	r := make([]float64, p.Size)
	if err := p.Residuals(x, r); err != nil {
		return nil, fmt.Errorf("%s: initial point inadmissible: %w", op, err)
	}
	ssr := dot(r, r)
	evals := 1

	lambda := o.settings.InitialDamping
	converged := false
	iterations := 0

	jac := newJacobian(p, o.settings.FiniteDiffStep)
	J := mat.NewDense(p.Size, p.Dim, nil)
	g := make([]float64, p.Dim)
	dx := make([]float64, p.Dim)
	xTrial := make([]float64, p.Dim)
	rTrial := make([]float64, p.Size)

	for iterations < o.settings.MaxIterations {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		iterations++

		n, err := jac.compute(x, r, J)
		evals += n
		if err != nil {
			return nil, fmt.Errorf("%s: jacobian: %w", op, err)
		}

		// Gradient of 0.5*SSR is J^T r.
		gradMax := 0.0
		for j := 0; j < p.Dim; j++ {
			var sum float64
			for i := 0; i < p.Size; i++ {
				sum += J.At(i, j) * r[i]
			}
			g[j] = sum
			gradMax = math.Max(gradMax, math.Abs(sum))
		}
		if gradMax <= o.settings.GradTol {
			converged = true
			break
		}

		jtj := mat.NewSymDense(p.Dim, nil)
		for a := 0; a < p.Dim; a++ {
			for b := a; b < p.Dim; b++ {
				var sum float64
				for i := 0; i < p.Size; i++ {
					sum += J.At(i, a) * J.At(i, b)
				}
				jtj.SetSym(a, b, sum)
			}
		}

		accepted := false
		for lambda <= o.settings.MaxDamping {
			if !o.solveStep(jtj, g, lambda, dx) {
				// Damped system not positive definite; escalate.
				lambda *= 10
				continue
			}

			for j := 0; j < p.Dim; j++ {
				xTrial[j] = x[j] + dx[j]
			}
			project(xTrial, p.Lower)

			evals++
			if err := p.Residuals(xTrial, rTrial); err != nil {
				// Inadmissible trial point (integrator blow-up). Back off
				// rather than abort the fit.
				o.logger.Debug("rejecting inadmissible trial point",
					zap.Float64("lambda", lambda),
					zap.Error(err),
				)
				lambda *= 10
				continue
			}

			ssrTrial := dot(rTrial, rTrial)
			if math.IsNaN(ssrTrial) || math.IsInf(ssrTrial, 0) || ssrTrial > ssr {
				lambda *= 10
				continue
			}

			// Accept the step.
			stepNorm := 0.0
			xNorm := 0.0
			for j := 0; j < p.Dim; j++ {
				d := xTrial[j] - x[j]
				stepNorm += d * d
				xNorm += x[j] * x[j]
			}
			stepNorm = math.Sqrt(stepNorm)
			xNorm = math.Sqrt(xNorm)

			copy(x, xTrial)
			copy(r, rTrial)
			ssr = ssrTrial
			lambda = math.Max(lambda*0.2, 1e-12)
			accepted = true

			if stepNorm <= o.settings.StepTol*(xNorm+o.settings.StepTol) {
				converged = true
			}
			break
		}

		o.logger.Debug("iteration",
			zap.Int("iter", iterations),
			zap.Float64("ssr", ssr),
			zap.Float64("lambda", lambda),
			zap.Bool("accepted", accepted),
		)

		if !accepted || converged {
			break
		}
	}

	result := &Result{
		X:           x,
		SSR:         ssr,
		Converged:   converged,
		Iterations:  iterations,
		Evaluations: evals,
	}

	dof := p.Size - p.Dim
	if dof > 0 {
		result.Sigma = math.Sqrt(ssr / float64(dof))
	} else {
		result.Sigma = math.NaN()
	}

	// Covariance at the solution from a fresh Jacobian. A singular J^T J
	// leaves the point estimate intact and the standard errors NaN.
	n, err := jac.compute(x, r, J)
	evals += n
	result.Evaluations = evals
	if err != nil {
		result.StdErrs = nanVector(p.Dim)
		return result, nil
	}
	result.StdErrs = o.standardErrors(J, p, result.Sigma)

	return result, nil
}

// solveStep solves (J^T J + lambda*diag(J^T J)) dx = -g. Reports false when
// the damped normal equations are not positive definite.
func (o *Optimizer) solveStep(jtj *mat.SymDense, g []float64, lambda float64, dx []float64) bool {
	dim := len(g)

	damped := mat.NewSymDense(dim, nil)
	for a := 0; a < dim; a++ {
		for b := a; b < dim; b++ {
			damped.SetSym(a, b, jtj.At(a, b))
		}
		d := jtj.At(a, a)
		if d <= 0 {
			// Flat direction; damp it on an absolute scale instead.
			d = 1
		}
		damped.SetSym(a, a, jtj.At(a, a)+lambda*d)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return false
	}

	rhs := mat.NewVecDense(dim, nil)
	for j := 0; j < dim; j++ {
		rhs.SetVec(j, -g[j])
	}

	sol := mat.NewVecDense(dim, nil)
	if err := chol.SolveVecTo(sol, rhs); err != nil {
		return false
	}

	for j := 0; j < dim; j++ {
		dx[j] = sol.AtVec(j)
	}
	return true
}

// standardErrors derives per-parameter standard errors from the diagonal of
// sigma^2 * (J^T J)^-1.
func (o *Optimizer) standardErrors(J *mat.Dense, p Problem, sigma float64) []float64 {
	jtj := mat.NewSymDense(p.Dim, nil)
	for a := 0; a < p.Dim; a++ {
		for b := a; b < p.Dim; b++ {
			var sum float64
			for i := 0; i < p.Size; i++ {
				sum += J.At(i, a) * J.At(i, b)
			}
			jtj.SetSym(a, b, sum)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(jtj); !ok {
		o.logger.Debug("singular normal equations at solution; standard errors undefined")
		return nanVector(p.Dim)
	}

	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		return nanVector(p.Dim)
	}

	stderrs := make([]float64, p.Dim)
	for j := 0; j < p.Dim; j++ {
		v := cov.At(j, j)
		if v < 0 || math.IsNaN(sigma) {
			stderrs[j] = math.NaN()
			continue
		}
		stderrs[j] = sigma * math.Sqrt(v)
	}
	return stderrs
}

func validate(p Problem) error {
	if p.Dim <= 0 || p.Size <= 0 {
		return fmt.Errorf("invalid dimensions: dim=%d size=%d", p.Dim, p.Size)
	}
	if p.Residuals == nil {
		return errors.New("residual function is nil")
	}
	if len(p.InitParams) != p.Dim {
		return fmt.Errorf("initial parameters have length %d, want %d", len(p.InitParams), p.Dim)
	}
	if p.Lower != nil && len(p.Lower) != p.Dim {
		return fmt.Errorf("lower bounds have length %d, want %d", len(p.Lower), p.Dim)
	}
	return nil
}

// project clamps x onto the lower bounds in place and returns it.
func project(x, lower []float64) []float64 {
	if lower == nil {
		return x
	}
	for j := range x {
		if x[j] < lower[j] {
			x[j] = lower[j]
		}
	}
	return x
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func nanVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}
