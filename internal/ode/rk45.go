// Package ode provides an adaptive-step Dormand-Prince (RK45) integrator
// for scalar ordinary differential equations.
package ode

import (
	"errors"
	"fmt"
	"math"
)

// Func is the right-hand side of the equation x'(t) = f(t, x).
type Func func(t, x float64) float64

// Sentinel errors returned when integration cannot proceed.
var (
	// ErrUnstable indicates the state became non-finite (numerical blow-up).
	ErrUnstable = errors.New("ode: solution is not finite")
	// ErrStepUnderflow indicates the step size shrank below the configured minimum.
	ErrStepUnderflow = errors.New("ode: step size underflow")
	// ErrMaxSteps indicates the step limit was exhausted before reaching the end time.
	ErrMaxSteps = errors.New("ode: maximum step count exceeded")
)

// Config controls the adaptive stepping.
type Config struct {
	// InitialStep, if > 0, is the size of the first attempted step.
	// Otherwise a fraction of the first output interval is used.
	InitialStep float64

	// MinStep is the smallest admissible step size. Integration aborts
	// with ErrStepUnderflow if the error control demands a smaller step.
	MinStep float64

	// AbsTol and RelTol form the per-step error tolerance
	// tol = AbsTol + RelTol*|x|.
	AbsTol float64
	RelTol float64

	// MaxSteps bounds the total number of accepted and rejected steps
	// across one SolveAt call.
	MaxSteps int
}

// DefaultConfig returns tolerances suitable for smooth population models.
func DefaultConfig() Config {
	return Config{
		MinStep:  1e-14,
		AbsTol:   1e-9,
		RelTol:   1e-9,
		MaxSteps: 100000,
	}
}

// Dormand-Prince coefficients.
var (
	a2 = 1.0 / 5.0
	a3 = 3.0 / 10.0
	a4 = 4.0 / 5.0
	a5 = 8.0 / 9.0

	b21 = 1.0 / 5.0
	b31 = 3.0 / 40.0
	b32 = 9.0 / 40.0
	b41 = 44.0 / 45.0
	b42 = -56.0 / 15.0
	b43 = 32.0 / 9.0
	b51 = 19372.0 / 6561.0
	b52 = -25360.0 / 2187.0
	b53 = 64448.0 / 6561.0
	b54 = -212.0 / 729.0
	b61 = 9017.0 / 3168.0
	b62 = -355.0 / 33.0
	b63 = 46732.0 / 5247.0
	b64 = 49.0 / 176.0
	b65 = -5103.0 / 18656.0

	c1 = 35.0 / 384.0
	c3 = 500.0 / 1113.0
	c4 = 125.0 / 192.0
	c5 = -2187.0 / 6784.0
	c6 = 11.0 / 84.0

	dc1 = c1 - 5179.0/57600.0
	dc3 = c3 - 7571.0/16695.0
	dc4 = c4 - 393.0/640.0
	dc5 = c5 - -92097.0/339200.0
	dc6 = c6 - 187.0/2100.0
	dc7 = -1.0 / 40.0
)

// RK45 is an adaptive Dormand-Prince integrator. The zero value is not
// usable; construct with New.
type RK45 struct {
	cfg      Config
	safety   float64
	minScale float64
	maxScale float64
}

// New creates an RK45 integrator with the given configuration. Zero-valued
// tolerances and limits are replaced by the defaults from DefaultConfig.
func New(cfg Config) *RK45 {
	def := DefaultConfig()
	if cfg.AbsTol <= 0 {
		cfg.AbsTol = def.AbsTol
	}
	if cfg.RelTol <= 0 {
		cfg.RelTol = def.RelTol
	}
	if cfg.MinStep <= 0 {
		cfg.MinStep = def.MinStep
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}

	return &RK45{
		cfg:      cfg,
		safety:   0.9,
		minScale: 0.2,
		maxScale: 10.0,
	}
}

// SolveAt integrates x' = f(t, x) from the initial condition (times[0], x0)
// and returns the state at every entry of times, in order. The first output
// is always x0. The times must be non-decreasing.
func (r *RK45) SolveAt(f Func, x0 float64, times []float64) ([]float64, error) {
	if len(times) == 0 {
		return nil, errors.New("ode: no output times requested")
	}
	for i := 1; i < len(times); i++ {
		if times[i] < times[i-1] {
			return nil, fmt.Errorf("ode: output times must be non-decreasing (index %d)", i)
		}
	}
	if !isFinite(x0) {
		return nil, ErrUnstable
	}

	out := make([]float64, len(times))
	out[0] = x0

	x := x0
	t := times[0]
	steps := 0

	for i := 1; i < len(times); i++ {
		tEnd := times[i]
		if tEnd == t {
			out[i] = x
			continue
		}

		h := r.cfg.InitialStep
		if h <= 0 {
			h = (tEnd - t) / 16
		}

		for t < tEnd {
			if steps >= r.cfg.MaxSteps {
				return nil, ErrMaxSteps
			}
			steps++

			if h > tEnd-t {
				h = tEnd - t
			}

			xNew, hNext, err := r.step(f, t, x, h)
			if err != nil {
				return nil, err
			}
			if hNext > 0 {
				// Step accepted.
				t += h
				x = xNew
				h = hNext
			} else {
				// Step rejected; retry with the suggested smaller step.
				h = -hNext
				if h < r.cfg.MinStep {
					return nil, ErrStepUnderflow
				}
			}
		}

		out[i] = x
		t = tEnd
	}

	return out, nil
}

// step attempts one Dormand-Prince step of size h from (t, x). On acceptance
// it returns the new state and a positive suggested next step; on rejection
// the state is unchanged and the suggestion is returned negated.
func (r *RK45) step(f Func, t, x, h float64) (float64, float64, error) {
	k1 := f(t, x)
	k2 := f(t+a2*h, x+h*b21*k1)
	k3 := f(t+a3*h, x+h*(b31*k1+b32*k2))
	k4 := f(t+a4*h, x+h*(b41*k1+b42*k2+b43*k3))
	k5 := f(t+a5*h, x+h*(b51*k1+b52*k2+b53*k3+b54*k4))
	k6 := f(t+h, x+h*(b61*k1+b62*k2+b63*k3+b64*k4+b65*k5))

	xNew := x + h*(c1*k1+c3*k3+c4*k4+c5*k5+c6*k6)
	if !isFinite(xNew) {
		return x, 0, ErrUnstable
	}

	k7 := f(t+h, xNew)

	errEst := h * (dc1*k1 + dc3*k3 + dc4*k4 + dc5*k5 + dc6*k6 + dc7*k7)
	tol := r.cfg.AbsTol + r.cfg.RelTol*math.Max(math.Abs(x), math.Abs(xNew))
	errRatio := math.Abs(errEst) / tol

	if errRatio > 1 {
		scale := math.Max(r.minScale, r.safety*math.Pow(errRatio, -0.25))
		return x, -h * scale, nil
	}

	var hNext float64
	if errRatio > 0 {
		scale := math.Min(r.maxScale, r.safety*math.Pow(errRatio, -0.2))
		hNext = h * scale
	} else {
		hNext = h * r.maxScale
	}
	return xNew, hNext, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
