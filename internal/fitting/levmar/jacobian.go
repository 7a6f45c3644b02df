package levmar

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// jacobian computes forward-difference Jacobians for a Problem, reusing its
// perturbation buffers across iterations.
type jacobian struct {
	p     Problem
	step  float64
	xPert []float64
	rPert []float64
}

func newJacobian(p Problem, step float64) *jacobian {
	return &jacobian{
		p:     p,
		step:  step,
		xPert: make([]float64, p.Dim),
		rPert: make([]float64, p.Size),
	}
}

// compute fills dst with the Jacobian of the residual vector at x, given the
// residuals r already evaluated there. It returns the number of residual
// evaluations performed. A column falls back to a backward difference when
// the forward perturbation is inadmissible; if both directions fail the
// error is returned.
func (j *jacobian) compute(x, r []float64, dst *mat.Dense) (int, error) {
	evals := 0
	for col := 0; col < j.p.Dim; col++ {
		h := j.step * (math.Abs(x[col]) + 1)

		copy(j.xPert, x)
		j.xPert[col] = x[col] + h

		evals++
		err := j.p.Residuals(j.xPert, j.rPert)
		if err == nil {
			for row := 0; row < j.p.Size; row++ {
				dst.Set(row, col, (j.rPert[row]-r[row])/h)
			}
			continue
		}

		// Backward difference, unless it would cross the lower bound.
		if j.p.Lower != nil && x[col]-h < j.p.Lower[col] {
			return evals, fmt.Errorf("column %d: %w", col, err)
		}
		j.xPert[col] = x[col] - h

		evals++
		if err := j.p.Residuals(j.xPert, j.rPert); err != nil {
			return evals, fmt.Errorf("column %d: %w", col, err)
		}
		for row := 0; row < j.p.Size; row++ {
			dst.Set(row, col, (r[row]-j.rPert[row])/h)
		}
	}
	return evals, nil
}
