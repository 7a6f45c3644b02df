package fitting

import (
	"github.com/popdyn/lvfit/internal/dataset"
)

// StartingValues derives an initial (mu, A) guess from local per-capita
// growth-rate finite differences:
//
//	sample[i] = ((X[i+1]-X[i]) / X[i]) / (T[i+1]-T[i])
//
// Observations with X[i] == 0 yield no sample and are excluded from the mean
// rather than counted as zero; the last observation has no forward neighbor
// and never yields one. mu0 is the mean of the defined samples and A0 is
// mu0 / max(X).
//
// Returns ErrStartingValues when no sample is defined (series shorter than
// two points, or all-zero values) or when max(X) is zero.
func StartingValues(s dataset.Series) (Parameters, error) {
	const op = "StartingValues"

	n := s.Len()
	if n < 2 {
		return Parameters{}, Wrapf(ErrStartingValues, "need at least 2 observations, have %d", n).
			WithOperation(op)
	}

	var sum float64
	var defined int
	for i := 0; i+1 < n; i++ {
		if s.Values[i] == 0 {
			continue
		}
		dt := s.Times[i+1] - s.Times[i]
		sum += ((s.Values[i+1] - s.Values[i]) / s.Values[i]) / dt
		defined++
	}
	if defined == 0 {
		return Parameters{}, Wrap(ErrStartingValues, "no nonzero observation to difference").
			WithOperation(op)
	}

	max := s.MaxValue()
	if max == 0 {
		return Parameters{}, Wrap(ErrStartingValues, "all observations are zero").
			WithOperation(op)
	}

	mu0 := sum / float64(defined)
	return Parameters{Mu: mu0, A: mu0 / max}, nil
}
