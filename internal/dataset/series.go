// Package dataset holds observation containers and the CSV surface around
// the fitting core.
package dataset

import (
	"errors"
	"fmt"
)

// Validation errors for observation series.
var (
	ErrLenMismatch   = errors.New("dataset: time and value columns have different lengths")
	ErrEmpty         = errors.New("dataset: series has no observations")
	ErrUnsortedTimes = errors.New("dataset: times must be strictly increasing")
	ErrNegativeValue = errors.New("dataset: population values must be non-negative")
)

// Series is one group's observed population trajectory: paired (time, value)
// observations sorted ascending by time. A Series is immutable for the
// duration of a fit; the fitting core copies what it closes over.
type Series struct {
	Times  []float64
	Values []float64
}

// New validates and returns a Series. Times must be strictly increasing and
// values non-negative.
func New(times, values []float64) (Series, error) {
	s := Series{Times: times, Values: values}
	if err := s.Validate(); err != nil {
		return Series{}, err
	}
	return s, nil
}

// Validate checks the series invariants.
func (s Series) Validate() error {
	if len(s.Times) != len(s.Values) {
		return fmt.Errorf("%w: %d times, %d values", ErrLenMismatch, len(s.Times), len(s.Values))
	}
	if len(s.Times) == 0 {
		return ErrEmpty
	}
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i] <= s.Times[i-1] {
			return fmt.Errorf("%w: index %d", ErrUnsortedTimes, i)
		}
	}
	for i, v := range s.Values {
		if v < 0 {
			return fmt.Errorf("%w: index %d (%v)", ErrNegativeValue, i, v)
		}
	}
	return nil
}

// Len returns the number of observations.
func (s Series) Len() int {
	return len(s.Times)
}

// MaxValue returns the largest observed population value, or 0 for an empty
// series.
func (s Series) MaxValue() float64 {
	max := 0.0
	for _, v := range s.Values {
		if v > max {
			max = v
		}
	}
	return max
}
