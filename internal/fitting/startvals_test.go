package fitting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popdyn/lvfit/internal/dataset"
)

func mustSeries(t *testing.T, times, values []float64) dataset.Series {
	t.Helper()
	s, err := dataset.New(times, values)
	require.NoError(t, err)
	return s
}

func TestStartingValues(t *testing.T) {
	// Both local growth-rate samples equal 0.5, so mu0 = 0.5 and
	// A0 = 0.5 / 22.5.
	s := mustSeries(t, []float64{0, 1, 2}, []float64{10, 15, 22.5})

	p, err := StartingValues(s)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Mu, 1e-12)
	assert.InDelta(t, 0.5/22.5, p.A, 1e-12)
}

func TestStartingValuesUnevenSpacing(t *testing.T) {
	// sample[0] = ((20-10)/10)/2 = 0.5, sample[1] = ((30-20)/20)/1 = 0.5
	s := mustSeries(t, []float64{0, 2, 3}, []float64{10, 20, 30})

	p, err := StartingValues(s)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p.Mu, 1e-12)
	assert.InDelta(t, 0.5/30.0, p.A, 1e-12)
}

func TestStartingValuesSkipsZeroObservations(t *testing.T) {
	// X[1] = 0 yields no sample; the mean runs over the defined samples
	// only. Defined: i=0 -> ((0-10)/10)/1 = -1, i=2 -> ((30-10)/10)/1 = 2,
	// so mu0 = 0.5. Treating the skipped sample as zero would give 1/3.
	s := mustSeries(t, []float64{0, 1, 2, 3}, []float64{10, 0, 10, 30})

	p, err := StartingValues(s)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, p.Mu, 1e-12)
	assert.InDelta(t, 0.5/30.0, p.A, 1e-12)
}

func TestStartingValuesFailures(t *testing.T) {
	tests := []struct {
		name   string
		times  []float64
		values []float64
	}{
		{name: "single observation", times: []float64{0}, values: []float64{5}},
		{name: "all zero", times: []float64{0, 1, 2}, values: []float64{0, 0, 0}},
		{name: "only last nonzero", times: []float64{0, 1, 2}, values: []float64{0, 0, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := mustSeries(t, tt.times, tt.values)
			_, err := StartingValues(s)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrStartingValues)
			assert.Equal(t, FailureStartingValues, KindOf(err))
		})
	}
}
