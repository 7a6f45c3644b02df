package growth

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popdyn/lvfit/internal/ode"
)

func TestLogisticRate(t *testing.T) {
	tests := []struct {
		name  string
		model Logistic
		x     float64
		want  float64
	}{
		{name: "below capacity grows", model: Logistic{Mu: 0.5, A: 0.01}, x: 10, want: 10 * (0.5 - 0.1)},
		{name: "at capacity is flat", model: Logistic{Mu: 0.5, A: 0.01}, x: 50, want: 0},
		{name: "above capacity shrinks", model: Logistic{Mu: 0.5, A: 0.01}, x: 100, want: 100 * (0.5 - 1.0)},
		{name: "extinct stays extinct", model: Logistic{Mu: 0.5, A: 0.01}, x: 0, want: 0},
		{name: "pure exponential when A is zero", model: Logistic{Mu: 0.3, A: 0}, x: 10, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.model.Rate(0, tt.x), 1e-12)
		})
	}
}

func TestCarryingCapacity(t *testing.T) {
	assert.InDelta(t, 50.0, Logistic{Mu: 0.5, A: 0.01}.CarryingCapacity(), 1e-12)
	assert.True(t, math.IsNaN(Logistic{Mu: 0.5, A: 0}.CarryingCapacity()))
}

func TestSolveAtMatchesClosedForm(t *testing.T) {
	model := Logistic{Mu: 0.6, A: 0.012}
	k := model.CarryingCapacity()
	x0 := 2.0

	times := []float64{0, 0.5, 1, 2, 4, 8, 16}
	solver := ode.New(ode.DefaultConfig())

	out, err := SolveAt(model, x0, times, solver)
	require.NoError(t, err)
	require.Len(t, out, len(times))

	for i, tt := range times {
		want := k / (1 + (k/x0-1)*math.Exp(-model.Mu*tt))
		assert.InEpsilon(t, want, out[i], 1e-6, "t=%v", tt)
	}
}

func TestSolveAtAlignment(t *testing.T) {
	// One output per requested time, in request order.
	model := Logistic{Mu: 0.3, A: 0.005}
	times := []float64{1, 2.5, 2.75, 9}
	solver := ode.New(ode.DefaultConfig())

	out, err := SolveAt(model, 4.0, times, solver)
	require.NoError(t, err)
	assert.Len(t, out, len(times))
	assert.Equal(t, 4.0, out[0])
	for i := 1; i < len(out); i++ {
		assert.Greater(t, out[i], out[i-1], "monotone growth below capacity")
	}
}

func TestSolveAtExtremeParametersFail(t *testing.T) {
	// A strongly negative density coefficient drives super-exponential
	// blow-up; the solver must report failure, not a partial trajectory.
	model := Logistic{Mu: 1, A: -10}
	solver := ode.New(ode.DefaultConfig())

	_, err := SolveAt(model, 5.0, []float64{0, 100}, solver)
	require.Error(t, err)
}
