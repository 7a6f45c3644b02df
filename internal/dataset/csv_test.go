package dataset

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadGroups(t *testing.T) {
	input := strings.Join([]string{
		"strain,treatment,time,x",
		"wt,ctrl,0,10",
		"wt,ctrl,1,15",
		"wt,ctrl,2,22.5",
		"mut,ctrl,0,8",
		"mut,ctrl,1,9",
		"wt,drug,0,10",
		"wt,drug,1,10.5",
	}, "\n")

	groups, err := ReadGroups(strings.NewReader(input), "time", "x", []string{"strain", "treatment"})
	require.NoError(t, err)

	assert.Equal(t, []string{"wt/ctrl", "mut/ctrl", "wt/drug"}, groups.Order)
	require.Len(t, groups.Series, 3)

	wt := groups.Series["wt/ctrl"]
	assert.Equal(t, []float64{0, 1, 2}, wt.Times)
	assert.Equal(t, []float64{10, 15, 22.5}, wt.Values)

	mut := groups.Series["mut/ctrl"]
	assert.Equal(t, 2, mut.Len())
}

func TestReadGroupsNoGroupColumns(t *testing.T) {
	input := "time,x\n0,1\n1,2\n"

	groups, err := ReadGroups(strings.NewReader(input), "time", "x", nil)
	require.NoError(t, err)
	require.Len(t, groups.Series, 1)
	assert.Equal(t, []string{""}, groups.Order)
	assert.Equal(t, 2, groups.Series[""].Len())
}

func TestReadGroupsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "missing time column", input: "t,x\n0,1\n"},
		{name: "missing value column", input: "time,v\n0,1\n"},
		{name: "bad time value", input: "time,x\nzero,1\n"},
		{name: "bad population value", input: "time,x\n0,many\n"},
		{name: "unsorted within group", input: "time,x\n1,1\n0,2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadGroups(strings.NewReader(tt.input), "time", "x", nil)
			assert.Error(t, err)
		})
	}
}

func TestWriteTrajectories(t *testing.T) {
	rows := []TrajectoryRow{
		{Group: "wt", Time: 0, Observed: 10, Fitted: 10.2},
		{Group: "wt", Time: 1, Observed: 15, Fitted: 14.8},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTrajectories(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "group,time,observed,fitted", lines[0])
	assert.Equal(t, "wt,0,10,10.2", lines[1])
	assert.Equal(t, "wt,1,15,14.8", lines[2])
}

func TestWriteEstimates(t *testing.T) {
	rows := []EstimateRow{
		{Group: "wt", Parameter: "mu", Estimate: 0.5, StdErr: 0.01},
		{Group: "wt", Parameter: "A", Estimate: 0.022, StdErr: 0.004},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteEstimates(&buf, rows))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "group,parameter,estimate,stderr", lines[0])
	assert.Equal(t, "wt,mu,0.5,0.01", lines[1])
	assert.Equal(t, "wt,A,0.022,0.004", lines[2])
}
