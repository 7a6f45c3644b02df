package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// GroupKeySeparator joins the values of multiple group columns into one
// group identifier.
const GroupKeySeparator = "/"

// Groups is the result of splitting an input table by its categorical key
// columns. Order preserves first-appearance order for deterministic output.
type Groups struct {
	Series map[string]Series
	Order  []string
}

// ReadGroups parses a delimited table with a header row and splits it into
// one Series per combination of the group columns. timeCol and valueCol name
// the observation columns; groupCols may be empty, in which case the whole
// table is a single group keyed by the empty string.
//
// Rows are expected to arrive sorted by time within each group, matching the
// Series invariant; violations surface as a validation error naming the group.
func ReadGroups(r io.Reader, timeCol, valueCol string, groupCols []string) (*Groups, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("dataset: read header: %w", err)
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}

	timeIdx, ok := colIdx[timeCol]
	if !ok {
		return nil, fmt.Errorf("dataset: missing time column %q", timeCol)
	}
	valueIdx, ok := colIdx[valueCol]
	if !ok {
		return nil, fmt.Errorf("dataset: missing value column %q", valueCol)
	}
	groupIdx := make([]int, len(groupCols))
	for i, name := range groupCols {
		idx, ok := colIdx[name]
		if !ok {
			return nil, fmt.Errorf("dataset: missing group column %q", name)
		}
		groupIdx[i] = idx
	}

	times := make(map[string][]float64)
	values := make(map[string][]float64)
	var order []string

	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: %w", line, err)
		}

		keyParts := make([]string, len(groupIdx))
		for i, idx := range groupIdx {
			keyParts[i] = record[idx]
		}
		key := strings.Join(keyParts, GroupKeySeparator)

		t, err := strconv.ParseFloat(strings.TrimSpace(record[timeIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: bad time %q", line, record[timeIdx])
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(record[valueIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("dataset: line %d: bad value %q", line, record[valueIdx])
		}

		if _, seen := times[key]; !seen {
			order = append(order, key)
		}
		times[key] = append(times[key], t)
		values[key] = append(values[key], v)
	}

	groups := &Groups{
		Series: make(map[string]Series, len(order)),
		Order:  order,
	}
	for _, key := range order {
		s, err := New(times[key], values[key])
		if err != nil {
			return nil, fmt.Errorf("dataset: group %q: %w", key, err)
		}
		groups.Series[key] = s
	}
	return groups, nil
}

// TrajectoryRow is one line of the fitted-trajectory output table.
type TrajectoryRow struct {
	Group    string
	Time     float64
	Observed float64
	Fitted   float64
}

// EstimateRow is one line of the parameter-estimate output table: one row
// per (group, parameter) pair.
type EstimateRow struct {
	Group     string
	Parameter string
	Estimate  float64
	StdErr    float64
}

// WriteTrajectories writes the fitted-trajectory table as CSV.
func WriteTrajectories(w io.Writer, rows []TrajectoryRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"group", "time", "observed", "fitted"}); err != nil {
		return fmt.Errorf("dataset: write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Group,
			formatFloat(row.Time),
			formatFloat(row.Observed),
			formatFloat(row.Fitted),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("dataset: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteEstimates writes the parameter-estimate table as CSV.
func WriteEstimates(w io.Writer, rows []EstimateRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"group", "parameter", "estimate", "stderr"}); err != nil {
		return fmt.Errorf("dataset: write header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.Group,
			row.Parameter,
			formatFloat(row.Estimate),
			formatFloat(row.StdErr),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("dataset: write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
