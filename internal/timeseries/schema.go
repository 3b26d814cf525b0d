// Package timeseries implements the aggregation core of the pipeline: it
// loads the tracking tool's per-worm per-frame measurement tables, selects
// the longest contiguous frame stretch per worm, filters out rows and
// columns with too many missing values, and reduces the remainder to
// per-worm and per-field-of-view summary statistics.
package timeseries

import (
	"fmt"
	"math"
)

// Well-known columns in the tracker's timeseries table. Every other column
// is treated as a runtime-discovered numeric measurement.
const (
	ColWorm      = "worm_index"
	ColTimestamp = "timestamp"
	ColMotion    = "motion_mode"
	ColRegion    = "well_name" // region label, unused downstream and dropped on load
)

// Key identifies one tracked worm within one field of view.
type Key struct {
	Acquisition string
	Strain      string
	Date        string
	Worm        int
}

// FOV returns the field-of-view part of the key.
func (k Key) FOV() FOVKey {
	return FOVKey{Acquisition: k.Acquisition, Strain: k.Strain, Date: k.Date}
}

// FOVKey identifies one acquisition (field of view).
type FOVKey struct {
	Acquisition string
	Strain      string
	Date        string
}

// Schema describes the measurement columns of a loaded table.
type Schema struct {
	Columns []string
	index   map[string]int
}

// NewSchema builds a schema over the given measurement column names and
// validates that the required tracker columns are present.
func NewSchema(columns []string) (Schema, error) {
	s := Schema{Columns: columns, index: make(map[string]int, len(columns))}
	for i, c := range columns {
		if _, dup := s.index[c]; dup {
			return Schema{}, fmt.Errorf("results table has duplicate column %q", c)
		}
		s.index[c] = i
	}
	if _, ok := s.index[ColMotion]; !ok {
		return Schema{}, fmt.Errorf("results table missing required column %q", ColMotion)
	}
	return s, nil
}

// Missing reports whether a measurement value counts as missing.
func Missing(v float64) bool {
	return math.IsNaN(v)
}
