package timeseries

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Record is one per-worm per-frame measurement row. Values is parallel to
// the owning Table's Columns; missing measurements are NaN.
type Record struct {
	Key       Key
	Timestamp float64
	Values    []float64
}

// Table is a rectangular measurement table whose column set is discovered
// at load time from the tracker's output.
type Table struct {
	Columns []string
	Records []Record
}

// ColumnIndex returns the position of a measurement column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// LoadFile reads one acquisition's exported timeseries table, tagging every
// record with the acquisition key.
func LoadFile(path string, fov FOVKey) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Load(f, fov)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Load parses a timeseries CSV. The header must contain the worm identifier,
// timestamp and motion-mode columns; the region-label column is dropped; all
// remaining columns become float measurements with blanks and NA/NaN tokens
// parsed as missing values.
func Load(r io.Reader, fov FOVKey) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	wormIdx, tsIdx := -1, -1
	var columns []string
	var sourceIdx []int
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch name {
		case ColWorm:
			wormIdx = i
		case ColTimestamp:
			tsIdx = i
		case ColRegion:
			// dropped
		default:
			columns = append(columns, name)
			sourceIdx = append(sourceIdx, i)
		}
	}
	if wormIdx < 0 {
		return nil, fmt.Errorf("results table missing required column %q", ColWorm)
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("results table missing required column %q", ColTimestamp)
	}
	schema, err := NewSchema(columns)
	if err != nil {
		return nil, err
	}

	t := &Table{Columns: schema.Columns}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		worm, err := strconv.Atoi(strings.TrimSpace(row[wormIdx]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad %s value %q", line, ColWorm, row[wormIdx])
		}
		ts, err := strconv.ParseFloat(strings.TrimSpace(row[tsIdx]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad %s value %q", line, ColTimestamp, row[tsIdx])
		}
		values := make([]float64, len(columns))
		for j, src := range sourceIdx {
			values[j] = parseMeasurement(row[src])
		}
		t.Records = append(t.Records, Record{
			Key:       Key{Acquisition: fov.Acquisition, Strain: fov.Strain, Date: fov.Date, Worm: worm},
			Timestamp: ts,
			Values:    values,
		})
	}
	return t, nil
}

func parseMeasurement(s string) float64 {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Malformed cells propagate as missing rather than failing the load.
		return math.NaN()
	}
	return v
}

// GroupByWorm partitions records by worm key, preserving first-appearance
// order of the keys and input order within each group.
func GroupByWorm(recs []Record) ([]Key, map[Key][]Record) {
	var order []Key
	groups := make(map[Key][]Record)
	for _, r := range recs {
		if _, ok := groups[r.Key]; !ok {
			order = append(order, r.Key)
		}
		groups[r.Key] = append(groups[r.Key], r)
	}
	return order, groups
}
