package timeseries

import (
	"fmt"
	"math"
	"testing"
)

var nan = math.NaN()

func denseCheck(t *testing.T, tbl *Table) {
	t.Helper()
	for _, r := range tbl.Records {
		for i, v := range r.Values {
			if Missing(v) {
				t.Fatalf("missing value survived in column %s", tbl.Columns[i])
			}
		}
	}
}

func TestFilterCompleteScenario(t *testing.T) {
	// 10 rows, 12 columns. Row 0 has 3/12 missing (0.25 >= 0.1, dropped).
	// Row 1 has 1/12 missing (0.083 < 0.1, kept), which leaves column "c2"
	// holding a missing value among the retained rows, so it is dropped.
	// Rows drop first, then columns, and the output is fully dense.
	cols := make([]string, 12)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d", i)
	}
	denseRow := func() []float64 {
		values := make([]float64, len(cols))
		for i := range values {
			values[i] = 1
		}
		return values
	}

	tbl := &Table{Columns: cols}
	sparse := denseRow()
	sparse[1], sparse[2], sparse[3] = nan, nan, nan
	tbl.Records = append(tbl.Records, Record{Key: Key{Worm: 1}, Timestamp: 0, Values: sparse})
	nearDense := denseRow()
	nearDense[2] = nan
	tbl.Records = append(tbl.Records, Record{Key: Key{Worm: 1}, Timestamp: 1, Values: nearDense})
	for ts := 2; ts < 10; ts++ {
		tbl.Records = append(tbl.Records, Record{Key: Key{Worm: 1}, Timestamp: float64(ts), Values: denseRow()})
	}

	out := FilterComplete(tbl, 0.1)
	if len(out.Records) != 9 {
		t.Fatalf("expected 9 rows, got %d", len(out.Records))
	}
	if len(out.Columns) != 11 {
		t.Fatalf("expected 11 columns, got %d (%v)", len(out.Columns), out.Columns)
	}
	if out.ColumnIndex("c2") != -1 {
		t.Fatalf("expected column c2 to be dropped")
	}
	denseCheck(t, out)
}

func TestFilterCompleteRowFractionOverOriginalColumns(t *testing.T) {
	// The row threshold is evaluated against the original column set, not
	// the surviving one: 1 missing of 10 columns is 0.1 >= 0.1 and drops.
	cols := make([]string, 10)
	values := make([]float64, 10)
	for i := range cols {
		cols[i] = string(rune('a' + i))
		values[i] = 1
	}
	sparse := make([]float64, 10)
	copy(sparse, values)
	sparse[0] = nan

	tbl := &Table{Columns: cols, Records: []Record{
		{Key: Key{Worm: 1}, Timestamp: 0, Values: values},
		{Key: Key{Worm: 1}, Timestamp: 1, Values: sparse},
	}}
	out := FilterComplete(tbl, 0.1)
	if len(out.Records) != 1 {
		t.Fatalf("expected sparse row dropped, got %d rows", len(out.Records))
	}
	if len(out.Columns) != 10 {
		t.Fatalf("expected all columns kept, got %v", out.Columns)
	}
}

func TestFilterCompleteIdempotent(t *testing.T) {
	tbl := &Table{Columns: []string{"c0", "c1", "c2"}}
	tbl.Records = append(tbl.Records,
		rec(1, 0, 1, nan, 3),
		rec(1, 1, 1, 2, 3),
		rec(2, 0, nan, nan, nan),
	)
	once := FilterComplete(tbl, 0.5)
	twice := FilterComplete(once, 0.5)
	if len(twice.Records) != len(once.Records) || len(twice.Columns) != len(once.Columns) {
		t.Fatalf("filter not idempotent: %dx%d then %dx%d",
			len(once.Records), len(once.Columns), len(twice.Records), len(twice.Columns))
	}
	denseCheck(t, once)
}

func TestFilterCompleteNilInput(t *testing.T) {
	out := FilterComplete(nil, 0.1)
	if out == nil || len(out.Records) != 0 || len(out.Columns) != 0 {
		t.Fatalf("expected empty table for nil input, got %+v", out)
	}
}

func TestFilterCompleteEmptyInput(t *testing.T) {
	out := FilterComplete(&Table{Columns: []string{"c0"}}, 0.1)
	if len(out.Records) != 0 {
		t.Fatalf("expected empty output for empty input")
	}
	out = FilterComplete(&Table{}, 0.1)
	if len(out.Records) != 0 || len(out.Columns) != 0 {
		t.Fatalf("expected empty table to pass through")
	}
}
