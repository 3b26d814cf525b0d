package timeseries

// FilterComplete produces a fully dense table in two ordered steps: rows
// whose missing-value fraction over the original column set is at or above
// threshold are dropped first, then any column that still contains a missing
// value among the remaining rows is dropped entirely. Row filtering removes
// pathological worms or frames; column dropping removes measurement types
// that are unreliable across the dataset. Running it on its own output is a
// no-op, and an empty table passes through unchanged.
func FilterComplete(t *Table, threshold float64) *Table {
	if t == nil {
		return &Table{}
	}
	if len(t.Columns) == 0 {
		return &Table{Columns: t.Columns}
	}

	total := float64(len(t.Columns))
	var kept []Record
	for _, r := range t.Records {
		missing := 0
		for _, v := range r.Values {
			if Missing(v) {
				missing++
			}
		}
		if float64(missing)/total < threshold {
			kept = append(kept, r)
		}
	}

	keepCol := make([]bool, len(t.Columns))
	for i := range keepCol {
		keepCol[i] = true
	}
	for _, r := range kept {
		for i, v := range r.Values {
			if Missing(v) {
				keepCol[i] = false
			}
		}
	}

	var columns []string
	var colIdx []int
	for i, keep := range keepCol {
		if keep {
			columns = append(columns, t.Columns[i])
			colIdx = append(colIdx, i)
		}
	}

	out := &Table{Columns: columns}
	for _, r := range kept {
		values := make([]float64, len(colIdx))
		for j, i := range colIdx {
			values[j] = r.Values[i]
		}
		out.Records = append(out.Records, Record{Key: r.Key, Timestamp: r.Timestamp, Values: values})
	}
	return out
}
