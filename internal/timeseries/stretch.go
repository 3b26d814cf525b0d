package timeseries

import "sort"

// LongestStretch sorts the records of a single worm by timestamp, splits
// them into contiguous runs wherever the gap between consecutive timestamps
// exceeds one frame interval, and returns the run with the most rows. Ties
// keep the first run encountered. A single-row series is its own trivial
// run; an empty input yields nil.
func LongestStretch(recs []Record, interval float64) []Record {
	if len(recs) == 0 {
		return nil
	}

	sorted := make([]Record, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	bestStart, bestLen := 0, 1
	runStart := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i].Timestamp-sorted[i-1].Timestamp <= interval {
			continue
		}
		if n := i - runStart; n > bestLen {
			bestStart, bestLen = runStart, n
		}
		runStart = i
	}
	return sorted[bestStart : bestStart+bestLen]
}
