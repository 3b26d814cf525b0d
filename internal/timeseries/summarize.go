package timeseries

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// SummarizeOptions controls how per-worm means are computed.
type SummarizeOptions struct {
	// NoAbsColumns lists orientation-derived columns that keep their sign
	// when averaged. All other measurements are signed to indicate
	// directional change, and only the magnitude matters for motility-level
	// phenotyping, so they are averaged as absolute values.
	NoAbsColumns []string
}

func (o SummarizeOptions) noAbs(name string) bool {
	for _, c := range o.NoAbsColumns {
		if c == name {
			return true
		}
	}
	return false
}

// WormSummary is one output row of the per-worm summarizer: the maximum
// timestamp of the group ("frames observed") plus one mean per measurement
// column. Means is parallel to the source table's Columns.
type WormSummary struct {
	Key            Key
	FramesObserved float64
	Means          []float64
}

// SummarizePerWorm groups records by (acquisition, strain, date, worm) and
// reduces each group to frames observed and per-column means. Groups appear
// in first-encounter order. An empty table yields no rows.
func SummarizePerWorm(t *Table, opts SummarizeOptions) []WormSummary {
	order, groups := GroupByWorm(t.Records)

	var out []WormSummary
	for _, key := range order {
		recs := groups[key]
		s := WormSummary{Key: key, FramesObserved: maxTimestamp(recs), Means: make([]float64, len(t.Columns))}
		for i, col := range t.Columns {
			var vals []float64
			for _, r := range recs {
				v := r.Values[i]
				if Missing(v) {
					continue
				}
				if !opts.noAbs(col) {
					v = math.Abs(v)
				}
				vals = append(vals, v)
			}
			if len(vals) == 0 {
				s.Means[i] = math.NaN()
				continue
			}
			s.Means[i] = stat.Mean(vals, nil)
		}
		out = append(out, s)
	}
	return out
}

// WormQuality is one per-worm quality-control row.
type WormQuality struct {
	Key            Key
	FramesObserved float64
	MovingFraction float64 // mean of the |motion mode| indicator
	MissingPct     float64 // missing cells as a percentage of all cells
}

// SummarizeQuality computes per-worm quality rows over a (possibly sparse)
// table. The moving fraction averages the absolute motion-mode indicator
// over its non-missing values; the missing percentage covers every
// measurement column. A table without a motion-mode column yields NaN
// moving fractions rather than an error.
func SummarizeQuality(t *Table) []WormQuality {
	motionIdx := t.ColumnIndex(ColMotion)
	order, groups := GroupByWorm(t.Records)

	var out []WormQuality
	for _, key := range order {
		recs := groups[key]
		q := WormQuality{Key: key, FramesObserved: maxTimestamp(recs)}

		var moving []float64
		missing, cells := 0, 0
		for _, r := range recs {
			for i, v := range r.Values {
				cells++
				if Missing(v) {
					missing++
					continue
				}
				if i == motionIdx {
					moving = append(moving, math.Abs(v))
				}
			}
		}
		if motionIdx >= 0 && len(moving) > 0 {
			q.MovingFraction = stat.Mean(moving, nil)
		} else {
			q.MovingFraction = math.NaN()
		}
		if cells > 0 {
			q.MissingPct = 100 * float64(missing) / float64(cells)
		}
		out = append(out, q)
	}
	return out
}

// FOVSummary aggregates per-worm quality rows for one field of view.
type FOVSummary struct {
	Key            FOVKey
	WormCount      int
	MeanFrames     float64
	MeanMissingPct float64
	MeanMoving     float64
}

// SummarizeFOV groups per-worm quality rows by acquisition. The worm count
// is the number of distinct worm identifiers; the remaining fields average
// the per-worm quality metrics.
func SummarizeFOV(worms []WormQuality) []FOVSummary {
	var order []FOVKey
	groups := make(map[FOVKey][]WormQuality)
	for _, w := range worms {
		k := w.Key.FOV()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], w)
	}

	var out []FOVSummary
	for _, k := range order {
		ws := groups[k]
		frames := make([]float64, len(ws))
		missing := make([]float64, len(ws))
		moving := make([]float64, len(ws))
		for i, w := range ws {
			frames[i] = w.FramesObserved
			missing[i] = w.MissingPct
			moving[i] = w.MovingFraction
		}
		out = append(out, FOVSummary{
			Key:            k,
			WormCount:      len(ws),
			MeanFrames:     stat.Mean(frames, nil),
			MeanMissingPct: stat.Mean(missing, nil),
			MeanMoving:     stat.Mean(moving, nil),
		})
	}
	return out
}

func maxTimestamp(recs []Record) float64 {
	if len(recs) == 0 {
		return math.NaN()
	}
	max := recs[0].Timestamp
	for _, r := range recs[1:] {
		if r.Timestamp > max {
			max = r.Timestamp
		}
	}
	return max
}
