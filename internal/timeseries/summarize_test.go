package timeseries

import (
	"math"
	"testing"
)

func TestSummarizePerWormAbsMeans(t *testing.T) {
	tbl := &Table{Columns: []string{ColMotion, "speed", "orientation"}}
	tbl.Records = []Record{
		rec(1, 0, 1, -2, -10),
		rec(1, 1, -1, 4, 30),
		rec(1, 5, 0, -6, -20),
	}

	opts := SummarizeOptions{NoAbsColumns: []string{"orientation"}}
	got := SummarizePerWorm(tbl, opts)
	if len(got) != 1 {
		t.Fatalf("expected one summary row, got %d", len(got))
	}
	s := got[0]
	if s.FramesObserved != 5 {
		t.Fatalf("frames observed should be max timestamp, got %v", s.FramesObserved)
	}
	// motion mode and speed are sign-normalized: mean(|1|,|-1|,|0|) and
	// mean(|-2|,|4|,|-6|); orientation keeps its sign: mean(-10,30,-20) = 0.
	if want := 2.0 / 3.0; math.Abs(s.Means[0]-want) > 1e-12 {
		t.Fatalf("motion mean: want %v, got %v", want, s.Means[0])
	}
	if want := 4.0; math.Abs(s.Means[1]-want) > 1e-12 {
		t.Fatalf("speed mean: want %v, got %v", want, s.Means[1])
	}
	if math.Abs(s.Means[2]) > 1e-12 {
		t.Fatalf("orientation mean should keep sign, got %v", s.Means[2])
	}
}

func TestSummarizePerWormGroupsByKey(t *testing.T) {
	tbl := &Table{Columns: []string{"speed"}}
	k1 := Key{Acquisition: "a1", Strain: "n2", Date: "20240101", Worm: 1}
	k2 := Key{Acquisition: "a1", Strain: "n2", Date: "20240101", Worm: 2}
	k3 := Key{Acquisition: "a2", Strain: "cb", Date: "20240102", Worm: 1}
	tbl.Records = []Record{
		{Key: k1, Timestamp: 0, Values: []float64{1}},
		{Key: k2, Timestamp: 3, Values: []float64{2}},
		{Key: k1, Timestamp: 1, Values: []float64{3}},
		{Key: k3, Timestamp: 9, Values: []float64{4}},
	}
	got := SummarizePerWorm(tbl, SummarizeOptions{})
	if len(got) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(got))
	}
	if got[0].Key != k1 || got[1].Key != k2 || got[2].Key != k3 {
		t.Fatalf("groups not in first-encounter order: %+v", got)
	}
	if got[0].FramesObserved != 1 || got[1].FramesObserved != 3 || got[2].FramesObserved != 9 {
		t.Fatalf("unexpected frames observed: %+v", got)
	}
}

func TestSummarizePerWormEmpty(t *testing.T) {
	if got := SummarizePerWorm(&Table{Columns: []string{"speed"}}, SummarizeOptions{}); len(got) != 0 {
		t.Fatalf("expected no rows for empty table")
	}
}

func TestSummarizeQuality(t *testing.T) {
	tbl := &Table{Columns: []string{ColMotion, "speed"}}
	tbl.Records = []Record{
		rec(1, 0, 1, 2),
		rec(1, 1, -1, nan),
		rec(1, 2, 0, 4),
		rec(1, 9, nan, 5),
	}
	got := SummarizeQuality(tbl)
	if len(got) != 1 {
		t.Fatalf("expected one quality row, got %d", len(got))
	}
	q := got[0]
	if q.FramesObserved != 9 {
		t.Fatalf("frames observed: got %v", q.FramesObserved)
	}
	// |1|,|-1|,|0| over the three non-missing motion values.
	if want := 2.0 / 3.0; math.Abs(q.MovingFraction-want) > 1e-12 {
		t.Fatalf("moving fraction: want %v, got %v", want, q.MovingFraction)
	}
	// 2 missing cells of 8.
	if want := 25.0; math.Abs(q.MissingPct-want) > 1e-12 {
		t.Fatalf("missing pct: want %v, got %v", want, q.MissingPct)
	}
}

func TestSummarizeQualityWithoutMotionColumn(t *testing.T) {
	tbl := &Table{Columns: []string{"speed"}}
	tbl.Records = []Record{rec(1, 0, 2)}
	got := SummarizeQuality(tbl)
	if len(got) != 1 || !math.IsNaN(got[0].MovingFraction) {
		t.Fatalf("expected NaN moving fraction without motion column, got %+v", got)
	}
}

func TestSummarizeFOVCountsDistinctWorms(t *testing.T) {
	fov1 := Key{Acquisition: "a1", Strain: "n2", Date: "d", Worm: 1}
	fov1b := Key{Acquisition: "a1", Strain: "n2", Date: "d", Worm: 7}
	fov2 := Key{Acquisition: "a2", Strain: "cb", Date: "d", Worm: 1}
	worms := []WormQuality{
		{Key: fov1, FramesObserved: 10, MovingFraction: 0.5, MissingPct: 10},
		{Key: fov1b, FramesObserved: 30, MovingFraction: 1.0, MissingPct: 20},
		{Key: fov2, FramesObserved: 8, MovingFraction: 0.25, MissingPct: 0},
	}
	got := SummarizeFOV(worms)
	if len(got) != 2 {
		t.Fatalf("expected 2 FOV rows, got %d", len(got))
	}
	a1 := got[0]
	if a1.WormCount != 2 {
		t.Fatalf("expected 2 worms in a1, got %d", a1.WormCount)
	}
	if a1.MeanFrames != 20 || a1.MeanMissingPct != 15 || a1.MeanMoving != 0.75 {
		t.Fatalf("unexpected a1 aggregates: %+v", a1)
	}
	if got[1].WormCount != 1 {
		t.Fatalf("expected 1 worm in a2, got %d", got[1].WormCount)
	}
}

func TestSummarizeFOVEmpty(t *testing.T) {
	if got := SummarizeFOV(nil); len(got) != 0 {
		t.Fatalf("expected empty output for empty input")
	}
}
