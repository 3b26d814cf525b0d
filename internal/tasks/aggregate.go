package tasks

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"

	"wormflow/internal/fsutil"
	"wormflow/internal/storage"
	"wormflow/internal/timeseries"
)

// AggregateInput names one acquisition's exported timeseries table.
type AggregateInput struct {
	Acquisition string
	Strain      string
	Date        string
	Path        string // timeseries CSV
}

// AggregateRequest describes one aggregation run over all collected tables.
type AggregateRequest struct {
	Inputs         []AggregateInput
	PerWormPath    string
	FOVPath        string
	RequiredFrames int     // minimum stretch length to keep a worm
	NAThreshold    float64 // completeness filter row threshold
	FrameInterval  float64 // maximum timestamp gap within a stretch
	NoAbsColumns   []string
}

// AggregateResult summarizes one aggregation run.
type AggregateResult struct {
	Acquisitions int
	WormsKept    int
	WormsDropped int
	ColumnsKept  int
	PerWormFile  string
	FOVFile      string
}

// Aggregate reduces every acquisition's raw measurement table to the two
// summary artifacts. Per worm, the longest contiguous frame stretch is
// selected and worms observed for fewer than the required frames are
// dropped; the surviving rows from all acquisitions are pooled, run through
// the completeness filter once, and summarized per worm and per field of
// view. Summaries are written as CSV and mirrored into the store.
func Aggregate(ctx context.Context, store *storage.Store, req AggregateRequest) (AggregateResult, error) {
	logger := slog.Default()

	if len(req.Inputs) == 0 {
		return AggregateResult{}, fmt.Errorf("no results tables to aggregate")
	}

	combined := &timeseries.Table{}
	var quality []timeseries.WormQuality
	kept, dropped := 0, 0

	for _, in := range req.Inputs {
		select {
		case <-ctx.Done():
			return AggregateResult{}, ctx.Err()
		default:
		}

		fov := timeseries.FOVKey{Acquisition: in.Acquisition, Strain: in.Strain, Date: in.Date}
		t, err := timeseries.LoadFile(in.Path, fov)
		if err != nil {
			return AggregateResult{}, err
		}
		if len(t.Records) == 0 {
			logger.Warn("results table is empty", "acquisition", in.Acquisition, "path", in.Path)
			continue
		}
		if len(combined.Columns) == 0 {
			combined.Columns = t.Columns
		} else if !equalColumns(combined.Columns, t.Columns) {
			return AggregateResult{}, fmt.Errorf("acquisition %s: column set differs from earlier tables", in.Acquisition)
		}

		acqDropped := 0
		order, groups := timeseries.GroupByWorm(t.Records)
		for _, key := range order {
			stretch := timeseries.LongestStretch(groups[key], req.FrameInterval)
			quality = append(quality, timeseries.SummarizeQuality(&timeseries.Table{
				Columns: t.Columns,
				Records: stretch,
			})...)
			if len(stretch) < req.RequiredFrames {
				acqDropped++
				continue
			}
			combined.Records = append(combined.Records, stretch...)
			kept++
		}
		dropped += acqDropped
		if acqDropped > 0 {
			logger.Warn("dropped worms below required frame count",
				"acquisition", in.Acquisition,
				"dropped", acqDropped,
				"required_frames", req.RequiredFrames,
			)
		}
	}

	if len(combined.Records) == 0 {
		return AggregateResult{}, fmt.Errorf("no worms met the required frame count (%d)", req.RequiredFrames)
	}

	dense := timeseries.FilterComplete(combined, req.NAThreshold)
	worms := timeseries.SummarizePerWorm(dense, timeseries.SummarizeOptions{NoAbsColumns: req.NoAbsColumns})
	fovs := timeseries.SummarizeFOV(quality)

	if err := writePerWormCSV(req.PerWormPath, dense.Columns, worms); err != nil {
		return AggregateResult{}, err
	}
	if err := writeFOVCSV(req.FOVPath, fovs); err != nil {
		return AggregateResult{}, err
	}

	if store != nil {
		if err := store.ReplaceWormSummaries(dense.Columns, worms); err != nil {
			return AggregateResult{}, fmt.Errorf("failed to store worm summaries: %v", err)
		}
		if err := store.ReplaceFOVSummaries(fovs); err != nil {
			return AggregateResult{}, fmt.Errorf("failed to store fov summaries: %v", err)
		}
	}

	logger.Info("aggregation complete",
		"acquisitions", len(req.Inputs),
		"worms_kept", kept,
		"worms_dropped", dropped,
		"columns_kept", len(dense.Columns),
		"per_worm", req.PerWormPath,
		"fov", req.FOVPath,
	)

	return AggregateResult{
		Acquisitions: len(req.Inputs),
		WormsKept:    kept,
		WormsDropped: dropped,
		ColumnsKept:  len(dense.Columns),
		PerWormFile:  req.PerWormPath,
		FOVFile:      req.FOVPath,
	}, nil
}

func equalColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func writePerWormCSV(path string, columns []string, worms []timeseries.WormSummary) error {
	if err := fsutil.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := append([]string{"acquisition", "strain", "date", "worm_index", "frames_observed"}, columns...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range worms {
		row := []string{
			s.Key.Acquisition,
			s.Key.Strain,
			s.Key.Date,
			strconv.Itoa(s.Key.Worm),
			formatCell(s.FramesObserved),
		}
		for _, m := range s.Means {
			row = append(row, formatCell(m))
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeFOVCSV(path string, fovs []timeseries.FOVSummary) error {
	if err := fsutil.EnsureParent(path); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"acquisition", "strain", "date", "worm_count", "mean_frames", "mean_missing_pct", "mean_moving_fraction"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range fovs {
		row := []string{
			s.Key.Acquisition,
			s.Key.Strain,
			s.Key.Date,
			strconv.Itoa(s.WormCount),
			formatCell(s.MeanFrames),
			formatCell(s.MeanMissingPct),
			formatCell(s.MeanMoving),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// formatCell renders missing values as empty cells, mirroring how the loader
// parses them back.
func formatCell(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
