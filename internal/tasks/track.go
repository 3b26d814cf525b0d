package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"wormflow/internal/fsutil"
)

// TrackRequest describes one tracking invocation.
type TrackRequest struct {
	VideoPath  string // input video for the tracker
	OutputDir  string // directory receiving mask + results + timeseries CSV
	Runtime    string // "docker" or "podman", empty means auto-detect
	Image      string // tracker container image
	ParamsFile string // optional tracker parameter file mounted read-only
}

// TrackResult captures the tracker artifacts.
type TrackResult struct {
	VideoFile      string
	MaskFile       string
	ResultsFile    string
	TimeseriesFile string
	RuntimeUsed    string
	Skipped        bool
}

// RunTracker runs the containerized tracking tool over one acquisition video.
// The container writes the mask and the per-worm feature table into the
// output directory and exports the feature timeseries as CSV, which is the
// aggregator's input format. Tracking is the slowest stage, so a completed
// timeseries export short-circuits the whole invocation.
func RunTracker(ctx context.Context, tm *ToolManager, req TrackRequest) (TrackResult, error) {
	logger := slog.Default()

	base := trimExt(filepath.Base(req.VideoPath))
	result := TrackResult{
		VideoFile:      req.VideoPath,
		MaskFile:       filepath.Join(req.OutputDir, base+"_mask.hdf5"),
		ResultsFile:    filepath.Join(req.OutputDir, base+"_featuresN.hdf5"),
		TimeseriesFile: filepath.Join(req.OutputDir, base+"_timeseries.csv"),
	}

	if fsutil.Exists(result.TimeseriesFile) {
		logger.Info("tracker output exists, skipping", "timeseries", result.TimeseriesFile)
		result.Skipped = true
		return result, nil
	}
	if !fileExists(req.VideoPath) {
		return TrackResult{}, fmt.Errorf("input video does not exist: %s", req.VideoPath)
	}
	if req.Image == "" {
		return TrackResult{}, fmt.Errorf("tracker image is not configured")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return TrackResult{}, err
	}

	runtime := req.Runtime
	if runtime == "" {
		var err error
		runtime, err = tm.GetAvailableRuntime()
		if err != nil {
			return TrackResult{}, err
		}
	}
	result.RuntimeUsed = runtime

	videoDir, err := filepath.Abs(filepath.Dir(req.VideoPath))
	if err != nil {
		return TrackResult{}, err
	}
	outDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return TrackResult{}, err
	}

	args := []string{
		"run", "--rm",
		"-v", videoDir + ":/in:ro",
		"-v", outDir + ":/out",
	}
	trackerArgs := []string{
		"--video", "/in/" + filepath.Base(req.VideoPath),
		"--output-dir", "/out",
		"--export-timeseries-csv",
	}
	if req.ParamsFile != "" {
		paramsDir, err := filepath.Abs(filepath.Dir(req.ParamsFile))
		if err != nil {
			return TrackResult{}, err
		}
		args = append(args, "-v", paramsDir+":/params:ro")
		trackerArgs = append(trackerArgs, "--json", "/params/"+filepath.Base(req.ParamsFile))
	}
	args = append(args, req.Image)
	args = append(args, trackerArgs...)

	logger.Info("running tracker",
		"runtime", runtime,
		"image", req.Image,
		"video", req.VideoPath,
		"output_dir", req.OutputDir,
	)

	cmd := exec.CommandContext(ctx, runtime, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("tracker failed", "runtime", runtime, "error", err, "output", string(output))
		return TrackResult{}, fmt.Errorf("tracker container failed: %v", err)
	}

	// The tracker sometimes exits zero after refusing a video it cannot
	// segment; the missing export is the only reliable signal.
	if !fsutil.Exists(result.TimeseriesFile) {
		logger.Error("tracker produced no timeseries export",
			"expected", result.TimeseriesFile, "output", string(output))
		return TrackResult{}, fmt.Errorf("tracker did not produce %s", result.TimeseriesFile)
	}

	return result, nil
}
