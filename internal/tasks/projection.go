package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"wormflow/internal/fsutil"
)

// ProjectionRequest describes a min-intensity projection job.
type ProjectionRequest struct {
	InputPath  string // TIFF stack or video
	OutputPath string // projection PNG
	Tool       string // decoder for video inputs, empty means auto-detect
}

// ProjectionResult captures projection metadata.
type ProjectionResult struct {
	InputFile  string
	OutputFile string
	FrameCount int
	Skipped    bool
}

// BuildProjection collapses a recording into a single minimum-intensity
// image. Worms are darker than the agar, so the projection traces every
// position a worm visited during the recording, which makes it a quick
// visual check that tracking saw the right animals.
func BuildProjection(ctx context.Context, tm *ToolManager, req ProjectionRequest) (ProjectionResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("projection exists, skipping", "output", req.OutputPath)
		return ProjectionResult{InputFile: req.InputPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.InputPath) {
		return ProjectionResult{}, fmt.Errorf("input does not exist: %s", req.InputPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return ProjectionResult{}, err
	}

	stackPath := req.InputPath
	if !fsutil.IsStackFile(req.InputPath) {
		// Video inputs are decoded to frames first.
		tool := req.Tool
		if tool == "" {
			var err error
			tool, err = tm.GetAvailableEncoder()
			if err != nil {
				return ProjectionResult{}, err
			}
		}
		frameDir, err := os.MkdirTemp("", "wormflow_projection_")
		if err != nil {
			return ProjectionResult{}, err
		}
		defer os.RemoveAll(frameDir)

		pattern := filepath.Join(frameDir, "frame-%06d.png")
		cmd := exec.CommandContext(ctx, tool, "-y", "-i", req.InputPath, pattern)
		output, err := cmd.CombinedOutput()
		if err != nil {
			logger.Error("frame extraction failed", "tool", tool, "error", err, "output", string(output))
			return ProjectionResult{}, fmt.Errorf("%s failed: %v", tool, err)
		}
		return projectFrames(frameDir, req)
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(stackPath); err != nil {
		return ProjectionResult{}, fmt.Errorf("failed to read stack: %v", err)
	}
	return writeProjection(mw, req)
}

// projectFrames reads extracted frames from dir into one wand sequence and
// projects them.
func projectFrames(dir string, req ProjectionRequest) (ProjectionResult, error) {
	frames, err := filepath.Glob(filepath.Join(dir, "frame-*.png"))
	if err != nil {
		return ProjectionResult{}, err
	}
	if len(frames) == 0 {
		return ProjectionResult{}, fmt.Errorf("no frames decoded from %s", req.InputPath)
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	for _, f := range frames {
		if err := mw.ReadImage(f); err != nil {
			return ProjectionResult{}, fmt.Errorf("failed to read frame %s: %v", f, err)
		}
	}
	return writeProjection(mw, req)
}

func writeProjection(mw *imagick.MagickWand, req ProjectionRequest) (ProjectionResult, error) {
	total := int(mw.GetNumberImages())
	if total == 0 {
		return ProjectionResult{}, fmt.Errorf("stack has no frames: %s", req.InputPath)
	}

	mw.ResetIterator()
	projected, err := mw.EvaluateImages(imagick.EVALUATE_MIN)
	if err != nil {
		return ProjectionResult{}, fmt.Errorf("min projection failed: %v", err)
	}
	defer projected.Destroy()

	if err := projected.SetImageDepth(8); err != nil {
		return ProjectionResult{}, fmt.Errorf("set depth: %v", err)
	}
	if err := projected.WriteImage(req.OutputPath); err != nil {
		return ProjectionResult{}, fmt.Errorf("failed to write projection: %v", err)
	}

	return ProjectionResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		FrameCount: total,
	}, nil
}
