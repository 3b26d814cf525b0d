package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"wormflow/internal/fsutil"
)

// CompareRequest describes a side-by-side comparison render.
type CompareRequest struct {
	LeftPath   string // usually the tracker mask render
	RightPath  string // usually the encoded input video
	OutputPath string
	Tool       string // empty means auto-detect
}

// CompareResult captures comparison metadata.
type CompareResult struct {
	LeftFile   string
	RightFile  string
	OutputFile string
	ToolUsed   string
	Skipped    bool
}

// CompareVideos renders two videos side by side so a reviewer can check that
// the tracker mask lines up with the animals in the input footage. The
// shorter input pads with its last frame rather than cutting the render off.
func CompareVideos(ctx context.Context, tm *ToolManager, req CompareRequest) (CompareResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("comparison exists, skipping", "output", req.OutputPath)
		return CompareResult{LeftFile: req.LeftPath, RightFile: req.RightPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.LeftPath) {
		return CompareResult{}, fmt.Errorf("left input does not exist: %s", req.LeftPath)
	}
	if !fileExists(req.RightPath) {
		return CompareResult{}, fmt.Errorf("right input does not exist: %s", req.RightPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return CompareResult{}, err
	}

	tool := req.Tool
	if tool == "" {
		var err error
		tool, err = tm.GetAvailableEncoder()
		if err != nil {
			return CompareResult{}, err
		}
	}

	args := []string{
		"-y",
		"-i", req.LeftPath,
		"-i", req.RightPath,
		"-filter_complex", "[0:v][1:v]hstack=inputs=2:shortest=0",
		"-c:v", "libx264",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		req.OutputPath,
	}

	logger.Info("rendering comparison",
		"tool", tool,
		"left", req.LeftPath,
		"right", req.RightPath,
		"output", req.OutputPath,
	)

	cmd := exec.CommandContext(ctx, tool, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("comparison render failed", "tool", tool, "error", err, "output", string(output))
		return CompareResult{}, fmt.Errorf("%s failed: %v", tool, err)
	}

	return CompareResult{
		LeftFile:   req.LeftPath,
		RightFile:  req.RightPath,
		OutputFile: req.OutputPath,
		ToolUsed:   tool,
	}, nil
}
