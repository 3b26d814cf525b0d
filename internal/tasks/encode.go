package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"gopkg.in/gographics/imagick.v3/imagick"

	"wormflow/internal/fsutil"
)

// EncodeRequest describes a stack-to-video encoding job.
type EncodeRequest struct {
	InputPath  string  // TIFF stack
	OutputPath string  // MOV video
	Tool       string  // "ffmpeg" or "avconv", empty means auto-detect
	FPS        float64 // playback rate
	Codec      string  // e.g. "libx264"
	CRF        int     // constant rate factor
}

// EncodeResult captures encoding metadata.
type EncodeResult struct {
	InputFile  string
	OutputFile string
	FrameCount int
	ToolUsed   string
	Size       int64
	Skipped    bool
}

// EncodeVideo renders a TIFF stack as a compressed video. The tracking
// container and the human reviewing the plates both consume the video, so
// the encode uses yuv420p for broad player compatibility. Frames are first
// exported to a temporary directory because the video encoders cannot read
// multi-page TIFF directly.
func EncodeVideo(ctx context.Context, tm *ToolManager, req EncodeRequest) (EncodeResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("video exists, skipping", "output", req.OutputPath)
		return EncodeResult{InputFile: req.InputPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.InputPath) {
		return EncodeResult{}, fmt.Errorf("input stack does not exist: %s", req.InputPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return EncodeResult{}, err
	}

	tool := req.Tool
	if tool == "" {
		var err error
		tool, err = tm.GetAvailableEncoder()
		if err != nil {
			return EncodeResult{}, err
		}
	}
	if req.FPS <= 0 {
		req.FPS = 24.5
	}
	if req.Codec == "" {
		req.Codec = "libx264"
	}
	if req.CRF <= 0 {
		req.CRF = 17
	}

	frameDir, err := os.MkdirTemp("", "wormflow_encode_")
	if err != nil {
		return EncodeResult{}, fmt.Errorf("failed to create frame directory: %v", err)
	}
	defer os.RemoveAll(frameDir)

	frameCount, err := explodeStack(req.InputPath, frameDir)
	if err != nil {
		return EncodeResult{}, err
	}
	if frameCount == 0 {
		return EncodeResult{}, fmt.Errorf("stack has no frames: %s", req.InputPath)
	}

	args := []string{
		"-y",
		"-framerate", strconv.FormatFloat(req.FPS, 'f', -1, 64),
		"-i", filepath.Join(frameDir, "frame-%06d.png"),
		"-c:v", req.Codec,
		"-crf", strconv.Itoa(req.CRF),
		"-pix_fmt", "yuv420p",
		req.OutputPath,
	}

	logger.Info("encoding video",
		"tool", tool,
		"input", req.InputPath,
		"output", req.OutputPath,
		"frames", frameCount,
		"fps", req.FPS,
	)

	cmd := exec.CommandContext(ctx, tool, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("encoder failed", "tool", tool, "error", err, "output", string(output))
		return EncodeResult{}, fmt.Errorf("%s failed: %v", tool, err)
	}

	stat, err := os.Stat(req.OutputPath)
	if err != nil {
		return EncodeResult{}, fmt.Errorf("encoder produced no output: %v", err)
	}

	return EncodeResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		FrameCount: frameCount,
		ToolUsed:   tool,
		Size:       stat.Size(),
	}, nil
}

// explodeStack writes every frame of a TIFF stack as a numbered PNG and
// returns how many frames were written.
func explodeStack(stackPath, dir string) (int, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(stackPath); err != nil {
		return 0, fmt.Errorf("failed to read stack: %v", err)
	}

	total := int(mw.GetNumberImages())
	for i := 0; i < total; i++ {
		mw.SetIteratorIndex(i)
		frame := mw.GetImage()
		framePath := filepath.Join(dir, fmt.Sprintf("frame-%06d.png", i))
		err := frame.WriteImage(framePath)
		frame.Destroy()
		if err != nil {
			return 0, fmt.Errorf("failed to write frame %d: %v", i, err)
		}
	}
	return total, nil
}
