package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"gopkg.in/gographics/imagick.v3/imagick"

	"wormflow/internal/fsutil"
)

// ConvertRequest defines inputs for raw-recording conversion.
type ConvertRequest struct {
	InputPath      string
	OutputPath     string // TIFF stack path
	Tool           string // converter binary, auto-detected if empty
	TimeDownsample int    // keep every Nth frame, 0/1 = keep all
	XYDownsample   int    // shrink x and y by this factor, 0/1 = keep size
}

// ConvertResult captures conversion metadata.
type ConvertResult struct {
	InputFile  string
	OutputFile string
	FrameCount int
	ToolUsed   string
	Skipped    bool
}

// ConvertRecording converts one raw microscope recording to a sequential
// TIFF stack. The pixel work is delegated to an external converter; the
// optional time/XY downsampling pass runs through ImageMagick. An existing
// non-empty output is left alone so the workflow engine can re-run
// incomplete acquisitions cheaply.
func ConvertRecording(ctx context.Context, tm *ToolManager, req ConvertRequest) (ConvertResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("stack exists, skipping conversion", "output", req.OutputPath)
		return ConvertResult{InputFile: req.InputPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.InputPath) {
		return ConvertResult{}, fmt.Errorf("recording does not exist: %s", req.InputPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return ConvertResult{}, err
	}

	tool := req.Tool
	if tool == "" {
		var err error
		tool, err = tm.GetAvailableConverter()
		if err != nil {
			return ConvertResult{}, err
		}
	}

	tmpOut := req.OutputPath + ".part.tiff"
	defer os.Remove(tmpOut)

	var args []string
	switch tool {
	case "bfconvert":
		args = []string{"-overwrite", "-nogroup", req.InputPath, tmpOut}
	case "nd2tool":
		args = []string{"--tiff", "--output", tmpOut, req.InputPath}
	default:
		args = []string{req.InputPath, tmpOut}
	}

	logger.Info("converting recording", "tool", tool, "input", req.InputPath, "output", req.OutputPath)
	cmd := exec.CommandContext(ctx, tool, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return ConvertResult{}, fmt.Errorf("%s failed: %v: %s", tool, err, string(output))
	}

	frames, err := downsampleStack(tmpOut, req.OutputPath, req.TimeDownsample, req.XYDownsample)
	if err != nil {
		return ConvertResult{}, err
	}

	return ConvertResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		FrameCount: frames,
		ToolUsed:   tool,
	}, nil
}

// downsampleStack reads a TIFF stack, keeps every tStep-th frame, shrinks
// frames by xyStep, and writes the result. With both factors <= 1 it still
// rewrites the stack so the final artifact path only ever holds complete
// output.
func downsampleStack(inPath, outPath string, tStep, xyStep int) (int, error) {
	if tStep < 1 {
		tStep = 1
	}
	if xyStep < 1 {
		xyStep = 1
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(inPath); err != nil {
		return 0, fmt.Errorf("failed to read stack: %v", err)
	}

	out := imagick.NewMagickWand()
	defer out.Destroy()

	total := int(mw.GetNumberImages())
	kept := 0
	for i := 0; i < total; i += tStep {
		mw.SetIteratorIndex(i)
		frame := mw.GetImage()
		if xyStep > 1 {
			w := frame.GetImageWidth() / uint(xyStep)
			h := frame.GetImageHeight() / uint(xyStep)
			if err := frame.ResizeImage(w, h, imagick.FILTER_BOX); err != nil {
				frame.Destroy()
				return 0, fmt.Errorf("failed to downsample frame %d: %v", i, err)
			}
		}
		if err := out.AddImage(frame); err != nil {
			frame.Destroy()
			return 0, fmt.Errorf("failed to append frame %d: %v", i, err)
		}
		frame.Destroy()
		kept++
	}

	if err := out.WriteImages(outPath, true); err != nil {
		return 0, fmt.Errorf("failed to write stack: %v", err)
	}
	return kept, nil
}
