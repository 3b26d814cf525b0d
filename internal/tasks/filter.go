package tasks

import (
	"context"
	"fmt"
	"log/slog"

	"gopkg.in/gographics/imagick.v3/imagick"

	"wormflow/internal/fsutil"
)

// FilterRequest defines inputs for background suppression.
type FilterRequest struct {
	InputPath  string  // TIFF stack
	OutputPath string  // filtered TIFF stack
	LowSigma   float64 // narrow Gaussian, keeps worm-scale detail
	HighSigma  float64 // wide Gaussian, estimates background
}

// FilterResult captures filtering metadata.
type FilterResult struct {
	InputFile  string
	OutputFile string
	FrameCount int
	Skipped    bool
}

// FilterBackground applies a difference-of-Gaussians filter to every frame
// of a TIFF stack and rescales the result to 8-bit. The worm, being the only
// high-frequency structure in the field of view, survives the subtraction
// while the slowly varying agar background is suppressed, which is what the
// downstream tracking tool expects.
func FilterBackground(ctx context.Context, req FilterRequest) (FilterResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("filtered stack exists, skipping", "output", req.OutputPath)
		return FilterResult{InputFile: req.InputPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.InputPath) {
		return FilterResult{}, fmt.Errorf("input stack does not exist: %s", req.InputPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return FilterResult{}, err
	}
	if req.LowSigma <= 0 || req.HighSigma <= req.LowSigma {
		return FilterResult{}, fmt.Errorf("invalid sigmas: low=%v high=%v", req.LowSigma, req.HighSigma)
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(req.InputPath); err != nil {
		return FilterResult{}, fmt.Errorf("failed to read stack: %v", err)
	}

	out := imagick.NewMagickWand()
	defer out.Destroy()

	total := int(mw.GetNumberImages())
	logger.Info("filtering stack", "input", req.InputPath, "frames", total,
		"low_sigma", req.LowSigma, "high_sigma", req.HighSigma)

	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return FilterResult{}, ctx.Err()
		default:
		}

		mw.SetIteratorIndex(i)
		frame := mw.GetImage()
		filtered, err := dogFilterFrame(frame, req.LowSigma, req.HighSigma)
		frame.Destroy()
		if err != nil {
			return FilterResult{}, fmt.Errorf("frame %d: %v", i, err)
		}
		err = out.AddImage(filtered)
		filtered.Destroy()
		if err != nil {
			return FilterResult{}, fmt.Errorf("failed to append frame %d: %v", i, err)
		}
	}

	if err := out.WriteImages(req.OutputPath, true); err != nil {
		return FilterResult{}, fmt.Errorf("failed to write filtered stack: %v", err)
	}

	return FilterResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		FrameCount: total,
	}, nil
}

// dogFilterFrame computes |G(lowSigma) - G(highSigma)| for one frame and
// rescales the intensities to the full 8-bit range.
func dogFilterFrame(frame *imagick.MagickWand, lowSigma, highSigma float64) (*imagick.MagickWand, error) {
	low := frame.Clone()
	if err := low.GaussianBlurImage(0, lowSigma); err != nil {
		low.Destroy()
		return nil, fmt.Errorf("low-sigma blur: %v", err)
	}

	high := frame.Clone()
	if err := high.GaussianBlurImage(0, highSigma); err != nil {
		low.Destroy()
		high.Destroy()
		return nil, fmt.Errorf("high-sigma blur: %v", err)
	}

	if err := low.CompositeImage(high, imagick.COMPOSITE_OP_DIFFERENCE, true, 0, 0); err != nil {
		low.Destroy()
		high.Destroy()
		return nil, fmt.Errorf("subtract background: %v", err)
	}
	high.Destroy()

	if err := low.AutoLevelImage(); err != nil {
		low.Destroy()
		return nil, fmt.Errorf("rescale intensity: %v", err)
	}
	if err := low.SetImageDepth(8); err != nil {
		low.Destroy()
		return nil, fmt.Errorf("set depth: %v", err)
	}
	return low, nil
}
