package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"wormflow/internal/pipeline"
)

// command assembles the full cobra tree.
func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wormflow",
		Short:         "Worm motility phenotyping pipeline",
		Long:          "Wormflow converts microscope recordings into tracked motility summaries:\nconvert, filter, encode, track and aggregate, each runnable alone or as a chain.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		r.newScanCmd(),
		r.newRunCmd(),
		r.newConvertCmd(),
		r.newFilterCmd(),
		r.newEncodeCmd(),
		r.newTrackCmd(),
		r.newProjectCmd(),
		r.newCompareCmd(),
		r.newMetadataCmd(),
		r.newAggregateCmd(),
		r.newWatchCmd(),
		r.newServeCmd(),
		r.newToolsCmd(),
		r.newConfigCmd(),
		r.newVersionCmd(),
	)
	return rootCmd
}

func (r *Root) newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [directory]",
		Short: "Discover recordings and register their acquisitions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := r.cfg.Paths.InputRoot
			if len(args) > 0 {
				root = args[0]
			}
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: root,
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
}

func (r *Root) newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <recording>",
		Short: "Run the full convert/filter/encode/track chain on a recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("run"),
				Type:      pipeline.JobRun,
				InputPath: args[0],
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
}

func (r *Root) newConvertCmd() *cobra.Command {
	var (
		output         string
		tool           string
		timeDownsample int
		xyDownsample   int
	)
	cmd := &cobra.Command{
		Use:   "convert <recording>",
		Short: "Convert a raw recording to a downsampled TIFF stack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("convert"),
				Type:      pipeline.JobConvert,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"tool":           tool,
					"timeDownsample": timeDownsample,
					"xyDownsample":   xyDownsample,
				},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output stack path (default derived from layout)")
	cmd.Flags().StringVar(&tool, "tool", "", "Converter to use (bfconvert, nd2tool)")
	cmd.Flags().IntVar(&timeDownsample, "time-downsample", r.cfg.Stages.Convert.TimeDownsample, "Keep every Nth frame")
	cmd.Flags().IntVar(&xyDownsample, "xy-downsample", r.cfg.Stages.Convert.XYDownsample, "Keep every Nth pixel in x and y")
	return cmd
}

func (r *Root) newFilterCmd() *cobra.Command {
	var (
		output    string
		lowSigma  float64
		highSigma float64
	)
	cmd := &cobra.Command{
		Use:   "filter <stack>",
		Short: "Suppress background with a difference-of-Gaussians filter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("filter"),
				Type:      pipeline.JobFilter,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"lowSigma":  lowSigma,
					"highSigma": highSigma,
				},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output stack path (default derived from layout)")
	cmd.Flags().Float64Var(&lowSigma, "sigma-low", r.cfg.Stages.Filter.LowSigma, "Narrow Gaussian sigma")
	cmd.Flags().Float64Var(&highSigma, "sigma-high", r.cfg.Stages.Filter.HighSigma, "Wide Gaussian sigma")
	return cmd
}

func (r *Root) newEncodeCmd() *cobra.Command {
	var (
		output string
		tool   string
		fps    float64
		codec  string
		crf    int
	)
	cmd := &cobra.Command{
		Use:   "encode <stack>",
		Short: "Encode a TIFF stack into a tracker-ready video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("encode"),
				Type:      pipeline.JobEncode,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"tool":  tool,
					"fps":   fps,
					"codec": codec,
					"crf":   crf,
				},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output video path (default derived from layout)")
	cmd.Flags().StringVar(&tool, "tool", "", "Encoder to use (ffmpeg, avconv)")
	cmd.Flags().Float64Var(&fps, "fps", r.cfg.Stages.Encode.FPS, "Playback frame rate")
	cmd.Flags().StringVar(&codec, "codec", r.cfg.Stages.Encode.Codec, "Video codec")
	cmd.Flags().IntVar(&crf, "crf", r.cfg.Stages.Encode.CRF, "Constant rate factor")
	return cmd
}

func (r *Root) newTrackCmd() *cobra.Command {
	var (
		output  string
		runtime string
		image   string
		params  string
	)
	cmd := &cobra.Command{
		Use:   "track <video>",
		Short: "Run the containerized tracker on an encoded video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("track"),
				Type:      pipeline.JobTrack,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"runtime": runtime,
					"image":   image,
					"params":  params,
				},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Tracker output directory (default derived from layout)")
	cmd.Flags().StringVar(&runtime, "runtime", "", "Container runtime (docker, podman)")
	cmd.Flags().StringVar(&image, "image", "", "Tracker container image")
	cmd.Flags().StringVar(&params, "params", "", "Tracker parameter file")
	return cmd
}

func (r *Root) newProjectCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "project <stack-or-video>",
		Short: "Build a minimum-intensity projection for visual inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("project"),
				Type:      pipeline.JobProject,
				InputPath: args[0],
				Output:    output,
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Projection image path (default derived from layout)")
	return cmd
}

func (r *Root) newCompareCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compare <left-video> <right-video>",
		Short: "Render two videos side by side for tracker QC",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("compare"),
				Type:      pipeline.JobCompare,
				InputPath: args[0],
				Output:    output,
				Options:   map[string]any{"right": args[1]},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Comparison video path")
	return cmd
}

func (r *Root) newMetadataCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "metadata <recording>",
		Short: "Extract recording metadata to a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("metadata"),
				Type:      pipeline.JobMetadata,
				InputPath: args[0],
				Output:    output,
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Metadata JSON path (default derived from layout)")
	return cmd
}

func (r *Root) newAggregateCmd() *cobra.Command {
	var (
		requiredFrames int
		naThreshold    float64
		frameInterval  float64
	)
	cmd := &cobra.Command{
		Use:   "aggregate [directory]",
		Short: "Pool tracker exports into per-worm and per-acquisition summaries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := r.cfg.Paths.InputRoot
			if len(args) > 0 {
				root = args[0]
			}
			job := pipeline.Job{
				ID:        newID("aggregate"),
				Type:      pipeline.JobAggregate,
				InputPath: root,
				Options: map[string]any{
					"requiredFrames": requiredFrames,
					"naThreshold":    naThreshold,
					"frameInterval":  frameInterval,
				},
			}
			return r.enqueueAndWait(cmd.Context(), job)
		},
	}
	cmd.Flags().IntVar(&requiredFrames, "required-frames", r.cfg.Aggregation.RequiredFrames, "Minimum contiguous frames per worm")
	cmd.Flags().Float64Var(&naThreshold, "na-threshold", r.cfg.Aggregation.NAThreshold, "Maximum missing-value fraction per column")
	cmd.Flags().Float64Var(&frameInterval, "frame-interval", r.cfg.Aggregation.FrameInterval, "Expected timestamp spacing")
	return cmd
}

func (r *Root) newWatchCmd() *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch [directory]",
		Short: "Watch for new recordings and process each as it appears",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := r.cfg.Paths.InputRoot
			if len(args) > 0 {
				root = args[0]
			}
			return r.watch(cmd, root, settle)
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 5*time.Second, "How long a file size must hold before processing")
	return cmd
}

// watch blocks until the context is cancelled, enqueuing a full run for
// every new recording once its size stops changing.
func (r *Root) watch(cmd *cobra.Command, root string, settle time.Duration) error {
	watcher, err := r.newWatcher(root)
	if err != nil {
		return fmt.Errorf("failed to create watcher for %s: %w", root, err)
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	ctx := cmd.Context()
	r.log.Info("watching for recordings", "root", root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Operation != "created" {
				continue
			}
			if err := waitForStable(ctx, ev.Path, settle); err != nil {
				r.log.Warn("recording never settled", "path", ev.Path, "error", err)
				continue
			}
			job := pipeline.Job{
				ID:        newID("run"),
				Type:      pipeline.JobRun,
				InputPath: ev.Path,
			}
			r.log.Info("processing new recording", "path", ev.Path, "job", job.ID)
			if err := r.enqueueAndWait(ctx, job); err != nil {
				r.log.Error("recording failed", "path", ev.Path, "error", err)
			}
		}
	}
}

// waitForStable polls the file until its size is unchanged for the settle
// window. Acquisition software writes recordings incrementally, so acting
// on the create event alone would process a truncated file.
func waitForStable(ctx context.Context, path string, settle time.Duration) error {
	interval := settle / 5
	if interval < 200*time.Millisecond {
		interval = 200 * time.Millisecond
	}

	var lastSize int64 = -1
	stableSince := time.Now()
	for {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.Size() != lastSize {
			lastSize = info.Size()
			stableSince = time.Now()
		} else if time.Since(stableSince) >= settle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (r *Root) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP monitoring server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.serveFn(cmd.Context(), addr, r.store, r.pipeline, r.log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func (r *Root) newToolsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Report external tool availability per stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.cmdTools(verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show version and path details")
	return cmd
}

func (r *Root) cmdTools(verbose bool) error {
	mgr := r.toolFactory(r.cfg)
	status := mgr.GetToolStatus()

	fmt.Println("Wormflow Tool Status Report")
	fmt.Println("===========================")
	for _, stage := range []string{"converter", "encoder", "runtime"} {
		fmt.Printf("\n%s:\n", stage)
		for name, st := range status[stage] {
			mark := "missing"
			if st.Available {
				mark = "available"
			}
			fmt.Printf("  %-12s %s", name, mark)
			if verbose && st.Available {
				fmt.Printf(" (version %s, path %s)", st.Version, st.Path)
			}
			if verbose && st.Error != nil {
				fmt.Printf(" (%v)", st.Error)
			}
			fmt.Println()
		}
	}

	fmt.Println("\nRecommended tools:")
	printPick := func(stage string, pick func() (string, error)) {
		name, err := pick()
		if err != nil {
			fmt.Printf("  %s: none available\n", stage)
			return
		}
		fmt.Printf("  %s: %s\n", stage, name)
	}
	printPick("Conversion", mgr.GetAvailableConverter)
	printPick("Encoding", mgr.GetAvailableEncoder)
	printPick("Tracking", mgr.GetAvailableRuntime)
	return nil
}

func (r *Root) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.configShow()
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration for invalid values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.configValidate()
			},
		},
	)
	return cmd
}

func (r *Root) configShow() error {
	fmt.Println("Current configuration:")
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func (r *Root) configValidate() error {
	var problems []string
	if r.cfg.Processing.ParallelJobs < 1 {
		problems = append(problems, "processing.parallel_jobs must be at least 1")
	}
	if r.cfg.Stages.Convert.TimeDownsample < 1 || r.cfg.Stages.Convert.XYDownsample < 1 {
		problems = append(problems, "stage downsample factors must be at least 1")
	}
	if r.cfg.Stages.Filter.LowSigma <= 0 || r.cfg.Stages.Filter.HighSigma <= r.cfg.Stages.Filter.LowSigma {
		problems = append(problems, "filter sigmas must satisfy 0 < low < high")
	}
	if r.cfg.Stages.Encode.FPS <= 0 {
		problems = append(problems, "encode fps must be positive")
	}
	if r.cfg.Aggregation.RequiredFrames < 1 {
		problems = append(problems, "aggregation.required_frames must be at least 1")
	}
	if r.cfg.Aggregation.NAThreshold < 0 || r.cfg.Aggregation.NAThreshold > 1 {
		problems = append(problems, "aggregation.na_threshold must be between 0 and 1")
	}

	if len(problems) > 0 {
		for _, p := range problems {
			fmt.Printf("invalid: %s\n", p)
		}
		return fmt.Errorf("configuration has %d problem(s)", len(problems))
	}
	fmt.Println("Configuration is valid")
	return nil
}

func (r *Root) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
