package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"wormflow/internal/config"
	"wormflow/internal/fsutil"
	"wormflow/internal/storage"
	"wormflow/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
// The stage functions live in fields so tests can stub out the external
// tools.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	cfg    *config.Config
	tools  *tasks.ToolManager
	layout fsutil.Layout

	scanFn      func(root, prefix, metadataCSV string) (tasks.ScanSummary, error)
	convertFn   func(context.Context, *tasks.ToolManager, tasks.ConvertRequest) (tasks.ConvertResult, error)
	filterFn    func(context.Context, tasks.FilterRequest) (tasks.FilterResult, error)
	encodeFn    func(context.Context, *tasks.ToolManager, tasks.EncodeRequest) (tasks.EncodeResult, error)
	trackFn     func(context.Context, *tasks.ToolManager, tasks.TrackRequest) (tasks.TrackResult, error)
	projectFn   func(context.Context, *tasks.ToolManager, tasks.ProjectionRequest) (tasks.ProjectionResult, error)
	compareFn   func(context.Context, *tasks.ToolManager, tasks.CompareRequest) (tasks.CompareResult, error)
	metadataFn  func(context.Context, *tasks.ToolManager, tasks.MetadataRequest) (tasks.MetadataResult, error)
	aggregateFn func(context.Context, *storage.Store, tasks.AggregateRequest) (tasks.AggregateResult, error)
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	return &router{
		log:         logger,
		store:       store,
		cfg:         cfg,
		tools:       tasks.NewToolManager(cfg),
		layout:      fsutil.Layout{OutputRoot: cfg.Paths.OutputRoot},
		scanFn:      tasks.Scan,
		convertFn:   tasks.ConvertRecording,
		filterFn:    tasks.FilterBackground,
		encodeFn:    tasks.EncodeVideo,
		trackFn:     tasks.RunTracker,
		projectFn:   tasks.BuildProjection,
		compareFn:   tasks.CompareVideos,
		metadataFn:  tasks.ExtractMetadata,
		aggregateFn: tasks.Aggregate,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobScan:
		return r.handleScan(ctx, job)
	case JobConvert:
		return r.handleConvert(ctx, job)
	case JobFilter:
		return r.handleFilter(ctx, job)
	case JobEncode:
		return r.handleEncode(ctx, job)
	case JobTrack:
		return r.handleTrack(ctx, job)
	case JobProject:
		return r.handleProject(ctx, job)
	case JobCompare:
		return r.handleCompare(ctx, job)
	case JobMetadata:
		return r.handleMetadata(ctx, job)
	case JobRun:
		return r.handleRun(ctx, job)
	case JobAggregate:
		return r.handleAggregate(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// acquisitionID derives the identifier for a recording path using the
// configured input root and strip prefix.
func (r *router) acquisitionID(path string) (string, error) {
	return fsutil.AcquisitionID(path, r.cfg.Paths.InputRoot, r.cfg.Paths.StripPrefix)
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	root := job.InputPath
	if root == "" {
		root = r.cfg.Paths.InputRoot
	}
	summary, err := r.scanFn(root, r.cfg.Paths.StripPrefix, r.cfg.Paths.MetadataCSV)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	for _, rec := range summary.Recordings {
		if r.store != nil {
			_ = r.store.RecordAcquisition(storage.AcquisitionRecord{
				ID:            rec.ID,
				Strain:        rec.Strain,
				Date:          rec.Date,
				RecordingPath: rec.Path,
				ResultsPath:   r.layout.Timeseries(rec.ID),
			})
		}
	}

	ids := make([]string, len(summary.Recordings))
	for i, rec := range summary.Recordings {
		ids[i] = rec.ID
	}
	return Result{Job: job, Meta: map[string]any{
		"root":       summary.Root,
		"recordings": len(summary.Recordings),
		"ids":        ids,
	}}
}

func (r *router) handleConvert(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		output = r.layout.Stack(id)
	}
	res, err := r.convertFn(ctx, r.tools, tasks.ConvertRequest{
		InputPath:      job.InputPath,
		OutputPath:     output,
		Tool:           getStringOption(job.Options, "tool"),
		TimeDownsample: getIntOption(job.Options, "timeDownsample", r.cfg.Stages.Convert.TimeDownsample),
		XYDownsample:   getIntOption(job.Options, "xyDownsample", r.cfg.Stages.Convert.XYDownsample),
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"frames":  res.FrameCount,
		"tool":    res.ToolUsed,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleFilter(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		output = r.layout.FilteredStack(id)
	}
	res, err := r.filterFn(ctx, tasks.FilterRequest{
		InputPath:  job.InputPath,
		OutputPath: output,
		LowSigma:   getFloatOption(job.Options, "lowSigma", r.cfg.Stages.Filter.LowSigma),
		HighSigma:  getFloatOption(job.Options, "highSigma", r.cfg.Stages.Filter.HighSigma),
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"frames":  res.FrameCount,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleEncode(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		output = r.layout.Video(id)
	}
	res, err := r.encodeFn(ctx, r.tools, tasks.EncodeRequest{
		InputPath:  job.InputPath,
		OutputPath: output,
		Tool:       getStringOption(job.Options, "tool"),
		FPS:        getFloatOption(job.Options, "fps", r.cfg.Stages.Encode.FPS),
		Codec:      getStringOption(job.Options, "codec"),
		CRF:        getIntOption(job.Options, "crf", r.cfg.Stages.Encode.CRF),
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"frames":  res.FrameCount,
		"tool":    res.ToolUsed,
		"size":    res.Size,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleTrack(ctx context.Context, job Job) Result {
	outputDir := job.Output
	if outputDir == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		outputDir = r.layout.TrackerDir(id)
	}
	res, err := r.trackFn(ctx, r.tools, tasks.TrackRequest{
		VideoPath:  job.InputPath,
		OutputDir:  outputDir,
		Runtime:    getStringOption(job.Options, "runtime"),
		Image:      stringOr(getStringOption(job.Options, "image"), r.cfg.Stages.Tracker.Image),
		ParamsFile: stringOr(getStringOption(job.Options, "params"), r.cfg.Stages.Tracker.ParamsFile),
	})
	meta := map[string]any{
		"mask":       res.MaskFile,
		"results":    res.ResultsFile,
		"timeseries": res.TimeseriesFile,
		"runtime":    res.RuntimeUsed,
		"skipped":    res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleProject(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		output = r.layout.Projection(id)
	}
	res, err := r.projectFn(ctx, r.tools, tasks.ProjectionRequest{
		InputPath:  job.InputPath,
		OutputPath: output,
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"frames":  res.FrameCount,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleCompare(ctx context.Context, job Job) Result {
	right := getStringOption(job.Options, "right")
	if right == "" {
		return Result{Job: job, Error: fmt.Errorf("compare requires a right-hand input")}
	}
	res, err := r.compareFn(ctx, r.tools, tasks.CompareRequest{
		LeftPath:   job.InputPath,
		RightPath:  right,
		OutputPath: job.Output,
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"tool":    res.ToolUsed,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleMetadata(ctx context.Context, job Job) Result {
	output := job.Output
	if output == "" {
		id, err := r.acquisitionID(job.InputPath)
		if err != nil {
			return Result{Job: job, Error: err}
		}
		output = r.layout.Metadata(id)
	}
	res, err := r.metadataFn(ctx, r.tools, tasks.MetadataRequest{
		InputPath:  job.InputPath,
		OutputPath: output,
	})
	meta := map[string]any{
		"output":  res.OutputFile,
		"tool":    res.ToolUsed,
		"skipped": res.Skipped,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// handleRun executes the full per-acquisition stage chain. Each stage reads
// the previous stage's artifact, so the chain is strictly sequential and
// stops at the first failure.
func (r *router) handleRun(ctx context.Context, job Job) Result {
	id, err := r.acquisitionID(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	meta := map[string]any{"acquisition": id}

	conv, err := r.convertFn(ctx, r.tools, tasks.ConvertRequest{
		InputPath:      job.InputPath,
		OutputPath:     r.layout.Stack(id),
		TimeDownsample: r.cfg.Stages.Convert.TimeDownsample,
		XYDownsample:   r.cfg.Stages.Convert.XYDownsample,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("convert: %w", err), Meta: meta}
	}
	meta["stack"] = conv.OutputFile

	filt, err := r.filterFn(ctx, tasks.FilterRequest{
		InputPath:  conv.OutputFile,
		OutputPath: r.layout.FilteredStack(id),
		LowSigma:   r.cfg.Stages.Filter.LowSigma,
		HighSigma:  r.cfg.Stages.Filter.HighSigma,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("filter: %w", err), Meta: meta}
	}
	meta["filtered"] = filt.OutputFile

	enc, err := r.encodeFn(ctx, r.tools, tasks.EncodeRequest{
		InputPath:  filt.OutputFile,
		OutputPath: r.layout.Video(id),
		FPS:        r.cfg.Stages.Encode.FPS,
		Codec:      r.cfg.Stages.Encode.Codec,
		CRF:        r.cfg.Stages.Encode.CRF,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("encode: %w", err), Meta: meta}
	}
	meta["video"] = enc.OutputFile

	track, err := r.trackFn(ctx, r.tools, tasks.TrackRequest{
		VideoPath:  enc.OutputFile,
		OutputDir:  r.layout.TrackerDir(id),
		Runtime:    r.cfg.Stages.Tracker.Runtime,
		Image:      r.cfg.Stages.Tracker.Image,
		ParamsFile: r.cfg.Stages.Tracker.ParamsFile,
	})
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("track: %w", err), Meta: meta}
	}
	meta["timeseries"] = track.TimeseriesFile

	return Result{Job: job, Meta: meta}
}

// handleAggregate collects every acquisition whose tracker export exists and
// runs the summary statistics step over them.
func (r *router) handleAggregate(ctx context.Context, job Job) Result {
	root := job.InputPath
	if root == "" {
		root = r.cfg.Paths.InputRoot
	}
	summary, err := r.scanFn(root, r.cfg.Paths.StripPrefix, r.cfg.Paths.MetadataCSV)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var inputs []tasks.AggregateInput
	missing := 0
	for _, rec := range summary.Recordings {
		path := r.layout.Timeseries(rec.ID)
		if !fsutil.Exists(path) {
			missing++
			r.log.Warn("no tracker export for acquisition", "acquisition", rec.ID, "expected", path)
			continue
		}
		inputs = append(inputs, tasks.AggregateInput{
			Acquisition: rec.ID,
			Strain:      rec.Strain,
			Date:        rec.Date,
			Path:        path,
		})
	}

	res, err := r.aggregateFn(ctx, r.store, tasks.AggregateRequest{
		Inputs:         inputs,
		PerWormPath:    r.layout.PerWormSummary(),
		FOVPath:        r.layout.FOVSummary(),
		RequiredFrames: getIntOption(job.Options, "requiredFrames", r.cfg.Aggregation.RequiredFrames),
		NAThreshold:    getFloatOption(job.Options, "naThreshold", r.cfg.Aggregation.NAThreshold),
		FrameInterval:  getFloatOption(job.Options, "frameInterval", r.cfg.Aggregation.FrameInterval),
		NoAbsColumns:   r.cfg.Aggregation.NoAbsColumns,
	})
	meta := map[string]any{
		"acquisitions":  res.Acquisitions,
		"missing":       missing,
		"worms_kept":    res.WormsKept,
		"worms_dropped": res.WormsDropped,
		"columns_kept":  res.ColumnsKept,
		"per_worm":      res.PerWormFile,
		"fov":           res.FOVFile,
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// Helper functions to safely extract typed options from job.Options map
func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getIntOption(options map[string]any, key string, def int) int {
	if val, ok := options[key].(int); ok {
		return val
	}
	return def
}

func getFloatOption(options map[string]any, key string, def float64) float64 {
	if val, ok := options[key].(float64); ok {
		return val
	}
	return def
}

func stringOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
