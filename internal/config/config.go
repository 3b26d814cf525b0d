package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/wormflow/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing  Processing  `json:"processing"`
	Logging     Logging     `json:"logging"`
	Paths       Paths       `json:"paths"`
	Stages      Stages      `json:"stages"`
	Aggregation Aggregation `json:"aggregation"`
	Tools       Tools       `json:"tools"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures pipeline input and output roots.
type Paths struct {
	InputRoot    string `json:"input_root"`    // Directory scanned for raw recordings
	StripPrefix  string `json:"strip_prefix"`  // Prefix removed when deriving acquisition IDs
	OutputRoot   string `json:"output_root"`   // Root for all stage artifacts
	DatabasePath string `json:"database_path"` // SQLite job/summary store
	MetadataCSV  string `json:"metadata_csv"`  // Optional acquisition metadata overrides
}

// Stages configures the per-stage converters.
type Stages struct {
	Convert ConvertStage `json:"convert"`
	Filter  FilterStage  `json:"filter"`
	Encode  EncodeStage  `json:"encode"`
	Tracker TrackerStage `json:"tracker"`
}

// ConvertStage controls the raw-recording to TIFF-stack conversion.
type ConvertStage struct {
	TimeDownsample int `json:"time_downsample"` // Keep every Nth frame
	XYDownsample   int `json:"xy_downsample"`   // Keep every Nth pixel in x and y
}

// FilterStage controls difference-of-Gaussians background suppression.
type FilterStage struct {
	LowSigma  float64 `json:"low_sigma"`
	HighSigma float64 `json:"high_sigma"`
}

// EncodeStage controls video encoding of the filtered stack.
type EncodeStage struct {
	FPS   float64 `json:"fps"`
	Codec string  `json:"codec"`
	CRF   int     `json:"crf"`
}

// TrackerStage configures the containerized tracking tool.
type TrackerStage struct {
	Runtime    string   `json:"runtime"` // docker or podman
	Image      string   `json:"image"`
	ParamsFile string   `json:"params_file"`
	ExtraArgs  []string `json:"extra_args"`
}

// Aggregation holds the thresholds passed to the summary statistics step.
type Aggregation struct {
	RequiredFrames int      `json:"required_frames"` // Minimum stretch length per worm
	NAThreshold    float64  `json:"na_threshold"`    // Missing-value row fraction
	FrameInterval  float64  `json:"frame_interval"`  // Expected timestamp spacing
	NoAbsColumns   []string `json:"no_abs_columns"`  // Columns averaged without sign-normalization
}

// Tools defines which external binaries to use for each stage.
type Tools struct {
	Converter ToolChoice `json:"converter"`
	Encoder   ToolChoice `json:"encoder"`
	Runtime   ToolChoice `json:"runtime"`
}

// ToolChoice names a preferred binary and its fallbacks.
type ToolChoice struct {
	Preferred string   `json:"preferred"`
	Fallbacks []string `json:"fallbacks"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("WORMFLOW_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			InputRoot:    ".",
			OutputRoot:   "./output",
			DatabasePath: filepath.Join(os.TempDir(), "wormflow.db"),
		},
		Stages: Stages{
			Convert: ConvertStage{TimeDownsample: 2, XYDownsample: 2},
			Filter:  FilterStage{LowSigma: 0.3, HighSigma: 3.0},
			Encode:  EncodeStage{FPS: 24.5, Codec: "libx264", CRF: 17},
			Tracker: TrackerStage{
				Runtime:    "docker",
				Image:      "tierpsy/tierpsy-tracker:latest",
				ParamsFile: "tracker_params.json",
			},
		},
		Aggregation: Aggregation{
			RequiredFrames: 20,
			NAThreshold:    0.1,
			FrameInterval:  1,
			NoAbsColumns:   []string{"orientation", "orientation_food_edge"},
		},
		Tools: Tools{
			Converter: ToolChoice{Preferred: "bfconvert", Fallbacks: []string{"nd2tool"}},
			Encoder:   ToolChoice{Preferred: "ffmpeg", Fallbacks: []string{"avconv"}},
			Runtime:   ToolChoice{Preferred: "docker", Fallbacks: []string{"podman"}},
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
