package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"wormflow/internal/fsutil"
)

// MetadataRequest describes a metadata extraction job.
type MetadataRequest struct {
	InputPath  string // raw recording
	OutputPath string // metadata JSON
}

// MetadataResult captures extraction metadata.
type MetadataResult struct {
	InputFile  string
	OutputFile string
	ToolUsed   string
	Skipped    bool
}

// recordingMetadata is the JSON document written next to the QC artifacts.
// The converter tools print free-form metadata text, so the document wraps
// the raw dump along with provenance fields.
type recordingMetadata struct {
	File        string `json:"file"`
	Tool        string `json:"tool"`
	ExtractedAt string `json:"extracted_at"`
	Metadata    string `json:"metadata"`
}

// metadataArgs maps each tool to its metadata-dump invocation.
func metadataArgs(tool, input string) []string {
	switch tool {
	case "nd2tool":
		return []string{"--meta", input}
	case "bfconvert":
		// The Bio-Formats bundle ships showinf for metadata; bfconvert
		// itself has no info mode, so the caller substitutes the binary.
		return []string{"-nopix", input}
	default:
		return []string{input}
	}
}

// ExtractMetadata dumps the recording's embedded metadata to a JSON file.
// The microscope writes optics and timing information into the recording
// header; keeping a copy beside the QC artifacts means the raw file can be
// archived without losing it.
func ExtractMetadata(ctx context.Context, tm *ToolManager, req MetadataRequest) (MetadataResult, error) {
	logger := slog.Default()

	if fsutil.Exists(req.OutputPath) {
		logger.Info("metadata exists, skipping", "output", req.OutputPath)
		return MetadataResult{InputFile: req.InputPath, OutputFile: req.OutputPath, Skipped: true}, nil
	}
	if !fileExists(req.InputPath) {
		return MetadataResult{}, fmt.Errorf("input recording does not exist: %s", req.InputPath)
	}
	if err := fsutil.EnsureParent(req.OutputPath); err != nil {
		return MetadataResult{}, err
	}

	tool, err := tm.GetAvailableConverter()
	if err != nil {
		return MetadataResult{}, err
	}
	binary := tool
	if tool == "bfconvert" {
		binary = "showinf"
		if !commandExists(binary) {
			return MetadataResult{}, fmt.Errorf("showinf not found alongside bfconvert")
		}
	}

	cmd := exec.CommandContext(ctx, binary, metadataArgs(tool, req.InputPath)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.Error("metadata extraction failed", "tool", binary, "error", err, "output", string(output))
		return MetadataResult{}, fmt.Errorf("%s failed: %v", binary, err)
	}

	doc := recordingMetadata{
		File:        req.InputPath,
		Tool:        binary,
		ExtractedAt: time.Now().UTC().Format(time.RFC3339),
		Metadata:    string(output),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return MetadataResult{}, err
	}
	if err := os.WriteFile(req.OutputPath, data, 0o644); err != nil {
		return MetadataResult{}, fmt.Errorf("failed to write metadata: %v", err)
	}

	logger.Info("extracted metadata", "input", req.InputPath, "output", req.OutputPath, "tool", binary)

	return MetadataResult{
		InputFile:  req.InputPath,
		OutputFile: req.OutputPath,
		ToolUsed:   binary,
	}, nil
}
