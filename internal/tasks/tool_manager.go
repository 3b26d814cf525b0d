package tasks

import (
	"fmt"
	"os/exec"
	"strings"

	"wormflow/internal/config"
)

// ToolManager handles automatic tool selection and fallbacks for the
// external binaries the pipeline stages delegate to.
type ToolManager struct {
	cfg *config.Config
}

// NewToolManager creates a new tool manager with configuration.
func NewToolManager(cfg *config.Config) *ToolManager {
	return &ToolManager{cfg: cfg}
}

// ToolStatus represents the availability of a tool.
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// CheckTool verifies if a tool is available and working.
func (tm *ToolManager) CheckTool(toolName string) ToolStatus {
	path, err := exec.LookPath(toolName)
	if err != nil {
		return ToolStatus{Available: false, Error: err}
	}

	var versionCmd []string
	switch toolName {
	case "ffmpeg", "avconv":
		versionCmd = []string{toolName, "-version"}
	case "docker", "podman":
		versionCmd = []string{toolName, "--version"}
	case "bfconvert":
		versionCmd = []string{toolName, "-version"}
	case "nd2tool":
		versionCmd = []string{toolName, "--version"}
	default:
		return ToolStatus{Available: true, Path: path}
	}

	cmd := exec.Command(versionCmd[0], versionCmd[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Some tools return non-zero exit codes for version output but
		// still print something useful.
		if len(output) > 0 {
			return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
		}
		return ToolStatus{Available: false, Path: path, Error: err}
	}
	return ToolStatus{Available: true, Version: extractVersion(string(output)), Path: path}
}

// GetAvailableConverter returns the best available raw-recording converter.
func (tm *ToolManager) GetAvailableConverter() (string, error) {
	return tm.firstAvailable(tm.cfg.Tools.Converter, "recording converter")
}

// GetAvailableEncoder returns the best available video encoder.
func (tm *ToolManager) GetAvailableEncoder() (string, error) {
	return tm.firstAvailable(tm.cfg.Tools.Encoder, "video encoder")
}

// GetAvailableRuntime returns the best available container runtime for the
// tracking tool.
func (tm *ToolManager) GetAvailableRuntime() (string, error) {
	return tm.firstAvailable(tm.cfg.Tools.Runtime, "container runtime")
}

func (tm *ToolManager) firstAvailable(choice config.ToolChoice, kind string) (string, error) {
	tools := []string{choice.Preferred}
	tools = append(tools, choice.Fallbacks...)
	for _, tool := range tools {
		if tool == "" {
			continue
		}
		if status := tm.CheckTool(tool); status.Available {
			return tool, nil
		}
	}
	return "", fmt.Errorf("no available %s found (tried %s)", kind, strings.Join(tools, ", "))
}

// GetToolStatus returns the status of all configured tools by stage.
func (tm *ToolManager) GetToolStatus() map[string]map[string]ToolStatus {
	status := make(map[string]map[string]ToolStatus)
	for stage, choice := range map[string]config.ToolChoice{
		"converter": tm.cfg.Tools.Converter,
		"encoder":   tm.cfg.Tools.Encoder,
		"runtime":   tm.cfg.Tools.Runtime,
	} {
		tools := []string{choice.Preferred}
		tools = append(tools, choice.Fallbacks...)
		status[stage] = make(map[string]ToolStatus)
		for _, tool := range tools {
			if tool == "" {
				continue
			}
			status[stage][tool] = tm.CheckTool(tool)
		}
	}
	return status
}

// extractVersion extracts version information from tool output.
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
