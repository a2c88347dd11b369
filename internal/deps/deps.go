// Package deps detects the external tools and filesystem access capstan
// needs before installs and downloads begin. Both the daemon and the CLI
// status command use it, so the requirements list lives in one place.
package deps

import (
	"fmt"
	"os/exec"
	"strings"

	"capstan/internal/installer"
)

// Requirement defines an external dependency capstan relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// CheckBinaries evaluates the provided requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		if cmd == "" {
			status.Detail = "command not configured"
			results = append(results, status)
			continue
		}
		if _, err := exec.LookPath(cmd); err != nil {
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
			results = append(results, status)
			continue
		}
		status.Available = true
		results = append(results, status)
	}
	return results
}

// CheckSystemDeps evaluates every external tool requirement.
func CheckSystemDeps() []Status {
	return CheckBinaries([]Requirement{
		{
			Name:        "uv",
			Command:     resolveUV(),
			Description: "Required for provisioning backend environments",
		},
		{
			Name:        "FFmpeg",
			Command:     "ffmpeg",
			Description: "Required by workers for audio decoding",
		},
		{
			Name:        "FFprobe",
			Command:     "ffprobe",
			Description: "Enhances audio duration reporting",
			Optional:    true,
		},
	})
}

// resolveUV mirrors the installer's lookup so status output matches what an
// install would actually execute: PATH first, then ~/.local/bin/uv.
func resolveUV() string {
	if path, err := installer.LocateUV(); err == nil {
		return path
	}
	return "uv"
}
