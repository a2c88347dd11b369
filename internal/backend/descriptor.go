package backend

import (
	"fmt"
	"strings"
)

// Variant identifies the CPU or GPU build of a backend environment.
type Variant string

const (
	VariantCPU  Variant = "cpu"
	VariantGPU  Variant = "gpu"
	VariantNone Variant = "none"
)

// ParseVariant normalizes user input into a Variant.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return VariantCPU, nil
	case "gpu", "cuda":
		return VariantGPU, nil
	default:
		return VariantNone, fmt.Errorf("unknown variant %q", s)
	}
}

// BridgeMode selects how worker progress reaches the supervising loop.
type BridgeMode int

const (
	// BridgePiped reads line-oriented progress from a worker stream.
	BridgePiped BridgeMode = iota
	// BridgePolling polls a scratch file the worker rewrites on each update.
	BridgePolling
)

// StreamKind selects which worker stream carries progress in piped mode.
type StreamKind int

const (
	StreamStdout StreamKind = iota
	StreamStderr
)

// ModelFile is one entry of a download manifest: exact size is the integrity
// check, LFS marks large binary artifacts stored via git-lfs on the hub.
type ModelFile struct {
	Name string
	Size int64
	LFS  bool
}

// Model describes one selectable model of a backend.
type Model struct {
	Name        string
	DisplaySize string
	// Repo is the hub repository id used for cache-layout probing, e.g.
	// "Systran/faster-whisper-tiny".
	Repo string
	// RequiredFiles must all be present in a cache snapshot for the model
	// to count as downloaded.
	RequiredFiles []string
	// RealtimeFactor is the rough transcription speed as a multiple of
	// realtime on CPU. Zero disables estimated progress for workers that
	// report none of their own.
	RealtimeFactor float64
}

// ServiceSpec describes the persistent inference service of a backend.
type ServiceSpec struct {
	ScriptName string
	// Endpoints beyond /health that the supervisor may call.
	PreloadPath      string
	PreloadAudioPath string
}

// Descriptor is the static description of one backend. All orchestration is
// generic over this structure; nothing backend-specific lives in code.
type Descriptor struct {
	ID           string
	DisplayName  string
	MarkerImport string

	TorchPackages []string
	CPUIndexURL   string
	GPUIndexURL   string
	Packages      []string

	ScriptNames  []string
	WorkerScript string

	Bridge         BridgeMode
	ProgressStream StreamKind
	ProgressEnvVar string

	Service *ServiceSpec

	// Manifest lists the files capstan downloads itself. An empty manifest
	// means the worker fetches its own model on first use.
	Manifest     []ModelFile
	URLTemplate  string
	ModelDirName string

	Models    []Model
	Languages []string
}

// EnvDirName returns the environment directory name for a variant.
func (d Descriptor) EnvDirName(v Variant) string {
	return d.ID + "-env-" + string(v)
}

// LegacyEnvDirName returns the pre-dual-layout environment directory name.
func (d Descriptor) LegacyEnvDirName() string {
	return d.ID + "-env"
}

// ActiveMarkerName returns the active-variant marker file name.
func (d Descriptor) ActiveMarkerName() string {
	return d.ID + "-active-env"
}

// LockName returns the advisory lock file name guarding state mutations.
func (d Descriptor) LockName() string {
	return d.ID + ".lock"
}

// IndexURL returns the package index for the heavy ML runtime install.
func (d Descriptor) IndexURL(v Variant) string {
	if v == VariantGPU {
		return d.GPUIndexURL
	}
	return d.CPUIndexURL
}

// FileURL renders the download URL for one manifest file.
func (d Descriptor) FileURL(name string) string {
	return fmt.Sprintf(d.URLTemplate, name)
}

// ManifestTotal returns the sum of all manifest file sizes.
func (d Descriptor) ManifestTotal() int64 {
	var total int64
	for _, f := range d.Manifest {
		total += f.Size
	}
	return total
}

// SupportsService reports whether the backend runs a persistent service.
func (d Descriptor) SupportsService() bool {
	return d.Service != nil
}

// FindModel looks up a model by name.
func (d Descriptor) FindModel(name string) (Model, bool) {
	for _, m := range d.Models {
		if m.Name == name {
			return m, true
		}
	}
	return Model{}, false
}
