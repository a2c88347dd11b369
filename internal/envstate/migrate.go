package envstate

import (
	"fmt"
	"os"
	"path/filepath"

	"capstan/internal/backend"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
)

// gpuVersionFile inside a legacy environment records that it was installed
// with the CUDA torch build.
const gpuVersionFile = ".gpu_version"

// MigrateLegacyLayout upgrades a pre-dual-layout install. Older releases
// kept a single <backend>-env directory; the current layout splits CPU and
// GPU into separate slots. Idempotent and called from every Probe.
//
// Rules: if the legacy directory exists and a dual-layout directory also
// exists, the legacy copy is stale and gets deleted. Otherwise the legacy
// directory is renamed into the slot matching how it was installed (GPU when
// a .gpu_version file is present, CPU as the historical default) and that
// variant becomes active.
func (r *Registry) MigrateLegacyLayout() error {
	legacy := r.legacyDir()
	if !fileutil.DirExists(legacy) {
		return nil
	}

	cpuExists := fileutil.DirExists(r.EnvDir(backend.VariantCPU))
	gpuExists := fileutil.DirExists(r.EnvDir(backend.VariantGPU))

	if cpuExists || gpuExists {
		if err := os.RemoveAll(legacy); err != nil {
			return fmt.Errorf("remove legacy env %s: %w", legacy, err)
		}
		r.logger.Info("stale legacy environment removed",
			logging.String(logging.FieldBackend, r.desc.ID),
			logging.String(logging.FieldPath, legacy))
		return nil
	}

	target := backend.VariantCPU
	if fileutil.FileExists(filepath.Join(legacy, gpuVersionFile)) {
		target = backend.VariantGPU
	}

	if err := os.Rename(legacy, r.EnvDir(target)); err != nil {
		return fmt.Errorf("migrate legacy env to %s slot: %w", target, err)
	}
	if err := r.writeMarker(target); err != nil {
		return err
	}
	r.logger.Info("legacy environment migrated",
		logging.String(logging.FieldBackend, r.desc.ID),
		logging.String(logging.FieldVariant, string(target)))
	return nil
}
