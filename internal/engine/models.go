package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"capstan/internal/progress"
	"capstan/internal/services"
	"capstan/internal/transfer"
)

// ModelState summarizes one model for display.
type ModelState struct {
	Name        string `json:"name"`
	DisplaySize string `json:"display_size"`
	Downloaded  bool   `json:"downloaded"`
	Downloading bool   `json:"downloading"`
}

func (e *Engine) modelDestDir() string {
	return filepath.Join(e.cfg.ModelsDir(), e.desc.ModelDirName)
}

// cacheRoots are all directories probed for downloaded models: the external
// hub caches plus capstan's own models directory.
func (e *Engine) cacheRoots() []string {
	return append(slices.Clone(e.cfg.Paths.HubCacheDirs), e.cfg.ModelsDir())
}

// DownloadModel fetches the backend's model manifest, resuming any partial
// files. Starting a new download supersedes the previous one: an in-flight
// transfer holding the old generation stops at its next chunk with
// ErrSuperseded.
func (e *Engine) DownloadModel(ctx context.Context, sink progress.Func) error {
	if len(e.desc.Manifest) == 0 {
		return services.Wrap(services.ErrValidation, "engine", "download model",
			e.desc.ID+" models are fetched by the worker on first use", nil)
	}
	e.token.Reset()
	snapshot := e.generation.Next()
	finish := e.begin(ctx, "download-model", "", e.desc.ModelDirName)

	task := transfer.Task{
		Backend: e.desc.ID,
		Files:   e.desc.Manifest,
		URL:     e.desc.FileURL,
		DestDir: e.modelDestDir(),
		Valid:   func() bool { return e.generation.Valid(snapshot) },
		Token:   &e.token,
	}
	err := e.transfers.Download(ctx, task, sink)
	finish(err)
	return err
}

// ModelStatus reports one model's download state. Downloading means partial
// files exist on disk, not that a transfer is necessarily in flight.
func (e *Engine) ModelStatus(name string) (ModelState, error) {
	model, ok := e.desc.FindModel(name)
	if !ok {
		return ModelState{}, services.Wrap(services.ErrNotFound, "engine", "model status",
			fmt.Sprintf("unknown %s model %q", e.desc.ID, name), nil)
	}
	state := ModelState{
		Name:        model.Name,
		DisplaySize: model.DisplaySize,
		Downloaded:  transfer.ModelDownloaded(e.cacheRoots(), model),
	}
	if len(e.desc.Manifest) > 0 {
		state.Downloading = transfer.PartialExists(e.modelDestDir(), e.desc.Manifest)
	}
	return state, nil
}

// ModelStatuses reports every catalog model.
func (e *Engine) ModelStatuses() []ModelState {
	states := make([]ModelState, 0, len(e.desc.Models))
	for _, m := range e.desc.Models {
		state, err := e.ModelStatus(m.Name)
		if err != nil {
			continue
		}
		states = append(states, state)
	}
	return states
}

// DeleteModel removes every cached copy of a model. An in-flight download of
// the same backend is superseded first so it cannot recreate files mid
// removal.
func (e *Engine) DeleteModel(ctx context.Context, name string) error {
	model, ok := e.desc.FindModel(name)
	if !ok {
		return services.Wrap(services.ErrNotFound, "engine", "delete model",
			fmt.Sprintf("unknown %s model %q", e.desc.ID, name), nil)
	}
	e.generation.Next()
	finish := e.begin(ctx, "delete-model", "", name)

	err := func() error {
		if _, err := transfer.DeleteModel(e.cacheRoots(), model); err != nil {
			return err
		}
		// Partial manifest files live outside the hub layouts.
		if len(e.desc.Manifest) > 0 {
			if err := os.RemoveAll(e.modelDestDir()); err != nil {
				return fmt.Errorf("remove %s: %w", e.modelDestDir(), err)
			}
		}
		return nil
	}()
	finish(err)
	return err
}
