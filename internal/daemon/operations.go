package daemon

import (
	"context"

	"capstan/internal/api"
	"capstan/internal/backend"
	"capstan/internal/engine"
)

// Install provisions a backend variant, streaming progress into the status
// cache.
func (d *Daemon) Install(ctx context.Context, backendID, variant string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	v, err := backend.ParseVariant(variant)
	if err != nil {
		return err
	}
	return eng.Install(ctx, v, d.sink(backendID))
}

// SwitchVariant activates an installed variant.
func (d *Daemon) SwitchVariant(ctx context.Context, backendID, variant string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	v, err := backend.ParseVariant(variant)
	if err != nil {
		return err
	}
	return eng.SwitchVariant(ctx, v)
}

// Uninstall removes a variant's environment.
func (d *Daemon) Uninstall(ctx context.Context, backendID, variant string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	v, err := backend.ParseVariant(variant)
	if err != nil {
		return err
	}
	return eng.Uninstall(ctx, v)
}

// VerifyEnv runs the slow interpreter-backed readiness check.
func (d *Daemon) VerifyEnv(ctx context.Context, backendID, variant string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	v, err := backend.ParseVariant(variant)
	if err != nil {
		return err
	}
	return eng.VerifyEnv(ctx, v)
}

// EnvStatus probes one backend's environments.
func (d *Daemon) EnvStatus(backendID string) (api.BackendStatus, error) {
	eng, err := d.Engine(backendID)
	if err != nil {
		return api.BackendStatus{}, err
	}
	state, err := eng.EnvStatus()
	if err != nil {
		return api.BackendStatus{}, err
	}
	return api.FromEnvState(eng.Descriptor(), state, eng.ServiceStatus(), eng.ModelStatuses()), nil
}

// DownloadModel fetches a backend's model manifest.
func (d *Daemon) DownloadModel(ctx context.Context, backendID string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	return eng.DownloadModel(ctx, d.sink(backendID))
}

// DeleteModel removes a cached model.
func (d *Daemon) DeleteModel(ctx context.Context, backendID, model string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	return eng.DeleteModel(ctx, model)
}

// Models reports every catalog model of a backend.
func (d *Daemon) Models(backendID string) ([]engine.ModelState, error) {
	eng, err := d.Engine(backendID)
	if err != nil {
		return nil, err
	}
	return eng.ModelStatuses(), nil
}

// Transcribe runs a one-shot transcription.
func (d *Daemon) Transcribe(ctx context.Context, backendID string, req engine.TranscribeRequest) (*engine.TranscribeResult, error) {
	eng, err := d.Engine(backendID)
	if err != nil {
		return nil, err
	}
	return eng.Transcribe(ctx, req, d.sink(backendID))
}

// CorrectBatch corrects subtitle entries in one worker run.
func (d *Daemon) CorrectBatch(ctx context.Context, backendID, audioPath string, entries []engine.CorrectionEntry) ([]engine.CorrectionResult, error) {
	eng, err := d.Engine(backendID)
	if err != nil {
		return nil, err
	}
	return eng.CorrectBatch(ctx, audioPath, entries, d.sink(backendID))
}

// CorrectEntry corrects one entry through the persistent service.
func (d *Daemon) CorrectEntry(ctx context.Context, backendID string, req engine.CorrectEntryRequest) (*engine.CorrectionResult, error) {
	eng, err := d.Engine(backendID)
	if err != nil {
		return nil, err
	}
	return eng.CorrectEntry(ctx, req)
}

// Cancel requests cancellation of a backend's running operation.
func (d *Daemon) Cancel(backendID string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	eng.Cancel()
	return nil
}

// StopService terminates a backend's persistent service.
func (d *Daemon) StopService(backendID string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	eng.StopService()
	return nil
}

// PreloadAudio asks a backend's service to decode and cache one audio file.
func (d *Daemon) PreloadAudio(ctx context.Context, backendID, path string) error {
	eng, err := d.Engine(backendID)
	if err != nil {
		return err
	}
	return eng.PreloadAudio(ctx, path)
}
