package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"capstan/internal/backend"
	"capstan/internal/bridge"
	"capstan/internal/fileutil"
	"capstan/internal/language"
	"capstan/internal/progress"
	"capstan/internal/services"
	"capstan/internal/svc"
	"capstan/internal/transfer"
)

// TranscribeRequest is one transcription run.
type TranscribeRequest struct {
	AudioPath string `json:"audio_path"`
	Model     string `json:"model,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Segment is one recognized span of speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscribeResult is a completed transcription.
type TranscribeResult struct {
	Segments   []Segment `json:"segments"`
	Language   string    `json:"language"`
	DeviceInfo string    `json:"device_info,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
}

// CorrectionEntry is one subtitle entry submitted for correction.
type CorrectionEntry struct {
	StartMS      int64  `json:"start_ms"`
	EndMS        int64  `json:"end_ms"`
	OriginalText string `json:"original_text"`
}

// CorrectionResult is the corrected form of one entry.
type CorrectionResult struct {
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	HasDiff   bool   `json:"has_diff"`
}

// CorrectEntryRequest is one interactive correction served by the persistent
// service.
type CorrectEntryRequest struct {
	AudioPath    string `json:"audio_path"`
	StartMS      int64  `json:"start_ms"`
	EndMS        int64  `json:"end_ms"`
	OriginalText string `json:"original_text"`
	Language     string `json:"language,omitempty"`
	PreserveCase bool   `json:"preserve_case"`
}

// Transcribe runs the backend's one-shot worker over an audio file.
func (e *Engine) Transcribe(ctx context.Context, req TranscribeRequest, sink progress.Func) (*TranscribeResult, error) {
	if !fileutil.FileExists(req.AudioPath) {
		return nil, services.Wrap(services.ErrNotFound, "engine", "transcribe",
			"audio file not found: "+req.AudioPath, nil)
	}
	hint := language.Normalize(req.Language)
	if hint == "" || !language.SupportedBy(hint, e.desc.Languages) {
		return nil, services.Wrap(services.ErrValidation, "engine", "transcribe",
			fmt.Sprintf("language %q not supported by %s", req.Language, e.desc.ID), nil)
	}

	active, err := e.activeVariant()
	if err != nil {
		return nil, err
	}

	e.token.Reset()
	finish := e.begin(ctx, "transcribe", string(active), filepath.Base(req.AudioPath))

	result, err := e.runTranscribe(req, hint, active, sink)
	finish(err)
	return result, err
}

func (e *Engine) runTranscribe(req TranscribeRequest, hint string, active backend.Variant, sink progress.Func) (*TranscribeResult, error) {
	if err := e.installer.WriteScripts(e.desc); err != nil {
		return nil, err
	}

	outputPath := bridge.ScratchResultPath(e.cfg.ScratchDir(), e.desc.ID)
	args := []string{req.AudioPath}

	var modelFactor float64
	if len(e.desc.Manifest) == 0 {
		// Worker fetches its own model by name.
		name := req.Model
		if name == "" {
			name = e.desc.Models[0].Name
		}
		model, ok := e.desc.FindModel(name)
		if !ok {
			return nil, services.Wrap(services.ErrValidation, "engine", "transcribe",
				fmt.Sprintf("unknown %s model %q", e.desc.ID, name), nil)
		}
		modelFactor = model.RealtimeFactor
		args = append(args, "--model", model.Name)
	} else {
		modelDir, err := e.requireModelDir()
		if err != nil {
			return nil, err
		}
		args = append(args, "--model-dir", modelDir)
	}
	args = append(args, "--language", hint, "--device", deviceFor(active), "--output", outputPath)

	wrapped, stop := e.transcribeSink(modelFactor, sink)
	defer stop()

	out, err := e.runner.Run(bridge.Spec{
		Python:         e.registry.PythonPath(active),
		Script:         e.installer.ScriptPath(e.desc.WorkerScript),
		Args:           args,
		Mode:           e.desc.Bridge,
		Stream:         e.desc.ProgressStream,
		ProgressEnvVar: e.desc.ProgressEnvVar,
		OutputPath:     outputPath,
		ScratchDir:     e.cfg.ScratchDir(),
	}, &e.token, wrapped)
	if err != nil {
		return nil, err
	}

	var result TranscribeResult
	if err := json.Unmarshal(out.Payload, &result); err != nil {
		return nil, services.Wrap(services.ErrResultParse, "engine", "transcribe",
			"decode worker result", err)
	}
	result.DeviceInfo = out.DeviceInfo
	if result.Duration == 0 {
		result.Duration = out.Duration
	}
	return &result, nil
}

// CorrectBatch corrects a set of subtitle entries in one worker run.
func (e *Engine) CorrectBatch(ctx context.Context, audioPath string, entries []CorrectionEntry, sink progress.Func) ([]CorrectionResult, error) {
	if !fileutil.FileExists(audioPath) {
		return nil, services.Wrap(services.ErrNotFound, "engine", "correct",
			"audio file not found: "+audioPath, nil)
	}
	if len(entries) == 0 {
		return nil, services.Wrap(services.ErrValidation, "engine", "correct", "no entries", nil)
	}
	active, err := e.activeVariant()
	if err != nil {
		return nil, err
	}
	modelDir, err := e.requireModelDir()
	if err != nil {
		return nil, err
	}

	e.token.Reset()
	finish := e.begin(ctx, "correct", string(active), filepath.Base(audioPath))

	results, err := e.runCorrectBatch(audioPath, entries, modelDir, active, sink)
	finish(err)
	return results, err
}

func (e *Engine) runCorrectBatch(audioPath string, entries []CorrectionEntry, modelDir string, active backend.Variant, sink progress.Func) ([]CorrectionResult, error) {
	if err := e.installer.WriteScripts(e.desc); err != nil {
		return nil, err
	}

	entriesPath := filepath.Join(e.cfg.ScratchDir(), "entries-"+uuid.NewString()+".json")
	entriesJSON, err := json.Marshal(entries)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "engine", "correct", "encode entries", err)
	}
	if err := os.WriteFile(entriesPath, entriesJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write entries file: %w", err)
	}
	defer os.Remove(entriesPath)

	outputPath := bridge.ScratchResultPath(e.cfg.ScratchDir(), e.desc.ID)
	out, err := e.runner.Run(bridge.Spec{
		Python: e.registry.PythonPath(active),
		Script: e.installer.ScriptPath(e.desc.WorkerScript),
		Args: []string{audioPath,
			"--model-dir", modelDir,
			"--entries", entriesPath,
			"--device", deviceFor(active),
			"--output", outputPath},
		Mode:           e.desc.Bridge,
		Stream:         e.desc.ProgressStream,
		ProgressEnvVar: e.desc.ProgressEnvVar,
		OutputPath:     outputPath,
		ScratchDir:     e.cfg.ScratchDir(),
	}, &e.token, sink)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Entries []CorrectionResult `json:"entries"`
	}
	if err := json.Unmarshal(out.Payload, &payload); err != nil {
		return nil, services.Wrap(services.ErrResultParse, "engine", "correct",
			"decode worker result", err)
	}
	return payload.Entries, nil
}

// CorrectEntry corrects one entry through the persistent service, starting
// it if needed. The model stays resident between calls.
func (e *Engine) CorrectEntry(ctx context.Context, req CorrectEntryRequest) (*CorrectionResult, error) {
	if err := e.ensureService(ctx); err != nil {
		return nil, err
	}
	payload, err := e.service.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	var result CorrectionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, services.Wrap(services.ErrResultParse, "engine", "correct entry",
			"decode service result", err)
	}
	return &result, nil
}

// PreloadAudio asks the running service to decode and cache one audio file,
// starting the service if needed.
func (e *Engine) PreloadAudio(ctx context.Context, path string) error {
	if err := e.ensureService(ctx); err != nil {
		return err
	}
	return e.service.PreloadAudio(ctx, path)
}

func (e *Engine) ensureService(ctx context.Context) error {
	if e.service == nil {
		return services.Wrap(services.ErrValidation, "engine", "service",
			e.desc.ID+" has no persistent service", nil)
	}
	active, err := e.activeVariant()
	if err != nil {
		return err
	}
	modelDir, err := e.requireModelDir()
	if err != nil {
		return err
	}
	return e.service.EnsureRunning(ctx, svc.StartSpec{
		Python: e.registry.PythonPath(active),
		Script: e.installer.ScriptPath(e.desc.Service.ScriptName),
		Args: []string{
			"--model-dir", modelDir,
			"--device", deviceFor(active),
			"--port", fmt.Sprintf("%d", e.cfg.Service.Port)},
		Refresh: func() error { return e.installer.WriteScripts(e.desc) },
	})
}

// requireModelDir resolves the downloaded model directory for backends whose
// models capstan manages itself.
func (e *Engine) requireModelDir() (string, error) {
	if len(e.desc.Models) == 0 {
		return "", services.Wrap(services.ErrConfiguration, "engine", "resolve model",
			e.desc.ID+" has no model catalog", nil)
	}
	model := e.desc.Models[0]
	dir := transfer.LocateModel(e.cacheRoots(), model)
	if dir == "" {
		return "", services.Wrap(services.ErrNotFound, "engine", "resolve model",
			fmt.Sprintf("%s model %s is not downloaded", e.desc.ID, model.Name), nil)
	}
	return dir, nil
}
