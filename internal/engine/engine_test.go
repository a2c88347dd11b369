package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"capstan/internal/backend"
	"capstan/internal/config"
	"capstan/internal/logging"
	"capstan/internal/oplog"
	"capstan/internal/progress"
	"capstan/internal/services"
	"capstan/internal/svc"
	"capstan/internal/testsupport"
)

// makeReadyEnv builds a variant environment that passes the readiness
// heuristic. The interpreter is a shell script so worker runs can be faked
// without a real Python.
func makeReadyEnv(t *testing.T, cfg *config.Config, desc backend.Descriptor, v backend.Variant, pythonBody string) {
	t.Helper()
	envDir := filepath.Join(cfg.Paths.ConfigRoot, desc.EnvDirName(v))
	if err := os.MkdirAll(filepath.Join(envDir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(envDir, "lib", "python3.11", "site-packages", desc.MarkerImport)
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatal(err)
	}
	if pythonBody == "" {
		pythonBody = "#!/bin/sh\nexit 0\n"
	}
	if err := os.WriteFile(filepath.Join(envDir, "bin", "python"), []byte(pythonBody), 0o755); err != nil {
		t.Fatal(err)
	}
}

func setActiveMarker(t *testing.T, cfg *config.Config, desc backend.Descriptor, v backend.Variant) {
	t.Helper()
	path := filepath.Join(cfg.Paths.ConfigRoot, desc.ActiveMarkerName())
	if err := os.WriteFile(path, []byte(string(v)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeAudio(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(testsupport.BaseDir(cfg), "clip.wav")
	testsupport.WriteFile(t, path, 64)
	return path
}

// collector gathers progress messages across goroutines.
type collector struct {
	mu       sync.Mutex
	messages []progress.Message
}

func (c *collector) sink() progress.Func {
	return func(m progress.Message) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.messages = append(c.messages, m)
	}
}

func (c *collector) snapshot() []progress.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

const pipedWorkerPython = `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
echo "DEVICE_INFO:cpu/int8"
echo "DURATION:12.5"
echo "STATUS:transcribing"
echo "PROGRESS:50:halfway"
echo "STATUS:completed"
printf '%s' '{"language":"en","segments":[{"start":0.0,"end":1.2,"text":"hello"}]}' > "$out"
exit 0
`

func TestTranscribePipedWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, pipedWorkerPython)
	setActiveMarker(t, cfg, desc, backend.VariantCPU)

	history := testsupport.MustOpenHistory(t, cfg)
	eng := New(cfg, desc, history, logging.NewNop())
	var col collector

	result, err := eng.Transcribe(context.Background(), TranscribeRequest{
		AudioPath: writeAudio(t, cfg),
		Model:     "base",
		Language:  "en",
	}, col.sink())
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Segments) != 1 || result.Segments[0].Text != "hello" {
		t.Errorf("segments = %+v", result.Segments)
	}
	if result.Language != "en" {
		t.Errorf("language = %q", result.Language)
	}
	if result.DeviceInfo != "cpu/int8" {
		t.Errorf("device info = %q", result.DeviceInfo)
	}
	if result.Duration != 12.5 {
		t.Errorf("duration = %f", result.Duration)
	}

	// Native 50% lands in the 10..95 band.
	var sawBand, sawDone bool
	for _, m := range col.snapshot() {
		if m.Status == progress.StatusTranscribing && m.Percent == 52.5 {
			sawBand = true
		}
		if m.Status == progress.StatusCompleted && m.Percent == 100 {
			sawDone = true
		}
	}
	if !sawBand {
		t.Errorf("no band-mapped progress in %+v", col.snapshot())
	}
	if !sawDone {
		t.Error("no completion message")
	}

	// Scratch result file is cleaned up.
	entries, err := os.ReadDir(cfg.ScratchDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty: %v", entries)
	}

	recs, err := history.Recent(context.Background(), desc.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != oplog.OutcomeCompleted || recs[0].Operation != "transcribe" {
		t.Errorf("history = %+v", recs)
	}
}

func TestTranscribeWorkerFailureSurfacesDiagnostic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	failing := "#!/bin/sh\necho '{\"error\":\"model missing\"}'\nexit 1\n"
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, failing)
	setActiveMarker(t, cfg, desc, backend.VariantCPU)

	history := testsupport.MustOpenHistory(t, cfg)
	eng := New(cfg, desc, history, logging.NewNop())

	_, err := eng.Transcribe(context.Background(), TranscribeRequest{
		AudioPath: writeAudio(t, cfg),
		Language:  "auto",
	}, nil)
	if !errors.Is(err, services.ErrWorkerFailed) {
		t.Fatalf("err = %v, want ErrWorkerFailed", err)
	}
	if !strings.Contains(err.Error(), "model missing") {
		t.Errorf("diagnostic not surfaced: %v", err)
	}

	recs, err := history.Recent(context.Background(), desc.ID, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != oplog.OutcomeFailed {
		t.Errorf("history = %+v", recs)
	}
	if !strings.Contains(recs[0].Detail, "model missing") {
		t.Errorf("history detail = %q", recs[0].Detail)
	}
}

func TestTranscribeValidation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	eng := New(cfg, desc, nil, logging.NewNop())
	ctx := context.Background()

	_, err := eng.Transcribe(ctx, TranscribeRequest{AudioPath: "/nope.wav", Language: "en"}, nil)
	if !errors.Is(err, services.ErrNotFound) {
		t.Errorf("missing audio: err = %v", err)
	}

	audio := writeAudio(t, cfg)
	_, err = eng.Transcribe(ctx, TranscribeRequest{AudioPath: audio, Language: "klingon"}, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("bad language: err = %v", err)
	}

	// No environment installed.
	_, err = eng.Transcribe(ctx, TranscribeRequest{AudioPath: audio, Language: "en"}, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("no env: err = %v", err)
	}
}

func TestEstimatedProgressFallback(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	quiet := `#!/bin/sh
out=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  prev="$a"
done
echo "DURATION:1.0"
sleep 1.2
echo "STATUS:completed"
printf '%s' '{"language":"en","segments":[]}' > "$out"
exit 0
`
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, quiet)
	setActiveMarker(t, cfg, desc, backend.VariantCPU)

	eng := New(cfg, desc, nil, logging.NewNop())
	var col collector
	_, err := eng.Transcribe(context.Background(), TranscribeRequest{
		AudioPath: writeAudio(t, cfg),
		Model:     "tiny",
		Language:  "en",
	}, col.sink())
	if err != nil {
		t.Fatal(err)
	}

	var estimated bool
	for _, m := range col.snapshot() {
		if m.Status == progress.StatusTranscribing && m.Text == "estimated" {
			estimated = true
			if m.Percent < bandLow || m.Percent > bandHigh {
				t.Errorf("estimated percent %f outside band", m.Percent)
			}
		}
	}
	if !estimated {
		t.Error("no estimated progress while worker was quiet")
	}
}

func fakeManifestBackend(srvURL string) backend.Descriptor {
	return backend.Descriptor{
		ID:           "fake",
		DisplayName:  "Fake",
		MarkerImport: "fake",
		Manifest: []backend.ModelFile{
			{Name: "model.bin", Size: 400},
			{Name: "tokens.txt", Size: 12},
		},
		URLTemplate:  srvURL + "/files/%s",
		ModelDirName: "FakeModel",
		Models: []backend.Model{
			{Name: "FakeModel", DisplaySize: "1 KB", Repo: "acme/FakeModel",
				RequiredFiles: []string{"model.bin", "tokens.txt"}},
		},
	}
}

func manifestServer(t *testing.T) *httptest.Server {
	t.Helper()
	files := map[string][]byte{
		"model.bin":  []byte(strings.Repeat("m", 400)),
		"tokens.txt": []byte(strings.Repeat("t", 12)),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/files/")
		data, ok := files[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadModelLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	srv := manifestServer(t)
	desc := fakeManifestBackend(srv.URL)
	history := testsupport.MustOpenHistory(t, cfg)
	eng := New(cfg, desc, history, logging.NewNop())
	ctx := context.Background()

	state, err := eng.ModelStatus("FakeModel")
	if err != nil {
		t.Fatal(err)
	}
	if state.Downloaded || state.Downloading {
		t.Errorf("fresh state = %+v", state)
	}

	var col collector
	if err := eng.DownloadModel(ctx, col.sink()); err != nil {
		t.Fatal(err)
	}

	state, err = eng.ModelStatus("FakeModel")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Downloaded || state.Downloading {
		t.Errorf("post-download state = %+v", state)
	}

	msgs := col.snapshot()
	last := msgs[len(msgs)-1]
	if last.Status != progress.StatusCompleted || last.Percent != 100 {
		t.Errorf("final message = %+v", last)
	}

	recs, err := history.Recent(ctx, "fake", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Status != oplog.OutcomeCompleted {
		t.Errorf("history = %+v", recs)
	}

	if err := eng.DeleteModel(ctx, "FakeModel"); err != nil {
		t.Fatal(err)
	}
	state, err = eng.ModelStatus("FakeModel")
	if err != nil {
		t.Fatal(err)
	}
	if state.Downloaded {
		t.Error("model still reported downloaded after delete")
	}
}

func TestDownloadModelRejectedWithoutManifest(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := New(cfg, backend.Whisper, nil, logging.NewNop())
	err := eng.DownloadModel(context.Background(), nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestModelStatusReportsPartial(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := fakeManifestBackend("http://unused")
	eng := New(cfg, desc, nil, logging.NewNop())

	dest := filepath.Join(cfg.ModelsDir(), "FakeModel")
	testsupport.WriteFile(t, filepath.Join(dest, "model.bin.part"), 100)

	state, err := eng.ModelStatus("FakeModel")
	if err != nil {
		t.Fatal(err)
	}
	if state.Downloaded {
		t.Error("partial should not count as downloaded")
	}
	if !state.Downloading {
		t.Error("partial file should report downloading")
	}
}

func TestUninstallHealsActiveVariant(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, "")
	makeReadyEnv(t, cfg, desc, backend.VariantGPU, "")
	setActiveMarker(t, cfg, desc, backend.VariantGPU)

	eng := New(cfg, desc, nil, logging.NewNop())
	if err := eng.Uninstall(context.Background(), backend.VariantGPU); err != nil {
		t.Fatal(err)
	}

	state, err := eng.EnvStatus()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu after gpu removal", state.Active)
	}
	if state.GPU.Installed {
		t.Error("gpu env still present")
	}
}

func TestSwitchVariantRequiresReadyTarget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.Whisper
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, "")
	setActiveMarker(t, cfg, desc, backend.VariantCPU)

	eng := New(cfg, desc, nil, logging.NewNop())
	err := eng.SwitchVariant(context.Background(), backend.VariantGPU)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}

	state, err := eng.EnvStatus()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu unchanged", state.Active)
	}
}

// recordingService logs supervisor calls along with the active marker at
// call time, making ordering against activation visible.
type recordingService struct {
	mu     sync.Mutex
	marker func() string
	events []string
}

func (r *recordingService) log(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+r.marker())
}

func (r *recordingService) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingService) Current() svc.State { return svc.StateHealthy }

func (r *recordingService) EnsureRunning(context.Context, svc.StartSpec) error {
	r.log("ensure")
	return nil
}

func (r *recordingService) Stop() { r.log("stop") }

func (r *recordingService) PreloadAudio(context.Context, string) error { return nil }

func (r *recordingService) Dispatch(context.Context, any) (json.RawMessage, error) {
	return nil, nil
}

func activeMarkerValue(cfg *config.Config, desc backend.Descriptor) func() string {
	path := filepath.Join(cfg.Paths.ConfigRoot, desc.ActiveMarkerName())
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return "none"
		}
		return strings.TrimSpace(string(data))
	}
}

func TestSwitchVariantStopsServiceBeforeActivation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.FireRed
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, "")
	makeReadyEnv(t, cfg, desc, backend.VariantGPU, "")
	setActiveMarker(t, cfg, desc, backend.VariantGPU)

	eng := New(cfg, desc, nil, logging.NewNop())
	rec := &recordingService{marker: activeMarkerValue(cfg, desc)}
	eng.service = rec

	if err := eng.SwitchVariant(context.Background(), backend.VariantCPU); err != nil {
		t.Fatal(err)
	}

	// The service must be stopped while gpu is still the active variant.
	events := rec.snapshot()
	if len(events) == 0 || events[0] != "stop:gpu" {
		t.Errorf("events = %v, want stop while gpu still active", events)
	}

	state, err := eng.EnvStatus()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu after switch", state.Active)
	}
}

func TestUninstallStopsServiceBeforeRemoval(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.FireRed
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, "")
	makeReadyEnv(t, cfg, desc, backend.VariantGPU, "")
	setActiveMarker(t, cfg, desc, backend.VariantGPU)

	eng := New(cfg, desc, nil, logging.NewNop())
	rec := &recordingService{marker: activeMarkerValue(cfg, desc)}
	eng.service = rec

	if err := eng.Uninstall(context.Background(), backend.VariantGPU); err != nil {
		t.Fatal(err)
	}

	events := rec.snapshot()
	if len(events) == 0 || events[0] != "stop:gpu" {
		t.Errorf("events = %v, want stop before the gpu env is removed", events)
	}

	state, err := eng.EnvStatus()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu after gpu removal", state.Active)
	}
}

const correctWorkerPython = `#!/bin/sh
out=""
entries=""
prev=""
for a in "$@"; do
  if [ "$prev" = "--output" ]; then out="$a"; fi
  if [ "$prev" = "--entries" ]; then entries="$a"; fi
  prev="$a"
done
test -f "$entries" || exit 1
printf '%s' '{"entries":[{"original":"helo","corrected":"hello","has_diff":true}]}' > "$out"
exit 0
`

func placeFireRedModel(t *testing.T, cfg *config.Config) {
	t.Helper()
	dir := filepath.Join(cfg.ModelsDir(), "FireRedASR-AED-L")
	for _, name := range []string{"model.pth.tar", "cmvn.ark"} {
		testsupport.WriteFile(t, filepath.Join(dir, name), 16)
	}
}

func TestCorrectBatchPollingWorker(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	desc := backend.FireRed
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, correctWorkerPython)
	setActiveMarker(t, cfg, desc, backend.VariantCPU)
	placeFireRedModel(t, cfg)

	eng := New(cfg, desc, nil, logging.NewNop())
	results, err := eng.CorrectBatch(context.Background(), writeAudio(t, cfg),
		[]CorrectionEntry{{StartMS: 0, EndMS: 1500, OriginalText: "helo"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Corrected != "hello" || !results[0].HasDiff {
		t.Errorf("results = %+v", results)
	}

	// Entries scratch file cleaned up alongside the result.
	entries, err := os.ReadDir(cfg.ScratchDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty: %v", entries)
	}
}

func TestCorrectEntryViaService(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			_, _ = w.Write([]byte("ok"))
		case r.Method == http.MethodPost:
			gotBody, _ = io.ReadAll(r.Body)
			_, _ = w.Write([]byte(`{"original":"helo","corrected":"hello","has_diff":true}`))
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	cfg := testsupport.NewConfig(t, testsupport.WithServicePort(port))
	desc := backend.FireRed
	makeReadyEnv(t, cfg, desc, backend.VariantCPU, "")
	setActiveMarker(t, cfg, desc, backend.VariantCPU)
	placeFireRedModel(t, cfg)

	eng := New(cfg, desc, nil, logging.NewNop())
	defer eng.Close()

	result, err := eng.CorrectEntry(context.Background(), CorrectEntryRequest{
		AudioPath:    writeAudio(t, cfg),
		StartMS:      100,
		EndMS:        900,
		OriginalText: "helo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Corrected != "hello" || !result.HasDiff {
		t.Errorf("result = %+v", result)
	}
	if !strings.Contains(string(gotBody), "\"start_ms\":100") {
		t.Errorf("request body = %s", gotBody)
	}
}

func TestCorrectEntryRejectedWithoutService(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	eng := New(cfg, backend.Whisper, nil, logging.NewNop())
	_, err := eng.CorrectEntry(context.Background(), CorrectEntryRequest{})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestEngineDescriptors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	for _, desc := range backend.All {
		eng := New(cfg, desc, nil, logging.NewNop())
		if eng.Descriptor().ID != desc.ID {
			t.Errorf("descriptor mismatch for %s", desc.ID)
		}
		if desc.SupportsService() != (eng.service != nil) {
			t.Errorf("service wiring mismatch for %s", desc.ID)
		}
	}
}
