package svc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capstan/internal/logging"
	"capstan/internal/services"
)

// fakeService simulates the worker's HTTP surface. It reports healthy only
// once the spawned script has created the marker file, mimicking a model
// that takes a while to load.
type fakeService struct {
	marker string
}

func (f *fakeService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			if _, err := os.Stat(f.marker); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok"))
		case r.URL.Path == "/preload":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case r.URL.Path == "/preload_audio":
			if r.URL.Query().Get("path") == "" {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"path required"}`))
				return
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"original":"a","corrected":"b","has_diff":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestSupervisor(t *testing.T, baseURL string) *Supervisor {
	t.Helper()
	return New(Options{
		Port:          18765,
		BaseURL:       baseURL,
		HealthTTL:     2 * time.Second,
		StartAttempts: 20,
		StartInterval: 50 * time.Millisecond,
		ProbeTimeout:  500 * time.Millisecond,
	}, logging.NewNop())
}

func writeServiceScript(t *testing.T, dir, body string) (script, spawnLog string) {
	t.Helper()
	script = filepath.Join(dir, "service.sh")
	spawnLog = filepath.Join(dir, "spawns.log")
	content := "#!/bin/sh\necho spawn >> " + spawnLog + "\n" + body
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, spawnLog
}

func countSpawns(t *testing.T, spawnLog string) int {
	t.Helper()
	data, err := os.ReadFile(spawnLog)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "spawn")
}

func TestEnsureRunningSpawnsExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "loaded")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	defer sup.Stop()

	script, spawnLog := writeServiceScript(t, dir,
		"sleep 0.1\ntouch "+fake.marker+"\nsleep 30\n")

	refreshed := 0
	spec := StartSpec{
		Python:  "sh",
		Script:  script,
		Refresh: func() error { refreshed++; return nil },
	}

	if err := sup.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if sup.Current() != StateHealthy {
		t.Errorf("state = %q", sup.Current())
	}
	if refreshed != 1 {
		t.Errorf("refresh count = %d", refreshed)
	}

	// Second call observes the cached health and returns immediately.
	if err := sup.EnsureRunning(context.Background(), spec); err != nil {
		t.Fatal(err)
	}
	if got := countSpawns(t, spawnLog); got != 1 {
		t.Errorf("spawns = %d, want 1", got)
	}
}

func TestEnsureRunningTimeout(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "never-created")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := New(Options{
		BaseURL:       srv.URL,
		HealthTTL:     time.Second,
		StartAttempts: 3,
		StartInterval: 30 * time.Millisecond,
		ProbeTimeout:  200 * time.Millisecond,
	}, logging.NewNop())

	script, _ := writeServiceScript(t, dir, "sleep 30\n")
	err := sup.EnsureRunning(context.Background(), StartSpec{Python: "sh", Script: script})
	if !errors.Is(err, services.ErrServiceStartTimeout) {
		t.Fatalf("err = %v, want ErrServiceStartTimeout", err)
	}
	if sup.Current() != StateStopped {
		t.Errorf("state = %q, want stopped after timeout teardown", sup.Current())
	}
}

func TestEnsureRunningServiceDiesDuringStartup(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "never-created")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	script, _ := writeServiceScript(t, dir, "echo 'torch not found' >&2\nexit 3\n")

	err := sup.EnsureRunning(context.Background(), StartSpec{Python: "sh", Script: script})
	if !errors.Is(err, services.ErrServiceUnhealthy) {
		t.Fatalf("err = %v, want ErrServiceUnhealthy", err)
	}
	if !strings.Contains(err.Error(), "torch not found") {
		t.Errorf("stderr detail missing: %v", err)
	}
}

func TestStopTerminatesService(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "loaded")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	script, _ := writeServiceScript(t, dir, "touch "+fake.marker+"\nsleep 30\n")

	if err := sup.EnsureRunning(context.Background(), StartSpec{Python: "sh", Script: script}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	sup.Stop()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("stop took %v", elapsed)
	}
	if sup.Current() != StateStopped {
		t.Errorf("state = %q", sup.Current())
	}

	// Stop on an already-stopped supervisor is a no-op.
	sup.Stop()
}

func TestCurrentReprobesAfterHealthWindow(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "loaded")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	if err := os.WriteFile(fake.marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	sup := New(Options{
		BaseURL:       srv.URL,
		HealthTTL:     50 * time.Millisecond,
		StartAttempts: 3,
		StartInterval: 20 * time.Millisecond,
		ProbeTimeout:  200 * time.Millisecond,
	}, logging.NewNop())

	if err := sup.EnsureRunning(context.Background(), StartSpec{}); err != nil {
		t.Fatal(err)
	}
	if sup.Current() != StateHealthy {
		t.Fatalf("state = %q, want healthy", sup.Current())
	}

	// Service stops answering after startup.
	if err := os.Remove(fake.marker); err != nil {
		t.Fatal(err)
	}
	time.Sleep(150 * time.Millisecond)
	if got := sup.Current(); got != StateUnhealthy {
		t.Fatalf("state = %q, want unhealthy once the health window lapsed", got)
	}

	// Recovery goes through EnsureRunning.
	if err := os.WriteFile(fake.marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sup.EnsureRunning(context.Background(), StartSpec{}); err != nil {
		t.Fatal(err)
	}
	if sup.Current() != StateHealthy {
		t.Errorf("state = %q, want healthy again", sup.Current())
	}
}

func TestCurrentDetectsServiceExit(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "loaded")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	script, _ := writeServiceScript(t, dir, "touch "+fake.marker+"\nsleep 0.5\n")

	if err := sup.EnsureRunning(context.Background(), StartSpec{Python: "sh", Script: script}); err != nil {
		t.Fatal(err)
	}
	if sup.Current() != StateHealthy {
		t.Fatalf("state = %q, want healthy", sup.Current())
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.Current() != StateStopped {
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want stopped after the worker exited", sup.Current())
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Stop after the exit has been observed is a no-op.
	sup.Stop()
}

func TestDispatchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fake := &fakeService{marker: filepath.Join(dir, "loaded")}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	payload, err := sup.Dispatch(context.Background(), map[string]any{
		"audio_path": "/tmp/a.wav",
		"start_ms":   0,
		"end_ms":     1500,
	})
	if err != nil {
		t.Fatal(err)
	}
	var result struct {
		Corrected string `json:"corrected"`
		HasDiff   bool   `json:"has_diff"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Corrected != "b" || !result.HasDiff {
		t.Errorf("result = %+v", result)
	}
}

func TestDispatchErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"audio file not found"}`))
	}))
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	_, err := sup.Dispatch(context.Background(), map[string]string{})
	if !errors.Is(err, services.ErrServiceUnhealthy) {
		t.Fatalf("err = %v, want ErrServiceUnhealthy", err)
	}
	if !strings.Contains(err.Error(), "audio file not found") {
		t.Errorf("error body not surfaced: %v", err)
	}
}

func TestDispatchMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	_, err := sup.Dispatch(context.Background(), map[string]string{})
	if !errors.Is(err, services.ErrResultParse) {
		t.Fatalf("err = %v, want ErrResultParse", err)
	}
}

func TestDispatchConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	_, err := sup.Dispatch(context.Background(), map[string]string{})
	if !errors.Is(err, services.ErrServiceUnhealthy) {
		t.Fatalf("err = %v, want ErrServiceUnhealthy", err)
	}
}

func TestPreloadAudioEscapesPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Query().Get("path")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	if err := sup.PreloadAudio(context.Background(), "/media/my file (1).wav"); err != nil {
		t.Fatal(err)
	}
	if gotPath != "/media/my file (1).wav" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHealthCheckRejectsWrongBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("starting"))
	}))
	defer srv.Close()

	sup := newTestSupervisor(t, srv.URL)
	if sup.HealthCheck(context.Background()) {
		t.Error("non-ok body should fail the probe")
	}
}
