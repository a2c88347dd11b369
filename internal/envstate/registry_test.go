package envstate

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"capstan/internal/backend"
	"capstan/internal/logging"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	return New(root, backend.SenseVoice, logging.NewNop()), root
}

// makeEnv creates a fake environment directory. ready controls whether the
// interpreter binary and marker package directory are present.
func makeEnv(t *testing.T, dir string, ready bool) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if !ready {
		return
	}
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "python"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	marker := filepath.Join(dir, "lib", "python3.11", "site-packages", "funasr")
	if err := os.MkdirAll(marker, 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestProbeEmpty(t *testing.T) {
	r, _ := newTestRegistry(t)
	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if state.CPU.Installed || state.GPU.Installed {
		t.Error("nothing should be installed")
	}
	if state.Active != backend.VariantNone {
		t.Errorf("active = %q, want none", state.Active)
	}
}

func TestReadyHeuristic(t *testing.T) {
	r, _ := newTestRegistry(t)
	dir := r.EnvDir(backend.VariantCPU)

	// Directory alone: installed but not ready.
	makeEnv(t, dir, false)
	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if !state.CPU.Installed {
		t.Error("cpu should be installed")
	}
	if state.CPU.Ready {
		t.Error("bare directory should not be ready")
	}

	// Interpreter without the marker package: still not ready.
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "python"), nil, 0o755); err != nil {
		t.Fatal(err)
	}
	state, err = r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if state.CPU.Ready {
		t.Error("missing marker package should not be ready")
	}

	// Full layout: ready, and the marker self-adopts it.
	makeEnv(t, dir, true)
	state, err = r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if !state.CPU.Ready {
		t.Error("complete layout should be ready")
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu", state.Active)
	}
}

func TestSelfHealFallsBackWhenActiveNotReady(t *testing.T) {
	r, root := newTestRegistry(t)
	makeEnv(t, r.EnvDir(backend.VariantCPU), true)
	if err := os.WriteFile(filepath.Join(root, "sensevoice-active-env"), []byte("gpu"), 0o644); err != nil {
		t.Fatal(err)
	}

	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu fallback", state.Active)
	}
	// Marker file must be rewritten, not just reported differently.
	data, err := os.ReadFile(filepath.Join(root, "sensevoice-active-env"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "cpu" {
		t.Errorf("marker = %q, want cpu", data)
	}
}

func TestAdoptionPrefersGPU(t *testing.T) {
	r, _ := newTestRegistry(t)
	makeEnv(t, r.EnvDir(backend.VariantCPU), true)
	makeEnv(t, r.EnvDir(backend.VariantGPU), true)

	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantGPU {
		t.Errorf("active = %q, want gpu", state.Active)
	}
}

func TestActiveImpliesReadyInvariant(t *testing.T) {
	r, root := newTestRegistry(t)

	// Every marker value crossed with every on-disk shape must end with an
	// active variant that is also ready, or none.
	for _, marker := range []string{"cpu", "gpu", "none", "garbage", ""} {
		for _, shape := range []struct {
			name     string
			cpuReady bool
			gpuReady bool
		}{
			{"neither", false, false},
			{"cpu only", true, false},
			{"gpu only", false, true},
			{"both", true, true},
		} {
			_ = os.RemoveAll(r.EnvDir(backend.VariantCPU))
			_ = os.RemoveAll(r.EnvDir(backend.VariantGPU))
			if shape.cpuReady {
				makeEnv(t, r.EnvDir(backend.VariantCPU), true)
			}
			if shape.gpuReady {
				makeEnv(t, r.EnvDir(backend.VariantGPU), true)
			}
			if err := os.WriteFile(filepath.Join(root, "sensevoice-active-env"), []byte(marker), 0o644); err != nil {
				t.Fatal(err)
			}

			state, err := r.Probe()
			if err != nil {
				t.Fatal(err)
			}
			if state.Active != backend.VariantNone && !state.ForVariant(state.Active).Ready {
				t.Errorf("marker=%q shape=%s: active %q is not ready", marker, shape.name, state.Active)
			}
		}
	}
}

func TestSetActiveRejectsNotReady(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.SetActive(backend.VariantGPU); err == nil {
		t.Fatal("expected rejection for not-ready variant")
	}
	makeEnv(t, r.EnvDir(backend.VariantGPU), true)
	if err := r.SetActive(backend.VariantGPU); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActive(backend.VariantNone); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateLegacyToCPUSlot(t *testing.T) {
	r, root := newTestRegistry(t)
	makeEnv(t, filepath.Join(root, "sensevoice-env"), true)

	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if !state.CPU.Ready {
		t.Error("legacy env should land in cpu slot")
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu", state.Active)
	}
	if _, err := os.Stat(filepath.Join(root, "sensevoice-env")); !os.IsNotExist(err) {
		t.Error("legacy directory should be gone")
	}

	// Second probe is a no-op.
	if _, err := r.Probe(); err != nil {
		t.Fatal(err)
	}
}

func TestMigrateLegacyGPUVersion(t *testing.T) {
	r, root := newTestRegistry(t)
	legacy := filepath.Join(root, "sensevoice-env")
	makeEnv(t, legacy, true)
	if err := os.WriteFile(filepath.Join(legacy, ".gpu_version"), []byte("cu124"), 0o644); err != nil {
		t.Fatal(err)
	}

	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if !state.GPU.Ready {
		t.Error("legacy gpu env should land in gpu slot")
	}
	if state.Active != backend.VariantGPU {
		t.Errorf("active = %q, want gpu", state.Active)
	}
}

func TestMigrateDeletesLegacyWhenDualLayoutExists(t *testing.T) {
	r, root := newTestRegistry(t)
	makeEnv(t, filepath.Join(root, "sensevoice-env"), true)
	makeEnv(t, r.EnvDir(backend.VariantCPU), true)

	if _, err := r.Probe(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "sensevoice-env")); !os.IsNotExist(err) {
		t.Error("legacy directory should be deleted when dual layout exists")
	}
}

func TestRemoveVariantThenProbeHeals(t *testing.T) {
	r, _ := newTestRegistry(t)
	makeEnv(t, r.EnvDir(backend.VariantCPU), true)
	makeEnv(t, r.EnvDir(backend.VariantGPU), true)
	if _, err := r.Probe(); err != nil {
		t.Fatal(err)
	}

	if err := r.RemoveVariant(backend.VariantGPU); err != nil {
		t.Fatal(err)
	}
	state, err := r.Probe()
	if err != nil {
		t.Fatal(err)
	}
	if state.Active != backend.VariantCPU {
		t.Errorf("active = %q, want cpu after gpu removal", state.Active)
	}
}

func TestVerifyUsesInterpreter(t *testing.T) {
	r, _ := newTestRegistry(t)
	dir := r.EnvDir(backend.VariantCPU)
	makeEnv(t, dir, true)

	original := commandContext
	t.Cleanup(func() { commandContext = original })

	var gotArgs []string
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		gotArgs = append([]string{name}, args...)
		return exec.CommandContext(ctx, "true")
	}
	if err := r.Verify(context.Background(), backend.VariantCPU); err != nil {
		t.Fatal(err)
	}
	if len(gotArgs) != 3 || gotArgs[2] != "import funasr" {
		t.Errorf("verify args = %v", gotArgs)
	}

	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}
	if err := r.Verify(context.Background(), backend.VariantCPU); err == nil {
		t.Error("expected verify failure")
	}
}

func TestVerifyMissingInterpreter(t *testing.T) {
	r, _ := newTestRegistry(t)
	if err := r.Verify(context.Background(), backend.VariantGPU); err == nil {
		t.Fatal("expected missing-interpreter error")
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	r, _ := newTestRegistry(t)
	ran := false
	if err := r.WithLock(func() error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("locked function did not run")
	}
	// The lock must be free again afterwards.
	ok, err := r.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("lock not released after WithLock")
	}
	_ = r.Unlock()
}
