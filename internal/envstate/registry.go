package envstate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"capstan/internal/backend"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/services"
)

// commandContext is swapped out by tests to avoid invoking real interpreters.
var commandContext = exec.CommandContext

// VariantState describes one environment variant on disk.
type VariantState struct {
	Variant   backend.Variant `json:"variant"`
	Dir       string          `json:"dir"`
	Installed bool            `json:"installed"`
	Ready     bool            `json:"ready"`
}

// State is a point-in-time view of a backend's environments.
type State struct {
	CPU    VariantState    `json:"cpu"`
	GPU    VariantState    `json:"gpu"`
	Active backend.Variant `json:"active"`
}

// ReadyVariant returns the state for the given variant.
func (s State) ForVariant(v backend.Variant) VariantState {
	if v == backend.VariantGPU {
		return s.GPU
	}
	return s.CPU
}

// Registry is the filesystem-backed state machine tracking which variants of
// a backend environment are installed, ready, and active. Readiness is a
// fast heuristic (interpreter binary plus marker package directory), not a
// real import check; Verify performs the slow, certain version.
type Registry struct {
	root   string
	desc   backend.Descriptor
	logger *slog.Logger
	lock   *flock.Flock
}

// New constructs a registry rooted at the application config directory.
func New(root string, desc backend.Descriptor, logger *slog.Logger) *Registry {
	return &Registry{
		root:   root,
		desc:   desc,
		logger: logging.WithComponent(logger, "envstate"),
		lock:   flock.New(filepath.Join(root, desc.LockName())),
	}
}

// EnvDir returns the install directory for a variant.
func (r *Registry) EnvDir(v backend.Variant) string {
	return filepath.Join(r.root, r.desc.EnvDirName(v))
}

// PythonPath returns the variant's interpreter binary path.
func (r *Registry) PythonPath(v backend.Variant) string {
	return filepath.Join(r.EnvDir(v), "bin", "python")
}

func (r *Registry) markerPath() string {
	return filepath.Join(r.root, r.desc.ActiveMarkerName())
}

func (r *Registry) legacyDir() string {
	return filepath.Join(r.root, r.desc.LegacyEnvDirName())
}

// WithLock runs fn while holding the backend's advisory lock. Install,
// switch, and uninstall all mutate shared directories and the marker file;
// the lock serializes them across processes.
func (r *Registry) WithLock(fn func() error) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("acquire %s lock: %w", r.desc.ID, err)
	}
	defer func() {
		_ = r.lock.Unlock()
	}()
	return fn()
}

// TryLock attempts the advisory lock without blocking. Callers use it to
// fail fast when another mutation is in flight.
func (r *Registry) TryLock() (bool, error) {
	return r.lock.TryLock()
}

// Unlock releases the advisory lock acquired via TryLock.
func (r *Registry) Unlock() error {
	return r.lock.Unlock()
}

// Probe reports the current environment state. It migrates any legacy
// single-environment layout first, then self-heals the active marker: an
// active variant that is no longer ready falls back to the other ready
// variant or to none, and an unset marker adopts a ready variant (GPU
// preferred). Safe to call on every status poll.
func (r *Registry) Probe() (State, error) {
	if err := r.MigrateLegacyLayout(); err != nil {
		return State{}, err
	}

	state := State{
		CPU: r.variantState(backend.VariantCPU),
		GPU: r.variantState(backend.VariantGPU),
	}

	active := r.readMarker()
	healed := r.heal(active, state)
	if healed != active {
		if err := r.writeMarker(healed); err != nil {
			return State{}, err
		}
		r.logger.Info("active variant healed",
			logging.String(logging.FieldBackend, r.desc.ID),
			logging.String("from", string(active)),
			logging.String("to", string(healed)))
	}
	state.Active = healed
	return state, nil
}

// SetActive persists the active variant. The variant must be ready; use
// backend.VariantNone to clear. Callers hold the advisory lock.
func (r *Registry) SetActive(v backend.Variant) error {
	if v != backend.VariantNone {
		vs := r.variantState(v)
		if !vs.Ready {
			return services.Wrap(services.ErrValidation, "envstate", "set active",
				fmt.Sprintf("%s %s variant is not ready", r.desc.ID, v), nil)
		}
	}
	return r.writeMarker(v)
}

// RemoveVariant deletes a variant's environment directory. Callers hold the
// advisory lock and have stopped any service bound to the variant.
func (r *Registry) RemoveVariant(v backend.Variant) error {
	dir := r.EnvDir(v)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}

// Verify runs the slow readiness check: invoke the variant's interpreter and
// import the marker package. Probe's heuristic can misreport a corrupted
// partial install as ready; Verify cannot.
func (r *Registry) Verify(ctx context.Context, v backend.Variant) error {
	python := r.PythonPath(v)
	if !fileutil.FileExists(python) {
		return services.Wrap(services.ErrNotFound, "envstate", "verify",
			fmt.Sprintf("interpreter missing at %s", python), nil)
	}
	cmd := commandContext(ctx, python, "-c", "import "+r.desc.MarkerImport)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := strings.TrimSpace(string(out))
		if detail == "" {
			detail = err.Error()
		}
		return services.Wrap(services.ErrValidation, "envstate", "verify",
			fmt.Sprintf("import %s failed: %s", r.desc.MarkerImport, detail), nil)
	}
	return nil
}

func (r *Registry) variantState(v backend.Variant) VariantState {
	dir := r.EnvDir(v)
	vs := VariantState{Variant: v, Dir: dir}
	vs.Installed = fileutil.DirExists(dir)
	if vs.Installed {
		vs.Ready = r.ready(dir)
	}
	return vs
}

// ready checks the interpreter binary and the marker package directory under
// site-packages. Deliberately no subprocess spawn: this runs on every status
// poll.
func (r *Registry) ready(dir string) bool {
	if !fileutil.FileExists(filepath.Join(dir, "bin", "python")) {
		return false
	}
	matches, err := filepath.Glob(filepath.Join(dir, "lib", "python*", "site-packages", r.desc.MarkerImport))
	if err != nil {
		return false
	}
	for _, m := range matches {
		if fileutil.DirExists(m) {
			return true
		}
	}
	return false
}

func (r *Registry) heal(active backend.Variant, state State) backend.Variant {
	isReady := func(v backend.Variant) bool {
		switch v {
		case backend.VariantCPU:
			return state.CPU.Ready
		case backend.VariantGPU:
			return state.GPU.Ready
		default:
			return false
		}
	}

	if active != backend.VariantNone && isReady(active) {
		return active
	}
	// Fallback order prefers GPU.
	if state.GPU.Ready {
		return backend.VariantGPU
	}
	if state.CPU.Ready {
		return backend.VariantCPU
	}
	return backend.VariantNone
}

func (r *Registry) readMarker() backend.Variant {
	data, err := os.ReadFile(r.markerPath())
	if err != nil {
		return backend.VariantNone
	}
	switch strings.TrimSpace(string(data)) {
	case "cpu":
		return backend.VariantCPU
	case "gpu":
		return backend.VariantGPU
	default:
		return backend.VariantNone
	}
}

func (r *Registry) writeMarker(v backend.Variant) error {
	if err := fileutil.AtomicWriteFile(r.markerPath(), []byte(string(v)), 0o644); err != nil {
		return fmt.Errorf("write active marker: %w", err)
	}
	return nil
}
