// Package installer provisions isolated Python environments with uv and
// writes the generated worker scripts. Installation failures are terminal:
// they are almost always environment problems (missing compiler, offline
// index, full disk) that a retry will not fix.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"capstan/internal/backend"
	"capstan/internal/envstate"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/progress"
	"capstan/internal/services"
)

// commandContext is swapped out by tests to avoid invoking real tools.
var commandContext = exec.CommandContext

// lookPath is swapped out by tests alongside commandContext.
var lookPath = exec.LookPath

// Installer provisions backend environments.
type Installer struct {
	scriptsDir    string
	pythonVersion string
	logger        *slog.Logger
}

// New constructs an installer writing worker scripts into scriptsDir.
func New(scriptsDir, pythonVersion string, logger *slog.Logger) *Installer {
	return &Installer{
		scriptsDir:    scriptsDir,
		pythonVersion: pythonVersion,
		logger:        logging.WithComponent(logger, "installer"),
	}
}

// LocateUV finds the uv executable: PATH first, then the per-user install
// location uv's own installer uses.
func LocateUV() (string, error) {
	if path, err := lookPath("uv"); err == nil {
		return path, nil
	}
	fallback := fileutil.ExpandHome("~/.local/bin/uv")
	if fileutil.FileExists(fallback) {
		return fallback, nil
	}
	return "", services.Wrap(services.ErrToolMissing, "installer", "locate uv",
		"uv not found on PATH or in ~/.local/bin", nil)
}

// Install provisions one variant of a backend environment and marks it
// active. Each step is gated by the cancellation token and announced on the
// progress sink before it starts. Callers hold the backend's advisory lock
// and have stopped any running service instance.
func (i *Installer) Install(ctx context.Context, reg *envstate.Registry, desc backend.Descriptor, v backend.Variant, token *progress.Token, sink progress.Func) error {
	check := func() error {
		if token.Cancelled() {
			return services.Wrap(services.ErrCancelled, "installer", "install",
				fmt.Sprintf("%s %s install cancelled", desc.ID, v), nil)
		}
		return nil
	}

	if err := check(); err != nil {
		return err
	}
	uvPath, err := LocateUV()
	if err != nil {
		return err
	}

	envDir := reg.EnvDir(v)
	python := reg.PythonPath(v)

	sink.Emit(progress.Message{Percent: 10, Status: progress.StatusInstalling, Text: "creating environment"})
	if err := check(); err != nil {
		return err
	}
	if err := i.run(ctx, "create environment", uvPath,
		"venv", envDir, "--python", i.pythonVersion); err != nil {
		return err
	}

	sink.Emit(progress.Message{Percent: 30, Status: progress.StatusInstalling, Text: "installing ML runtime"})
	if err := check(); err != nil {
		return err
	}
	torchArgs := append([]string{"pip", "install", "--python", python}, desc.TorchPackages...)
	torchArgs = append(torchArgs, "--index-url", desc.IndexURL(v))
	if err := i.run(ctx, "install ML runtime", uvPath, torchArgs...); err != nil {
		return err
	}

	sink.Emit(progress.Message{Percent: 60, Status: progress.StatusInstalling, Text: "installing backend packages"})
	if err := check(); err != nil {
		return err
	}
	pkgArgs := append([]string{"pip", "install", "--python", python}, desc.Packages...)
	if err := i.run(ctx, "install backend packages", uvPath, pkgArgs...); err != nil {
		return err
	}

	sink.Emit(progress.Message{Percent: 90, Status: progress.StatusInstalling, Text: "writing worker scripts"})
	if err := check(); err != nil {
		return err
	}
	if err := i.WriteScripts(desc); err != nil {
		return err
	}
	if v == backend.VariantGPU {
		if err := os.WriteFile(filepath.Join(envDir, ".gpu_version"), []byte(desc.GPUIndexURL+"\n"), 0o644); err != nil {
			return fmt.Errorf("write gpu version marker: %w", err)
		}
	}

	if err := reg.SetActive(v); err != nil {
		return err
	}

	sink.Emit(progress.Message{Percent: 100, Status: progress.StatusCompleted, Text: "environment ready"})
	i.logger.Info("environment installed",
		logging.String(logging.FieldBackend, desc.ID),
		logging.String(logging.FieldVariant, string(v)))
	return nil
}

// WriteScripts writes every generated worker script for a backend. Scripts
// are rewritten on each call so a stale cached copy is never executed.
func (i *Installer) WriteScripts(desc backend.Descriptor) error {
	if err := os.MkdirAll(i.scriptsDir, 0o755); err != nil {
		return fmt.Errorf("ensure scripts directory: %w", err)
	}
	for _, name := range desc.ScriptNames {
		content, ok := backend.ScriptContent(name)
		if !ok {
			return services.Wrap(services.ErrConfiguration, "installer", "write scripts",
				fmt.Sprintf("no embedded source for %s", name), nil)
		}
		if err := fileutil.AtomicWriteFile(filepath.Join(i.scriptsDir, name), []byte(content), 0o755); err != nil {
			return fmt.Errorf("write script %s: %w", name, err)
		}
	}
	return nil
}

// ScriptPath returns the on-disk path of a generated script.
func (i *Installer) ScriptPath(name string) string {
	return filepath.Join(i.scriptsDir, name)
}

func (i *Installer) run(ctx context.Context, step, name string, args ...string) error {
	cmd := commandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	i.logger.Debug("running installer step",
		logging.String(logging.FieldOperation, step),
		logging.String("command", name+" "+strings.Join(args, " ")))

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return services.Wrap(services.ErrInstallFailed, "installer", step, detail, nil)
	}
	return nil
}
