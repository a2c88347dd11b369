// Package engine is the per-backend orchestrator. One Engine owns a
// backend's environment registry, installer, transfer manager, process
// bridge, service supervisor, and operation history, and exposes the
// top-level operations the daemon serves. Cancellation is cooperative: a
// token reset at the start of each operation and observed at every
// suspension point, plus a generation counter that invalidates superseded
// downloads.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"capstan/internal/backend"
	"capstan/internal/bridge"
	"capstan/internal/config"
	"capstan/internal/envstate"
	"capstan/internal/installer"
	"capstan/internal/logging"
	"capstan/internal/oplog"
	"capstan/internal/progress"
	"capstan/internal/services"
	"capstan/internal/svc"
	"capstan/internal/transfer"
)

// serviceSupervisor is the control surface of the persistent service.
// Tests substitute a recording fake.
type serviceSupervisor interface {
	Current() svc.State
	EnsureRunning(ctx context.Context, spec svc.StartSpec) error
	Stop()
	PreloadAudio(ctx context.Context, path string) error
	Dispatch(ctx context.Context, request any) (json.RawMessage, error)
}

var _ serviceSupervisor = (*svc.Supervisor)(nil)

// Engine orchestrates one backend.
type Engine struct {
	cfg    *config.Config
	desc   backend.Descriptor
	logger *slog.Logger

	registry  *envstate.Registry
	installer *installer.Installer
	transfers *transfer.Manager
	runner    *bridge.Runner
	service   serviceSupervisor
	history   *oplog.Store

	token      progress.Token
	generation progress.Generation
}

// New constructs an engine. history may be nil, in which case operations are
// not recorded.
func New(cfg *config.Config, desc backend.Descriptor, history *oplog.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.WithComponent(logger, "engine").With(
		logging.String(logging.FieldBackend, desc.ID))

	// Header timeout only; model downloads run far longer than any sane
	// whole-request timeout.
	client := &http.Client{Transport: &http.Transport{
		ResponseHeaderTimeout: time.Duration(cfg.Download.TimeoutSeconds) * time.Second,
	}}

	e := &Engine{
		cfg:       cfg,
		desc:      desc,
		logger:    logger,
		registry:  envstate.New(cfg.Paths.ConfigRoot, desc, logger),
		installer: installer.New(cfg.ScriptsDir(), cfg.Runtime.PythonVersion, logger),
		transfers: transfer.NewManager(client, cfg.Download.ChunkKiB, logger),
		runner:    bridge.New(logger),
		history:   history,
	}
	if desc.SupportsService() {
		e.service = svc.New(svc.Options{
			Port:          cfg.Service.Port,
			HealthTTL:     time.Duration(cfg.Service.HealthTTLMS) * time.Millisecond,
			StartAttempts: cfg.Service.StartAttempts,
			StartInterval: time.Duration(cfg.Service.StartIntervalMS) * time.Millisecond,
			ProbeTimeout:  time.Duration(cfg.Service.ProbeTimeoutMS) * time.Millisecond,
		}, logger)
	}
	return e
}

// Descriptor returns the backend this engine orchestrates.
func (e *Engine) Descriptor() backend.Descriptor {
	return e.desc
}

// EnvStatus probes the environment state, healing the active marker if
// needed.
func (e *Engine) EnvStatus() (envstate.State, error) {
	return e.registry.Probe()
}

// Install provisions one variant and marks it active. Any running service is
// stopped first so the environment is not mutated under a live worker.
func (e *Engine) Install(ctx context.Context, v backend.Variant, sink progress.Func) error {
	e.token.Reset()
	finish := e.begin(ctx, "install", string(v), "")
	e.stopService()
	err := e.registry.WithLock(func() error {
		return e.installer.Install(ctx, e.registry, e.desc, v, &e.token, sink)
	})
	finish(err)
	return err
}

// SwitchVariant activates an already-installed variant. The service is
// stopped before the marker changes so a worker never runs against the wrong
// environment.
func (e *Engine) SwitchVariant(ctx context.Context, v backend.Variant) error {
	finish := e.begin(ctx, "switch", string(v), "")
	e.stopService()
	err := e.registry.WithLock(func() error {
		return e.registry.SetActive(v)
	})
	finish(err)
	return err
}

// Uninstall removes a variant's environment. The active marker self-heals to
// the surviving ready variant, or none, on the follow-up probe.
func (e *Engine) Uninstall(ctx context.Context, v backend.Variant) error {
	finish := e.begin(ctx, "uninstall", string(v), "")
	e.stopService()
	err := e.registry.WithLock(func() error {
		if err := e.registry.RemoveVariant(v); err != nil {
			return err
		}
		_, err := e.registry.Probe()
		return err
	})
	finish(err)
	return err
}

// VerifyEnv runs the slow interpreter-backed readiness check.
func (e *Engine) VerifyEnv(ctx context.Context, v backend.Variant) error {
	return e.registry.Verify(ctx, v)
}

// Cancel requests cancellation of the running operation. The operation
// observes it at its next suspension point.
func (e *Engine) Cancel() {
	e.token.Cancel()
}

// ServiceStatus reports the supervisor state; StateStopped for backends
// without a service.
func (e *Engine) ServiceStatus() svc.State {
	if e.service == nil {
		return svc.StateStopped
	}
	return e.service.Current()
}

// StopService terminates the persistent service if one is running.
func (e *Engine) StopService() {
	e.stopService()
}

// Close releases engine resources.
func (e *Engine) Close() {
	e.stopService()
}

func (e *Engine) stopService() {
	if e.service != nil {
		e.service.Stop()
	}
}

// begin opens an oplog entry and returns the closer that records the
// outcome. Safe when no history store is attached.
func (e *Engine) begin(ctx context.Context, operation, variant, target string) func(error) {
	if e.history == nil {
		return func(error) {}
	}
	id, err := e.history.Begin(ctx, e.desc.ID, operation, variant, target)
	if err != nil {
		e.logger.Warn("operation not recorded",
			logging.String(logging.FieldOperation, operation),
			logging.Error(err))
		return func(error) {}
	}
	return func(opErr error) {
		outcome := oplog.OutcomeCompleted
		detail := ""
		switch {
		case opErr == nil:
		case errors.Is(opErr, services.ErrCancelled):
			outcome = oplog.OutcomeCancelled
		case errors.Is(opErr, services.ErrSuperseded):
			outcome = oplog.OutcomeSuperseded
		default:
			outcome = oplog.OutcomeFailed
			detail = opErr.Error()
		}
		if err := e.history.Finish(context.WithoutCancel(ctx), id, outcome, detail); err != nil {
			e.logger.Warn("operation outcome not recorded", logging.Error(err))
		}
	}
}

// activeVariant probes the registry and returns the active, ready variant.
func (e *Engine) activeVariant() (backend.Variant, error) {
	state, err := e.registry.Probe()
	if err != nil {
		return backend.VariantNone, err
	}
	if state.Active == backend.VariantNone {
		return backend.VariantNone, services.Wrap(services.ErrValidation, "engine", "resolve environment",
			e.desc.ID+" environment is not installed", nil)
	}
	return state.Active, nil
}

func deviceFor(v backend.Variant) string {
	if v == backend.VariantGPU {
		return "cuda"
	}
	return "cpu"
}
