// Package daemon hosts the per-backend engines behind a single-instance
// lock and exposes the operations the IPC layer serves. One daemon process
// owns all mutable state: environment directories, model caches, the
// operation history, and any running inference service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"capstan/internal/api"
	"capstan/internal/backend"
	"capstan/internal/config"
	"capstan/internal/deps"
	"capstan/internal/engine"
	"capstan/internal/logging"
	"capstan/internal/oplog"
	"capstan/internal/progress"
	"capstan/internal/services"
)

// Daemon coordinates the backend engines and enforces single-instance
// execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	history *oplog.Store
	engines map[string]*engine.Engine

	lockPath string
	lock     *flock.Flock

	mu       sync.Mutex
	lastSeen map[string]progress.Message
}

// New constructs a daemon, acquires the instance lock, and opens the
// operation history. A second instance fails fast rather than queueing.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Paths.ConfigRoot, "capstand.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "daemon", "start",
			"another capstand instance holds "+lockPath, nil)
	}

	history, err := oplog.Open(cfg)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if n, err := history.MarkStaleRunning(context.Background()); err != nil {
		logger.Warn("stale history entries not cleaned", logging.Error(err))
	} else if n > 0 {
		logger.Info("stale history entries closed", logging.Int64("count", n))
	}

	engines := make(map[string]*engine.Engine, len(backend.All))
	for _, desc := range backend.All {
		engines[desc.ID] = engine.New(cfg, desc, history, logger)
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		history:  history,
		engines:  engines,
		lockPath: lockPath,
		lock:     lock,
		lastSeen: make(map[string]progress.Message),
	}
	d.logger.Info("daemon started", logging.String("lock", lockPath))
	return d, nil
}

// Close stops services, closes the history, and releases the instance lock.
func (d *Daemon) Close() {
	for _, eng := range d.engines {
		eng.Close()
	}
	if err := d.history.Close(); err != nil {
		d.logger.Warn("history close failed", logging.Error(err))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("instance lock release failed", logging.Error(err))
	}
	_ = os.Remove(d.lockPath)
	d.logger.Info("daemon stopped")
}

// Engine returns the engine for a backend id.
func (d *Daemon) Engine(id string) (*engine.Engine, error) {
	eng, ok := d.engines[id]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "daemon", "resolve backend",
			fmt.Sprintf("unknown backend %q", id), nil)
	}
	return eng, nil
}

// Status collects runtime information across all backends.
func (d *Daemon) Status(ctx context.Context) (api.DaemonStatus, error) {
	status := api.DaemonStatus{
		Running:      true,
		PID:          os.Getpid(),
		LockPath:     d.lockPath,
		SocketPath:   d.cfg.SocketPath(),
		HistoryPath:  d.history.Path(),
		Dependencies: deps.CheckSystemDeps(),
		Preflight:    deps.RunPreflight(d.cfg),
	}
	for _, desc := range backend.All {
		eng := d.engines[desc.ID]
		state, err := eng.EnvStatus()
		if err != nil {
			return api.DaemonStatus{}, err
		}
		status.Backends = append(status.Backends,
			api.FromEnvState(desc, state, eng.ServiceStatus(), eng.ModelStatuses()))
	}
	return status, nil
}

// Progress returns the most recent progress message observed for a backend.
func (d *Daemon) Progress(id string) progress.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen[id]
}

// sink records the latest message for a backend so status polls can show
// live operation progress.
func (d *Daemon) sink(id string) progress.Func {
	return func(m progress.Message) {
		d.mu.Lock()
		d.lastSeen[id] = m
		d.mu.Unlock()
	}
}

// History returns recent operations, optionally filtered to one backend.
func (d *Daemon) History(ctx context.Context, backendID string, limit int) ([]oplog.Entry, error) {
	return d.history.Recent(ctx, backendID, limit)
}
