// Package svc supervises the persistent local inference service: a
// long-lived worker bound to a fixed loopback port that keeps a loaded
// model resident across requests. The supervisor owns spawn, bounded
// startup polling, TTL-cached health checks, preloading, synchronous
// dispatch, and teardown.
package svc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"capstan/internal/logging"
	"capstan/internal/services"
)

// command is swapped out by tests.
var command = exec.Command

// State of the supervised service.
type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

// Options tunes the supervisor. Startup uses a hard attempt count rather
// than a wall-clock deadline so slow first-time model loads do not produce
// spurious timeouts while a wedged service still fails promptly.
type Options struct {
	Port          int
	BaseURL       string // test override; empty means loopback on Port
	HealthTTL     time.Duration
	StartAttempts int
	StartInterval time.Duration
	ProbeTimeout  time.Duration
}

// StartSpec describes how to launch the service worker.
type StartSpec struct {
	Python string
	Script string
	Args   []string
	// Refresh rewrites the worker script before spawn so a stale cached
	// copy is never executed.
	Refresh func() error
}

// Supervisor manages one service instance.
type Supervisor struct {
	opts    Options
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	proc        *exec.Cmd
	waitCh      chan error
	lastHealthy time.Time
	state       State
}

// New constructs a Supervisor.
func New(opts Options, logger *slog.Logger) *Supervisor {
	if opts.HealthTTL <= 0 {
		opts.HealthTTL = 5 * time.Second
	}
	if opts.StartAttempts <= 0 {
		opts.StartAttempts = 20
	}
	if opts.StartInterval <= 0 {
		opts.StartInterval = 300 * time.Millisecond
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = time.Second
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://127.0.0.1:%d", opts.Port)
	}
	return &Supervisor{
		opts:    opts,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logging.WithComponent(logger, "svc"),
		state:   StateStopped,
	}
}

// Current returns the supervisor state. An exited worker is folded in
// first, and once the health window lapses the probe is re-run, so a
// service that dies or wedges after startup is not reported healthy
// forever.
func (s *Supervisor) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapLocked()
	if s.state == StateHealthy && time.Since(s.lastHealthy) >= s.opts.HealthTTL {
		if s.HealthCheck(context.Background()) {
			s.lastHealthy = time.Now()
		} else {
			s.lastHealthy = time.Time{}
			s.state = StateUnhealthy
		}
	}
	return s.state
}

// reapLocked folds a worker exit into the state without blocking.
func (s *Supervisor) reapLocked() {
	if s.proc == nil || s.waitCh == nil {
		return
	}
	select {
	case <-s.waitCh:
		s.proc = nil
		s.lastHealthy = time.Time{}
		s.state = StateStopped
	default:
	}
}

// HealthCheck probes GET /health with a short per-probe timeout. A wedged
// service is detected within one probe timeout, not a full request cycle.
func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "ok"
}

// EnsureRunning is idempotent and cheap when the service is already up: a
// health result inside the TTL window short-circuits, and a live service
// refreshes the window without a spawn. Otherwise the worker script is
// refreshed, the service spawned, and its health endpoint polled on the
// bounded schedule. Exhausting the schedule is a fatal, reported error.
func (s *Supervisor) EnsureRunning(ctx context.Context, spec StartSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reapLocked()
	if time.Since(s.lastHealthy) < s.opts.HealthTTL {
		return nil
	}
	if s.HealthCheck(ctx) {
		s.lastHealthy = time.Now()
		s.state = StateHealthy
		return nil
	}

	s.state = StateStarting
	if spec.Refresh != nil {
		if err := spec.Refresh(); err != nil {
			s.state = StateUnhealthy
			return services.Wrap(services.ErrSpawnFailed, "svc", "refresh script", "", err)
		}
	}

	args := append([]string{spec.Script}, spec.Args...)
	cmd := command(spec.Python, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil
	if err := cmd.Start(); err != nil {
		s.state = StateUnhealthy
		return services.Wrap(services.ErrSpawnFailed, "svc", "start service", "", err)
	}
	s.proc = cmd
	s.waitCh = make(chan error, 1)
	go func(ch chan error) { ch <- cmd.Wait() }(s.waitCh)
	s.logger.Info("service starting",
		logging.Int(logging.FieldPID, cmd.Process.Pid),
		logging.Int(logging.FieldPort, s.opts.Port))

	for attempt := 0; attempt < s.opts.StartAttempts; attempt++ {
		select {
		case <-s.waitCh:
			s.state = StateUnhealthy
			s.proc = nil
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = "service exited during startup"
			}
			return services.Wrap(services.ErrServiceUnhealthy, "svc", "start service", detail, nil)
		case <-time.After(s.opts.StartInterval):
		}
		if s.HealthCheck(ctx) {
			s.lastHealthy = time.Now()
			s.state = StateHealthy
			return nil
		}
	}

	s.stopLocked()
	return services.Wrap(services.ErrServiceStartTimeout, "svc", "start service",
		fmt.Sprintf("no healthy response after %d attempts", s.opts.StartAttempts), nil)
}

// Stop terminates the service: SIGTERM, a bounded wait, then SIGKILL. Safe
// to call when nothing is running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	s.lastHealthy = time.Time{}
	if s.proc == nil || s.proc.Process == nil {
		s.state = StateStopped
		return
	}
	pid := s.proc.Process.Pid
	_ = s.proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.waitCh:
	case <-time.After(2 * time.Second):
		_ = s.proc.Process.Kill()
		<-s.waitCh
	}
	s.proc = nil
	s.state = StateStopped
	s.logger.Info("service stopped", logging.Int(logging.FieldPID, pid))
}

// Preload asks the service to load the model into memory.
func (s *Supervisor) Preload(ctx context.Context) error {
	return s.getJSON(ctx, "/preload")
}

// PreloadAudio asks the service to decode and cache one audio file.
func (s *Supervisor) PreloadAudio(ctx context.Context, path string) error {
	return s.getJSON(ctx, "/preload_audio?path="+url.QueryEscape(path))
}

func (s *Supervisor) getJSON(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return services.Wrap(services.ErrServiceUnhealthy, "svc", "request "+path, "", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrServiceUnhealthy, "svc", "request "+path, "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return s.errorFromBody(path, resp)
	}
	return nil
}

// Dispatch performs one synchronous unit of work: JSON request in, JSON
// result out. Distinct failures let the caller decide whether to retry
// EnsureRunning first: connection errors and non-success statuses are
// ErrServiceUnhealthy, malformed bodies are ErrResultParse.
func (s *Supervisor) Dispatch(ctx context.Context, request any) (json.RawMessage, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "svc", "encode request", "", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrServiceUnhealthy, "svc", "dispatch", "", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrServiceUnhealthy, "svc", "dispatch", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.errorFromBody("dispatch", resp)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrServiceUnhealthy, "svc", "dispatch", "read response", err)
	}
	if !json.Valid(payload) {
		return nil, services.Wrap(services.ErrResultParse, "svc", "dispatch", "response is not valid JSON", nil)
	}
	return payload, nil
}

func (s *Supervisor) errorFromBody(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Error string `json:"error"`
	}
	detail := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		detail = parsed.Error
	}
	return services.Wrap(services.ErrServiceUnhealthy, "svc", op, detail, nil)
}
