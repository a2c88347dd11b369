// Package bridge spawns worker processes and converts their progress
// emissions into the typed progress stream. Two transports are supported:
// line-oriented output on a worker stream, and a scratch file the worker
// rewrites and the bridge polls. Both honor the cancellation token on every
// read/poll iteration.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"capstan/internal/backend"
	"capstan/internal/logging"
	"capstan/internal/progress"
	"capstan/internal/services"
)

// command is swapped out by tests. The bridge does not use a context
// deadline; worker lifetime is governed by the token and process exit.
var command = exec.Command

const defaultPollInterval = 100 * time.Millisecond

// stderrTailLimit bounds how much worker stderr is kept for diagnostics.
const stderrTailLimit = 4096

// Spec describes one worker invocation.
type Spec struct {
	Python string
	Script string
	Args   []string

	Mode           backend.BridgeMode
	Stream         backend.StreamKind
	ProgressEnvVar string

	// OutputPath is where the worker writes its JSON result (conveyed to
	// the worker via an --output argument the caller includes in Args).
	OutputPath string
	// ScratchDir hosts the polling-mode progress file.
	ScratchDir string

	PollInterval time.Duration
}

// Output is a successful worker result.
type Output struct {
	// Payload is the raw JSON document read from OutputPath.
	Payload []byte
	// DeviceInfo is the worker's reported compute device, when emitted.
	DeviceInfo string
	// Duration is the input duration in seconds, when emitted.
	Duration float64
}

// Runner executes worker processes.
type Runner struct {
	logger *slog.Logger
}

// New constructs a Runner.
func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logging.WithComponent(logger, "bridge")}
}

// Run spawns the worker and supervises it to completion. On success the
// worker's result document is returned; the output file is removed on every
// path, success and failure alike.
func (r *Runner) Run(spec Spec, token *progress.Token, sink progress.Func) (Output, error) {
	if spec.PollInterval <= 0 {
		spec.PollInterval = defaultPollInterval
	}

	var out Output
	var err error
	switch spec.Mode {
	case backend.BridgePolling:
		out, err = r.runPolling(spec, token, sink)
	default:
		out, err = r.runPiped(spec, token, sink)
	}

	if spec.OutputPath != "" {
		defer os.Remove(spec.OutputPath)
	}
	if err != nil {
		return Output{}, err
	}

	payload, readErr := os.ReadFile(spec.OutputPath)
	if readErr != nil {
		return Output{}, services.Wrap(services.ErrResultParse, "bridge", "read result",
			fmt.Sprintf("worker completed but wrote no result at %s", spec.OutputPath), readErr)
	}
	if !json.Valid(payload) {
		return Output{}, services.Wrap(services.ErrResultParse, "bridge", "parse result",
			"worker result is not valid JSON", nil)
	}
	out.Payload = payload
	return out, nil
}

// workerError builds the non-zero-exit error with the best diagnostic
// available: the last unrecognized protocol line, else the stderr tail.
func workerError(exitErr error, diagnostic, stderrTail string) error {
	detail := diagnostic
	if detail == "" {
		detail = stderrTail
	}
	if detail == "" {
		detail = exitErr.Error()
	}
	return services.Wrap(services.ErrWorkerFailed, "bridge", "run worker", detail, nil)
}

func tail(b []byte) string {
	if len(b) > stderrTailLimit {
		b = b[len(b)-stderrTailLimit:]
	}
	return string(b)
}
