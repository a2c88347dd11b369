package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"capstan/internal/logging"
	"capstan/internal/progress"
	"capstan/internal/services"
)

type progressDoc struct {
	Percent float64 `json:"percent"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

// Polling-file transport: the worker receives a scratch file path through an
// environment variable and rewrites it with a small JSON document on each
// update. The bridge polls it on a fixed interval, filtering non-monotonic
// updates, and checks process exit and the cancellation token every
// iteration.
func (r *Runner) runPolling(spec Spec, token *progress.Token, sink progress.Func) (Output, error) {
	progressPath := filepath.Join(spec.ScratchDir, "progress-"+uuid.NewString()+".json")
	defer os.Remove(progressPath)

	args := append([]string{spec.Script}, spec.Args...)
	cmd := command(spec.Python, args...)
	cmd.Env = append(os.Environ(), spec.ProgressEnvVar+"="+progressPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = nil

	if err := cmd.Start(); err != nil {
		return Output{}, services.Wrap(services.ErrSpawnFailed, "bridge", "start worker", "", err)
	}
	r.logger.Debug("worker started",
		logging.String("script", spec.Script),
		logging.Int(logging.FieldPID, cmd.Process.Pid))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var lastReported float64 = -1
	var lastDiagnostic string

	readProgress := func() {
		data, err := os.ReadFile(progressPath)
		if err != nil || len(data) == 0 {
			return
		}
		var doc progressDoc
		if err := json.Unmarshal(data, &doc); err != nil || doc.Status == "" {
			// Not a progress document; keep it as the worker's last word.
			lastDiagnostic = string(bytes.TrimSpace(data))
			return
		}
		if doc.Percent <= lastReported {
			return
		}
		lastReported = doc.Percent
		sink.Emit(progress.Message{
			Percent: doc.Percent,
			Status:  mapWorkerStatus(doc.Status),
			Text:    doc.Message,
		})
	}

	ticker := time.NewTicker(spec.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case waitErr := <-waitCh:
			readProgress()
			if waitErr != nil {
				return Output{}, workerError(waitErr, lastDiagnostic, tail(stderr.Bytes()))
			}
			return Output{}, nil

		case <-ticker.C:
			if token.Cancelled() {
				_ = cmd.Process.Kill()
				<-waitCh
				// Scratch files are removed on cancel; the result (if any)
				// is cleaned up by the caller's deferred remove.
				_ = os.Remove(progressPath)
				return Output{}, services.Wrap(services.ErrCancelled, "bridge", "run worker", "", nil)
			}
			readProgress()
		}
	}
}

// ScratchResultPath builds a unique result-file path for one worker run.
func ScratchResultPath(dir, prefix string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-result-%s.json", prefix, uuid.NewString()))
}
