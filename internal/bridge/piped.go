package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"capstan/internal/backend"
	"capstan/internal/logging"
	"capstan/internal/progress"
	"capstan/internal/services"
)

// Piped-stream line protocol:
//
//	DEVICE_INFO:<text>
//	DURATION:<seconds>
//	STATUS:loading|transcribing|completed
//	PROGRESS:<pct>:<text>
//
// or one JSON object per line:
//
//	{"type":"progress","percent":N,"status":S,"message":M}
//
// Unrecognized lines are retained as the last-seen diagnostic for error
// reporting when the worker exits non-zero.
func (r *Runner) runPiped(spec Spec, token *progress.Token, sink progress.Func) (Output, error) {
	args := append([]string{spec.Script}, spec.Args...)
	cmd := command(spec.Python, args...)

	var secondary bytes.Buffer
	var streamName string
	pipe, pipeErr := func() (io.ReadCloser, error) {
		if spec.Stream == backend.StreamStderr {
			streamName = "stderr"
			cmd.Stdout = &secondary
			return cmd.StderrPipe()
		}
		streamName = "stdout"
		cmd.Stderr = &secondary
		return cmd.StdoutPipe()
	}()
	if pipeErr != nil {
		return Output{}, services.Wrap(services.ErrSpawnFailed, "bridge", "open "+streamName+" pipe", "", pipeErr)
	}

	if err := cmd.Start(); err != nil {
		return Output{}, services.Wrap(services.ErrSpawnFailed, "bridge", "start worker", "", err)
	}
	r.logger.Debug("worker started",
		logging.String("script", spec.Script),
		logging.Int(logging.FieldPID, cmd.Process.Pid))

	// The scan loop only observes cancellation at line boundaries; a quiet
	// worker would stall it. The watcher kills the process so the stream
	// closes and the loop ends.
	stopWatcher := make(chan struct{})
	go func() {
		ticker := time.NewTicker(spec.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopWatcher:
				return
			case <-ticker.C:
				if token.Cancelled() {
					_ = cmd.Process.Kill()
					return
				}
			}
		}
	}()

	var out Output
	var lastDiagnostic string
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if token.Cancelled() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if msg, ok := parseProtocolLine(line, &out); ok {
			sink.Emit(msg)
			continue
		}
		lastDiagnostic = line
	}

	waitErr := cmd.Wait()
	close(stopWatcher)

	if token.Cancelled() {
		return Output{}, services.Wrap(services.ErrCancelled, "bridge", "run worker", "", nil)
	}
	if waitErr != nil {
		return Output{}, workerError(waitErr, lastDiagnostic, tail(secondary.Bytes()))
	}
	return out, nil
}

type jsonProgressLine struct {
	Type    string  `json:"type"`
	Percent float64 `json:"percent"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
}

func parseProtocolLine(line string, out *Output) (progress.Message, bool) {
	switch {
	case strings.HasPrefix(line, "DEVICE_INFO:"):
		out.DeviceInfo = strings.TrimSpace(strings.TrimPrefix(line, "DEVICE_INFO:"))
		return progress.Message{Status: progress.StatusLoading, Text: out.DeviceInfo}, true

	case strings.HasPrefix(line, "DURATION:"):
		value := strings.TrimSpace(strings.TrimPrefix(line, "DURATION:"))
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return progress.Message{}, false
		}
		out.Duration = seconds
		// Total carries the duration in milliseconds so callers can see it
		// before the worker finishes.
		return progress.Message{Status: progress.StatusLoading, Text: "duration " + value + "s", Total: int64(seconds * 1000)}, true

	case strings.HasPrefix(line, "STATUS:"):
		switch strings.TrimSpace(strings.TrimPrefix(line, "STATUS:")) {
		case "loading":
			return progress.Message{Status: progress.StatusLoading, Text: "loading model"}, true
		case "transcribing":
			return progress.Message{Status: progress.StatusTranscribing, Text: "transcribing"}, true
		case "completed":
			return progress.Message{Percent: 100, Status: progress.StatusCompleted}, true
		}
		return progress.Message{}, false

	case strings.HasPrefix(line, "PROGRESS:"):
		rest := strings.TrimPrefix(line, "PROGRESS:")
		pctStr, text, _ := strings.Cut(rest, ":")
		pct, err := strconv.ParseFloat(strings.TrimSpace(pctStr), 64)
		if err != nil {
			return progress.Message{}, false
		}
		return progress.Message{Percent: pct, Status: progress.StatusTranscribing, Text: strings.TrimSpace(text)}, true

	case strings.HasPrefix(line, "{"):
		var parsed jsonProgressLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil || parsed.Type != "progress" {
			return progress.Message{}, false
		}
		return progress.Message{
			Percent: parsed.Percent,
			Status:  mapWorkerStatus(parsed.Status),
			Text:    parsed.Message,
		}, true
	}
	return progress.Message{}, false
}

func mapWorkerStatus(s string) progress.Status {
	switch s {
	case "loading":
		return progress.StatusLoading
	case "correcting":
		return progress.StatusCorrecting
	case "completed":
		return progress.StatusCompleted
	default:
		return progress.StatusTranscribing
	}
}
