package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for failure classification. Every error leaving a
// component wraps exactly one of these so callers can switch on errors.Is
// without string matching.
var (
	ErrToolMissing         = errors.New("required tool missing")
	ErrInstallFailed       = errors.New("environment install failed")
	ErrDownloadFailed      = errors.New("download failed")
	ErrSuperseded          = errors.New("operation superseded")
	ErrCancelled           = errors.New("operation cancelled")
	ErrSpawnFailed         = errors.New("worker spawn failed")
	ErrWorkerFailed        = errors.New("worker exited with error")
	ErrServiceUnhealthy    = errors.New("service unhealthy")
	ErrServiceStartTimeout = errors.New("service start timeout")
	ErrResultParse         = errors.New("worker result parse failed")
	ErrValidation          = errors.New("validation error")
	ErrConfiguration       = errors.New("configuration error")
	ErrNotFound            = errors.New("not found")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrValidation
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTerminalSilent reports whether an error represents a deliberate abort
// that should not be surfaced to the user as a failure. Superseded downloads
// fall into this class: a newer task took over and reports its own outcome.
func IsTerminalSilent(err error) bool {
	return errors.Is(err, ErrSuperseded)
}

// IsCancellation reports whether an error is a user-initiated cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
