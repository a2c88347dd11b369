// Package transfer downloads model manifests with HTTP range-based resume,
// per-file size verification, and atomic finalization. Partial files are
// kept as <name>.part next to their final location; cancellation and
// supersession deliberately leave them behind so a later call can resume.
package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"capstan/internal/backend"
	"capstan/internal/fileutil"
	"capstan/internal/logging"
	"capstan/internal/progress"
	"capstan/internal/services"
)

// Some model hosts reject requests without a browser-style agent.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

const partSuffix = ".part"

// Task is one download request. Valid is the generation check: it reports
// whether this task is still the live one for its backend. A nil Valid never
// invalidates.
type Task struct {
	Backend string
	Files   []backend.ModelFile
	URL     func(name string) string
	DestDir string
	Valid   func() bool
	Token   *progress.Token
}

func (t Task) total() int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Size
	}
	return total
}

// Manager performs resumable downloads.
type Manager struct {
	client    *http.Client
	chunkSize int
	logger    *slog.Logger
}

// NewManager builds a Manager. A nil client uses http.DefaultClient.
func NewManager(client *http.Client, chunkKiB int, logger *slog.Logger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if chunkKiB <= 0 {
		chunkKiB = 64
	}
	return &Manager{
		client:    client,
		chunkSize: chunkKiB * 1024,
		logger:    logging.WithComponent(logger, "transfer"),
	}
}

// Download fetches every manifest file in order. Idempotent: files already
// present at their exact expected size are skipped, and a fully complete
// manifest returns success without touching the network. Progress is one
// running percentage over the manifest's total bytes.
func (m *Manager) Download(ctx context.Context, task Task, sink progress.Func) error {
	if len(task.Files) == 0 {
		return services.Wrap(services.ErrValidation, "transfer", "download", "empty manifest", nil)
	}
	if err := os.MkdirAll(task.DestDir, 0o755); err != nil {
		return fmt.Errorf("ensure destination: %w", err)
	}

	total := task.total()
	var done int64

	emit := func(text string) {
		pct := float64(done) / float64(total) * 100
		sink.Emit(progress.Message{
			Percent: pct,
			Status:  progress.StatusDownloading,
			Text:    text,
			Current: done,
			Total:   total,
		})
	}

	emit("starting download")
	for _, file := range task.Files {
		final := filepath.Join(task.DestDir, file.Name)
		if fileutil.FileSize(final) == file.Size {
			done += file.Size
			emit(file.Name + " already complete")
			continue
		}
		if err := m.downloadFile(ctx, task, file, final, &done, emit); err != nil {
			return err
		}
	}

	sink.Emit(progress.Message{
		Percent: 100,
		Status:  progress.StatusCompleted,
		Text:    "download complete",
		Current: total,
		Total:   total,
	})
	return nil
}

func (m *Manager) downloadFile(ctx context.Context, task Task, file backend.ModelFile, final string, done *int64, emit func(string)) error {
	part := final + partSuffix

	partial := fileutil.FileSize(part)
	if partial < 0 || partial > file.Size {
		// Oversized partials cannot be trusted; restart from zero.
		_ = os.Remove(part)
		partial = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL(file.Name), nil)
	if err != nil {
		return services.Wrap(services.ErrDownloadFailed, "transfer", "request "+file.Name, "", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if partial > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", partial))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return services.Wrap(services.ErrDownloadFailed, "transfer", "fetch "+file.Name, "", err)
	}
	defer resp.Body.Close()

	var out *os.File
	switch resp.StatusCode {
	case http.StatusPartialContent:
		out, err = os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	case http.StatusOK:
		// Server ignored the Range request: resume unsupported, restart.
		if partial > 0 {
			m.logger.Debug("resume not supported, restarting",
				logging.String(logging.FieldBackend, task.Backend),
				logging.String("file", file.Name))
			partial = 0
		}
		out, err = os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	default:
		return services.Wrap(services.ErrDownloadFailed, "transfer", "fetch "+file.Name,
			fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode), nil)
	}
	if err != nil {
		return services.Wrap(services.ErrDownloadFailed, "transfer", "open "+part, "", err)
	}

	*done += partial

	buf := make([]byte, m.chunkSize)
	copyErr := func() error {
		defer out.Close()
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return services.Wrap(services.ErrDownloadFailed, "transfer", "write "+file.Name, "", writeErr)
				}
				*done += int64(n)
				emit(file.Name)
			}
			// Chunk boundary: generation first, then user cancel. The
			// .part file stays behind for a future resume either way.
			if task.Valid != nil && !task.Valid() {
				return services.Wrap(services.ErrSuperseded, "transfer", "download "+file.Name,
					"a newer download took over", nil)
			}
			if task.Token != nil && task.Token.Cancelled() {
				return services.Wrap(services.ErrCancelled, "transfer", "download "+file.Name, "", nil)
			}
			if readErr == io.EOF {
				return nil
			}
			if readErr != nil {
				return services.Wrap(services.ErrDownloadFailed, "transfer", "read "+file.Name, "", readErr)
			}
		}
	}()
	if copyErr != nil {
		return copyErr
	}

	if got := fileutil.FileSize(part); got != file.Size {
		return services.Wrap(services.ErrDownloadFailed, "transfer", "verify "+file.Name,
			fmt.Sprintf("size mismatch: got %d bytes, expected %d", got, file.Size), nil)
	}
	if err := os.Rename(part, final); err != nil {
		return services.Wrap(services.ErrDownloadFailed, "transfer", "finalize "+file.Name, "", err)
	}
	return nil
}

// PartialExists reports whether any manifest file has an in-progress .part
// sibling in destDir.
func PartialExists(destDir string, files []backend.ModelFile) bool {
	for _, f := range files {
		if fileutil.FileExists(filepath.Join(destDir, f.Name+partSuffix)) {
			return true
		}
	}
	return false
}

// ManifestComplete reports whether every manifest file exists in destDir at
// its exact expected size.
func ManifestComplete(destDir string, files []backend.ModelFile) bool {
	for _, f := range files {
		if fileutil.FileSize(filepath.Join(destDir, f.Name)) != f.Size {
			return false
		}
	}
	return len(files) > 0
}
