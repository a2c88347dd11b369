// Package progress defines the typed progress stream shared by the
// installer, transfer manager, process bridge, and service supervisor, plus
// the cooperative cancellation primitives that gate long operations.
package progress

import "sync/atomic"

// Status describes what phase of an operation a message belongs to.
type Status string

const (
	StatusInstalling   Status = "installing"
	StatusDownloading  Status = "downloading"
	StatusLoading      Status = "loading"
	StatusTranscribing Status = "transcribing"
	StatusCorrecting   Status = "correcting"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusError        Status = "error"
)

// Message is one progress update. Percent is 0..100 and monotonic
// non-decreasing within a single operation. Messages are forwarded to the
// caller and never persisted.
type Message struct {
	Percent float64 `json:"percent"`
	Status  Status  `json:"status"`
	Text    string  `json:"text,omitempty"`
	Current int64   `json:"current,omitempty"`
	Total   int64   `json:"total,omitempty"`
}

// Func receives progress updates. Implementations must be safe to call from
// any goroutine; the engine invokes it from whatever goroutine observed the
// update.
type Func func(Message)

// Emit calls f if it is non-nil.
func (f Func) Emit(m Message) {
	if f != nil {
		f(m)
	}
}

// Token is a cooperative cancellation flag. It is reset at the start of each
// cancellable top-level operation and polled at every suspension point:
// between network chunks, between worker output lines, between poll
// intervals. A new operation always begins uncancelled.
type Token struct {
	cancelled atomic.Bool
}

// Reset clears the flag. Called once at the start of a top-level operation.
func (t *Token) Reset() {
	t.cancelled.Store(false)
}

// Cancel sets the flag. The running operation observes it at its next
// suspension point; latency is bounded by one chunk/line/poll interval.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation was requested.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Generation is a monotonic counter invalidating superseded operations of
// the same class. Starting a new operation bumps the counter; an in-flight
// operation holding an older snapshot discovers invalidation at its next
// suspension point.
type Generation struct {
	current atomic.Int64
}

// Next advances the counter and returns the new snapshot.
func (g *Generation) Next() int64 {
	return g.current.Add(1)
}

// Current returns the live counter value.
func (g *Generation) Current() int64 {
	return g.current.Load()
}

// Valid reports whether the given snapshot is still the live generation.
func (g *Generation) Valid(snapshot int64) bool {
	return g.current.Load() == snapshot
}
