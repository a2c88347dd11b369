package engine

import (
	"sync"
	"time"

	"capstan/internal/progress"
)

// Native transcribing percents are mapped into the 10..95 band: below it is
// model loading, above it finalization. faster-whisper only yields segments,
// so a worker may go quiet between DURATION and the first PROGRESS line; when
// the model's realtime factor is known, estimated progress is synthesized
// from wall time until a native update arrives.

const (
	bandLow  = 10.0
	bandHigh = 95.0

	simulateInterval = 500 * time.Millisecond
)

func mapBand(pct float64) float64 {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return bandLow + pct*(bandHigh-bandLow)/100
}

type transcribeProgress struct {
	mu         sync.Mutex
	sink       progress.Func
	factor     float64
	durationMS int64
	started    time.Time
	native     bool
	last       float64
	done       chan struct{}
}

// transcribeSink wraps the caller's sink with band mapping and, when factor
// is positive, the estimated-progress fallback. The returned stop func ends
// the simulation goroutine.
func (e *Engine) transcribeSink(factor float64, sink progress.Func) (progress.Func, func()) {
	tp := &transcribeProgress{sink: sink, factor: factor, done: make(chan struct{})}
	if factor > 0 {
		go tp.simulate()
	}
	var once sync.Once
	stop := func() { once.Do(func() { close(tp.done) }) }
	return tp.observe, stop
}

func (tp *transcribeProgress) observe(m progress.Message) {
	tp.mu.Lock()
	switch m.Status {
	case progress.StatusLoading:
		if m.Total > 0 && tp.durationMS == 0 {
			tp.durationMS = m.Total
			tp.started = time.Now()
		}
		// Total carried the audio duration, not transfer bytes.
		m.Total = 0
	case progress.StatusTranscribing:
		tp.native = true
		mapped := mapBand(m.Percent)
		if mapped < tp.last {
			mapped = tp.last
		}
		tp.last = mapped
		m.Percent = mapped
	}
	tp.mu.Unlock()
	tp.sink.Emit(m)
}

func (tp *transcribeProgress) simulate() {
	ticker := time.NewTicker(simulateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tp.done:
			return
		case <-ticker.C:
		}

		tp.mu.Lock()
		if tp.native || tp.durationMS == 0 {
			tp.mu.Unlock()
			continue
		}
		expected := time.Duration(float64(tp.durationMS)/tp.factor) * time.Millisecond
		frac := float64(time.Since(tp.started)) / float64(expected)
		if frac > 1 {
			frac = 1
		}
		pct := mapBand(frac * 100)
		if pct <= tp.last {
			tp.mu.Unlock()
			continue
		}
		tp.last = pct
		sink := tp.sink
		tp.mu.Unlock()

		sink.Emit(progress.Message{
			Percent: pct,
			Status:  progress.StatusTranscribing,
			Text:    "estimated",
		})
	}
}
