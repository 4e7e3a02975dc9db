// Package eta predicts how long a provisioning phase will take from an
// exponentially weighted moving average of past durations.
package eta

import (
	"sync"
	"time"
)

// DefaultAlpha weighs recent observations more without discarding history.
const DefaultAlpha = 0.3

// Key identifies one model: the image being provisioned and the phase.
type Key struct {
	Image string
	Phase string
}

// Model is the running average for one key.
type Model struct {
	Average time.Duration
	Samples int
}

// Estimator is safe for concurrent use. Models are created on first
// observation and kept for the lifetime of the process.
type Estimator struct {
	alpha float64

	mu     sync.RWMutex
	models map[Key]Model
}

// New creates an Estimator. Alpha outside (0, 1] falls back to DefaultAlpha.
func New(alpha float64) *Estimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Estimator{
		alpha:  alpha,
		models: make(map[Key]Model),
	}
}

// Observe folds one measured duration into the model for (image, phase).
// Negative durations are ignored.
func (e *Estimator) Observe(image, phase string, d time.Duration) {
	if d < 0 {
		return
	}
	k := Key{Image: image, Phase: phase}

	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.models[k]
	if !ok {
		e.models[k] = Model{Average: d, Samples: 1}
		return
	}
	avg := e.alpha*float64(d) + (1-e.alpha)*float64(m.Average)
	e.models[k] = Model{Average: time.Duration(avg), Samples: m.Samples + 1}
}

// Estimate returns the remaining time for (image, phase) given how long it
// has already been running. ok is false when nothing has been observed for
// the key; a known key never yields a negative duration.
func (e *Estimator) Estimate(image, phase string, elapsed time.Duration) (remaining time.Duration, ok bool) {
	e.mu.RLock()
	m, found := e.models[Key{Image: image, Phase: phase}]
	e.mu.RUnlock()
	if !found || m.Samples == 0 {
		return 0, false
	}
	return max(0, m.Average-elapsed), true
}

// Average returns the smoothed duration for the key, if any.
func (e *Estimator) Average(image, phase string) (time.Duration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.models[Key{Image: image, Phase: phase}]
	return m.Average, ok
}

// Snapshot copies every model, for the metrics endpoint and debugging.
func (e *Estimator) Snapshot() map[Key]Model {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Key]Model, len(e.models))
	for k, m := range e.models {
		out[k] = m
	}
	return out
}

// Millis converts an estimate into the nullable millisecond form used on
// the wire.
func Millis(d time.Duration, ok bool) *int64 {
	if !ok {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}
