package agent

import (
	"sync"
	"time"
)

// LoadLevel classifies recent request volume/latency/error rate into a
// heartbeat cadence, per §4.5's adaptive heartbeat controller.
type LoadLevel string

const (
	LoadHigh   LoadLevel = "high"
	LoadMedium LoadLevel = "medium"
	LoadLow    LoadLevel = "low"
	LoadNormal LoadLevel = "normal"
)

// Thresholds configures the load-level classification. New replaces a zero
// Thresholds value with DefaultThresholds().
type Thresholds struct {
	RequestsHigh   int
	RequestsMedium int
	LatencyHigh    time.Duration
	LatencyMedium  time.Duration
	ErrorRateHigh  float64
	ErrorRateMed   float64
	LowUptimeFloor time.Duration
}

// DefaultThresholds returns the spec's illustrative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RequestsHigh:   1000,
		RequestsMedium: 200,
		LatencyHigh:    500 * time.Millisecond,
		LatencyMedium:  200 * time.Millisecond,
		ErrorRateHigh:  0.10,
		ErrorRateMed:   0.02,
		LowUptimeFloor: 5 * time.Minute,
	}
}

// Intervals maps a LoadLevel to a heartbeat period.
type Intervals struct {
	High   time.Duration
	Medium time.Duration
	Low    time.Duration
	Normal time.Duration
}

// DefaultIntervals returns the spec's default cadences.
func DefaultIntervals() Intervals {
	return Intervals{
		High:   10 * time.Second,
		Medium: 20 * time.Second,
		Low:    60 * time.Second,
		Normal: 30 * time.Second,
	}
}

func (iv Intervals) forLevel(level LoadLevel) time.Duration {
	switch level {
	case LoadHigh:
		return iv.High
	case LoadMedium:
		return iv.Medium
	case LoadLow:
		return iv.Low
	default:
		return iv.Normal
	}
}

// sample is one observed request outcome fed by the host application's own
// instrumentation.
type sample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// loadWindow maintains a 60-second sliding window of request samples and
// derives the current LoadLevel every time Recompute is called.
type loadWindow struct {
	mu         sync.Mutex
	window     time.Duration
	samples    []sample
	thresholds Thresholds
	startedAt  time.Time
}

func newLoadWindow(window time.Duration, thresholds Thresholds) *loadWindow {
	return &loadWindow{window: window, thresholds: thresholds, startedAt: time.Now()}
}

// Observe records one request outcome fed by the host application.
func (w *loadWindow) Observe(duration time.Duration, success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: time.Now(), duration: duration, success: success})
}

// Recompute drops samples older than the window and classifies the
// remainder into a LoadLevel per §4.5's thresholds, evaluated in
// High > Medium > Low > Normal precedence.
func (w *loadWindow) Recompute() LoadLevel {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-w.window)
	kept := w.samples[:0]
	for _, s := range w.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	w.samples = kept

	n := len(w.samples)
	if n == 0 {
		if time.Since(w.startedAt) > w.thresholds.LowUptimeFloor {
			return LoadLow
		}
		return LoadNormal
	}

	var totalLatency time.Duration
	var failures int
	for _, s := range w.samples {
		totalLatency += s.duration
		if !s.success {
			failures++
		}
	}
	avgLatency := totalLatency / time.Duration(n)
	errorRate := float64(failures) / float64(n)

	t := w.thresholds
	switch {
	case n > t.RequestsHigh || avgLatency > t.LatencyHigh || errorRate > t.ErrorRateHigh:
		return LoadHigh
	case n > t.RequestsMedium || avgLatency > t.LatencyMedium || errorRate > t.ErrorRateMed:
		return LoadMedium
	default:
		return LoadNormal
	}
}
