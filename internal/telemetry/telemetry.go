// Package telemetry ships the per-second discipline samples to monitoring
// backends.
//
// Publishing is fire-and-forget: a sink that cannot keep up drops samples
// instead of blocking the caller, which runs inside the clock's critical
// section.
package telemetry

import (
	"fmt"
	"sync"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// Metric names published every second.
const (
	MetricPhase          = "pps.phase_ns"
	MetricPhaseFiltered  = "pps.filtered_ns"
	MetricRateRequested  = "rate.requested_ppt"
	MetricRateOscillator = "rate.oscillator_ppt"
	MetricRateTimer      = "rate.timer_ppt"
	MetricRateFLL        = "fll.rate_ppt"
	MetricPLLFactor      = "pll.factor"
	MetricFLLFactor      = "fll.factor"
	MetricStatus         = "status.system"
	MetricHoldover       = "status.holdover_s"
)

// Sample is one numeric observation stamped with Unix seconds.
type Sample struct {
	Metric string
	Value  float64
	Unix   int64
}

// Sink receives batches of samples
type Sink interface {
	// Publish hands samples to the sink without blocking
	Publish(samples []Sample) error

	// Name returns the name of the sink
	Name() string

	// Enabled indicates if the sink is active
	Enabled() bool
}

// Registry fans samples out to multiple sinks
type Registry struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewRegistry creates a new sink registry
func NewRegistry() *Registry {
	return &Registry{
		sinks: make([]Sink, 0),
	}
}

// Register registers a sink
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Publish delivers samples to every enabled sink. A failing sink does not
// stop delivery to the others; the first error is returned.
func (r *Registry) Publish(samples []Sample) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var first error
	for _, s := range r.sinks {
		if !s.Enabled() {
			continue
		}
		if err := s.Publish(samples); err != nil {
			logger.Debugf("telemetry", "sink %s: %v", s.Name(), err)
			if first == nil {
				first = fmt.Errorf("%s: %w", s.Name(), err)
			}
		}
	}
	return first
}

// Count returns the number of registered sinks
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// EnabledCount returns the number of enabled sinks
func (r *Registry) EnabledCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, s := range r.sinks {
		if s.Enabled() {
			count++
		}
	}
	return count
}
