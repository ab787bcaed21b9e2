package telemetry

import (
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

// PrometheusSink mirrors samples into the exported gauges.
type PrometheusSink struct {
	m *metrics.GPSDOMetrics
}

// NewPrometheusSink creates a sink writing into m.
func NewPrometheusSink(m *metrics.GPSDOMetrics) *PrometheusSink {
	return &PrometheusSink{m: m}
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Enabled() bool { return s.m != nil }

// Publish sets the gauge behind each known metric name. Unknown names are
// ignored.
func (s *PrometheusSink) Publish(samples []Sample) error {
	for _, sm := range samples {
		switch sm.Metric {
		case MetricPhase:
			s.m.PhaseNanoseconds.WithLabelValues("raw").Set(sm.Value)
		case MetricPhaseFiltered:
			s.m.PhaseNanoseconds.WithLabelValues("filtered").Set(sm.Value)
		case MetricRateRequested:
			s.m.RatePPT.WithLabelValues("requested").Set(sm.Value)
		case MetricRateOscillator:
			s.m.RatePPT.WithLabelValues("oscillator").Set(sm.Value)
		case MetricRateTimer:
			s.m.RatePPT.WithLabelValues("timer").Set(sm.Value)
		case MetricRateFLL:
			s.m.RatePPT.WithLabelValues("fll").Set(sm.Value)
		case MetricPLLFactor:
			s.m.LoopFactor.WithLabelValues("pll").Set(sm.Value)
		case MetricFLLFactor:
			s.m.LoopFactor.WithLabelValues("fll").Set(sm.Value)
		case MetricStatus:
			s.m.Status.WithLabelValues("system").Set(sm.Value)
		case MetricHoldover:
			s.m.HoldoverSeconds.Set(sm.Value)
		}
	}
	return nil
}
