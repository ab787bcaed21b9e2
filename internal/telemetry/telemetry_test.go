package telemetry

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
	testutil "github.com/arodland/Due-GPS-NTP-Server/pkg/testing"
)

type recordingSink struct {
	name    string
	enabled bool
	err     error
	got     [][]Sample
}

func (s *recordingSink) Publish(samples []Sample) error {
	s.got = append(s.got, samples)
	return s.err
}

func (s *recordingSink) Name() string  { return s.name }
func (s *recordingSink) Enabled() bool { return s.enabled }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.Count())

	r.Register(&recordingSink{name: "a", enabled: true})
	r.Register(&recordingSink{name: "b", enabled: false})

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, 1, r.EnabledCount())
}

func TestRegistry_PublishSkipsDisabled(t *testing.T) {
	on := &recordingSink{name: "on", enabled: true}
	off := &recordingSink{name: "off", enabled: false}
	r := NewRegistry()
	r.Register(on)
	r.Register(off)

	batch := []Sample{{Metric: MetricPhase, Value: 5, Unix: 100}}
	require.NoError(t, r.Publish(batch))

	assert.Len(t, on.got, 1)
	assert.Equal(t, batch, on.got[0])
	assert.Empty(t, off.got)
}

func TestRegistry_PublishContinuesAfterError(t *testing.T) {
	errBoom := errors.New("boom")
	bad := &recordingSink{name: "bad", enabled: true, err: errBoom}
	good := &recordingSink{name: "good", enabled: true}
	r := NewRegistry()
	r.Register(bad)
	r.Register(good)

	err := r.Publish([]Sample{{Metric: MetricStatus, Value: 2}})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.got, 1)
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewGPSDOMetrics()
	reg.MustRegister(m)

	s := NewPrometheusSink(m)
	assert.True(t, s.Enabled())
	assert.Equal(t, "prometheus", s.Name())

	require.NoError(t, s.Publish([]Sample{
		{Metric: MetricPhase, Value: -12},
		{Metric: MetricPhaseFiltered, Value: -3},
		{Metric: MetricRateOscillator, Value: -800},
		{Metric: MetricRateTimer, Value: 25},
		{Metric: MetricPLLFactor, Value: 400},
		{Metric: MetricStatus, Value: 2},
		{Metric: MetricHoldover, Value: 90},
		{Metric: "unknown.metric", Value: 1},
	}))

	testutil.AssertMetricValue(t, reg, "gpsdo_phase_nanoseconds", map[string]string{"kind": "raw"}, -12)
	testutil.AssertMetricValue(t, reg, "gpsdo_phase_nanoseconds", map[string]string{"kind": "filtered"}, -3)
	testutil.AssertMetricValue(t, reg, "gpsdo_rate_ppt", map[string]string{"actuator": "oscillator"}, -800)
	testutil.AssertMetricValue(t, reg, "gpsdo_rate_ppt", map[string]string{"actuator": "timer"}, 25)
	testutil.AssertMetricValue(t, reg, "gpsdo_loop_factor", map[string]string{"loop": "pll"}, 400)
	testutil.AssertMetricValue(t, reg, "gpsdo_status", map[string]string{"subsystem": "system"}, 2)
	testutil.AssertMetricValue(t, reg, "gpsdo_holdover_seconds", map[string]string{}, 90)
}

func TestPrometheusSink_NilMetricsDisabled(t *testing.T) {
	assert.False(t, NewPrometheusSink(nil).Enabled())
}
