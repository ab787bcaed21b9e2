package gpsdo

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/discipline"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw/sim"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
	testutil "github.com/arodland/Due-GPS-NTP-Server/pkg/testing"
)

const (
	testWeek = 2300
	testTOW  = 345_600
	testLeap = 18
)

type fakeOscillator struct{ rates []int32 }

func (o *fakeOscillator) SetRate(ppt int32) int32 {
	o.rates = append(o.rates, ppt)
	return ppt
}

type fakeTimer struct {
	counter uint32
	periods []uint32
	resyncs int
}

func (t *fakeTimer) SetPeriod(ticks uint32) { t.periods = append(t.periods, ticks) }
func (t *fakeTimer) ForceResync()           { t.resyncs++ }
func (t *fakeTimer) Counter() uint32        { return t.counter }

type fakePPS struct{ on bool }

func (p *fakePPS) Enable()  { p.on = true }
func (p *fakePPS) Disable() { p.on = false }

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]telemetry.Sample
}

func (p *recordingPublisher) Publish(samples []telemetry.Sample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, samples)
	return nil
}

func (p *recordingPublisher) last() map[string]telemetry.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]telemetry.Sample)
	if len(p.batches) == 0 {
		return out
	}
	for _, s := range p.batches[len(p.batches)-1] {
		out[s.Metric] = s
	}
	return out
}

type rig struct {
	clock *Clock
	osc   *fakeOscillator
	timer *fakeTimer
	pps   *fakePPS
	pub   *recordingPublisher
}

func newRig(t *testing.T, p gps.Protocol) *rig {
	t.Helper()
	r := &rig{
		osc:   &fakeOscillator{},
		timer: &fakeTimer{},
		pps:   &fakePPS{},
		pub:   &recordingPublisher{},
	}
	cfg := DefaultConfig()
	cfg.Protocol = p
	c, err := New(cfg, Hardware{Oscillator: r.osc, Timer: r.timer, PPS: r.pps}, r.pub, nil)
	require.NoError(t, err)
	r.clock = c
	return r
}

func burst(t *testing.T, p gps.Protocol, tow uint32, sawtooth int32) []byte {
	t.Helper()
	b, err := gps.Synthesize(p, testWeek, tow, testLeap, sawtooth, gps.DefaultOptions())
	require.NoError(t, err)
	return b
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		hw      Hardware
		cfg     Config
		wantErr bool
	}{
		{"missing oscillator", Hardware{Timer: &fakeTimer{}}, DefaultConfig(), true},
		{"missing timer", Hardware{Oscillator: &fakeOscillator{}}, DefaultConfig(), true},
		{"bad protocol", Hardware{Oscillator: &fakeOscillator{}, Timer: &fakeTimer{}}, Config{Protocol: gps.Protocol(9)}, true},
		{"nil pps allowed", Hardware{Oscillator: &fakeOscillator{}, Timer: &fakeTimer{}}, DefaultConfig(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, tt.hw, nil, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, health.SystemUnlock, c.Status())
		})
	}
}

func TestGPSFixSetsDate(t *testing.T) {
	for _, p := range []gps.Protocol{gps.SiRF, gps.TSIP, gps.UBX} {
		t.Run(p.String(), func(t *testing.T) {
			r := newRig(t, p)
			r.clock.OnGPSBytes(burst(t, p, testTOW, 0))

			s := r.clock.Snapshot()
			require.NotNil(t, s.Fix)
			assert.True(t, s.Fix.Valid)
			assert.True(t, s.Dated)
			assert.Equal(t, uint16(testWeek), s.Week)
			assert.Equal(t, uint32(testTOW-testLeap), s.TOW)
			assert.Equal(t, health.GPSOk.String(), s.Health.GPS)
			assert.Equal(t, p.String(), s.Protocol)
			assert.Positive(t, s.Decoder.Messages)
		})
	}
}

func TestOnGPSByte(t *testing.T) {
	r := newRig(t, gps.UBX)
	for _, b := range burst(t, gps.UBX, testTOW, 0) {
		r.clock.OnGPSByte(b)
	}
	assert.True(t, r.clock.Snapshot().Dated)
}

func TestSecondTickWithoutCaptureSkipsDiscipline(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.SetOscillatorLocked(true)
	r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))

	r.clock.OnSecondTick()

	s := r.clock.Snapshot()
	assert.Zero(t, s.Steps)
	assert.Equal(t, uint32(testTOW-testLeap+1), s.TOW)

	got := r.pub.last()
	assert.Contains(t, got, telemetry.MetricStatus)
	assert.NotContains(t, got, telemetry.MetricPhase)
}

func TestDisciplineGating(t *testing.T) {
	tests := []struct {
		name      string
		oscLocked bool
		feedGPS   bool
		wantRan   bool
	}{
		{"gps and oscillator ok", true, true, true},
		{"oscillator unlocked", false, true, false},
		{"no receiver", true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, gps.TSIP)
			r.clock.SetOscillatorLocked(tt.oscLocked)
			if tt.feedGPS {
				r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))
			}
			r.clock.OnPPSCaptured(20)
			r.clock.OnSecondTick()

			s := r.clock.Snapshot()
			assert.Equal(t, tt.wantRan, s.LastStep.Ran)
			if tt.wantRan {
				assert.Equal(t, uint64(1), s.Steps)
				assert.NotEmpty(t, r.timer.periods)
			} else {
				assert.Zero(t, s.Steps)
			}
		})
	}
}

func TestSawtoothIsAddedToPhase(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.SetOscillatorLocked(true)
	r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 7))
	r.clock.OnPPSCaptured(20)
	r.clock.OnSecondTick()

	s := r.clock.Snapshot()
	assert.Equal(t, int32(2007), s.PhaseNs)
	assert.Equal(t, int32(2007), s.LastStep.PhaseNs)

	got := r.pub.last()
	require.Contains(t, got, telemetry.MetricPhase)
	assert.Equal(t, 2007.0, got[telemetry.MetricPhase].Value)
	assert.Equal(t, int64(315964800+testWeek*604800+testTOW-testLeap+1), got[telemetry.MetricPhase].Unix)

	// the correction applies to one sample only
	r.clock.OnPPSCaptured(20)
	r.clock.OnSecondTick()
	assert.Equal(t, int32(2000), r.clock.Snapshot().PhaseNs)
}

func TestStaleFixIsNotValid(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.SetOscillatorLocked(true)
	r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))

	for i := 0; i < fixMaxAge; i++ {
		r.clock.OnSecondTick()
	}
	r.clock.OnPPSCaptured(20)
	r.clock.OnSecondTick()

	// the receiver went quiet, so the watchdog stops the loop
	assert.False(t, r.clock.Snapshot().LastStep.Ran)
	assert.Equal(t, health.GPSUnlock.String(), r.clock.Snapshot().Health.GPS)
}

func TestPhaseFudge(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.SetPhaseFudge(-150)
	assert.Equal(t, int32(-150), r.clock.PhaseFudge())

	r.clock.SetOscillatorLocked(true)
	r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))
	r.clock.OnPPSCaptured(20)
	r.clock.OnSecondTick()
	assert.Equal(t, int32(1850), r.clock.Snapshot().PhaseNs)
}

func TestNowNTP(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))
	r.timer.counter = 5_000_000

	ts := r.clock.NowNTP(0)
	assert.Equal(t, uint32(2524953600+testWeek*604800+testTOW-testLeap), ts.Seconds)
	assert.Equal(t, uint32(1<<31), ts.Fraction)

	later := r.clock.NowNTP(600_000_000)
	assert.Equal(t, ts.Seconds+1, later.Seconds)

	ref := r.clock.Reference(0)
	assert.Equal(t, ts, ref.Now)
	assert.False(t, ref.HaveRef)
	assert.True(t, ref.Dated)
	assert.Equal(t, health.SystemUnlock, ref.Status)
}

func TestWithEngine(t *testing.T) {
	r := newRig(t, gps.TSIP)
	r.clock.WithEngine(func(e *discipline.Engine) {
		e.SetEnabled(false)
		e.SetFLLRate(-640)
	})

	s := r.clock.Snapshot()
	assert.False(t, s.Discipline.Enabled)
	assert.Equal(t, int32(-640), s.Discipline.FLLRatePPT)
}

func TestExportMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewGPSDOMetrics()
	reg.MustRegister(m)

	c, err := New(DefaultConfig(), Hardware{Oscillator: &fakeOscillator{}, Timer: &fakeTimer{}}, nil, m)
	require.NoError(t, err)
	c.SetOscillatorLocked(true)
	c.OnGPSBytes(burst(t, gps.TSIP, testTOW, 0))
	c.OnPPSCaptured(20)
	c.OnSecondTick()

	testutil.AssertMetricValue(t, reg, "gpsdo_gps_week", map[string]string{}, testWeek)
	testutil.AssertMetricValue(t, reg, "gpsdo_gps_time_of_week_seconds", map[string]string{}, testTOW-testLeap+1)
	testutil.AssertMetricValue(t, reg, "gpsdo_status", map[string]string{"subsystem": "gps"}, 2)
	testutil.AssertMetricValue(t, reg, "gpsdo_status", map[string]string{"subsystem": "oscillator"}, 1)
	testutil.AssertMetricValue(t, reg, "gpsdo_discipline_steps_total", map[string]string{"result": "ran"}, 1)
	testutil.AssertMetricValue(t, reg, "gpsdo_gps_decoder_events", map[string]string{"protocol": "tsip", "event": "checksum_errors"}, 0)
	testutil.AssertMetricExists(t, reg, "gpsdo_reference_age_seconds", map[string]string{})
}

func newSimClock(t *testing.T, cfg sim.Config) (*Clock, *sim.Bench, *recordingPublisher) {
	t.Helper()
	bench := sim.New(cfg)
	pub := &recordingPublisher{}
	ccfg := DefaultConfig()
	ccfg.Protocol = cfg.Protocol
	ccfg.TickHz = cfg.TickHz
	c, err := New(ccfg, Hardware{Oscillator: bench, Timer: bench, PPS: bench}, pub, nil)
	require.NoError(t, err)
	c.SetOscillatorLocked(true)
	return c, bench, pub
}

func TestClosedLoopLocks(t *testing.T) {
	for _, p := range []gps.Protocol{gps.SiRF, gps.TSIP, gps.UBX} {
		t.Run(p.String(), func(t *testing.T) {
			cfg := sim.DefaultConfig()
			cfg.Protocol = p
			c, bench, pub := newSimClock(t, cfg)

			require.NoError(t, bench.RunFor(c, 400))

			assert.Equal(t, health.SystemOk, c.Status())
			assert.True(t, bench.PPSEnabled())
			assert.Less(t, bench.PhaseNs(), 1000.0)
			assert.Greater(t, bench.PhaseNs(), -1000.0)
			assert.Zero(t, bench.Resyncs())

			s := c.Snapshot()
			assert.Equal(t, "OK", s.Health.PLL)
			assert.Equal(t, "OK", s.Health.FLL)
			assert.True(t, s.Discipline.FLLLearned)
			assert.Negative(t, s.Discipline.FLLRatePPT)
			assert.GreaterOrEqual(t, s.Discipline.FLLRatePPT, int32(-2000))

			ref := c.Reference(0)
			assert.True(t, ref.HaveRef)
			assert.LessOrEqual(t, ref.RefAge, uint32(1))

			assert.Equal(t, health.SystemOk.Gauge(), pub.last()[telemetry.MetricStatus].Value)
		})
	}
}

func TestClosedLoopResyncsLargeOffset(t *testing.T) {
	cfg := sim.DefaultConfig()
	cfg.InitialPhaseNs = 300_000
	c, bench, _ := newSimClock(t, cfg)

	require.NoError(t, bench.RunFor(c, 5))
	assert.Equal(t, 1, bench.Resyncs())

	require.NoError(t, bench.RunFor(c, 200))
	assert.Equal(t, health.SystemOk, c.Status())
}

func TestClosedLoopHoldover(t *testing.T) {
	cfg := sim.DefaultConfig()
	c, bench, _ := newSimClock(t, cfg)
	require.NoError(t, bench.RunFor(c, 400))
	require.Equal(t, health.SystemOk, c.Status())

	bench.DropGPS(30)
	require.NoError(t, bench.RunFor(c, 10))

	assert.Equal(t, health.SystemHoldover, c.Status())
	assert.True(t, bench.PPSEnabled(), "holdover keeps the output running")
	assert.True(t, c.Snapshot().Discipline.Holdover)
	steps := c.Snapshot().Steps

	require.NoError(t, bench.RunFor(c, 30))

	s := c.Snapshot()
	assert.Equal(t, health.SystemOk, c.Status())
	assert.False(t, s.Discipline.Holdover)
	assert.Greater(t, s.Health.HoldoverSeconds, uint32(20))
	assert.Greater(t, s.Steps, steps)
	assert.Less(t, bench.PhaseNs(), 1000.0)
	assert.Greater(t, bench.PhaseNs(), -1000.0)
}

func TestClosedLoopOscillatorUnlock(t *testing.T) {
	c, bench, _ := newSimClock(t, sim.DefaultConfig())
	require.NoError(t, bench.RunFor(c, 200))
	require.Equal(t, health.SystemOk, c.Status())

	c.SetOscillatorLocked(false)
	assert.Equal(t, health.SystemUnlock, c.Status())
	assert.False(t, bench.PPSEnabled())

	require.NoError(t, bench.RunFor(c, 5))
	assert.False(t, c.Snapshot().LastStep.Ran)
}
