// Package gpsdo is the frequency standard core. A Clock owns the time base,
// the health monitor, the discipline loop and the receiver decoder, and
// exposes the hardware entry points: the second tick, the PPS capture and
// the receiver byte stream.
//
// All entry points take one mutex, so a status read and the action taken on
// it are atomic with respect to the other event source. Within a second,
// receiver bytes available at the tick should be delivered first.
package gpsdo

import (
	"errors"
	"sync"

	"github.com/arodland/Due-GPS-NTP-Server/internal/discipline"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

// fixMaxAge is how many second ticks a timing fix stays usable.
const fixMaxAge = 2

// Publisher receives the per-second telemetry.
type Publisher interface {
	Publish(samples []telemetry.Sample) error
}

// Config assembles the core.
type Config struct {
	TickHz       uint32
	PhaseFudgeNs int32
	Protocol     gps.Protocol
	GPSOptions   gps.Options
	Discipline   discipline.Config
	Health       health.Config
}

// DefaultConfig returns a core for a 10 MHz rubidium and a TSIP receiver.
func DefaultConfig() Config {
	return Config{
		TickHz:     10_000_000,
		Protocol:   gps.TSIP,
		GPSOptions: gps.DefaultOptions(),
		Discipline: discipline.DefaultConfig(),
		Health:     health.DefaultConfig(),
	}
}

// Hardware is the set of peripherals the core drives.
type Hardware struct {
	Oscillator hw.Oscillator
	Timer      hw.Timer
	PPS        hw.PPSOutput
}

// Clock is the disciplined clock.
type Clock struct {
	mu sync.Mutex

	tb  *timebase.TimeBase
	mon *health.Monitor
	eng *discipline.Engine
	dec gps.Decoder

	timer hw.Timer
	pps   hw.PPSOutput
	pub   Publisher
	m     *metrics.GPSDOMetrics

	havePPS bool
	ppsTick uint32

	lastFix  gps.Fix
	haveFix  bool
	fixAge   int
	sawtooth int32
	phase    int32
	steps    uint64
	last     discipline.Result
}

// New wires a Clock. pub and m may be nil.
func New(cfg Config, hwr Hardware, pub Publisher, m *metrics.GPSDOMetrics) (*Clock, error) {
	if hwr.Oscillator == nil || hwr.Timer == nil {
		return nil, errors.New("oscillator and timer are required")
	}
	if hwr.PPS == nil {
		hwr.PPS = hw.NopPPS{}
	}
	if cfg.TickHz == 0 {
		cfg.TickHz = DefaultConfig().TickHz
	}

	tb, err := timebase.New(cfg.TickHz, cfg.PhaseFudgeNs)
	if err != nil {
		return nil, err
	}
	dec, err := gps.New(cfg.Protocol, cfg.GPSOptions)
	if err != nil {
		return nil, err
	}

	c := &Clock{
		tb:    tb,
		dec:   dec,
		timer: hwr.Timer,
		pps:   hwr.PPS,
		pub:   pub,
		m:     m,
	}
	c.mon = health.New(cfg.Health, hooks{c})
	dcfg := cfg.Discipline
	dcfg.TickHz = cfg.TickHz
	c.eng = discipline.New(dcfg, hwr.Oscillator, hwr.Timer, reporter{c})
	hwr.PPS.Disable()

	logger.Infof("gpsdo", "clock ready: %s receiver, %d Hz timebase", cfg.Protocol, cfg.TickHz)
	return c, nil
}

// hooks applies health transitions. They run under c.mu.
type hooks struct{ c *Clock }

func (h hooks) EnablePPSOutput()  { h.c.pps.Enable() }
func (h hooks) DisablePPSOutput() { h.c.pps.Disable() }
func (h hooks) EnterHoldover()    { h.c.eng.EnterHoldover() }
func (h hooks) LeaveHoldover(seconds uint32) {
	h.c.eng.LeaveHoldover(seconds)
}

// reporter forwards lock quality from the engine. It runs under c.mu.
type reporter struct{ c *Clock }

func (r reporter) SetPLLStatus(s health.Status) { r.c.mon.SetPLLStatus(s) }
func (r reporter) SetFLLStatus(s health.Status) { r.c.mon.SetFLLStatus(s) }
func (r reporter) LatchReftime()                { r.c.mon.SetReftime(r.c.tb.ToNTP(0, 0)) }

// OnGPSByte feeds one receiver byte.
func (c *Clock) OnGPSByte(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.dec.Feed(b); ok {
		c.handle(ev)
	}
}

// OnGPSBytes feeds a burst of receiver bytes.
func (c *Clock) OnGPSBytes(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gps.FeedAll(c.dec, p, c.handle)
}

func (c *Clock) handle(ev gps.Event) {
	c.mon.ResetGPSWatchdog()
	if ev.HasFix {
		c.lastFix = ev.Fix
		c.haveFix = true
		c.fixAge = 0
		if ev.Fix.Valid {
			c.tb.SetDate(ev.Fix.Week, ev.Fix.TOW, ev.Fix.UTCOffset)
		}
	}
	if ev.HasStatus {
		c.mon.SetGPSStatus(ev.Status)
	}
	if ev.HasSawtooth {
		c.sawtooth = ev.SawtoothNs
	}
}

// OnPPSCaptured records the counter value latched by the GPS pulse.
func (c *Clock) OnPPSCaptured(tick uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ppsTick = tick
	c.havePPS = true
}

// OnSecondTick runs the per-second work: advance the date, age the
// watchdogs, steer on the pending capture, then publish telemetry.
func (c *Clock) OnSecondTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tb.AdvanceOneSecond()
	c.mon.Tick()
	if c.haveFix {
		c.fixAge++
	}

	var res discipline.Result
	if c.havePPS && c.mon.ShouldRunDiscipline() {
		c.phase = c.tb.Tick(c.ppsTick) + c.sawtooth
		res = c.eng.Step(c.phase, c.gpsValid())
		c.steps++
		if res.Resync && c.m != nil {
			c.m.ResyncsTotal.Inc()
		}
	} else {
		res = c.eng.Last()
		res.Ran = false
	}
	c.havePPS = false
	c.sawtooth = 0
	c.last = res

	if c.m != nil {
		if res.Ran {
			c.m.DisciplineSteps.WithLabelValues("ran").Inc()
		} else {
			c.m.DisciplineSteps.WithLabelValues("skipped").Inc()
		}
	}
	c.exportMetrics()
	c.publish(res)
}

func (c *Clock) gpsValid() bool {
	return c.haveFix && c.lastFix.Valid && c.fixAge <= fixMaxAge
}

func (c *Clock) publish(res discipline.Result) {
	if c.pub == nil {
		return
	}
	unix := c.tb.ToUnix()
	sample := func(name string, v float64) telemetry.Sample {
		return telemetry.Sample{Metric: name, Value: v, Unix: unix}
	}
	samples := []telemetry.Sample{
		sample(telemetry.MetricStatus, c.mon.Status().Gauge()),
		sample(telemetry.MetricHoldover, float64(c.mon.HoldoverSeconds())),
		sample(telemetry.MetricRateOscillator, float64(res.OscPPT)),
		sample(telemetry.MetricRateFLL, float64(res.FLLRatePPT)),
		sample(telemetry.MetricPLLFactor, float64(res.PLLFactor)),
		sample(telemetry.MetricFLLFactor, float64(res.FLLFactor)),
	}
	if res.Ran {
		samples = append(samples,
			sample(telemetry.MetricPhase, float64(res.PhaseNs)),
			sample(telemetry.MetricPhaseFiltered, float64(res.FilteredNs)),
			sample(telemetry.MetricRateRequested, float64(res.RequestedPPT)),
			sample(telemetry.MetricRateTimer, float64(res.TimerPPT)),
		)
	}
	// best effort; sinks count their own drops
	_ = c.pub.Publish(samples)
}

// SetOscillatorLocked reports the oscillator's own lock indication.
func (c *Clock) SetOscillatorLocked(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if locked {
		c.mon.SetOscillatorStatus(health.Ok)
	} else {
		c.mon.SetOscillatorStatus(health.Unlock)
	}
}

// Status returns the aggregate status.
func (c *Clock) Status() health.SystemStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mon.Status()
}

// SetPhaseFudge replaces the static capture offset.
func (c *Clock) SetPhaseFudge(ns int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tb.SetPhaseFudge(ns)
	logger.Infof("gpsdo", "phase fudge set to %d ns", ns)
}

func (c *Clock) PhaseFudge() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tb.PhaseFudge()
}

// WithEngine runs fn with exclusive access to the discipline engine, for
// runtime tuning.
func (c *Clock) WithEngine(fn func(e *discipline.Engine)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.eng)
}
