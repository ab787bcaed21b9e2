// Package sim models a rubidium, its second divider and a GPS receiver on a
// test bench, one simulated second at a time. It implements the hw
// interfaces so the clock core can run closed loop without hardware.
package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// Target consumes the bench outputs in the order the hardware produces them.
type Target interface {
	OnSecondTick()
	OnPPSCaptured(tick uint32)
	OnGPSBytes(p []byte)
}

// Config describes the simulated hardware.
type Config struct {
	TickHz   uint32
	Protocol gps.Protocol
	Options  gps.Options

	// FrequencyErrorPPT is the rubidium's own bias before steering.
	FrequencyErrorPPT float64
	// JitterNs is the standard deviation of the capture noise.
	JitterNs float64
	// SawtoothNs bounds the receiver's PPS quantization error.
	SawtoothNs int32
	// InitialPhaseNs is the GPS edge minus the local edge at start.
	InitialPhaseNs float64

	Week        uint16
	TOW         uint32
	LeapSeconds int16

	Seed uint64
}

// DefaultConfig returns a bench with a typical free-running rubidium.
func DefaultConfig() Config {
	return Config{
		TickHz:            10_000_000,
		Protocol:          gps.TSIP,
		Options:           gps.DefaultOptions(),
		FrequencyErrorPPT: 800,
		JitterNs:          15,
		SawtoothNs:        10,
		InitialPhaseNs:    2000,
		Week:              2300,
		TOW:               345_600,
		LeapSeconds:       18,
		Seed:              1,
	}
}

// Second is what the bench emitted for one pulse.
type Second struct {
	Tick  uint32
	Burst []byte
	Week  uint16
	TOW   uint32
}

// Bench is the simulated hardware. It is safe for concurrent use.
type Bench struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	oscPPT  int32
	period  uint32
	phaseNs float64
	ppsOn   bool
	resyncs int

	week     uint16
	tow      uint32
	sawtooth int32
	dropout  int
}

// New builds a bench.
func New(cfg Config) *Bench {
	if cfg.TickHz == 0 {
		cfg.TickHz = DefaultConfig().TickHz
	}
	return &Bench{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		period:  cfg.TickHz,
		phaseNs: cfg.InitialPhaseNs,
		week:    cfg.Week,
		tow:     cfg.TOW,
	}
}

func (b *Bench) SetRate(ppt int32) int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.oscPPT = ppt
	return ppt
}

func (b *Bench) SetPeriod(ticks uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.period = ticks
}

// ForceResync aligns the next local edge with the GPS edge.
func (b *Bench) ForceResync() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phaseNs = 0
	b.resyncs++
}

// Counter is sampled at the second edge on the bench.
func (b *Bench) Counter() uint32 { return 0 }

func (b *Bench) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ppsOn = true
}

func (b *Bench) Disable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ppsOn = false
}

// PPSEnabled reports the state of the output pin.
func (b *Bench) PPSEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ppsOn
}

// PhaseNs returns the true phase of the GPS edge against the local edge.
func (b *Bench) PhaseNs() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phaseNs
}

// Resyncs counts ForceResync calls.
func (b *Bench) Resyncs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resyncs
}

// SetFrequencyError changes the rubidium's bias, for example to model a
// temperature step.
func (b *Bench) SetFrequencyError(ppt float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.FrequencyErrorPPT = ppt
}

// DropGPS silences the receiver for the given number of seconds.
func (b *Bench) DropGPS(seconds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropout = seconds
}

// Next advances the bench one second and returns the capture and the
// receiver burst for the new pulse. The burst is empty during a dropout.
func (b *Bench) Next() (Second, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hz := float64(b.cfg.TickHz)
	rate := (b.cfg.FrequencyErrorPPT + float64(b.oscPPT)) * 1e-12
	local := float64(b.period) / (hz * (1 + rate)) * 1e9
	b.phaseNs += 1e9 - local

	b.tow++
	if b.tow >= 604800 {
		b.tow = 0
		b.week++
	}

	// the receiver reported this pulse's quantization error last second
	measured := b.phaseNs - float64(b.sawtooth)
	if b.cfg.JitterNs > 0 {
		measured += b.rng.NormFloat64() * b.cfg.JitterNs
	}
	ticks := int64(math.Round(measured * hz / 1e9))
	ticks %= int64(b.cfg.TickHz)
	if ticks < 0 {
		ticks += int64(b.cfg.TickHz)
	}

	if a := b.cfg.SawtoothNs; a > 0 && b.cfg.Protocol != gps.SiRF {
		b.sawtooth = b.rng.Int32N(2*a+1) - a
	} else {
		b.sawtooth = 0
	}

	sec := Second{Tick: uint32(ticks), Week: b.week, TOW: b.tow}
	if b.dropout > 0 {
		b.dropout--
		return sec, nil
	}
	burst, err := gps.Synthesize(b.cfg.Protocol, b.week, b.tow, b.cfg.LeapSeconds, b.sawtooth, b.cfg.Options)
	if err != nil {
		return sec, err
	}
	sec.Burst = burst
	return sec, nil
}

// Drive delivers one second to t in hardware order: the local second edge,
// the pulse capture, then the receiver's message about that pulse.
func (b *Bench) Drive(t Target) (Second, error) {
	t.OnSecondTick()
	sec, err := b.Next()
	if err != nil {
		return sec, err
	}
	t.OnPPSCaptured(sec.Tick)
	if len(sec.Burst) > 0 {
		t.OnGPSBytes(sec.Burst)
	}
	return sec, nil
}

// RunFor drives n seconds back to back.
func (b *Bench) RunFor(t Target, n int) error {
	for i := 0; i < n; i++ {
		if _, err := b.Drive(t); err != nil {
			return err
		}
	}
	return nil
}

// Run drives one second per interval until ctx ends.
func (b *Bench) Run(ctx context.Context, t Target, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Infof("sim", "bench running: %s receiver, %.0f ppt bias", b.cfg.Protocol, b.cfg.FrequencyErrorPPT)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Drive(t); err != nil {
				return err
			}
		}
	}
}
