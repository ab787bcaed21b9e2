// Package discipline steers the oscillator from the per-second phase error.
//
// Each second a phase sample passes a jump filter and a low-pass filter,
// then drives two loops. The PLL turns filtered phase into a slew rate. The
// FLL compares the observed phase drift over a window with the rates that
// were actually applied, and learns the oscillator's frequency bias. The
// combined rate is split between the oscillator, which moves in coarse
// quantized steps, and a trim of the timer period.
//
// Rates are in parts per trillion (ppt); 1 ppt is 0.001 ns of phase per
// second. A positive rate makes the local clock run faster.
package discipline

import (
	"math/rand/v2"

	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/mathutil"
)

// Oscillator applies a frequency offset and returns the offset actually set.
type Oscillator interface {
	SetRate(ppt int32) int32
}

// Timer is the counter that divides oscillator ticks into seconds.
type Timer interface {
	SetPeriod(ticks uint32)
	ForceResync()
}

// Reporter receives lock quality once per step.
type Reporter interface {
	SetPLLStatus(s health.Status)
	SetFLLStatus(s health.Status)
	LatchReftime()
}

const (
	filterShift  = 8
	pptPerSecond = 1_000_000_000_000
	factorLimit  = 1_000_000
	rateLimit    = 1_000_000
)

// Result describes one control step.
type Result struct {
	Ran         bool `json:"ran"`
	Resync      bool `json:"resync"`
	Substituted bool `json:"substituted"`
	Startup     bool `json:"startup"`

	PhaseNs    int32 `json:"phase_ns"`
	FilteredNs int32 `json:"filtered_ns"`

	SlewPPT      int64 `json:"slew_ppt"`
	FLLRatePPT   int32 `json:"fll_rate_ppt"`
	FLLErrorPPT  int64 `json:"fll_error_ppt"`
	DitherPPT    int32 `json:"dither_ppt"`
	RequestedPPT int64 `json:"requested_ppt"`
	OscPPT       int32 `json:"oscillator_ppt"`
	TimerTicks   int32 `json:"timer_ticks"`
	TimerPPT     int64 `json:"timer_ppt"`
	RealizedPPT  int64 `json:"realized_ppt"`

	PLLFactor int32 `json:"pll_factor"`
	FLLFactor int32 `json:"fll_factor"`
	PLLOk     bool  `json:"pll_ok"`
	FLLFresh  bool  `json:"fll_fresh"`
}

// Engine is the PLL/FLL state. It is not safe for concurrent use.
type Engine struct {
	cfg   Config
	osc   Oscillator
	timer Timer
	rep   Reporter
	rng   *rand.Rand

	enabled  bool
	holdover bool

	havePrev  bool
	prevPhase int32
	jumpCount int

	haveFilter bool
	filtered   int64 // ns << filterShift

	pllAcc    int64
	pllFactor int32

	fllRate    int32
	fllAcc     int64
	fllFactor  int32
	fllLearned bool

	phaseHist *ring // filtered phase, FLLWindow+1 samples
	rateHist  *ring // realized non-FLL rate, FLLWindow samples

	oscRate    int32
	timerTicks int32
	seconds    int

	last Result
}

type nopReporter struct{}

func (nopReporter) SetPLLStatus(health.Status) {}
func (nopReporter) SetFLLStatus(health.Status) {}
func (nopReporter) LatchReftime()              {}

// New builds an Engine. rep may be nil.
func New(cfg Config, osc Oscillator, timer Timer, rep Reporter) *Engine {
	cfg = cfg.WithDefaults()
	if rep == nil {
		rep = nopReporter{}
	}
	e := &Engine{
		cfg:       cfg,
		osc:       osc,
		timer:     timer,
		rep:       rep,
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
		enabled:   true,
		phaseHist: newRing(cfg.FLLWindow + 1),
		rateHist:  newRing(cfg.FLLWindow),
	}
	e.reset(false)
	return e
}

// reset clears the loop. A holdover reset keeps the gain factors and the
// age of the loop; every reset keeps the learned FLL rate.
func (e *Engine) reset(holdover bool) {
	e.havePrev = false
	e.prevPhase = 0
	e.jumpCount = 0
	e.haveFilter = false
	e.filtered = 0
	e.pllAcc = 0
	e.fllAcc = 0
	e.phaseHist.reset()
	e.rateHist.reset()
	if !holdover {
		e.pllFactor = e.cfg.PLLStartupFactor
		e.fllFactor = e.cfg.FLLMinFactor
		e.seconds = 0
	}
}

// Step runs one second of the loop. A step without a valid GPS fix, or
// while the loop is disabled, changes nothing.
func (e *Engine) Step(phaseNs int32, gpsValid bool) Result {
	if !e.enabled || !gpsValid {
		res := e.idleResult(phaseNs)
		e.last = res
		return res
	}
	e.holdover = false
	cfg := &e.cfg
	res := Result{Ran: true, PhaseNs: phaseNs}

	p := phaseNs
	if e.havePrev && mathutil.Abs(p-e.prevPhase) >= cfg.JumpThresholdNs {
		if e.jumpCount < cfg.JumpCounterMax {
			e.jumpCount++
			p = e.prevPhase
			res.Substituted = true
		}
	} else {
		e.jumpCount = 0
	}

	var jump int32
	if e.havePrev {
		jump = p - e.prevPhase
	}
	if mathutil.Abs(p) > cfg.ResyncThresholdNs || mathutil.Abs(jump) > cfg.ResyncJumpNs {
		logger.Infof("discipline", "phase %d ns out of range, resynchronizing timer", p)
		e.timerTicks = 0
		e.timer.SetPeriod(cfg.TickHz)
		e.timer.ForceResync()
		e.reset(false)
		e.rep.SetPLLStatus(health.Unlock)
		res.Resync = true
		res.PLLFactor, res.FLLFactor = e.pllFactor, e.fllFactor
		res.FLLRatePPT, res.OscPPT = e.fllRate, e.oscRate
		e.last = res
		return res
	}
	e.havePrev = true
	e.prevPhase = p

	// low-pass filter, deeper as the PLL gain drops
	div := mathutil.Clamp(e.pllFactor/64, cfg.FilterMinDivisor, cfg.FilterMaxDivisor)
	x := int64(p) << filterShift
	if e.haveFilter {
		e.filtered += (x - e.filtered) / int64(div)
	} else {
		e.filtered = x
		e.haveFilter = true
	}
	filtered := int32(mathutil.DivRound(e.filtered, 1<<filterShift))
	absFiltered := mathutil.Abs(filtered)
	healthy := absFiltered <= cfg.HealthyNs
	res.FilteredNs = filtered

	// the factor climbs one step per ramp interval from wherever it is;
	// PLLMinFactor only floors the decay of an unhealthy loop
	switch {
	case absFiltered > cfg.PLLStartupThresholdNs:
		e.pllFactor = cfg.PLLStartupFactor
	case e.seconds > 0 && e.seconds%cfg.PLLRampSeconds == 0:
		if healthy {
			if e.pllFactor < cfg.PLLMaxFactor {
				e.pllFactor++
			}
		} else if e.pllFactor > cfg.PLLMinFactor {
			e.pllFactor--
		}
	}
	startup := e.seconds < cfg.PLLStartupSeconds
	res.Startup = startup

	// PLL: the accumulator carries demanded but unrealized correction
	e.pllAcc -= 1000 * int64(filtered)
	limit := cfg.MaxRatePPT * int64(e.pllFactor)
	e.pllAcc = mathutil.Clamp(e.pllAcc, -limit, limit)
	slew := e.pllAcc / int64(e.pllFactor)
	res.SlewPPT = slew

	// FLL
	e.phaseHist.push(e.filtered)
	fresh := false
	if e.seconds >= cfg.FLLSettleSeconds && e.phaseHist.full() && e.rateHist.full() {
		window := int64(cfg.FLLWindow)
		drift := e.filtered - e.phaseHist.oldest()
		fllErr := mathutil.DivRound(1000*drift-(e.rateHist.sum<<filterShift), window<<filterShift)
		e.fllAcc -= fllErr

		d := int64(e.fllFactor) * int64(cfg.FLLSmoothing)
		delta := e.fllAcc / d
		e.fllAcc -= delta * d

		rate := int64(e.fllRate) + delta
		fllLimit := int64(cfg.FLLRateMaxPPT)
		if rate > fllLimit || rate < -fllLimit {
			rate = mathutil.Clamp(rate, -fllLimit, fllLimit)
			e.fllAcc = 0
		}
		e.fllRate = int32(rate)
		e.fllLearned = true
		fresh = true
		res.FLLErrorPPT = fllErr

		if e.seconds%cfg.FLLRampSeconds == 0 && healthy && e.fllFactor < cfg.FLLMaxFactor {
			e.fllFactor++
		}
	}

	// the FLL remainder becomes a +-1 ppt dither with matching probability
	var dither int32
	if e.fllLearned && e.fllAcc != 0 {
		d := int64(e.fllFactor) * int64(cfg.FLLSmoothing)
		if e.rng.Int64N(d) < mathutil.Abs(e.fllAcc) {
			dither = int32(mathutil.Sign(e.fllAcc))
		}
	}

	requested := mathutil.Clamp(slew+int64(e.fllRate)+int64(dither), -cfg.MaxRatePPT, cfg.MaxRatePPT)
	timerPPT := e.actuate(requested)
	realized := int64(e.oscRate) + timerPPT

	nonFLL := realized - int64(e.fllRate) - int64(dither)
	e.pllAcc -= nonFLL * int64(e.pllFactor)
	e.rateHist.push(nonFLL)

	pllOk := healthy && !startup
	if pllOk {
		e.rep.SetPLLStatus(health.Ok)
		e.rep.LatchReftime()
	} else {
		e.rep.SetPLLStatus(health.Unlock)
	}
	if fresh {
		e.rep.SetFLLStatus(health.Ok)
	}
	e.seconds++

	res.FLLRatePPT = e.fllRate
	res.DitherPPT = dither
	res.RequestedPPT = requested
	res.OscPPT = e.oscRate
	res.TimerTicks = e.timerTicks
	res.TimerPPT = timerPPT
	res.RealizedPPT = realized
	res.PLLFactor = e.pllFactor
	res.FLLFactor = e.fllFactor
	res.PLLOk = pllOk
	res.FLLFresh = fresh
	e.last = res
	return res
}

// actuate splits a rate between oscillator and timer and returns the rate
// realized by the timer trim. The oscillator share is quantized and moves a
// bounded step per second; the timer takes the remainder in whole ticks.
func (e *Engine) actuate(requested int64) int64 {
	cfg := &e.cfg
	target := mathutil.RoundTo(requested, int64(cfg.OscGranularityPPT))
	step := int64(cfg.OscMaxStepPPT)
	target = mathutil.Clamp(target, int64(e.oscRate)-step, int64(e.oscRate)+step)
	e.oscRate = e.osc.SetRate(int32(target))

	hz := int64(cfg.TickHz)
	ticks := mathutil.DivRound((requested-int64(e.oscRate))*hz, pptPerSecond)
	ticks = mathutil.Clamp(ticks, -hz/4, hz/4)
	e.timerTicks = int32(ticks)
	e.timer.SetPeriod(uint32(hz - ticks))

	return mathutil.DivRound(ticks*pptPerSecond, hz)
}

func (e *Engine) idleResult(phaseNs int32) Result {
	return Result{
		PhaseNs:    phaseNs,
		FLLRatePPT: e.fllRate,
		OscPPT:     e.oscRate,
		TimerTicks: e.timerTicks,
		PLLFactor:  e.pllFactor,
		FLLFactor:  e.fllFactor,
	}
}

// EnterHoldover freezes the loop on the learned frequency: the oscillator is
// moved toward the FLL rate alone, at most OscMaxStepPPT away from its last
// setting, the timer trim is dropped, and the transient state is cleared.
// Gains and the FLL rate survive.
func (e *Engine) EnterHoldover() {
	target := mathutil.RoundTo(e.fllRate, e.cfg.OscGranularityPPT)
	step := e.cfg.OscMaxStepPPT
	target = mathutil.Clamp(target, e.oscRate-step, e.oscRate+step)
	e.oscRate = e.osc.SetRate(target)
	e.timerTicks = 0
	e.timer.SetPeriod(e.cfg.TickHz)
	e.reset(true)
	e.holdover = true
	logger.Infof("discipline", "entering holdover at %d ppt", e.oscRate)
}

// LeaveHoldover relaxes both gain factors toward their minimums in
// proportion to how long holdover lasted.
func (e *Engine) LeaveHoldover(seconds uint32) {
	k := e.cfg.HoldoverAnnealSeconds
	e.pllFactor = anneal(e.pllFactor, e.cfg.PLLMinFactor, seconds, k)
	e.fllFactor = anneal(e.fllFactor, e.cfg.FLLMinFactor, seconds, k)
	e.holdover = false
	logger.Infof("discipline", "leaving holdover after %d s, pll factor %d, fll factor %d",
		seconds, e.pllFactor, e.fllFactor)
}

func anneal(f, floor int32, seconds, k uint32) int32 {
	if f <= floor || seconds == 0 {
		return f
	}
	excess := int64(f - floor)
	return f - int32(excess*int64(seconds)/(int64(seconds)+int64(k)))
}

// InHoldover reports whether EnterHoldover was the last transition.
func (e *Engine) InHoldover() bool { return e.holdover }

// Last returns the most recent step result.
func (e *Engine) Last() Result { return e.last }

// SetEnabled turns the loop on or off. A disabled loop leaves the
// actuators where they are.
func (e *Engine) SetEnabled(on bool) { e.enabled = on }

func (e *Engine) Enabled() bool { return e.enabled }

// SetPLLFactorBounds sets the PLL gain range, clamping the current factor.
func (e *Engine) SetPLLFactorBounds(lo, hi int32) {
	lo = mathutil.Clamp(lo, 1, factorLimit)
	hi = mathutil.Clamp(hi, 1, factorLimit)
	if lo > hi {
		lo, hi = hi, lo
	}
	e.cfg.PLLMinFactor, e.cfg.PLLMaxFactor = lo, hi
	if e.pllFactor > hi {
		e.pllFactor = hi
	}
}

// SetFLLFactorBounds sets the FLL gain range, clamping the current factor.
func (e *Engine) SetFLLFactorBounds(lo, hi int32) {
	lo = mathutil.Clamp(lo, 1, factorLimit)
	hi = mathutil.Clamp(hi, 1, factorLimit)
	if lo > hi {
		lo, hi = hi, lo
	}
	e.cfg.FLLMinFactor, e.cfg.FLLMaxFactor = lo, hi
	e.fllFactor = mathutil.Clamp(e.fllFactor, lo, hi)
}

// SetPLLFactor overrides the current PLL gain within its bounds.
func (e *Engine) SetPLLFactor(f int32) {
	e.pllFactor = mathutil.Clamp(f, e.cfg.PLLStartupFactor, e.cfg.PLLMaxFactor)
}

// SetFLLFactor overrides the current FLL gain within its bounds.
func (e *Engine) SetFLLFactor(f int32) {
	e.fllFactor = mathutil.Clamp(f, e.cfg.FLLMinFactor, e.cfg.FLLMaxFactor)
}

// SetFLLRateMax sets the symmetric limit on the learned rate.
func (e *Engine) SetFLLRateMax(ppt int32) {
	e.cfg.FLLRateMaxPPT = mathutil.Clamp(ppt, 0, rateLimit)
	e.fllRate = mathutil.Clamp(e.fllRate, -e.cfg.FLLRateMaxPPT, e.cfg.FLLRateMaxPPT)
}

// SetFLLRate overrides the learned rate, for example from a calibration.
func (e *Engine) SetFLLRate(ppt int32) {
	e.fllRate = mathutil.Clamp(ppt, -e.cfg.FLLRateMaxPPT, e.cfg.FLLRateMaxPPT)
	e.fllAcc = 0
	e.fllLearned = true
}

// Snapshot is the externally visible loop state.
type Snapshot struct {
	Enabled           bool  `json:"enabled"`
	Holdover          bool  `json:"holdover"`
	SecondsSinceReset int   `json:"seconds_since_reset"`
	PLLFactor         int32 `json:"pll_factor"`
	PLLMinFactor      int32 `json:"pll_min_factor"`
	PLLMaxFactor      int32 `json:"pll_max_factor"`
	FLLFactor         int32 `json:"fll_factor"`
	FLLMinFactor      int32 `json:"fll_min_factor"`
	FLLMaxFactor      int32 `json:"fll_max_factor"`
	FLLRatePPT        int32 `json:"fll_rate_ppt"`
	FLLRateMaxPPT     int32 `json:"fll_rate_max_ppt"`
	FLLLearned        bool  `json:"fll_learned"`
	OscPPT            int32 `json:"oscillator_ppt"`
	TimerTicks        int32 `json:"timer_ticks"`
	JumpCount         int   `json:"jump_count"`
}

// Snapshot copies the loop state.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Enabled:           e.enabled,
		Holdover:          e.holdover,
		SecondsSinceReset: e.seconds,
		PLLFactor:         e.pllFactor,
		PLLMinFactor:      e.cfg.PLLMinFactor,
		PLLMaxFactor:      e.cfg.PLLMaxFactor,
		FLLFactor:         e.fllFactor,
		FLLMinFactor:      e.cfg.FLLMinFactor,
		FLLMaxFactor:      e.cfg.FLLMaxFactor,
		FLLRatePPT:        e.fllRate,
		FLLRateMaxPPT:     e.cfg.FLLRateMaxPPT,
		FLLLearned:        e.fllLearned,
		OscPPT:            e.oscRate,
		TimerTicks:        e.timerTicks,
		JumpCount:         e.jumpCount,
	}
}
