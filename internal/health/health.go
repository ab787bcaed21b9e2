// Package health aggregates the PLL, FLL, GPS and oscillator lock states into
// one system status and decides when holdover starts and ends.
//
// A Monitor is not safe for concurrent use. Status reads and the actions
// taken on them must happen under the owner's lock.
package health

import (
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// Hooks receive the side effects of system status transitions. They are
// called synchronously from inside the Monitor.
type Hooks interface {
	EnablePPSOutput()
	DisablePPSOutput()
	EnterHoldover()
	LeaveHoldover(seconds uint32)
}

// Config holds the watchdog limits in seconds.
type Config struct {
	GPSWatchdogSeconds uint32 `yaml:"gps_watchdog_seconds"`
	FLLWatchdogSeconds uint32 `yaml:"fll_watchdog_seconds"`
}

// DefaultConfig returns the standard watchdog limits.
func DefaultConfig() Config {
	return Config{
		GPSWatchdogSeconds: 3,
		FLLWatchdogSeconds: 86400,
	}
}

// Monitor owns the sub-statuses, the watchdogs and the aggregate status.
type Monitor struct {
	cfg   Config
	hooks Hooks

	pll Status
	fll Status
	gps GPSStatus
	osc Status

	system SystemStatus

	gpsWatchdog     uint32
	fllWatchdog     uint32
	holdoverSeconds uint32

	reftime         timebase.NTPTimestamp
	holdoverReftime timebase.NTPTimestamp
}

// Snapshot is a copy of the monitor state for reporting.
type Snapshot struct {
	System          string `json:"system"`
	PLL             string `json:"pll"`
	FLL             string `json:"fll"`
	GPS             string `json:"gps"`
	Oscillator      string `json:"oscillator"`
	GPSWatchdog     uint32 `json:"gps_watchdog"`
	FLLWatchdog     uint32 `json:"fll_watchdog"`
	HoldoverSeconds uint32 `json:"holdover_seconds"`
}

// New returns a Monitor with everything unlocked. hooks may be nil.
func New(cfg Config, hooks Hooks) *Monitor {
	def := DefaultConfig()
	if cfg.GPSWatchdogSeconds == 0 {
		cfg.GPSWatchdogSeconds = def.GPSWatchdogSeconds
	}
	if cfg.FLLWatchdogSeconds == 0 {
		cfg.FLLWatchdogSeconds = def.FLLWatchdogSeconds
	}
	return &Monitor{cfg: cfg, hooks: hooks}
}

// SetHooks replaces the transition hooks.
func (m *Monitor) SetHooks(h Hooks) { m.hooks = h }

// SetPLLStatus records the PLL lock state.
func (m *Monitor) SetPLLStatus(s Status) {
	if s != m.pll {
		logger.StatusChange("pll", m.pll.String(), s.String())
		m.pll = s
	}
	m.update()
}

// SetFLLStatus records the FLL lock state. A fresh Ok estimate also
// refreshes the FLL watchdog.
func (m *Monitor) SetFLLStatus(s Status) {
	if s == Ok {
		m.fllWatchdog = 0
	}
	m.setFLL(s)
	m.update()
}

func (m *Monitor) setFLL(s Status) {
	if s != m.fll {
		logger.StatusChange("fll", m.fll.String(), s.String())
		m.fll = s
	}
}

// SetGPSStatus records the receiver health. Any status report means the
// receiver is talking, so the GPS watchdog is refreshed too.
func (m *Monitor) SetGPSStatus(s GPSStatus) {
	m.gpsWatchdog = 0
	m.setGPS(s)
	m.update()
}

func (m *Monitor) setGPS(s GPSStatus) {
	if s != m.gps {
		logger.StatusChange("gps", m.gps.String(), s.String())
		m.gps = s
	}
}

// SetOscillatorStatus records the oscillator's own lock indication.
func (m *Monitor) SetOscillatorStatus(s Status) {
	if s != m.osc {
		logger.StatusChange("oscillator", m.osc.String(), s.String())
		m.osc = s
	}
	m.update()
}

// ResetGPSWatchdog is called for every well-formed receiver message.
func (m *Monitor) ResetGPSWatchdog() { m.gpsWatchdog = 0 }

// ResetFLLWatchdog is called when the FLL produces a trustworthy estimate.
func (m *Monitor) ResetFLLWatchdog() { m.fllWatchdog = 0 }

// Tick ages the watchdogs by one second and re-evaluates the status.
func (m *Monitor) Tick() {
	m.gpsWatchdog++
	if m.gpsWatchdog >= m.cfg.GPSWatchdogSeconds && m.gps != GPSUnlock {
		logger.Warnf("health", "no GPS traffic for %d seconds", m.gpsWatchdog)
		m.setGPS(GPSUnlock)
	}

	m.fllWatchdog++
	if m.fllWatchdog >= m.cfg.FLLWatchdogSeconds && m.fll != Unlock {
		logger.Warnf("health", "no FLL estimate for %d seconds", m.fllWatchdog)
		m.setFLL(Unlock)
	}

	if m.system == SystemHoldover {
		m.holdoverSeconds++
	}
	m.update()
}

// next is the transition function. Later rules take precedence.
func next(cur SystemStatus, pll, fll Status, gps GPSStatus, osc Status) SystemStatus {
	n := cur
	if cur == SystemOk && gps == GPSUnlock {
		if fll == Ok {
			n = SystemHoldover
		} else {
			n = SystemUnlock
		}
	}
	if cur == SystemHoldover && fll == Unlock {
		n = SystemUnlock
	}
	if cur != SystemUnlock && (pll == Unlock || osc == Unlock) {
		n = SystemUnlock
	}
	if cur != SystemOk && pll == Ok && gps == GPSOk && osc == Ok {
		n = SystemOk
	}
	return n
}

func (m *Monitor) update() {
	cur := m.system
	n := next(cur, m.pll, m.fll, m.gps, m.osc)
	if n == cur {
		return
	}

	logger.StatusChange("system", cur.String(), n.String())
	m.system = n

	switch n {
	case SystemOk:
		if m.hooks != nil {
			m.hooks.EnablePPSOutput()
			if cur == SystemHoldover {
				m.hooks.LeaveHoldover(m.holdoverSeconds)
			}
		}
	case SystemHoldover:
		m.holdoverSeconds = 0
		m.holdoverReftime = m.reftime
		if m.hooks != nil {
			m.hooks.EnterHoldover()
		}
	case SystemUnlock:
		if m.hooks != nil {
			m.hooks.DisablePPSOutput()
		}
	}
}

// Status returns the aggregate status.
func (m *Monitor) Status() SystemStatus { return m.system }

func (m *Monitor) PLLStatus() Status        { return m.pll }
func (m *Monitor) FLLStatus() Status        { return m.fll }
func (m *Monitor) GPSStatus() GPSStatus     { return m.gps }
func (m *Monitor) OscillatorStatus() Status { return m.osc }

// HoldoverSeconds is the length of the current or most recent holdover.
func (m *Monitor) HoldoverSeconds() uint32 { return m.holdoverSeconds }

// ShouldRunDiscipline reports whether the control loop may steer this second.
func (m *Monitor) ShouldRunDiscipline() bool {
	switch m.system {
	case SystemOk:
		return true
	case SystemHoldover:
		return false
	default:
		return m.gps == GPSOk && m.osc == Ok
	}
}

// SetReftime latches the time of the last good discipline step.
func (m *Monitor) SetReftime(ts timebase.NTPTimestamp) { m.reftime = ts }

// Reftime returns the last latched reference time.
func (m *Monitor) Reftime() timebase.NTPTimestamp { return m.reftime }

// HoldoverReftime returns the reference time at which holdover began.
func (m *Monitor) HoldoverReftime() timebase.NTPTimestamp { return m.holdoverReftime }

// RefAge returns whole seconds since the reference time, and false if no
// reference time has been latched yet.
func (m *Monitor) RefAge(now timebase.NTPTimestamp) (uint32, bool) {
	if m.reftime.IsZero() {
		return 0, false
	}
	if now.Compare(m.reftime) < 0 {
		return 0, true
	}
	return now.Seconds - m.reftime.Seconds, true
}

// Snapshot copies the current state.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		System:          m.system.String(),
		PLL:             m.pll.String(),
		FLL:             m.fll.String(),
		GPS:             m.gps.String(),
		Oscillator:      m.osc.String(),
		GPSWatchdog:     m.gpsWatchdog,
		FLLWatchdog:     m.fllWatchdog,
		HoldoverSeconds: m.holdoverSeconds,
	}
}
