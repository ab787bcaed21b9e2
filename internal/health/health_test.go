package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
)

type recordingHooks struct {
	calls         []string
	leaveDuration uint32
}

func (r *recordingHooks) EnablePPSOutput()  { r.calls = append(r.calls, "enable") }
func (r *recordingHooks) DisablePPSOutput() { r.calls = append(r.calls, "disable") }
func (r *recordingHooks) EnterHoldover()    { r.calls = append(r.calls, "enter") }
func (r *recordingHooks) LeaveHoldover(seconds uint32) {
	r.calls = append(r.calls, "leave")
	r.leaveDuration = seconds
}

// expectedTransition restates the transition table row by row.
func expectedTransition(cur SystemStatus, pll, fll Status, gps GPSStatus, osc Status) SystemStatus {
	if cur != SystemOk && pll == Ok && gps == GPSOk && osc == Ok {
		return SystemOk
	}
	if pll == Unlock || osc == Unlock {
		return SystemUnlock
	}
	switch cur {
	case SystemOk:
		if gps != GPSUnlock {
			return SystemOk
		}
		if fll == Ok {
			return SystemHoldover
		}
		return SystemUnlock
	case SystemHoldover:
		if fll == Unlock {
			return SystemUnlock
		}
		return SystemHoldover
	default:
		return SystemUnlock
	}
}

func TestTransitionTableExhaustive(t *testing.T) {
	subs := []Status{Unlock, Ok}
	gpss := []GPSStatus{GPSUnlock, GPSMinorAlarm, GPSOk}
	systems := []SystemStatus{SystemUnlock, SystemHoldover, SystemOk}

	cases := 0
	for _, cur := range systems {
		for _, pll := range subs {
			for _, fll := range subs {
				for _, gps := range gpss {
					for _, osc := range subs {
						name := fmt.Sprintf("%s/pll=%s/fll=%s/gps=%s/osc=%s", cur, pll, fll, gps, osc)
						t.Run(name, func(t *testing.T) {
							hooks := &recordingHooks{}
							m := New(DefaultConfig(), hooks)
							m.system = cur
							m.pll, m.fll, m.gps, m.osc = pll, fll, gps, osc

							m.update()

							want := expectedTransition(cur, pll, fll, gps, osc)
							assert.Equal(t, want, m.Status())

							switch {
							case want == cur:
								assert.Empty(t, hooks.calls)
							case want == SystemOk && cur == SystemHoldover:
								assert.Equal(t, []string{"enable", "leave"}, hooks.calls)
							case want == SystemOk:
								assert.Equal(t, []string{"enable"}, hooks.calls)
							case want == SystemHoldover:
								assert.Equal(t, []string{"enter"}, hooks.calls)
							default:
								assert.Equal(t, []string{"disable"}, hooks.calls)
							}
						})
						cases++
					}
				}
			}
		}
	}
	assert.Equal(t, 72, cases)
}

func TestOkImpliesDisciplineInputsOk(t *testing.T) {
	m := New(DefaultConfig(), nil)
	m.SetOscillatorStatus(Ok)
	m.SetGPSStatus(GPSOk)
	assert.Equal(t, SystemUnlock, m.Status())

	m.SetPLLStatus(Ok)
	assert.Equal(t, SystemOk, m.Status())

	m.SetPLLStatus(Unlock)
	assert.Equal(t, SystemUnlock, m.Status())
}

func TestGPSWatchdog(t *testing.T) {
	hooks := &recordingHooks{}
	m := New(DefaultConfig(), hooks)
	m.SetOscillatorStatus(Ok)
	m.SetGPSStatus(GPSOk)
	m.SetPLLStatus(Ok)
	m.SetFLLStatus(Ok)
	require.Equal(t, SystemOk, m.Status())

	m.Tick()
	m.Tick()
	assert.Equal(t, GPSOk, m.GPSStatus(), "two silent seconds are tolerated")

	m.ResetGPSWatchdog()
	m.Tick()
	m.Tick()
	assert.Equal(t, GPSOk, m.GPSStatus())

	m.Tick()
	assert.Equal(t, GPSUnlock, m.GPSStatus(), "third silent second expires the watchdog")
	assert.Equal(t, SystemHoldover, m.Status())
	assert.Equal(t, []string{"enable", "enter"}, hooks.calls)
}

func TestGPSWatchdogWithoutFLLUnlocks(t *testing.T) {
	hooks := &recordingHooks{}
	m := New(DefaultConfig(), hooks)
	m.SetOscillatorStatus(Ok)
	m.SetGPSStatus(GPSOk)
	m.SetPLLStatus(Ok)

	for i := 0; i < 3; i++ {
		m.Tick()
	}
	assert.Equal(t, SystemUnlock, m.Status())
	assert.Equal(t, []string{"enable", "disable"}, hooks.calls)
}

func TestHoldoverLifecycle(t *testing.T) {
	hooks := &recordingHooks{}
	m := New(Config{GPSWatchdogSeconds: 3, FLLWatchdogSeconds: 100}, hooks)
	m.SetOscillatorStatus(Ok)
	m.SetGPSStatus(GPSOk)
	m.SetPLLStatus(Ok)
	m.SetFLLStatus(Ok)
	m.SetReftime(timebase.NTPTimestamp{Seconds: 1000})

	for i := 0; i < 3; i++ {
		m.Tick()
	}
	require.Equal(t, SystemHoldover, m.Status())
	assert.Equal(t, timebase.NTPTimestamp{Seconds: 1000}, m.HoldoverReftime())
	assert.False(t, m.ShouldRunDiscipline())

	for i := 0; i < 20; i++ {
		m.Tick()
	}
	assert.Equal(t, uint32(20), m.HoldoverSeconds())

	m.SetGPSStatus(GPSOk)
	assert.Equal(t, SystemOk, m.Status())
	assert.Equal(t, uint32(20), hooks.leaveDuration)
	assert.Equal(t, []string{"enable", "enter", "enable", "leave"}, hooks.calls)
}

func TestFLLWatchdogEndsHoldover(t *testing.T) {
	hooks := &recordingHooks{}
	m := New(Config{GPSWatchdogSeconds: 3, FLLWatchdogSeconds: 10}, hooks)
	m.SetOscillatorStatus(Ok)
	m.SetGPSStatus(GPSOk)
	m.SetPLLStatus(Ok)
	m.SetFLLStatus(Ok)

	for i := 0; i < 3; i++ {
		m.Tick()
	}
	require.Equal(t, SystemHoldover, m.Status())

	for i := 3; i < 9; i++ {
		m.Tick()
	}
	assert.Equal(t, SystemHoldover, m.Status())

	m.Tick()
	assert.Equal(t, Unlock, m.FLLStatus())
	assert.Equal(t, SystemUnlock, m.Status())
	assert.Equal(t, "disable", hooks.calls[len(hooks.calls)-1])
}

func TestSetFLLStatusRefreshesWatchdog(t *testing.T) {
	m := New(Config{GPSWatchdogSeconds: 3, FLLWatchdogSeconds: 5}, nil)
	m.SetFLLStatus(Ok)
	for i := 0; i < 4; i++ {
		m.Tick()
	}
	m.SetFLLStatus(Ok)
	for i := 0; i < 4; i++ {
		m.Tick()
	}
	assert.Equal(t, Ok, m.FLLStatus())
	assert.Equal(t, uint32(4), m.Snapshot().FLLWatchdog)
}

func TestShouldRunDiscipline(t *testing.T) {
	tests := []struct {
		name   string
		system SystemStatus
		gps    GPSStatus
		osc    Status
		want   bool
	}{
		{"ok", SystemOk, GPSMinorAlarm, Ok, true},
		{"holdover", SystemHoldover, GPSOk, Ok, false},
		{"unlock with references", SystemUnlock, GPSOk, Ok, true},
		{"unlock minor alarm", SystemUnlock, GPSMinorAlarm, Ok, false},
		{"unlock oscillator cold", SystemUnlock, GPSOk, Unlock, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(DefaultConfig(), nil)
			m.system, m.gps, m.osc = tt.system, tt.gps, tt.osc
			assert.Equal(t, tt.want, m.ShouldRunDiscipline())
		})
	}
}

func TestRefAge(t *testing.T) {
	m := New(DefaultConfig(), nil)
	_, ok := m.RefAge(timebase.NTPTimestamp{Seconds: 500})
	assert.False(t, ok)

	m.SetReftime(timebase.NTPTimestamp{Seconds: 400, Fraction: 7})
	age, ok := m.RefAge(timebase.NTPTimestamp{Seconds: 530})
	assert.True(t, ok)
	assert.Equal(t, uint32(130), age)

	age, _ = m.RefAge(timebase.NTPTimestamp{Seconds: 300})
	assert.Equal(t, uint32(0), age)
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "OK", Ok.String())
	assert.Equal(t, "MINOR ALARM", GPSMinorAlarm.String())
	assert.Equal(t, "HOLDOVER", SystemHoldover.String())
	assert.Equal(t, "SystemStatus(9)", SystemStatus(9).String())
}
