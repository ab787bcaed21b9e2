// Package hw defines the hardware the clock core drives: the divider that
// turns oscillator ticks into seconds, the PPS output pin, and the
// oscillator's frequency control.
package hw

// Timer is the second divider. Its period is trimmed by the discipline loop.
type Timer interface {
	// SetPeriod sets the number of ticks in the next second.
	SetPeriod(ticks uint32)
	// ForceResync realigns the next second edge to the next GPS pulse.
	ForceResync()
	// Counter returns the ticks elapsed in the current second.
	Counter() uint32
}

// PPSOutput gates the disciplined pulse-per-second output.
type PPSOutput interface {
	Enable()
	Disable()
}

// Oscillator steers the reference frequency in parts per trillion and
// returns the offset actually applied.
type Oscillator interface {
	SetRate(ppt int32) int32
}

// NopPPS is a PPSOutput for hosts without an output pin.
type NopPPS struct{}

func (NopPPS) Enable()  {}
func (NopPPS) Disable() {}

// FreeRunning is an Oscillator that cannot be steered. Every request
// realizes zero, leaving the timer trim to carry the whole correction.
type FreeRunning struct{}

func (FreeRunning) SetRate(int32) int32 { return 0 }
