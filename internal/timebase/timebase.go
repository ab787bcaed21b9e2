// Package timebase converts raw oscillator tick counts into nanosecond phase
// offsets and NTP timestamps, and keeps the running GPS week and time of week.
//
// All conversions on the per-second path are integer fixed point. The scale
// factors are derived from the exact tick rate when the TimeBase is built.
package timebase

import (
	"errors"
	"math/bits"
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/mathutil"
)

const (
	// SecondsPerWeek is the length of a GPS week.
	SecondsPerWeek = 604800

	// ntpGPSEpoch is the NTP era-0 second count at 1980-01-06 00:00:00.
	ntpGPSEpoch = 2524953600
	// unixGPSEpoch is the Unix second count at the same instant.
	unixGPSEpoch = 315964800
	// ntpUnixEpoch is the offset between the NTP and Unix epochs.
	ntpUnixEpoch = 2208988800

	nsPerSecond = 1_000_000_000
	halfSecond  = nsPerSecond / 2
)

// ErrInvalidTickRate is returned by New for tick rates that cannot be scaled.
var ErrInvalidTickRate = errors.New("tick rate must be at least 2 Hz")

// NTPTimestamp is a 64-bit NTP era timestamp.
type NTPTimestamp struct {
	Seconds  uint32
	Fraction uint32 // units of 2^-32 s
}

// Uint64 packs the timestamp the way it appears on the wire.
func (ts NTPTimestamp) Uint64() uint64 {
	return uint64(ts.Seconds)<<32 | uint64(ts.Fraction)
}

// Compare returns -1, 0 or 1 as ts is before, equal to or after other.
func (ts NTPTimestamp) Compare(other NTPTimestamp) int {
	a, b := ts.Uint64(), other.Uint64()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Add offsets the timestamp by d, wrapping at the era boundary.
func (ts NTPTimestamp) Add(d time.Duration) NTPTimestamp {
	sec := int64(d / time.Second)
	frac := mathutil.DivRound(int64(d%time.Second)<<32, nsPerSecond)
	v := ts.Uint64() + uint64(sec<<32+frac)
	return NTPTimestamp{Seconds: uint32(v >> 32), Fraction: uint32(v)}
}

// Sub returns ts minus other, assuming both lie within 68 years of each
// other.
func (ts NTPTimestamp) Sub(other NTPTimestamp) time.Duration {
	diff := int64(ts.Uint64() - other.Uint64())
	sec := diff >> 32
	frac := uint64(diff) & 0xFFFFFFFF
	return time.Duration(sec)*time.Second + time.Duration((frac*nsPerSecond+1<<31)>>32)
}

// FromTime converts t to an era-0 timestamp.
func FromTime(t time.Time) NTPTimestamp {
	frac := (uint64(t.Nanosecond())<<32 + halfSecond) / nsPerSecond
	return NTPTimestamp{
		Seconds:  uint32(t.Unix() + ntpUnixEpoch),
		Fraction: uint32(frac),
	}
}

// GPSTime returns the GPS week and time of week at t, given the current
// GPS minus UTC offset in seconds.
func GPSTime(t time.Time, leapSeconds int) (week uint16, tow uint32) {
	s := t.Unix() - unixGPSEpoch + int64(leapSeconds)
	return uint16(s / SecondsPerWeek), uint32(s % SecondsPerWeek)
}

// IsZero reports whether the timestamp is unset.
func (ts NTPTimestamp) IsZero() bool {
	return ts.Seconds == 0 && ts.Fraction == 0
}

// Time converts an era-0 timestamp to time.Time.
func (ts NTPTimestamp) Time() time.Time {
	ns := (uint64(ts.Fraction)*nsPerSecond + 1<<31) >> 32
	return time.Unix(int64(ts.Seconds)-ntpUnixEpoch, int64(ns)).UTC()
}

// TimeBase tracks the local UTC week/time-of-week and scales tick counts.
// It is not safe for concurrent use; the owner serializes access.
type TimeBase struct {
	hz       uint32
	nsMult   uint64 // round(1e9 * 2^32 / hz)
	fracMult uint64 // floor(2^64 / hz)
	fudgeNs  int32

	week  uint16
	tow   uint32
	dated bool
}

// New builds a TimeBase for a counter running at tickHz with the given static
// phase fudge applied by Tick.
func New(tickHz uint32, phaseFudgeNs int32) (*TimeBase, error) {
	if tickHz < 2 {
		return nil, ErrInvalidTickRate
	}
	fracMult, _ := bits.Div64(1, 0, uint64(tickHz))
	return &TimeBase{
		hz:       tickHz,
		nsMult:   (uint64(nsPerSecond)<<32 + uint64(tickHz)/2) / uint64(tickHz),
		fracMult: fracMult,
		fudgeNs:  phaseFudgeNs,
	}, nil
}

// TickHz returns the counter modulus.
func (tb *TimeBase) TickHz() uint32 { return tb.hz }

// PhaseFudge returns the static offset added by Tick.
func (tb *TimeBase) PhaseFudge() int32 { return tb.fudgeNs }

// SetPhaseFudge replaces the static offset added by Tick.
func (tb *TimeBase) SetPhaseFudge(ns int32) { tb.fudgeNs = ns }

// Week returns the current UTC-aligned GPS week.
func (tb *TimeBase) Week() uint16 { return tb.week }

// TOW returns the current UTC-aligned time of week in seconds.
func (tb *TimeBase) TOW() uint32 { return tb.tow }

// HasDate reports whether SetDate has been called since construction.
func (tb *TimeBase) HasDate() bool { return tb.dated }

// SetDate realigns the clock to a receiver fix given in GPS time. The local
// clock runs in UTC time of week, so utcOffset (UTC minus GPS, normally
// negative) is applied here and may borrow from the previous week or carry
// into the next one.
func (tb *TimeBase) SetDate(week uint16, tow uint32, utcOffset int16) {
	week += uint16(tow / SecondsPerWeek)
	tow %= SecondsPerWeek

	t := int64(tow) + int64(utcOffset)
	switch {
	case t < 0:
		t += SecondsPerWeek
		week--
	case t >= SecondsPerWeek:
		t -= SecondsPerWeek
		week++
	}

	tb.week = week
	tb.tow = uint32(t)
	tb.dated = true
}

// AdvanceOneSecond moves the clock forward one second, rolling the week.
func (tb *TimeBase) AdvanceOneSecond() {
	tb.tow++
	if tb.tow >= SecondsPerWeek {
		tb.tow = 0
		tb.week++
	}
}

// scaleNs converts a tick count within one second to nanoseconds, rounded.
func (tb *TimeBase) scaleNs(tick uint32) int64 {
	hi, lo := bits.Mul64(uint64(tick%tb.hz), tb.nsMult)
	lo, carry := bits.Add64(lo, 1<<31, 0)
	hi += carry
	return int64(hi<<32 | lo>>32)
}

// scaleFraction converts a tick count within one second to an NTP fraction.
func (tb *TimeBase) scaleFraction(tick uint32) uint32 {
	return uint32((uint64(tick%tb.hz)*tb.fracMult + 1<<31) >> 32)
}

// Tick converts a captured counter value to a signed phase offset in
// nanoseconds, folded into (-0.5 s, +0.5 s].
func (tb *TimeBase) Tick(tick uint32) int32 {
	ns := tb.scaleNs(tick) + int64(tb.fudgeNs)
	ns %= nsPerSecond
	if ns < 0 {
		ns += nsPerSecond
	}
	if ns > halfSecond {
		ns -= nsPerSecond
	}
	return int32(ns)
}

// ToNTP composes the running date with the sub-second position given by tick
// and a signed fudge in nanoseconds. Carries and borrows from the fraction
// propagate into the seconds.
func (tb *TimeBase) ToNTP(tick uint32, fudgeNs int32) NTPTimestamp {
	seconds := uint32(ntpGPSEpoch) + uint32(tb.week)*SecondsPerWeek + tb.tow

	frac := int64(tb.scaleFraction(tick))
	frac += mathutil.DivRound(int64(fudgeNs)<<32, nsPerSecond)

	carry := mathutil.FloorDiv(frac, 1<<32)
	frac -= carry << 32

	return NTPTimestamp{
		Seconds:  seconds + uint32(int32(carry)),
		Fraction: uint32(frac),
	}
}

// ToUnix returns the current second as Unix time.
func (tb *TimeBase) ToUnix() int64 {
	return unixGPSEpoch + int64(tb.week)*SecondsPerWeek + int64(tb.tow)
}
