// Package mathutil holds the small integer helpers shared by the fixed-point
// discipline code.
package mathutil

import "cmp"

// Signed is any signed integer type.
type Signed interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64
}

// Abs returns the absolute value of v. Abs of the minimum value overflows
// back to itself, as with the builtin negation.
func Abs[T Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}

// Clamp clamps a value between lo and hi
func Clamp[T cmp.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sign returns -1, 0 or 1.
func Sign[T Signed](v T) T {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// DivRound divides a by b rounding half away from zero. b must be positive.
func DivRound[T Signed](a, b T) T {
	if a >= 0 {
		return (a + b/2) / b
	}
	return -((-a + b/2) / b)
}

// RoundTo rounds v to the nearest multiple of step (half away from zero).
// A step of zero or less returns v unchanged.
func RoundTo[T Signed](v, step T) T {
	if step <= 0 {
		return v
	}
	return DivRound(v, step) * step
}

// FloorDiv divides rounding toward negative infinity. b must be positive.
func FloorDiv[T Signed](a, b T) T {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}
