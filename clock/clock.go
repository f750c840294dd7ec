// Package clock implements the monotonic and wall-clock time source
// described in spec.md §4.9: resolution-aware reads plus rounding-mode
// conversions between nanoseconds and other time representations. It is
// grounded on golang.org/x/sys/unix's clock_gettime/clock_getres wrapper,
// the same dependency go-eventloop pulls in for its poller timeouts, and on
// original_source/Python/pytime.c's _PyTime_ROUND_* rounding semantics.
package clock

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Source identifies which OS clock backs a reading.
type Source int

const (
	// Monotonic is a non-decreasing clock unrelated to wall time.
	Monotonic Source = iota
	// Wall is the Unix-epoch wall clock; not guaranteed monotonic.
	Wall
)

// Info reports static properties of a clock source.
type Info struct {
	// Resolution is the clock's reported granularity, in seconds.
	Resolution float64
	// Adjustable reports whether the clock can be stepped or slewed by the
	// system administrator (true for Wall, false for Monotonic).
	Adjustable bool
	// Implementation names the underlying syscall/mechanism, for
	// diagnostics only.
	Implementation string
}

var lastMonotonic atomic.Int64

// MonotonicNow returns a strictly non-decreasing nanosecond timestamp. It
// prefers CLOCK_MONOTONIC; on platforms where the syscall fails it falls
// back to the Go runtime's high-resolution tick (time.Now's monotonic
// reading), which is itself backed by the same clock on every platform Go
// supports. Monotonicity is asserted against the previous return value.
func MonotonicNow() int64 {
	ns, err := clockGettimeNanos(unix.CLOCK_MONOTONIC)
	if err != nil {
		ns = monotonicFallback()
	}
	for {
		prev := lastMonotonic.Load()
		if ns < prev {
			ns = prev
		}
		if lastMonotonic.CompareAndSwap(prev, ns) {
			return ns
		}
	}
}

// monotonicFallback uses time.Now's monotonic reading, relative to process
// start, when clock_gettime is unavailable.
var processStart = time.Now()

func monotonicFallback() int64 {
	return int64(time.Since(processStart))
}

// WallNow returns a Unix-epoch nanosecond timestamp. Not guaranteed
// monotonic: NTP steps or administrator clock changes may move it backward.
func WallNow() int64 {
	ns, err := clockGettimeNanos(unix.CLOCK_REALTIME)
	if err != nil {
		return time.Now().UnixNano()
	}
	return ns
}

func clockGettimeNanos(clockid int32) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return 0, err
	}
	return ts.Sec*int64(time.Second) + int64(ts.Nsec), nil
}

// GetInfo reports resolution and adjustability for a clock source, via
// clock_getres where available.
func GetInfo(src Source) Info {
	var clockid int32
	info := Info{}
	switch src {
	case Monotonic:
		clockid = unix.CLOCK_MONOTONIC
		info.Adjustable = false
		info.Implementation = "CLOCK_MONOTONIC"
	case Wall:
		clockid = unix.CLOCK_REALTIME
		info.Adjustable = true
		info.Implementation = "CLOCK_REALTIME"
	}
	var ts unix.Timespec
	if err := unix.ClockGetres(clockid, &ts); err == nil {
		info.Resolution = float64(ts.Sec) + float64(ts.Nsec)/1e9
	} else {
		info.Resolution = float64(time.Nanosecond) / 1e9
	}
	return info
}

// RoundMode selects a conversion rounding policy, matching pytime.c's
// _PyTime_round_t.
type RoundMode int

const (
	// Floor truncates toward negative infinity.
	Floor RoundMode = iota
	// Ceil truncates toward positive infinity.
	Ceil
	// HalfEven rounds to the nearest unit, ties to even (banker's rounding).
	HalfEven
	// Up rounds away from zero.
	Up
)

// overflowError reports a conversion whose result does not fit the requested
// integer width.
type overflowError struct{ op string }

func (e *overflowError) Error() string { return fmt.Sprintf("clock: overflow in %s", e.op) }

// ToSecondsDouble converts a nanosecond count to floating-point seconds.
// Values up to roughly ±2^53 ns round-trip through float64 with sub-ns
// error, per spec.md §8's round-trip property.
func ToSecondsDouble(ns int64) float64 { return float64(ns) / 1e9 }

// FromSecondsDouble is the inverse of ToSecondsDouble, rounding per mode.
func FromSecondsDouble(seconds float64, mode RoundMode) (int64, error) {
	scaled := seconds * 1e9
	return roundFloat(scaled, mode, "FromSecondsDouble")
}

// ToSecondsNanos splits a nanosecond count into (seconds, nanoseconds
// remainder), remainder always in [0, 1e9) regardless of sign, matching
// pytime.c's normalized divmod.
func ToSecondsNanos(ns int64) (seconds int64, nanos int64) {
	seconds = ns / int64(time.Second)
	nanos = ns % int64(time.Second)
	if nanos < 0 {
		nanos += int64(time.Second)
		seconds--
	}
	return
}

// FromSecondsNanos is the inverse of ToSecondsNanos.
func FromSecondsNanos(seconds, nanos int64) (int64, error) {
	return seconds*int64(time.Second) + nanos, nil
}

// ToSecondsMicros splits a nanosecond count into (seconds, microseconds
// remainder) using the given rounding mode for the sub-microsecond part.
func ToSecondsMicros(ns int64, mode RoundMode) (seconds int64, micros int64, err error) {
	seconds = ns / int64(time.Second)
	rem := ns % int64(time.Second)
	if rem < 0 {
		rem += int64(time.Second)
		seconds--
	}
	us, err := roundFloat(float64(rem)/1000.0, mode, "ToSecondsMicros")
	if err != nil {
		return 0, 0, err
	}
	return seconds, us, nil
}

// Round converts a nanosecond duration to the target unitNanos granularity
// (e.g. 1000 for microseconds, 1 for nanoseconds) using the given rounding
// mode, returning an overflow error if the scaled value cannot be
// represented as int64.
func Round(ns int64, unitNanos int64, mode RoundMode) (int64, error) {
	if unitNanos <= 0 {
		return 0, fmt.Errorf("clock: invalid unit %d", unitNanos)
	}
	q := float64(ns) / float64(unitNanos)
	return roundFloat(q, mode, "Round")
}

func roundFloat(v float64, mode RoundMode, op string) (int64, error) {
	var r float64
	switch mode {
	case Floor:
		r = floorFloat(v)
	case Ceil:
		r = ceilFloat(v)
	case Up:
		if v >= 0 {
			r = ceilFloat(v)
		} else {
			r = floorFloat(v)
		}
	case HalfEven:
		r = halfEven(v)
	default:
		return 0, fmt.Errorf("clock: invalid rounding mode %d", mode)
	}
	const maxInt64Float = 1 << 63
	if r >= maxInt64Float || r < -maxInt64Float {
		return 0, &overflowError{op: op}
	}
	return int64(r), nil
}

func floorFloat(v float64) float64 {
	i := float64(int64(v))
	if v < 0 && i != v {
		return i - 1
	}
	return i
}

func ceilFloat(v float64) float64 {
	i := float64(int64(v))
	if v > 0 && i != v {
		return i + 1
	}
	return i
}

func halfEven(v float64) float64 {
	floor := floorFloat(v)
	diff := v - floor
	switch {
	case diff < 0.5:
		return floor
	case diff > 0.5:
		return floor + 1
	default:
		// exact tie: round to even
		if int64(floor)%2 == 0 {
			return floor
		}
		return floor + 1
	}
}
