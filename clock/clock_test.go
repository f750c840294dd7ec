package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicNowNonDecreasing(t *testing.T) {
	var prev int64
	for i := 0; i < 1000; i++ {
		n := MonotonicNow()
		require.GreaterOrEqual(t, n, prev)
		prev = n
	}
}

func TestWallRoundTrip(t *testing.T) {
	// A current wall reading (~1.8e18 ns) is far beyond the ~2^53 ns range
	// over which float64 seconds keep sub-ns precision, so fold it into
	// that range first.
	ns := WallNow() % (1 << 52)
	seconds := ToSecondsDouble(ns)
	back, err := FromSecondsDouble(seconds, HalfEven)
	require.NoError(t, err)
	assert.InDelta(t, ns, back, 1)
}

func TestToSecondsNanosNegative(t *testing.T) {
	seconds, nanos := ToSecondsNanos(-500)
	assert.Equal(t, int64(-1), seconds)
	assert.Equal(t, int64(999999500), nanos)
}

func TestRoundModes(t *testing.T) {
	v, err := Round(1500, 1000, Floor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = Round(1500, 1000, Ceil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = Round(2500, 1000, HalfEven)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = Round(1500, 1000, HalfEven)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestRoundCeilFloorModuloRoundTrip(t *testing.T) {
	const ns = 1234567
	const unit = 1000
	ceil, err := Round(ns, unit, Ceil)
	require.NoError(t, err)
	floor, err := Round(ns, unit, Floor)
	require.NoError(t, err)
	assert.Equal(t, ns%unit == 0, ceil == floor)
}

func TestGetInfo(t *testing.T) {
	mono := GetInfo(Monotonic)
	assert.False(t, mono.Adjustable)
	wall := GetInfo(Wall)
	assert.True(t, wall.Adjustable)
}
