package bucket

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterval(t *testing.T) {
	testCases := []struct {
		name     string
		from, to int64
		width    int
		want     int64
	}{
		{name: "exact", from: 0, to: 300, width: 3, want: 100},
		{name: "floor", from: 0, to: 301, width: 3, want: 100},
		{name: "one day at 1000px", from: 1_700_000_000, to: 1_700_086_400, width: 1000, want: 86},
		{name: "wider than window", from: 0, to: 60, width: 1000, want: MinInterval},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Interval(tc.from, tc.to, tc.width)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIntervalRejectsInvalid(t *testing.T) {
	_, err := Interval(0, 300, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidWindow))

	_, err = Interval(0, 300, -5)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = Interval(300, 300, 10)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	_, err = Interval(400, 300, 10)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestWidthFor(t *testing.T) {
	w, err := WidthFor(0, 300, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, w)

	w, err = WidthFor(0, 300, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1, w)

	_, err = WidthFor(0, 300, 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestTickAlignment(t *testing.T) {
	for _, interval := range []int64{1, 7, 60, 100, 3600} {
		for clock := int64(0); clock < 10_000; clock += 37 {
			tick := Tick(clock, interval)
			assert.LessOrEqual(t, tick, clock)
			assert.Less(t, clock, tick+interval)
			assert.Zero(t, tick%interval)
		}
	}
	assert.Equal(t, int64(-100), Tick(-50, 100))
}

func TestIndexNeverExceedsWidth(t *testing.T) {
	from, to, width := int64(0), int64(300), 3
	assert.Equal(t, 0, Index(0, from, to, width))
	assert.Equal(t, 0, Index(99, from, to, width))
	assert.Equal(t, 0, Index(100, from, to, width))
	assert.Equal(t, 1, Index(101, from, to, width))
	assert.Equal(t, 1, Index(200, from, to, width))
	assert.Equal(t, 2, Index(299, from, to, width))
	assert.Equal(t, 2, Index(300, from, to, width))

	for clock := from; clock <= to; clock++ {
		i := Index(clock, from, to, width)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, width)
	}
}

func TestIndexHugeWidth(t *testing.T) {
	from, to := int64(0), int64(1_700_000_000)
	width := 1 << 40

	prev := 0
	for _, clock := range []int64{0, 1, 100, 200, 850_000_000, 1_699_999_999, 1_700_000_000} {
		i := Index(clock, from, to, width)
		assert.GreaterOrEqual(t, i, prev, "clock %d", clock)
		assert.Less(t, int64(i), to-from, "clock %d", clock)
		prev = i
	}
	// one-second buckets once the width exceeds the span
	assert.Equal(t, 99, Index(100, from, to, width))
	assert.Equal(t, 199, Index(200, from, to, width))
	assert.Equal(t, int(to-from)-1, Index(to, from, to, width))
}

func TestIndexLargeSpan(t *testing.T) {
	// span and width large enough that the plain product would overflow int64
	from, to := int64(0), int64(1)<<40
	width := 1 << 30

	assert.Equal(t, 0, Index(1, from, to, width))
	assert.Equal(t, width/2-1, Index(to/2, from, to, width))
	assert.Equal(t, width/2, Index(to/2+1, from, to, width))
	assert.Equal(t, width-1, Index(to-1, from, to, width))
}
