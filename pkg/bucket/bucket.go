// Package bucket plans the time buckets used for graph-resolution queries.
//
// A bucket is identified by its tick, the aligned start of the slice:
//
//	tick = clock - clock%interval
//
// The interval is either given explicitly or derived from the pixel width of
// the chart as floor((to-from)/width). Alignment depends only on the request,
// never on the storage tier a row came from.
package bucket

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrInvalidWindow is returned for windows or widths no bucketing can satisfy
var ErrInvalidWindow = errors.New("invalid bucket window")

// MinInterval is the smallest interval ever planned. Charts wider than their
// window in seconds would otherwise get a zero interval.
const MinInterval int64 = 1

// Interval derives the bucket interval for a window rendered at width pixels
func Interval(from, to int64, width int) (int64, error) {
	if width <= 0 {
		return 0, fmt.Errorf("%w: width must be positive, got %d", ErrInvalidWindow, width)
	}
	if to <= from {
		return 0, fmt.Errorf("%w: time_to %d must be after time_from %d", ErrInvalidWindow, to, from)
	}
	interval := (to - from) / int64(width)
	if interval < MinInterval {
		interval = MinInterval
	}
	return interval, nil
}

// WidthFor converts an explicit interval into the equivalent width for the window
func WidthFor(from, to, interval int64) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidWindow, interval)
	}
	if to <= from {
		return 0, fmt.Errorf("%w: time_to %d must be after time_from %d", ErrInvalidWindow, to, from)
	}
	width := (to - from) / interval
	if width < 1 {
		width = 1
	}
	return int(width), nil
}

// Tick returns the aligned bucket start for clock
func Tick(clock, interval int64) int64 {
	if interval <= 0 {
		return clock
	}
	m := clock % interval
	if m < 0 {
		m += interval
	}
	return clock - m
}

// Index returns the store-side bucket index of clock within [from, to] split
// into width buckets. Buckets are closed on the right: bucket k holds clocks
// in (from+k*span/width, from+(k+1)*span/width], and from itself falls into
// bucket 0. A width above the span in seconds is treated as the span, so
// every bucket covers at least one second. The result is always in
// [0, width-1] so a store never produces more than width rows.
func Index(clock, from, to int64, width int) int {
	if width <= 1 || to <= from {
		return 0
	}
	if clock <= from {
		return 0
	}
	span := uint64(to - from)
	w := uint64(width)
	if w > span {
		w = span
	}
	if clock >= to {
		return int(w - 1)
	}

	// (clock-from)*w-1 can exceed 64 bits; both factors are below span, so
	// the high word stays below the divisor.
	hi, lo := bits.Mul64(uint64(clock-from), w)
	lo, borrow := bits.Sub64(lo, 1, 0)
	hi -= borrow
	i, _ := bits.Div64(hi, lo, span)
	if i >= w {
		return int(w - 1)
	}
	return int(i)
}
