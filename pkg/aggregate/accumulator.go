package aggregate

import (
	"math"
	"sort"

	"github.com/vjranagit/histmanager/pkg/bucket"
	"github.com/vjranagit/histmanager/pkg/types"
)

// Accumulator holds the running state of one bucket
type Accumulator struct {
	count   uint64
	numeric uint64
	sum     float64
	min     float64
	max     float64
	first   float64
	last    float64
	firstAt [2]int64
	lastAt  [2]int64
	clock   int64

	// trend rows only
	trend  bool
	rows   uint64
	avgSum float64
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{
		min:   math.Inf(1),
		max:   math.Inf(-1),
		clock: math.MinInt64,
	}
}

// AddSample folds a raw sample into the bucket
func (a *Accumulator) AddSample(s types.Sample) {
	a.count++
	if s.Clock > a.clock {
		a.clock = s.Clock
	}

	v, ok := s.Numeric()
	if !ok || math.IsNaN(v) {
		return
	}

	at := [2]int64{s.Clock, int64(s.Ns)}
	if a.numeric == 0 || less(at, a.firstAt) {
		a.first = v
		a.firstAt = at
	}
	// Equal timestamps keep the later insertion as last.
	if a.numeric == 0 || !less(at, a.lastAt) {
		a.last = v
		a.lastAt = at
	}

	a.numeric++
	a.sum += v
	if v < a.min {
		a.min = v
	}
	if v > a.max {
		a.max = v
	}
}

// AddTrend folds a pre-aggregated trend row into the bucket
func (a *Accumulator) AddTrend(r types.TrendRow) {
	a.trend = true
	a.rows++
	a.count += r.Num
	a.numeric += r.Num
	a.sum += r.ValueAvg * float64(r.Num)
	a.avgSum += r.ValueAvg
	if r.Clock > a.clock {
		a.clock = r.Clock
	}
	if r.ValueMin < a.min {
		a.min = r.ValueMin
	}
	if r.ValueMax > a.max {
		a.max = r.ValueMax
	}
}

// Empty reports whether nothing has been added
func (a *Accumulator) Empty() bool {
	return a.count == 0 && a.rows == 0
}

// Row returns the accumulated bucket as a store row
func (a *Accumulator) Row(itemID uint64, index int) types.AggRow {
	row := types.AggRow{
		ItemID: itemID,
		Index:  index,
		Clock:  a.clock,
		Count:  a.count,
		Sum:    a.sum,
	}
	if a.trend {
		if a.rows > 0 {
			row.Avg = a.avgSum / float64(a.rows)
		}
	} else if a.numeric > 0 {
		row.Avg = a.sum / float64(a.numeric)
		row.First = a.first
		row.Last = a.last
	}
	if a.numeric > 0 || a.trend {
		row.Min = a.min
		row.Max = a.max
	}
	return row
}

func less(a, b [2]int64) bool {
	return a[0] < b[0] || (a[0] == b[0] && a[1] < b[1])
}

type bucketKey struct {
	itemID uint64
	index  int
}

// Bucketize groups raw samples into at most width rows per item over [from, to]
func Bucketize(samples []types.Sample, from, to int64, width int) map[uint64][]types.AggRow {
	accs := make(map[bucketKey]*Accumulator)
	for _, s := range samples {
		if s.Clock < from || s.Clock > to {
			continue
		}
		key := bucketKey{itemID: s.ItemID, index: bucket.Index(s.Clock, from, to, width)}
		acc, ok := accs[key]
		if !ok {
			acc = NewAccumulator()
			accs[key] = acc
		}
		acc.AddSample(s)
	}
	return collect(accs)
}

// BucketizeTrends groups trend rows into at most width rows per item over [from, to]
func BucketizeTrends(rows []types.TrendRow, from, to int64, width int) map[uint64][]types.AggRow {
	accs := make(map[bucketKey]*Accumulator)
	for _, r := range rows {
		if r.Clock < from || r.Clock > to {
			continue
		}
		key := bucketKey{itemID: r.ItemID, index: bucket.Index(r.Clock, from, to, width)}
		acc, ok := accs[key]
		if !ok {
			acc = NewAccumulator()
			accs[key] = acc
		}
		acc.AddTrend(r)
	}
	return collect(accs)
}

func collect(accs map[bucketKey]*Accumulator) map[uint64][]types.AggRow {
	out := make(map[uint64][]types.AggRow)
	for key, acc := range accs {
		out[key.itemID] = append(out[key.itemID], acc.Row(key.itemID, key.index))
	}
	for _, rows := range out {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Index < rows[j].Index })
	}
	return out
}
