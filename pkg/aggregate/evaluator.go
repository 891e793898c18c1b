// Package aggregate maps aggregation functions onto the fields each storage
// tier exposes, and provides the bucket accumulators stores use to pre-bucket
// their rows.
//
// Trend rows keep only min/max/avg/num per native interval, so FIRST and LAST
// cannot be answered exactly from the trends tier. They are served as the
// bucket average there; see TrendApproximated.
package aggregate

import (
	"fmt"
	"math"

	"github.com/vjranagit/histmanager/pkg/bucket"
	"github.com/vjranagit/histmanager/pkg/types"
)

type extractor func(types.AggRow) float64

var (
	rowMin   extractor = func(r types.AggRow) float64 { return r.Min }
	rowMax   extractor = func(r types.AggRow) float64 { return r.Max }
	rowAvg   extractor = func(r types.AggRow) float64 { return r.Avg }
	rowSum   extractor = func(r types.AggRow) float64 { return r.Sum }
	rowCount extractor = func(r types.AggRow) float64 { return float64(r.Count) }
	rowFirst extractor = func(r types.AggRow) float64 { return r.First }
	rowLast  extractor = func(r types.AggRow) float64 { return r.Last }
)

// fields selects, per function and tier, which row field answers the function.
// Trend rows arrive with Sum = sum(value_avg*num) and Count = sum(num).
var fields = map[types.Function]map[types.Source]extractor{
	types.FuncMin:   {types.SourceHistory: rowMin, types.SourceTrends: rowMin},
	types.FuncMax:   {types.SourceHistory: rowMax, types.SourceTrends: rowMax},
	types.FuncAvg:   {types.SourceHistory: rowAvg, types.SourceTrends: rowAvg},
	types.FuncCount: {types.SourceHistory: rowCount, types.SourceTrends: rowCount},
	types.FuncSum:   {types.SourceHistory: rowSum, types.SourceTrends: rowSum},
	types.FuncFirst: {types.SourceHistory: rowFirst, types.SourceTrends: rowAvg},
	types.FuncLast:  {types.SourceHistory: rowLast, types.SourceTrends: rowAvg},
}

// TrendApproximated reports whether fn is answered by an approximation on the trends tier
func TrendApproximated(fn types.Function) bool {
	return fn == types.FuncFirst || fn == types.FuncLast
}

// Supports reports whether fn can be computed for items of value type vt.
// Non-numeric items only support COUNT.
func Supports(fn types.Function, vt types.ValueType) bool {
	if !fn.Valid() || !vt.Valid() {
		return false
	}
	if vt.Numeric() {
		return true
	}
	return fn == types.FuncCount
}

// Value extracts the value of fn from a row produced by the src tier
func Value(fn types.Function, src types.Source, row types.AggRow) (float64, error) {
	byTier, ok := fields[fn]
	if !ok {
		return 0, fmt.Errorf("unknown aggregation function %d", fn)
	}
	extract, ok := byTier[src]
	if !ok {
		return 0, fmt.Errorf("unknown source %q", src)
	}
	return extract(row), nil
}

// Buckets converts tier rows into output buckets aligned to interval
func Buckets(fn types.Function, src types.Source, interval int64, rows []types.AggRow) ([]types.Bucket, error) {
	out := make([]types.Bucket, 0, len(rows))
	for _, row := range rows {
		v, err := Value(fn, src, row)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Bucket{
			Tick:   bucket.Tick(row.Clock, interval),
			Clock:  row.Clock,
			Value:  v,
			Source: src,
		})
	}
	return out, nil
}

// Scalar aggregates raw samples into one value. The boolean is false when no
// sample contributed, which callers must not confuse with a zero result.
func Scalar(fn types.Function, samples []types.Sample) (float64, bool, error) {
	if !fn.Valid() {
		return 0, false, fmt.Errorf("unknown aggregation function %d", fn)
	}
	acc := NewAccumulator()
	for _, s := range samples {
		if _, ok := s.Numeric(); !ok && fn != types.FuncCount {
			continue
		}
		acc.AddSample(s)
	}
	if acc.Empty() {
		return 0, false, nil
	}
	row := acc.Row(0, 0)
	if fn != types.FuncCount && acc.numeric == 0 {
		return 0, false, nil
	}
	v, err := Value(fn, types.SourceHistory, row)
	if err != nil {
		return 0, false, err
	}
	if math.IsInf(v, 0) {
		return 0, false, nil
	}
	return v, true, nil
}
