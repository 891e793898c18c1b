package history

import (
	"context"

	"github.com/vjranagit/histmanager/pkg/types"
)

// HistoryStore is the fine-grained, short-retention raw sample tier
type HistoryStore interface {
	// Query returns raw samples with from <= clock <= to
	Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.Sample, error)

	// QueryAggregated returns, per item, at most width rows bucketed over [from, to]
	QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error)

	// Latest returns up to limit newest samples per item with clock >= since
	// (since <= 0 means unbounded), newest first
	Latest(ctx context.Context, itemids []uint64, vt types.ValueType, limit int, since int64) (map[uint64][]types.Sample, error)

	// PointBefore returns the sample with the greatest (clock, ns) not after the
	// given position. The boolean is false when there is none.
	PointBefore(ctx context.Context, itemid uint64, vt types.ValueType, clock int64, ns int32) (types.Sample, bool, error)
}

// TrendStore is the coarse-grained, long-retention pre-aggregated tier. It only
// holds numeric items.
type TrendStore interface {
	// QueryAggregated returns, per item, at most width rows bucketed over [from, to]
	QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error)
}
