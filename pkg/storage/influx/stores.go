package influx

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/query"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/types"
)

var (
	_ history.HistoryStore = (*HistoryStore)(nil)
	_ history.TrendStore   = (*TrendStore)(nil)
)

// HistoryStore reads raw samples from the history measurement
type HistoryStore struct {
	c *Client
}

// Query returns raw samples with from <= clock <= to ordered by (clock, ns)
func (h *HistoryStore) Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.Sample, error) {
	if len(itemids) == 0 || from > to {
		return []types.Sample{}, nil
	}

	q := fluxQuery{
		bucket:      h.c.bucket,
		measurement: historyMeasurement,
		itemids:     itemids,
		vt:          vt,
		start:       time.Unix(from, 0),
		stop:        time.Unix(to+1, 0),
	}

	var out []types.Sample
	err := h.c.run(ctx, q, func(rec *query.FluxRecord) error {
		s, err := sampleFromRecord(rec, vt)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(out[j].Clock, out[j].Ns)
	})
	return out, nil
}

// QueryAggregated returns at most width rows per item over [from, to]
func (h *HistoryStore) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	samples, err := h.Query(ctx, itemids, vt, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate.Bucketize(samples, from, to, width), nil
}

// Latest returns up to limit newest samples per item with clock >= since
func (h *HistoryStore) Latest(ctx context.Context, itemids []uint64, vt types.ValueType, limit int, since int64) (map[uint64][]types.Sample, error) {
	out := make(map[uint64][]types.Sample, len(itemids))
	for _, id := range itemids {
		out[id] = []types.Sample{}
	}
	if len(itemids) == 0 || limit <= 0 {
		return out, nil
	}

	start := epoch
	if since > 0 {
		start = time.Unix(since, 0)
	}
	q := fluxQuery{
		bucket:      h.c.bucket,
		measurement: historyMeasurement,
		itemids:     itemids,
		vt:          vt,
		start:       start,
		stop:        farFuture,
		desc:        true,
		limit:       limit,
	}

	err := h.c.run(ctx, q, func(rec *query.FluxRecord) error {
		s, err := sampleFromRecord(rec, vt)
		if err != nil {
			return err
		}
		if _, ok := out[s.ItemID]; ok && len(out[s.ItemID]) < limit {
			out[s.ItemID] = append(out[s.ItemID], s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, samples := range out {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[j].Before(samples[i].Clock, samples[i].Ns)
		})
		out[id] = samples
	}
	return out, nil
}

// PointBefore returns the newest sample at or before (clock, ns)
func (h *HistoryStore) PointBefore(ctx context.Context, itemid uint64, vt types.ValueType, clock int64, ns int32) (types.Sample, bool, error) {
	q := fluxQuery{
		bucket:      h.c.bucket,
		measurement: historyMeasurement,
		itemids:     []uint64{itemid},
		vt:          vt,
		start:       epoch,
		stop:        time.Unix(clock, int64(ns)+1),
		desc:        true,
		limit:       1,
	}

	var (
		found types.Sample
		ok    bool
	)
	err := h.c.run(ctx, q, func(rec *query.FluxRecord) error {
		s, err := sampleFromRecord(rec, vt)
		if err != nil {
			return err
		}
		if !ok || found.Before(s.Clock, s.Ns) {
			found, ok = s, true
		}
		return nil
	})
	if err != nil {
		return types.Sample{}, false, err
	}
	return found, ok, nil
}

// TrendStore reads hourly rows from the trends measurement
type TrendStore struct {
	c *Client
}

// Query returns trend rows with from <= clock <= to ordered by clock
func (t *TrendStore) Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.TrendRow, error) {
	if !vt.Numeric() {
		return nil, fmt.Errorf("trends hold numeric items only, got %s", vt)
	}
	if len(itemids) == 0 || from > to {
		return []types.TrendRow{}, nil
	}

	q := fluxQuery{
		bucket:      t.c.bucket,
		measurement: trendsMeasurement,
		itemids:     itemids,
		vt:          vt,
		start:       time.Unix(from, 0),
		stop:        time.Unix(to+1, 0),
	}

	var out []types.TrendRow
	err := t.c.run(ctx, q, func(rec *query.FluxRecord) error {
		row, err := trendFromRecord(rec, vt)
		if err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Clock < out[j].Clock })
	return out, nil
}

// QueryAggregated returns at most width rows per item over [from, to]
func (t *TrendStore) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	rows, err := t.Query(ctx, itemids, vt, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate.BucketizeTrends(rows, from, to, width), nil
}
