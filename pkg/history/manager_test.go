package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/router"
	"github.com/vjranagit/histmanager/pkg/types"
)

// memHistory is an in-memory HistoryStore
type memHistory struct {
	mu      sync.Mutex
	samples []types.Sample
	fail    map[uint64]error
	block   map[uint64]bool
	calls   int
}

func (h *memHistory) add(samples ...types.Sample) {
	h.samples = append(h.samples, samples...)
}

func (h *memHistory) check(ctx context.Context, itemids []uint64) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	for _, id := range itemids {
		if h.block[id] {
			// ignores ctx on purpose: the manager must still time out
			time.Sleep(time.Second)
		}
		if err := h.fail[id]; err != nil {
			return err
		}
	}
	return nil
}

func (h *memHistory) Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.Sample, error) {
	if err := h.check(ctx, itemids); err != nil {
		return nil, err
	}
	want := make(map[uint64]bool)
	for _, id := range itemids {
		want[id] = true
	}
	var out []types.Sample
	for _, s := range h.samples {
		if want[s.ItemID] && s.Clock >= from && s.Clock <= to {
			out = append(out, s)
		}
	}
	return out, nil
}

func (h *memHistory) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	samples, err := h.Query(ctx, itemids, vt, from, to)
	if err != nil {
		return nil, err
	}
	return aggregate.Bucketize(samples, from, to, width), nil
}

func (h *memHistory) Latest(ctx context.Context, itemids []uint64, vt types.ValueType, limit int, since int64) (map[uint64][]types.Sample, error) {
	if err := h.check(ctx, itemids); err != nil {
		return nil, err
	}
	out := make(map[uint64][]types.Sample)
	for _, id := range itemids {
		var own []types.Sample
		for _, s := range h.samples {
			if s.ItemID == id && (since <= 0 || s.Clock >= since) {
				own = append(own, s)
			}
		}
		sort.SliceStable(own, func(i, j int) bool { return own[j].Before(own[i].Clock, own[i].Ns) })
		if len(own) > limit {
			own = own[:limit]
		}
		out[id] = own
	}
	return out, nil
}

func (h *memHistory) PointBefore(ctx context.Context, itemid uint64, vt types.ValueType, clock int64, ns int32) (types.Sample, bool, error) {
	if err := h.check(ctx, []uint64{itemid}); err != nil {
		return types.Sample{}, false, err
	}
	var best types.Sample
	found := false
	for _, s := range h.samples {
		if s.ItemID != itemid || !(s.Before(clock, ns) || (s.Clock == clock && s.Ns == ns)) {
			continue
		}
		if !found || best.Before(s.Clock, s.Ns) {
			best, found = s, true
		}
	}
	return best, found, nil
}

// memTrends is an in-memory TrendStore
type memTrends struct {
	mu    sync.Mutex
	rows  []types.TrendRow
	fail  error
	calls int
}

func (tr *memTrends) QueryAggregated(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64, width int) (map[uint64][]types.AggRow, error) {
	tr.mu.Lock()
	tr.calls++
	tr.mu.Unlock()
	if tr.fail != nil {
		return nil, tr.fail
	}
	want := make(map[uint64]bool)
	for _, id := range itemids {
		want[id] = true
	}
	var rows []types.TrendRow
	for _, r := range tr.rows {
		if want[r.ItemID] {
			rows = append(rows, r)
		}
	}
	return aggregate.BucketizeTrends(rows, from, to, width), nil
}

func fs(id uint64, clock int64, v float64) types.Sample {
	return types.Sample{ItemID: id, Clock: clock, Type: types.ValueTypeFloat, Float: v}
}

func floatItem(id uint64) types.Item {
	return types.Item{ItemID: id, ValueType: types.ValueTypeFloat}
}

func newTestManager(t *testing.T, h *memHistory, tr *memTrends, opts Options) *Manager {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Unix(100_000, 0) }
	}
	m, err := NewManager(router.New(router.DefaultConfig()),
		map[string]HistoryStore{router.DefaultBackend: h},
		map[string]TrendStore{router.DefaultBackend: tr},
		opts)
	require.NoError(t, err)
	return m
}

func TestAggregateByWidthHistoryOnly(t *testing.T) {
	h := &memHistory{}
	h.add(fs(1, 100, 1), fs(1, 200, 2), fs(1, 300, 3))
	tr := &memTrends{}
	m := newTestManager(t, h, tr, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1)}, From: 0, To: 300, Width: 3, Function: types.FuncAvg,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Interval)
	require.Empty(t, res.Unavailable)

	series := res.Series[1]
	require.NotNil(t, series)
	require.Len(t, series.Data, 3)
	for i, b := range series.Data {
		assert.Equal(t, float64(i+1), b.Value)
		assert.Equal(t, int64((i+1)*100), b.Clock)
		assert.Equal(t, b.Clock-b.Clock%100, b.Tick)
		assert.LessOrEqual(t, b.Tick, b.Clock)
		assert.Less(t, b.Clock, b.Tick+res.Interval)
	}
	assert.Equal(t, []types.Source{types.SourceHistory}, series.Sources)
	// history reaches back to 100, within the threshold of time_from
	assert.Zero(t, tr.calls)
}

func TestAggregateByWidthStitchesTrends(t *testing.T) {
	h := &memHistory{}
	tr := &memTrends{}

	// history retention only covers the last part of the window
	for clock := int64(90_000); clock <= 100_000; clock += 500 {
		h.add(fs(1, clock, 10))
	}
	for clock := int64(0); clock <= 100_000; clock += 3600 {
		tr.rows = append(tr.rows, types.TrendRow{ItemID: 1, Clock: clock, ValueMin: 1, ValueMax: 3, ValueAvg: 2, Num: 60})
	}
	m := newTestManager(t, h, tr, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1)}, From: 0, To: 100_000, Width: 100, Function: types.FuncAvg,
	})
	require.NoError(t, err)
	series := res.Series[1]
	require.NotNil(t, series)
	assert.Equal(t, []types.Source{types.SourceHistory, types.SourceTrends}, series.Sources)
	assert.Equal(t, 1, tr.calls)

	historyStart := int64(-1)
	for _, b := range series.Data {
		if b.Source == types.SourceHistory && (historyStart < 0 || b.Clock < historyStart) {
			historyStart = b.Clock
		}
	}
	// 90000 closes bucket 89 on its own; later buckets hold two samples each
	require.Equal(t, int64(90_000), historyStart)

	clocks := make(map[int64]bool)
	var trendBuckets int
	for i, b := range series.Data {
		assert.False(t, clocks[b.Clock], "clock %d represented twice", b.Clock)
		clocks[b.Clock] = true
		if i > 0 {
			assert.LessOrEqual(t, series.Data[i-1].Clock, b.Clock)
		}
		if b.Source == types.SourceTrends {
			trendBuckets++
			assert.Less(t, b.Clock, historyStart)
			assert.Equal(t, float64(2), b.Value)
		} else {
			assert.Equal(t, float64(10), b.Value)
		}
	}
	assert.Positive(t, trendBuckets)
}

func TestAggregateByWidthRetentionScenario(t *testing.T) {
	h := &memHistory{}
	tr := &memTrends{}
	h.add(fs(1, 250, 5), fs(1, 275, 6), fs(1, 300, 7))
	for clock := int64(0); clock <= 300; clock += 25 {
		tr.rows = append(tr.rows, types.TrendRow{ItemID: 1, Clock: clock, ValueMin: 1, ValueMax: 1, ValueAvg: 1, Num: 1})
	}
	// lower the threshold so a 250s gap triggers the trends tier
	m := newTestManager(t, h, tr, Options{TrendThreshold: 60})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1)}, From: 0, To: 300, Width: 12, Function: types.FuncMax,
	})
	require.NoError(t, err)
	series := res.Series[1]
	require.NotNil(t, series)

	for _, b := range series.Data {
		if b.Source == types.SourceTrends {
			assert.Less(t, b.Clock, int64(250))
		} else {
			assert.GreaterOrEqual(t, b.Clock, int64(250))
		}
	}
	assert.True(t, series.HasSource(types.SourceTrends))
	assert.True(t, series.HasSource(types.SourceHistory))
}

func TestAggregateByWidthNoDataIsEmptyNotAbsent(t *testing.T) {
	m := newTestManager(t, &memHistory{}, &memTrends{}, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(5)}, From: 0, To: 86_400, Width: 10, Function: types.FuncMin,
	})
	require.NoError(t, err)
	series, ok := res.Series[5]
	require.True(t, ok)
	assert.Empty(t, series.Data)
	assert.Empty(t, series.Sources)
	assert.NotContains(t, res.Unavailable, uint64(5))
}

func TestAggregateByWidthPartialFailure(t *testing.T) {
	h := &memHistory{fail: map[uint64]error{2: errors.New("connection refused")}}
	h.add(fs(1, 100, 1), fs(2, 100, 2))
	m := newTestManager(t, h, &memTrends{}, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1), floatItem(2)}, From: 0, To: 300, Width: 3, Function: types.FuncSum,
	})
	require.NoError(t, err)
	require.Contains(t, res.Series, uint64(1))
	assert.NotContains(t, res.Series, uint64(2))
	require.Contains(t, res.Unavailable, uint64(2))
	assert.True(t, IsStoreUnavailable(res.Unavailable[2]))

	var se *StoreError
	require.ErrorAs(t, res.Unavailable[2], &se)
	assert.Equal(t, types.SourceHistory, se.Tier)
}

func TestAggregateByWidthTrendFailureOmitsItem(t *testing.T) {
	h := &memHistory{}
	h.add(fs(1, 90_000, 1))
	tr := &memTrends{fail: errors.New("trend backend down")}
	m := newTestManager(t, h, tr, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1)}, From: 0, To: 100_000, Width: 10, Function: types.FuncAvg,
	})
	require.NoError(t, err)
	assert.NotContains(t, res.Series, uint64(1))
	var se *StoreError
	require.ErrorAs(t, res.Unavailable[1], &se)
	assert.Equal(t, types.SourceTrends, se.Tier)
}

func TestAggregateByWidthStoreTimeout(t *testing.T) {
	h := &memHistory{block: map[uint64]bool{2: true}}
	h.add(fs(1, 100, 1))
	m := newTestManager(t, h, &memTrends{}, Options{StoreTimeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1), floatItem(2)}, From: 0, To: 300, Width: 3, Function: types.FuncAvg,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Contains(t, res.Series, uint64(1))
	require.Contains(t, res.Unavailable, uint64(2))
	assert.ErrorIs(t, res.Unavailable[2], context.DeadlineExceeded)
}

func TestAggregateByWidthTextItemsSkipTrends(t *testing.T) {
	h := &memHistory{}
	h.add(types.Sample{ItemID: 3, Clock: 99_000, Type: types.ValueTypeLog, Str: "a"},
		types.Sample{ItemID: 3, Clock: 99_500, Type: types.ValueTypeLog, Str: "b"})
	tr := &memTrends{}
	m := newTestManager(t, h, tr, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items:    []types.Item{{ItemID: 3, ValueType: types.ValueTypeLog}},
		From:     0,
		To:       100_000,
		Width:    1,
		Function: types.FuncCount,
	})
	require.NoError(t, err)
	require.Len(t, res.Series[3].Data, 1)
	assert.Equal(t, float64(2), res.Series[3].Data[0].Value)
	assert.Zero(t, tr.calls)
}

func TestAggregateRejectsInvalidRequests(t *testing.T) {
	h := &memHistory{}
	m := newTestManager(t, h, &memTrends{}, Options{})
	ctx := context.Background()
	items := []types.Item{floatItem(1)}

	testCases := []struct {
		name string
		req  AggregateRequest
	}{
		{name: "zero width", req: AggregateRequest{Items: items, From: 0, To: 10, Width: 0, Function: types.FuncAvg}},
		{name: "negative width", req: AggregateRequest{Items: items, From: 0, To: 10, Width: -1, Function: types.FuncAvg}},
		{name: "from after to", req: AggregateRequest{Items: items, From: 20, To: 10, Width: 1, Function: types.FuncAvg}},
		{name: "empty window", req: AggregateRequest{Items: items, From: 10, To: 10, Width: 1, Function: types.FuncAvg}},
		{name: "unknown function", req: AggregateRequest{Items: items, From: 0, To: 10, Width: 1, Function: 99}},
		{name: "missing function", req: AggregateRequest{Items: items, From: 0, To: 10, Width: 1}},
		{name: "no items", req: AggregateRequest{From: 0, To: 10, Width: 1, Function: types.FuncAvg}},
		{name: "avg of text", req: AggregateRequest{
			Items: []types.Item{{ItemID: 2, ValueType: types.ValueTypeText}}, From: 0, To: 10, Width: 1, Function: types.FuncAvg,
		}},
		{name: "unknown value type", req: AggregateRequest{
			Items: []types.Item{{ItemID: 2, ValueType: 77}}, From: 0, To: 10, Width: 1, Function: types.FuncCount,
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.AggregateByWidth(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, IsInvalidRequest(err), err.Error())
		})
	}

	_, err := m.AggregateByInterval(ctx, IntervalRequest{Items: items, From: 0, To: 10, Interval: 0, Function: types.FuncAvg})
	assert.True(t, IsInvalidRequest(err))
	assert.Zero(t, h.calls, "invalid requests never reach the store")
}

func TestAggregateByIntervalMatchesWidth(t *testing.T) {
	h := &memHistory{}
	tr := &memTrends{}
	// every interval below divides the window evenly
	const to = 100_800
	for clock := int64(50_000); clock <= to; clock += 77 {
		h.add(fs(1, clock, float64(clock%13)))
	}
	for clock := int64(0); clock <= to; clock += 3600 {
		tr.rows = append(tr.rows, types.TrendRow{ItemID: 1, Clock: clock, ValueMin: 0, ValueMax: 12, ValueAvg: 6, Num: 40})
	}
	m := newTestManager(t, h, tr, Options{})
	ctx := context.Background()
	items := []types.Item{floatItem(1)}

	for _, interval := range []int64{70, 300, 3600, 7200} {
		for _, fn := range []types.Function{types.FuncAvg, types.FuncCount, types.FuncLast} {
			byInterval, err := m.AggregateByInterval(ctx, IntervalRequest{Items: items, From: 0, To: to, Interval: interval, Function: fn})
			require.NoError(t, err)
			byWidth, err := m.AggregateByWidth(ctx, AggregateRequest{Items: items, From: 0, To: to, Width: int(to / interval), Function: fn})
			require.NoError(t, err)
			assert.Equal(t, byWidth.Series[1].Data, byInterval.Series[1].Data, "interval %d fn %s", interval, fn)
		}
	}
}

func TestAggregateByIntervalKeepsRequestedAlignment(t *testing.T) {
	h := &memHistory{}
	h.add(fs(1, 140, 1), fs(1, 280, 2))
	m := newTestManager(t, h, &memTrends{}, Options{})

	// 70 does not divide the 300s window, whose width-derived interval is 75
	res, err := m.AggregateByInterval(context.Background(), IntervalRequest{
		Items: []types.Item{floatItem(1)}, From: 0, To: 300, Interval: 70, Function: types.FuncAvg,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Interval)

	data := res.Series[1].Data
	require.Len(t, data, 2)
	assert.Equal(t, int64(140), data[0].Clock)
	assert.Equal(t, int64(140), data[0].Tick)
	assert.Equal(t, int64(280), data[1].Clock)
	assert.Equal(t, int64(280), data[1].Tick)
	for _, b := range data {
		assert.Equal(t, b.Clock-b.Clock%70, b.Tick)
	}
}

func TestAggregateByIntervalRejectsUnsupportedFunction(t *testing.T) {
	h := &memHistory{}
	m := newTestManager(t, h, &memTrends{}, Options{})

	_, err := m.AggregateByInterval(context.Background(), IntervalRequest{
		Items:    []types.Item{{ItemID: 3, ValueType: types.ValueTypeStr}},
		From:     0,
		To:       300,
		Interval: 60,
		Function: types.FuncAvg,
	})
	assert.True(t, IsInvalidRequest(err))
	assert.Zero(t, h.calls)
}

func TestAggregateDedupesItems(t *testing.T) {
	h := &memHistory{}
	h.add(fs(1, 100, 1))
	m := newTestManager(t, h, &memTrends{}, Options{})

	res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
		Items: []types.Item{floatItem(1), floatItem(1)}, From: 0, To: 300, Width: 3, Function: types.FuncCount,
	})
	require.NoError(t, err)
	assert.Len(t, res.Series, 1)
	assert.Equal(t, 1, h.calls)
}

func TestAggregateFirstLastOnTrendsUseAverage(t *testing.T) {
	tr := &memTrends{rows: []types.TrendRow{
		{ItemID: 1, Clock: 0, ValueMin: 1, ValueMax: 9, ValueAvg: 4, Num: 10},
	}}
	m := newTestManager(t, &memHistory{}, tr, Options{})

	for _, fn := range []types.Function{types.FuncFirst, types.FuncLast} {
		res, err := m.AggregateByWidth(context.Background(), AggregateRequest{
			Items: []types.Item{floatItem(1)}, From: 0, To: 86_400, Width: 24, Function: fn,
		})
		require.NoError(t, err)
		require.Len(t, res.Series[1].Data, 1)
		assert.Equal(t, float64(4), res.Series[1].Data[0].Value)
		assert.Equal(t, types.SourceTrends, res.Series[1].Data[0].Source)
	}
}

func TestNewManagerRequiresBackends(t *testing.T) {
	_, err := NewManager(router.New(router.DefaultConfig()), map[string]HistoryStore{}, nil, Options{})
	assert.Error(t, err)

	_, err = NewManager(router.New(router.DefaultConfig()),
		map[string]HistoryStore{router.DefaultBackend: &memHistory{}}, nil, Options{})
	assert.Error(t, err, "trends backend missing")

	_, err = NewManager(router.New(router.Config{}),
		map[string]HistoryStore{router.DefaultBackend: &memHistory{}}, nil, Options{})
	assert.NoError(t, err, "trends disabled")
}
