// Package history answers "what represents item X between T1 and T2" by
// combining the raw history tier with the pre-aggregated trends tier.
//
// History rows always win. Trends are only consulted when history does not
// reach back to the start of the window, and only trend buckets older than
// the first history bucket are kept, so no instant is represented twice.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/bucket"
	"github.com/vjranagit/histmanager/pkg/router"
	"github.com/vjranagit/histmanager/pkg/types"
)

const (
	// DefaultTrendThreshold is how far, in seconds, history may start after
	// time_from before the trends tier is queried
	DefaultTrendThreshold int64 = 3600
	// DefaultStoreTimeout bounds each individual store call
	DefaultStoreTimeout = 10 * time.Second
	// DefaultMaxConcurrency bounds the per-item fan-out of one request
	DefaultMaxConcurrency = 16
)

// Options tunes a Manager
type Options struct {
	StoreTimeout   time.Duration
	TrendThreshold int64
	MaxConcurrency int
	Logger         *slog.Logger
	// Now is the clock used for period and "until now" queries
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = DefaultStoreTimeout
	}
	if o.TrendThreshold <= 0 {
		o.TrendThreshold = DefaultTrendThreshold
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Manager is the stateless query engine over the history and trends tiers
type Manager struct {
	router  *router.Router
	history map[string]HistoryStore
	trends  map[string]TrendStore
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewManager creates a manager. Every backend the router refers to must be
// present in history (and in trends, for the trends backend).
func NewManager(r *router.Router, history map[string]HistoryStore, trends map[string]TrendStore, opts Options) (*Manager, error) {
	if r == nil {
		return nil, fmt.Errorf("router is required")
	}
	opts.setDefaults()

	for _, vt := range types.ValueTypes() {
		route, err := r.Route(types.Item{ValueType: vt})
		if err != nil {
			return nil, err
		}
		if history[route.History] == nil {
			return nil, fmt.Errorf("no history backend %q registered for %s items", route.History, vt)
		}
		if route.HasTrends() && trends[route.Trends] == nil {
			return nil, fmt.Errorf("no trends backend %q registered", route.Trends)
		}
	}

	return &Manager{
		router:  r,
		history: history,
		trends:  trends,
		opts:    opts,
		logger:  opts.Logger,
		tracer:  otel.Tracer("github.com/vjranagit/histmanager/pkg/history"),
	}, nil
}

// SeriesResult is the outcome of a bucketed aggregation. An item present in
// Unavailable had a failed store call; an item in Series with no buckets had
// no data.
type SeriesResult struct {
	Interval    int64
	Series      map[uint64]*types.AggregatedSeries
	Unavailable map[uint64]error
}

type itemOutcome struct {
	series *types.AggregatedSeries
	err    error
}

// AggregateByWidth returns, per item, the stitched bucketed series over
// [From, To] at the resolution implied by Width.
func (m *Manager) AggregateByWidth(ctx context.Context, req AggregateRequest) (*SeriesResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	interval, err := bucket.Interval(req.From, req.To, req.Width)
	if err != nil {
		return nil, invalid("width", "%v", err)
	}
	return m.aggregate(ctx, req, interval)
}

// AggregateByInterval buckets like AggregateByWidth at the equivalent width
// but aligns ticks to the requested interval, which need not divide the window.
func (m *Manager) AggregateByInterval(ctx context.Context, req IntervalRequest) (*SeriesResult, error) {
	widthReq, err := req.ToWidth()
	if err != nil {
		return nil, err
	}
	if err := widthReq.Validate(); err != nil {
		return nil, err
	}
	return m.aggregate(ctx, widthReq, req.Interval)
}

// aggregate fans out one stitched series per item. Stores bucket by
// req.Width; output ticks align to interval.
func (m *Manager) aggregate(ctx context.Context, req AggregateRequest, interval int64) (*SeriesResult, error) {
	items := dedupe(req.Items)
	routes, err := m.router.RouteAll(items)
	if err != nil {
		return nil, invalid("items", "%v", err)
	}

	ctx, span := m.tracer.Start(ctx, "history.Aggregate", trace.WithAttributes(
		attribute.Int("items", len(items)),
		attribute.Int64("time_from", req.From),
		attribute.Int64("time_to", req.To),
		attribute.Int("width", req.Width),
		attribute.Int64("interval", interval),
		attribute.String("function", req.Function.String()),
	))
	defer span.End()

	outcomes := make([]itemOutcome, len(routes))
	var g errgroup.Group
	g.SetLimit(m.opts.MaxConcurrency)
	for i, route := range routes {
		i, route := i, route
		g.Go(func() error {
			series, err := m.aggregateItem(ctx, route, req, interval)
			outcomes[i] = itemOutcome{series: series, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := &SeriesResult{
		Interval:    interval,
		Series:      make(map[uint64]*types.AggregatedSeries, len(routes)),
		Unavailable: make(map[uint64]error),
	}
	for i, route := range routes {
		id := route.Item.ItemID
		if outcomes[i].err != nil {
			result.Unavailable[id] = outcomes[i].err
			unavailableItemsTotal.Inc()
			m.logger.Warn("item omitted from aggregation", "itemid", id, "error", outcomes[i].err)
			continue
		}
		result.Series[id] = outcomes[i].series
	}

	if len(result.Unavailable) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d items unavailable", len(result.Unavailable)))
	}
	m.logger.Debug("aggregated series",
		"items", len(routes),
		"unavailable", len(result.Unavailable),
		"interval", interval,
		"function", req.Function.String())

	return result, nil
}

func (m *Manager) aggregateItem(ctx context.Context, route router.Route, req AggregateRequest, interval int64) (*types.AggregatedSeries, error) {
	item := route.Item
	series := &types.AggregatedSeries{
		ItemID:   item.ItemID,
		Function: req.Function,
		Sources:  []types.Source{},
		Data:     []types.Bucket{},
	}

	historyRows, err := callStore(ctx, m, types.SourceHistory, "query_aggregated", item.ItemID,
		func(ctx context.Context) (map[uint64][]types.AggRow, error) {
			return m.history[route.History].QueryAggregated(ctx, []uint64{item.ItemID}, item.ValueType, req.From, req.To, req.Width)
		})
	if err != nil {
		return nil, err
	}

	rows := historyRows[item.ItemID]
	historyStart := req.To
	for _, row := range rows {
		if row.Clock < historyStart {
			historyStart = row.Clock
		}
	}

	buckets, err := aggregate.Buckets(req.Function, types.SourceHistory, interval, rows)
	if err != nil {
		return nil, err
	}
	if len(buckets) > 0 {
		series.Sources = append(series.Sources, types.SourceHistory)
		series.Data = append(series.Data, buckets...)
	}

	if route.HasTrends() && historyStart-req.From > m.opts.TrendThreshold {
		trendRows, err := callStore(ctx, m, types.SourceTrends, "query_aggregated", item.ItemID,
			func(ctx context.Context) (map[uint64][]types.AggRow, error) {
				return m.trends[route.Trends].QueryAggregated(ctx, []uint64{item.ItemID}, item.ValueType, req.From, req.To, req.Width)
			})
		if err != nil {
			return nil, err
		}

		kept := stitch(trendRows[item.ItemID], historyStart)
		trendBuckets, err := aggregate.Buckets(req.Function, types.SourceTrends, interval, kept)
		if err != nil {
			return nil, err
		}
		if len(trendBuckets) > 0 {
			series.Sources = append(series.Sources, types.SourceTrends)
			series.Data = append(series.Data, trendBuckets...)
		}
	}

	sort.SliceStable(series.Data, func(i, j int) bool {
		return series.Data[i].Clock < series.Data[j].Clock
	})
	return series, nil
}

// stitch keeps the trend rows strictly older than the first history row
func stitch(rows []types.AggRow, historyStart int64) []types.AggRow {
	kept := make([]types.AggRow, 0, len(rows))
	for _, row := range rows {
		if row.Clock < historyStart {
			kept = append(kept, row)
		}
	}
	stitchedTrendBuckets.WithLabelValues("kept").Add(float64(len(kept)))
	stitchedTrendBuckets.WithLabelValues("dropped").Add(float64(len(rows) - len(kept)))
	return kept
}

// callStore runs one store call under the manager's per-call timeout. A store
// that ignores its context still cannot hold the request past the timeout.
func callStore[T any](ctx context.Context, m *Manager, tier types.Source, op string, itemID uint64, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := m.tracer.Start(ctx, "history.store."+op, trace.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.Int64("itemid", int64(itemID)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	storeCallDuration.WithLabelValues(string(tier), op).Observe(time.Since(start).Seconds())

	if r.err != nil {
		storeCallsTotal.WithLabelValues(string(tier), op, "error").Inc()
		span.RecordError(r.err)
		span.SetStatus(codes.Error, r.err.Error())
		var zero T
		return zero, &StoreError{ItemID: itemID, Tier: tier, Err: r.err}
	}
	storeCallsTotal.WithLabelValues(string(tier), op, "ok").Inc()
	return r.v, nil
}
