package history

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/router"
	"github.com/vjranagit/histmanager/pkg/types"
)

// LastValuesResult holds up to limit newest samples per item, newest first.
// Every requested item that did not fail has an entry, possibly empty.
type LastValuesResult struct {
	Values      map[uint64][]types.Sample
	Unavailable map[uint64]error
}

type storeGroup struct {
	backend string
	vt      types.ValueType
	items   []uint64
}

// GetLastValues returns up to limit most recent samples per item, restricted
// to the last period seconds when period > 0.
func (m *Manager) GetLastValues(ctx context.Context, items []types.Item, limit int, period int64) (*LastValuesResult, error) {
	if limit <= 0 {
		return nil, invalid("limit", "must be positive, got %d", limit)
	}
	if period < 0 {
		return nil, invalid("period", "must not be negative, got %d", period)
	}
	items = dedupe(items)
	routes, err := m.router.RouteAll(items)
	if err != nil {
		return nil, invalid("items", "%v", err)
	}

	var since int64
	if period > 0 {
		since = m.opts.Now().Unix() - period
	}

	ctx, span := m.tracer.Start(ctx, "history.GetLastValues")
	defer span.End()

	groups := groupByStore(routes)
	values := make([]map[uint64][]types.Sample, len(groups))
	errs := make([]error, len(groups))

	var g errgroup.Group
	g.SetLimit(m.opts.MaxConcurrency)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			values[i], errs[i] = callStore(ctx, m, types.SourceHistory, "latest", grp.items[0],
				func(ctx context.Context) (map[uint64][]types.Sample, error) {
					return m.history[grp.backend].Latest(ctx, grp.items, grp.vt, limit, since)
				})
			return nil
		})
	}
	_ = g.Wait()

	result := &LastValuesResult{
		Values:      make(map[uint64][]types.Sample, len(routes)),
		Unavailable: make(map[uint64]error),
	}
	for i, grp := range groups {
		cause := errs[i]
		var se *StoreError
		if errors.As(cause, &se) {
			cause = se.Err
		}
		for _, id := range grp.items {
			if cause != nil {
				result.Unavailable[id] = &StoreError{ItemID: id, Tier: types.SourceHistory, Err: cause}
				unavailableItemsTotal.Inc()
				m.logger.Warn("last values unavailable", "itemid", id, "error", cause)
				continue
			}
			result.Values[id] = newestFirst(values[i][id], limit, since)
		}
	}
	return result, nil
}

// newestFirst orders samples by descending (clock, ns), keeping the stored
// order of exact ties, and applies since and limit.
func newestFirst(samples []types.Sample, limit int, since int64) []types.Sample {
	out := make([]types.Sample, 0, len(samples))
	for _, s := range samples {
		if since > 0 && s.Clock < since {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[j].Before(out[i].Clock, out[i].Ns)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func groupByStore(routes []router.Route) []storeGroup {
	index := make(map[[2]string]int)
	var groups []storeGroup
	for _, route := range routes {
		key := [2]string{route.History, route.Item.ValueType.String()}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, storeGroup{backend: route.History, vt: route.Item.ValueType})
		}
		groups[i].items = append(groups[i].items, route.Item.ItemID)
	}
	return groups
}

// GetItemsHavingValues returns the items that have at least one sample in the
// last period seconds (any time when period is 0), in request order.
func (m *Manager) GetItemsHavingValues(ctx context.Context, items []types.Item, period int64) ([]types.Item, error) {
	last, err := m.GetLastValues(ctx, items, 1, period)
	if err != nil {
		return nil, err
	}
	var having []types.Item
	for _, item := range dedupe(items) {
		if len(last.Values[item.ItemID]) > 0 {
			having = append(having, item)
		}
	}
	return having, nil
}

// GetValueAt returns the sample at (clock, ns) or, failing that, the closest
// one before it. Trends are never consulted: they hold aggregates, not samples.
func (m *Manager) GetValueAt(ctx context.Context, item types.Item, clock int64, ns int32) (types.Sample, error) {
	if ns < 0 || ns > 999_999_999 {
		return types.Sample{}, invalid("ns", "must be within [0, 999999999], got %d", ns)
	}
	route, err := m.router.Route(item)
	if err != nil {
		return types.Sample{}, invalid("item", "%v", err)
	}

	type point struct {
		sample types.Sample
		found  bool
	}
	p, err := callStore(ctx, m, types.SourceHistory, "point_before", item.ItemID,
		func(ctx context.Context) (point, error) {
			s, found, err := m.history[route.History].PointBefore(ctx, item.ItemID, item.ValueType, clock, ns)
			return point{sample: s, found: found}, err
		})
	if err != nil {
		return types.Sample{}, err
	}
	if !p.found || !(p.sample.Before(clock, ns) || (p.sample.Clock == clock && p.sample.Ns == ns)) {
		return types.Sample{}, ErrNoData
	}
	return p.sample, nil
}

// GetAggregatedValue computes MIN, MAX or AVG over [timeFrom, now). It returns
// ErrNoData when no sample falls in the range.
func (m *Manager) GetAggregatedValue(ctx context.Context, item types.Item, fn types.Function, timeFrom int64) (float64, error) {
	switch fn {
	case types.FuncMin, types.FuncMax, types.FuncAvg:
	default:
		return 0, invalid("function", "only min, max and avg are supported, got %s", fn)
	}
	if !item.ValueType.Numeric() {
		return 0, invalid("item", "%s item %d has no numeric value", item.ValueType, item.ItemID)
	}
	route, err := m.router.Route(item)
	if err != nil {
		return 0, invalid("item", "%v", err)
	}

	now := m.opts.Now().Unix()
	if timeFrom >= now {
		return 0, ErrNoData
	}

	samples, err := callStore(ctx, m, types.SourceHistory, "query", item.ItemID,
		func(ctx context.Context) ([]types.Sample, error) {
			return m.history[route.History].Query(ctx, []uint64{item.ItemID}, item.ValueType, timeFrom, now-1)
		})
	if err != nil {
		return 0, err
	}

	own := samples[:0:0]
	for _, s := range samples {
		if s.ItemID == item.ItemID {
			own = append(own, s)
		}
	}
	v, ok, err := aggregate.Scalar(fn, own)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNoData
	}
	return v, nil
}
