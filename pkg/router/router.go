package router

import (
	"fmt"

	"github.com/vjranagit/histmanager/pkg/types"
)

// DefaultBackend is the backend name used when a value type has no explicit entry
const DefaultBackend = "badger"

// Config says which named backend serves each value type
type Config struct {
	// History maps a value type to the backend holding its raw samples
	History map[types.ValueType]string
	// Trends names the backend holding trend rows; empty disables the trends tier
	Trends string
}

// DefaultConfig serves everything from the embedded store
func DefaultConfig() Config {
	history := make(map[types.ValueType]string)
	for _, vt := range types.ValueTypes() {
		history[vt] = DefaultBackend
	}
	return Config{History: history, Trends: DefaultBackend}
}

// Route is the routing decision for one item
type Route struct {
	Item    types.Item
	History string
	// Trends is empty when the item has no trends tier
	Trends string
}

// HasTrends reports whether the trends tier may serve the item
func (r Route) HasTrends() bool {
	return r.Trends != ""
}

// Router maps items to the stores holding their samples
type Router struct {
	cfg Config
}

// New creates a router over a copy of cfg
func New(cfg Config) *Router {
	history := make(map[types.ValueType]string, len(cfg.History))
	for vt, backend := range cfg.History {
		history[vt] = backend
	}
	return &Router{cfg: Config{History: history, Trends: cfg.Trends}}
}

// Route decides where the item's samples live
func (r *Router) Route(item types.Item) (Route, error) {
	if !item.ValueType.Valid() {
		return Route{}, fmt.Errorf("item %d: unknown value type %d", item.ItemID, item.ValueType)
	}

	route := Route{Item: item, History: r.cfg.History[item.ValueType]}
	if route.History == "" {
		route.History = DefaultBackend
	}
	if item.ValueType.Numeric() {
		route.Trends = r.cfg.Trends
	}
	return route, nil
}

// RouteAll routes every item once; the returned slice is index-aligned with items
func (r *Router) RouteAll(items []types.Item) ([]Route, error) {
	routes := make([]Route, len(items))
	for i, item := range items {
		route, err := r.Route(item)
		if err != nil {
			return nil, err
		}
		routes[i] = route
	}
	return routes, nil
}

// Backends lists every backend name the configuration refers to
func (r *Router) Backends() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, vt := range types.ValueTypes() {
		backend := r.cfg.History[vt]
		if backend == "" {
			backend = DefaultBackend
		}
		add(backend)
	}
	add(r.cfg.Trends)
	return names
}

// Split divides a write by destination backend. Samples and declared items
// follow their value type's history backend; trend rows go to the trends
// backend.
func (r *Router) Split(req *types.WriteRequest) (map[string]*types.WriteRequest, error) {
	out := make(map[string]*types.WriteRequest)
	dest := func(backend string) *types.WriteRequest {
		w, ok := out[backend]
		if !ok {
			w = &types.WriteRequest{}
			out[backend] = w
		}
		return w
	}

	for _, item := range req.Items {
		route, err := r.Route(item)
		if err != nil {
			return nil, err
		}
		w := dest(route.History)
		w.Items = append(w.Items, item)
	}
	for _, s := range req.Samples {
		route, err := r.Route(types.Item{ItemID: s.ItemID, ValueType: s.Type})
		if err != nil {
			return nil, err
		}
		w := dest(route.History)
		w.Samples = append(w.Samples, s)
	}
	for _, row := range req.Trends {
		route, err := r.Route(types.Item{ItemID: row.ItemID, ValueType: row.Type})
		if err != nil {
			return nil, err
		}
		if !route.HasTrends() {
			return nil, fmt.Errorf("item %d: no trends tier for %s items", row.ItemID, row.Type)
		}
		w := dest(route.Trends)
		w.Trends = append(w.Trends, row)
	}
	return out, nil
}
