package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/histmanager/pkg/types"
)

// Catalog maps item ids to their definitions. It keeps inverted indexes by
// host and by value type in memory and persists items under "c/<itemid>".
type Catalog struct {
	db *badger.DB

	mu     sync.RWMutex
	items  map[uint64]types.Item
	byHost map[uint64]map[uint64]struct{}
	byType map[types.ValueType]map[uint64]struct{}
}

// CatalogFilter selects items; zero fields match everything
type CatalogFilter struct {
	HostID    uint64
	ValueType *types.ValueType
}

func newCatalog(db *badger.DB) *Catalog {
	return &Catalog{
		db:     db,
		items:  make(map[uint64]types.Item),
		byHost: make(map[uint64]map[uint64]struct{}),
		byType: make(map[types.ValueType]map[uint64]struct{}),
	}
}

// loadCatalog reads every persisted item
func loadCatalog(db *badger.DB) (*Catalog, error) {
	c := newCatalog(db)
	prefix := []byte{catalogPrefix, '/'}

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var item types.Item
			if err := it.Item().Value(func(val []byte) error {
				return unmarshal(val, &item)
			}); err != nil {
				return fmt.Errorf("failed to decode item %x: %w", it.Item().Key(), err)
			}
			c.indexLocked(item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds or updates items. An incoming item without host or key keeps
// the stored ones, so samples can register their item without erasing metadata.
func (c *Catalog) Register(items ...types.Item) error {
	if len(items) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := make(map[uint64]types.Item)
	for _, item := range items {
		current, ok := changed[item.ItemID]
		if !ok {
			current, ok = c.items[item.ItemID]
		}
		if ok {
			if item.HostID == 0 {
				item.HostID = current.HostID
			}
			if item.Key == "" {
				item.Key = current.Key
			}
			if item == current {
				continue
			}
		}
		changed[item.ItemID] = item
	}
	if len(changed) == 0 {
		return nil
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for id, item := range changed {
		data, err := marshal(item)
		if err != nil {
			return fmt.Errorf("failed to encode item %d: %w", id, err)
		}
		if err := wb.Set(catalogKey(id), data); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	for _, item := range changed {
		c.indexLocked(item)
	}
	return nil
}

func (c *Catalog) indexLocked(item types.Item) {
	if old, ok := c.items[item.ItemID]; ok {
		removeFrom(c.byHost, old.HostID, item.ItemID)
		removeFrom(c.byType, old.ValueType, item.ItemID)
	}
	c.items[item.ItemID] = item
	addTo(c.byHost, item.HostID, item.ItemID)
	addTo(c.byType, item.ValueType, item.ItemID)
}

// Get retrieves an item by id
func (c *Catalog) Get(id uint64) (types.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Lookup resolves ids in order and reports the ones it does not know
func (c *Catalog) Lookup(ids []uint64) (found []types.Item, missing []uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			found = append(found, item)
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing
}

// Find returns the items matching every set filter field, ordered by id
func (c *Catalog) Find(f CatalogFilter) []types.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []uint64
	first := true
	narrow := func(set map[uint64]struct{}) {
		list := keys(set)
		if first {
			ids, first = list, false
			return
		}
		ids = intersect(ids, list)
	}
	if f.HostID != 0 {
		narrow(c.byHost[f.HostID])
	}
	if f.ValueType != nil {
		narrow(c.byType[*f.ValueType])
	}
	if first {
		ids = make([]uint64, 0, len(c.items))
		for id := range c.items {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	out := make([]types.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.items[id])
	}
	return out
}

// Count returns the number of registered items
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func catalogKey(itemid uint64) []byte {
	return itemPrefix(catalogPrefix, itemid)[:10]
}

func addTo[K comparable](index map[K]map[uint64]struct{}, k K, id uint64) {
	set, ok := index[k]
	if !ok {
		set = make(map[uint64]struct{})
		index[k] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](index map[K]map[uint64]struct{}, k K, id uint64) {
	set := index[k]
	delete(set, id)
	if len(set) == 0 {
		delete(index, k)
	}
}

// keys returns the set members in ascending order
func keys(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// intersect finds common elements in two sorted slices
func intersect(a, b []uint64) []uint64 {
	result := make([]uint64, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			i++
		} else if a[i] > b[j] {
			j++
		} else {
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}
