package storage

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/histmanager/pkg/aggregate"
	"github.com/vjranagit/histmanager/pkg/types"
)

// TrendStore keeps one CBOR-encoded hourly row per item and clock
type TrendStore struct {
	db        *badger.DB
	retention int64
}

// Write stores already computed trend rows. A row for an existing
// (item, clock) replaces it.
func (t *TrendStore) Write(ctx context.Context, rows []types.TrendRow) error {
	if len(rows) == 0 {
		return nil
	}

	wb := t.db.NewWriteBatch()
	defer wb.Cancel()

	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.Type.Numeric() {
			return fmt.Errorf("item %d: trends hold numeric items only, got %s", r.ItemID, r.Type)
		}
		data, err := marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode trend row: %w", err)
		}
		e := badger.NewEntry(clockKey(trendPrefix, r.ItemID, r.Clock), data)
		e.ExpiresAt = expiresAt(r.Clock+blockSeconds, t.retention)
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("failed to write trend row: %w", err)
		}
	}
	return wb.Flush()
}

// Query returns the trend rows with from <= clock <= to, ordered by item then clock
func (t *TrendStore) Query(ctx context.Context, itemids []uint64, vt types.ValueType, from, to int64) ([]types.TrendRow, error) {
	if !vt.Numeric() {
		return nil, fmt.Errorf("%s items have no trends", vt)
	}

	var out []types.TrendRow
	err := t.db.View(func(txn *badger.Txn) error {
		for _, id := range itemids {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := itemPrefix(trendPrefix, id)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			for it.Seek(clockKey(trendPrefix, id, from)); it.ValidForPrefix(prefix); it.Next() {
				if keyClock(it.Item().Key()) > to {
					break
				}
				var row types.TrendRow
				err := it.Item().Value(func(val []byte) error {
					return unmarshal(val, &row)
				})
				if err != nil {
					it.Close()
					return fmt.Errorf("failed to decode trend row: %w", err)
				}
				if row.Type == vt {
					out = append(out, row)
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
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
